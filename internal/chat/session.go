package chat

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// Store persists the active conversation id between runs. The storage
// mechanism is a collaborator, not owned by the engine.
type Store interface {
	Load() (string, error)
	Save(id string) error
}

// FileStore keeps the conversation id in a small file, the CLI's stand-in for
// the widget's browser storage.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Load() (string, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("chat: load session: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (s *FileStore) Save(id string) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("chat: save session: %w", err)
	}
	if err := os.WriteFile(s.path, []byte(id+"\n"), 0o644); err != nil {
		return fmt.Errorf("chat: save session: %w", err)
	}
	return nil
}

// Session holds the active conversation identifier. The id starts empty for a
// fresh conversation, is restored from the store at construction, and is set
// exactly once per new conversation when the backend announces it.
type Session struct {
	id     string
	store  Store
	logger *zap.Logger
}

// NewSession restores the persisted conversation id, if any. A failed load is
// logged and treated as an empty session rather than an error.
func NewSession(store Store, logger *zap.Logger) *Session {
	s := &Session{store: store, logger: logger}
	if store == nil {
		return s
	}
	id, err := store.Load()
	if err != nil {
		logger.Warn("failed to restore session, starting fresh", zap.Error(err))
		return s
	}
	s.id = id
	return s
}

// ID returns the current conversation id, empty if no conversation exists yet.
func (s *Session) ID() string { return s.id }

// Set records a conversation id and persists it. Persistence failures are
// logged but do not fail the turn; the in-memory id is authoritative for the
// session's lifetime.
func (s *Session) Set(id string) {
	if id == s.id {
		return
	}
	s.id = id
	if s.store == nil {
		return
	}
	if err := s.store.Save(id); err != nil {
		s.logger.Warn("failed to persist conversation id",
			zap.Error(err),
			zap.String("conversationID", id))
	}
}

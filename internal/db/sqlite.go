package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/multierr"

	"coachchat/internal/models"
)

// ErrNotFound is returned when a conversation id does not exist.
var ErrNotFound = errors.New("db: not found")

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    response_id TEXT NOT NULL DEFAULT '',
    parent_message_id TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS messages_conversation_idx
    ON messages(conversation_id, created_at);

CREATE TABLE IF NOT EXISTS knowledge (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    content TEXT NOT NULL,
    source TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL
);

CREATE VIRTUAL TABLE IF NOT EXISTS knowledge_fts USING fts4(
    content,
    tokenize=porter
);

CREATE TRIGGER IF NOT EXISTS knowledge_ai AFTER INSERT ON knowledge BEGIN
    INSERT INTO knowledge_fts(docid, content) VALUES (new.id, new.content);
END;

CREATE TRIGGER IF NOT EXISTS knowledge_ad AFTER DELETE ON knowledge BEGIN
    DELETE FROM knowledge_fts WHERE docid = old.id;
END;`

type Database struct {
	db *sql.DB
}

func New(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, err
	}

	return &Database{db: db}, nil
}

func (db *Database) Close() error {
	return db.db.Close()
}

func (db *Database) CreateConversation(title string) (*models.Conversation, error) {
	conv := &models.Conversation{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: time.Now().UTC(),
	}
	conv.UpdatedAt = conv.CreatedAt

	_, err := db.db.Exec(`
        INSERT INTO conversations (id, title, created_at, updated_at)
        VALUES (?, ?, ?, ?)`,
		conv.ID, conv.Title, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

func (db *Database) GetConversation(id string) (*models.Conversation, error) {
	var conv models.Conversation
	err := db.db.QueryRow(`
        SELECT id, title, created_at, updated_at
        FROM conversations WHERE id = ?`, id).
		Scan(&conv.ID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &conv, nil
}

func (db *Database) GetConversations() ([]models.Conversation, error) {
	rows, err := db.db.Query(`
        SELECT id, title, created_at, updated_at
        FROM conversations
        ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("get conversations: %w", err)
	}
	defer rows.Close()

	conversations := make([]models.Conversation, 0)
	for rows.Next() {
		var conv models.Conversation
		if err := rows.Scan(&conv.ID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conversations = append(conversations, conv)
	}
	return conversations, rows.Err()
}

// AddMessage persists a message under a fresh durable id and bumps the
// conversation's updated_at, in one transaction.
func (db *Database) AddMessage(conversationID string, role models.Role, content, responseID, parentMessageID string) (*models.Message, error) {
	msg := &models.Message{
		ID:              models.DurableID(uuid.NewString()),
		ConversationID:  conversationID,
		Role:            role,
		Content:         content,
		ResponseID:      responseID,
		ParentMessageID: parentMessageID,
		CreatedAt:       time.Now().UTC(),
	}

	tx, err := db.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
        INSERT INTO messages (id, conversation_id, role, content, response_id, parent_message_id, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID.String(), msg.ConversationID, string(msg.Role), msg.Content,
		msg.ResponseID, msg.ParentMessageID, msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.Exec(`UPDATE conversations SET updated_at = ? WHERE id = ?`,
		msg.CreatedAt, conversationID); err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return msg, nil
}

// GetConversationMessages returns a conversation's messages in insertion
// order, the shape the client loads straight into its transcript.
func (db *Database) GetConversationMessages(conversationID string) ([]models.Message, error) {
	rows, err := db.db.Query(`
        SELECT id, conversation_id, role, content, response_id, parent_message_id, created_at
        FROM messages
        WHERE conversation_id = ?
        ORDER BY created_at ASC, rowid ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var (
			msg  models.Message
			id   string
			role string
		)
		if err := rows.Scan(&id, &msg.ConversationID, &role, &msg.Content,
			&msg.ResponseID, &msg.ParentMessageID, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.ID = models.DurableID(id)
		msg.Role = models.Role(role)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// SaveKnowledgeChunks stores uploaded document chunks. A failing chunk does
// not abort the batch; failures are accumulated and returned next to the
// count of chunks that did land.
func (db *Database) SaveKnowledgeChunks(chunks []string, source string) (int, error) {
	var (
		stored int
		errs   error
	)
	now := time.Now().UTC()
	for i, chunk := range chunks {
		_, err := db.db.Exec(`
            INSERT INTO knowledge (content, source, created_at)
            VALUES (?, ?, ?)`, chunk, source, now)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("chunk %d: %w", i, err))
			continue
		}
		stored++
	}
	return stored, errs
}

// KnowledgeEntry is one full-text search hit.
type KnowledgeEntry struct {
	Content   string    `json:"content"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// SearchKnowledge runs an FTS query over the stored chunks, newest first.
func (db *Database) SearchKnowledge(query string, limit int) ([]KnowledgeEntry, error) {
	rows, err := db.db.Query(`
        SELECT k.content, k.source, k.created_at
        FROM knowledge k
        JOIN knowledge_fts fts ON k.id = fts.docid
        WHERE fts.content MATCH ?
        ORDER BY k.created_at DESC
        LIMIT ?`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search knowledge: %w", err)
	}
	defer rows.Close()

	var results []KnowledgeEntry
	for rows.Next() {
		var entry KnowledgeEntry
		if err := rows.Scan(&entry.Content, &entry.Source, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan knowledge: %w", err)
		}
		results = append(results, entry)
	}
	return results, rows.Err()
}

func (db *Database) DeleteConversation(id string) error {
	tx, err := db.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM messages WHERE conversation_id = ?", id); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM conversations WHERE id = ?", id); err != nil {
		return err
	}
	return tx.Commit()
}

func (db *Database) UpdateConversationTitle(id, title string) error {
	_, err := db.db.Exec("UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?",
		title, time.Now().UTC(), id)
	return err
}

package chat

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"coachchat/internal/models"
	"coachchat/internal/stream"
)

var (
	// ErrEmptyQuery rejects a turn before any transcript mutation or
	// network activity happens.
	ErrEmptyQuery = errors.New("chat: empty query")
	// ErrTurnActive rejects a second turn while one is in flight.
	ErrTurnActive = errors.New("chat: a turn is already in flight")
)

// State is the reconciler's position within the active turn.
type State int

const (
	// StateIdle: no turn in flight; the transcript holds only settled
	// messages.
	StateIdle State = iota
	// StateAwaitingSession: the provisional user message is placed, the
	// backend has not yet confirmed the conversation.
	StateAwaitingSession
	// StateStreaming: the assistant message is accumulating deltas.
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingSession:
		return "awaiting_session"
	case StateStreaming:
		return "streaming"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Reconciler owns the ordered transcript and folds wire events into it. While
// a turn is in flight it tracks the provisional messages it inserted so that a
// failure can evict them, restoring the transcript to its pre-turn shape. The
// reconciler is single-threaded by design: one turn at a time, events applied
// strictly in arrival order, consumers only ever see snapshots.
type Reconciler struct {
	session    *Session
	logger     *zap.Logger
	transcript []models.Message
	state      State
	base       int // transcript length before the active turn
	now        func() time.Time
}

func NewReconciler(session *Session, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		session: session,
		logger:  logger,
		now:     time.Now,
	}
}

// Session returns the injected session context.
func (r *Reconciler) Session() *Session { return r.session }

// State returns the current turn state.
func (r *Reconciler) State() State { return r.state }

// TurnActive reports whether a turn is in flight.
func (r *Reconciler) TurnActive() bool { return r.state != StateIdle }

// Snapshot returns a read-only copy of the transcript. Copies are taken after
// each reconciliation step, so a consumer can never observe a torn update.
func (r *Reconciler) Snapshot() []models.Message {
	return models.CloneMessages(r.transcript)
}

// LoadHistory replaces the transcript with messages fetched from the backend.
// Only valid between turns.
func (r *Reconciler) LoadHistory(msgs []models.Message) error {
	if r.state != StateIdle {
		return ErrTurnActive
	}
	r.transcript = models.CloneMessages(msgs)
	r.base = len(r.transcript)
	return nil
}

// Begin starts a turn: the user's message is appended immediately, under a
// provisional id, so the caller can render it before the backend responds.
func (r *Reconciler) Begin(query string) error {
	if strings.TrimSpace(query) == "" {
		return ErrEmptyQuery
	}
	if r.state != StateIdle {
		return ErrTurnActive
	}
	r.base = len(r.transcript)
	r.transcript = append(r.transcript, models.Message{
		ID:             models.NewProvisionalID(),
		ConversationID: r.session.ID(),
		Role:           models.RoleUser,
		Content:        query,
		CreatedAt:      r.now(),
	})
	r.state = StateAwaitingSession
	return nil
}

// Apply folds one event into the transcript. A returned error is fatal to the
// turn: the caller must Rollback and surface it. Apply never mutates settled
// messages, and the mutations it does make are confined to the active turn's
// provisional entries.
func (r *Reconciler) Apply(ev stream.Event) error {
	switch r.state {
	case StateIdle:
		return fmt.Errorf("chat: %s event outside of a turn", ev.Kind)

	case StateAwaitingSession:
		switch ev.Kind {
		case stream.KindSessionInit:
			return r.applySessionInit(ev)
		case stream.KindError:
			return fmt.Errorf("chat: backend error: %s", ev.Message)
		default:
			// The backend announces the session before any content.
			// Content arriving first means the peer is broken, not
			// merely slow, so the turn fails rather than buffering.
			return fmt.Errorf("chat: protocol violation: %s before session init", ev.Kind)
		}

	case StateStreaming:
		switch ev.Kind {
		case stream.KindContentDelta:
			r.transcript[len(r.transcript)-1].Content += ev.Content
			return nil
		case stream.KindCompletion:
			return r.applyCompletion(ev)
		case stream.KindError:
			return fmt.Errorf("chat: backend error: %s", ev.Message)
		default:
			return fmt.Errorf("chat: protocol violation: duplicate session init")
		}
	}
	return fmt.Errorf("chat: event in unknown state %s", r.state)
}

// applySessionInit promotes the user message to its durable id, records the
// conversation, and opens the in-progress assistant message.
func (r *Reconciler) applySessionInit(ev stream.Event) error {
	if ev.ConversationID == "" || ev.UserMessageID == "" {
		return fmt.Errorf("chat: protocol violation: incomplete session init")
	}
	user := &r.transcript[r.base]
	user.ID = models.DurableID(ev.UserMessageID)
	user.ConversationID = ev.ConversationID

	r.session.Set(ev.ConversationID)

	r.transcript = append(r.transcript, models.Message{
		ID:              models.NewProvisionalID(),
		ConversationID:  ev.ConversationID,
		Role:            models.RoleAssistant,
		ParentMessageID: ev.UserMessageID,
		CreatedAt:       r.now(),
	})
	r.state = StateStreaming
	return nil
}

// applyCompletion freezes the assistant message under its durable id and ends
// the turn. The backend does not echo per-delta timestamps, so finalize time
// stands in for the message's creation time.
func (r *Reconciler) applyCompletion(ev stream.Event) error {
	if ev.MessageID == "" {
		return fmt.Errorf("chat: protocol violation: completion without message id")
	}
	asst := &r.transcript[len(r.transcript)-1]
	asst.Content += ev.Content
	asst.ID = models.DurableID(ev.MessageID)
	asst.ResponseID = ev.ResponseID
	asst.CreatedAt = r.now()

	r.logger.Debug("turn finalized",
		zap.String("conversationID", asst.ConversationID),
		zap.String("messageID", ev.MessageID),
		zap.Int("contentLen", len(asst.Content)))

	r.base = len(r.transcript)
	r.state = StateIdle
	return nil
}

// Rollback evicts every provisional message the active turn inserted, leaving
// the transcript exactly as it was before Begin. Safe to call when no turn is
// in flight.
func (r *Reconciler) Rollback(cause error) {
	if r.state == StateIdle {
		return
	}
	evicted := len(r.transcript) - r.base
	r.transcript = r.transcript[:r.base]
	r.state = StateIdle
	r.logger.Warn("turn rolled back",
		zap.Error(cause),
		zap.Int("evictedMessages", evicted))
}

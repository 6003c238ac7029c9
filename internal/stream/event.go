package stream

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EventKind classifies a parsed wire event.
type EventKind int

const (
	// KindSessionInit announces the conversation id and the durable id of
	// the just-persisted user message. Emitted once, first.
	KindSessionInit EventKind = iota
	// KindContentDelta carries an incremental fragment of the assistant
	// answer.
	KindContentDelta
	// KindCompletion ends the turn and carries the durable id for the
	// assistant message.
	KindCompletion
	// KindError is a server-reported failure; fatal to the turn.
	KindError
)

func (k EventKind) String() string {
	switch k {
	case KindSessionInit:
		return "session_init"
	case KindContentDelta:
		return "content_delta"
	case KindCompletion:
		return "completion"
	case KindError:
		return "error"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is the structured interpretation of one event-carrying frame.
type Event struct {
	Kind           EventKind
	ConversationID string
	UserMessageID  string
	Content        string
	MessageID      string
	ResponseID     string
	Message        string // error text when Kind == KindError
}

// payload is the union of every JSON shape the backend emits on the stream.
type payload struct {
	ConversationID string  `json:"conversation_id"`
	UserMessageID  string  `json:"user_message_id"`
	Content        *string `json:"content"`
	Done           bool    `json:"done"`
	MessageID      string  `json:"message_id"`
	ResponseID     string  `json:"response_id"`
	Error          *string `json:"error"`
}

// ParseFrame classifies one frame. ok is false for structurally inert frames
// (blank lines, unrecognized prefixes), which carry no event and are skipped
// without logging. A non-nil error marks an event-carrying frame whose payload
// could not be interpreted; the caller logs and skips it, it must never abort
// the stream.
func ParseFrame(frame string) (ev Event, ok bool, err error) {
	data, carried := payloadOf(frame)
	if !carried {
		return Event{}, false, nil
	}
	if data == "" {
		return Event{}, false, nil
	}

	var p payload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return Event{}, false, fmt.Errorf("stream: malformed event payload: %w", err)
	}

	switch {
	case p.Error != nil:
		return Event{Kind: KindError, Message: *p.Error}, true, nil
	case p.ConversationID != "" && p.UserMessageID != "":
		return Event{
			Kind:           KindSessionInit,
			ConversationID: p.ConversationID,
			UserMessageID:  p.UserMessageID,
		}, true, nil
	case p.Content != nil && p.Done:
		return Event{
			Kind:       KindCompletion,
			Content:    *p.Content,
			MessageID:  p.MessageID,
			ResponseID: p.ResponseID,
		}, true, nil
	case p.Content != nil:
		return Event{Kind: KindContentDelta, Content: *p.Content}, true, nil
	}
	return Event{}, false, fmt.Errorf("stream: unrecognized event shape: %q", data)
}

// payloadOf strips the event prefix. The backend writes "data: <json>", except
// on one error path where it emits "data : <json>"; both spellings count.
func payloadOf(frame string) (string, bool) {
	frame = strings.TrimSpace(frame)
	for _, prefix := range []string{"data:", "data :"} {
		if rest, found := strings.CutPrefix(frame, prefix); found {
			return strings.TrimSpace(rest), true
		}
	}
	return "", false
}

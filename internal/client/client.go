package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"coachchat/internal/chat"
	"coachchat/internal/models"
	"coachchat/internal/stream"
)

// ErrTruncatedStream marks a response body that ended before the completion
// event arrived. The partial answer is never kept.
var ErrTruncatedStream = errors.New("client: stream ended before completion")

const defaultTopK = 5

// Config carries the connection settings for the chat backend. Deadlines are
// the caller's business: pass a context with a timeout, the shared client
// timeout would cut streaming reads short.
type Config struct {
	BaseURL    string
	TopK       int          // result-size hint for context retrieval
	HTTPClient *http.Client // optional; defaults to a fresh client
}

// Client talks to the chat backend and feeds the response stream through the
// reconciliation engine. All transcript state lives in the reconciler; the
// client is stateless between calls apart from its connection settings.
type Client struct {
	http    *http.Client
	baseURL string
	topK    int
	rec     *chat.Reconciler
	session *chat.Session
	logger  *zap.Logger
}

func New(cfg Config, rec *chat.Reconciler, session *chat.Session, logger *zap.Logger) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	topK := cfg.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	return &Client{
		http:    hc,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		topK:    topK,
		rec:     rec,
		session: session,
		logger:  logger,
	}
}

// ChatRequest is the outgoing query envelope.
type ChatRequest struct {
	Query          string `json:"query"`
	TopK           int    `json:"top_k"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// ChatResponse is the non-streaming reply: the whole turn collapsed into one
// object.
type ChatResponse struct {
	Answer         string `json:"answer"`
	MessageID      string `json:"message_id"`
	UserMessageID  string `json:"user_message_id"`
	ConversationID string `json:"conversation_id"`
	ResponseID     string `json:"response_id"`
}

// SnapshotFunc receives a fresh transcript copy after each reconciliation
// step. Rendering subscribes here instead of being interleaved with parsing.
type SnapshotFunc func([]models.Message)

// StreamTurn runs one full streaming turn: the query is placed in the
// transcript immediately, the response stream is decoded, classified, and
// folded in event by event, and every failure before completion rolls the
// transcript back to its pre-turn state. Cancelling ctx counts as a failure.
func (c *Client) StreamTurn(ctx context.Context, query string, onSnapshot SnapshotFunc) error {
	if err := c.rec.Begin(query); err != nil {
		return err
	}
	emit := func() {
		if onSnapshot != nil {
			onSnapshot(c.rec.Snapshot())
		}
	}
	emit()

	resp, err := c.post(ctx, "/chat/stream", ChatRequest{
		Query:          query,
		TopK:           c.topK,
		ConversationID: c.session.ID(),
	}, true)
	if err != nil {
		c.rec.Rollback(err)
		return err
	}
	defer resp.Body.Close()

	// Decoding, classification, and reconciliation for a chunk all run to
	// completion before the next read blocks; arrival order is processing
	// order.
	dec := &stream.LineDecoder{}
	buf := make([]byte, 4096)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			for _, frame := range dec.Feed(buf[:n]) {
				ev, ok, perr := stream.ParseFrame(frame)
				if perr != nil {
					c.logger.Warn("skipping malformed frame", zap.Error(perr))
					continue
				}
				if !ok {
					continue
				}
				if err := c.rec.Apply(ev); err != nil {
					c.rec.Rollback(err)
					return err
				}
				emit()
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			err := fmt.Errorf("client: read stream: %w", readErr)
			c.rec.Rollback(err)
			return err
		}
	}

	if c.rec.TurnActive() {
		c.rec.Rollback(ErrTruncatedStream)
		return ErrTruncatedStream
	}
	return nil
}

// Send runs one turn over the non-streaming endpoint. The single response is
// collapsed into a session-init plus completion reconciliation step, so the
// transcript ends in the same shape a streamed turn would produce.
func (c *Client) Send(ctx context.Context, query string) error {
	if err := c.rec.Begin(query); err != nil {
		return err
	}

	resp, err := c.post(ctx, "/chat", ChatRequest{
		Query:          query,
		TopK:           c.topK,
		ConversationID: c.session.ID(),
	}, false)
	if err != nil {
		c.rec.Rollback(err)
		return err
	}
	defer resp.Body.Close()

	var out ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		err = fmt.Errorf("client: decode chat response: %w", err)
		c.rec.Rollback(err)
		return err
	}

	events := []stream.Event{
		{
			Kind:           stream.KindSessionInit,
			ConversationID: out.ConversationID,
			UserMessageID:  out.UserMessageID,
		},
		{
			Kind:       stream.KindCompletion,
			Content:    out.Answer,
			MessageID:  out.MessageID,
			ResponseID: out.ResponseID,
		},
	}
	for _, ev := range events {
		if err := c.rec.Apply(ev); err != nil {
			c.rec.Rollback(err)
			return err
		}
	}
	return nil
}

// History fetches the persisted messages of a conversation, oldest first.
func (c *Client) History(ctx context.Context, conversationID string) ([]models.Message, error) {
	u := fmt.Sprintf("%s/conversations/messages?conversation_id=%s",
		c.baseURL, url.QueryEscape(conversationID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("client: create request: %w", err)
	}
	var msgs []models.Message
	if err := c.doJSON(req, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// Restore loads the restored conversation's history into the transcript. A
// no-op when no conversation id was persisted.
func (c *Client) Restore(ctx context.Context) error {
	id := c.session.ID()
	if id == "" {
		return nil
	}
	msgs, err := c.History(ctx, id)
	if err != nil {
		return err
	}
	return c.rec.LoadHistory(msgs)
}

// Conversations lists all conversations, most recently active first.
func (c *Client) Conversations(ctx context.Context) ([]models.Conversation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/conversations", nil)
	if err != nil {
		return nil, fmt.Errorf("client: create request: %w", err)
	}
	var convs []models.Conversation
	if err := c.doJSON(req, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

func (c *Client) post(ctx context.Context, path string, body any, streaming bool) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("client: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("client: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if streaming {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("client: %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("client: %s: unexpected status %d: %s",
			path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}

func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("client: %s: unexpected status %d: %s",
			req.URL.Path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"coachchat/internal/db"
	"coachchat/internal/guard"
	"coachchat/internal/llm"
	"coachchat/internal/models"
)

// Generator is the answer-producing collaborator behind the chat endpoints.
type Generator interface {
	Generate(ctx context.Context, in llm.TurnInput) (*llm.Result, error)
	GenerateStream(ctx context.Context, in llm.TurnInput, onDelta func(string) error) (*llm.Result, error)
}

type Handler struct {
	db     *db.Database
	llm    Generator
	guard  *guard.Screen
	logger *zap.Logger
}

func NewHandler(database *db.Database, generator Generator, screen *guard.Screen, logger *zap.Logger) *Handler {
	return &Handler{
		db:     database,
		llm:    generator,
		guard:  screen,
		logger: logger,
	}
}

type ChatRequest struct {
	Query          string `json:"query"`
	TopK           int    `json:"top_k"`
	ConversationID string `json:"conversation_id,omitempty"`
}

type ChatResponse struct {
	Answer         string `json:"answer"`
	MessageID      string `json:"message_id"`
	UserMessageID  string `json:"user_message_id"`
	ConversationID string `json:"conversation_id"`
	ResponseID     string `json:"response_id"`
}

type CreateConversationRequest struct {
	Title string `json:"title"`
}

type UpdateConversationRequest struct {
	Title string `json:"title"`
}

type UploadResponse struct {
	Message     string `json:"message"`
	FileID      string `json:"file_id"`
	ChunksAdded int    `json:"chunks_added"`
}

// Stream frame shapes, in emission order.
type sessionInitFrame struct {
	ConversationID string `json:"conversation_id"`
	UserMessageID  string `json:"user_message_id"`
}

type deltaFrame struct {
	Content string `json:"content"`
	Done    bool   `json:"done"`
}

type completionFrame struct {
	Content    string `json:"content"`
	Done       bool   `json:"done"`
	MessageID  string `json:"message_id"`
	ResponseID string `json:"response_id,omitempty"`
}

type errorFrame struct {
	Error string `json:"error"`
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// HandleChat answers one query in a single response: the whole turn collapsed
// into one JSON object.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		http.Error(w, "Query must not be empty", http.StatusBadRequest)
		return
	}

	if ok, reason := h.guard.CheckInput(req.Query); !ok {
		h.logger.Info("query blocked", zap.String("rule", reason))
		http.Error(w, "Query blocked: "+reason, http.StatusBadRequest)
		return
	}

	conv, history, err := h.resolveConversation(req, false)
	if errors.Is(err, db.ErrNotFound) {
		http.Error(w, "Conversation not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("Failed to resolve conversation", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	result, err := h.llm.Generate(r.Context(), llm.TurnInput{
		Query:   req.Query,
		History: history,
		TopK:    req.TopK,
	})
	if err != nil {
		h.logger.Error("Failed to generate answer", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	answer := result.Answer
	if ok, reason := h.guard.CheckOutput(answer); !ok {
		h.logger.Info("answer replaced", zap.String("rule", reason))
		answer = h.guard.SafeResponse()
	}

	userMsg, err := h.db.AddMessage(conv.ID, models.RoleUser, req.Query, "", "")
	if err != nil {
		h.logger.Error("Failed to save user message", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	asstMsg, err := h.db.AddMessage(conv.ID, models.RoleAssistant, answer,
		result.ResponseID, userMsg.ID.String())
	if err != nil {
		h.logger.Error("Failed to save assistant message", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, ChatResponse{
		Answer:         answer,
		MessageID:      asstMsg.ID.String(),
		UserMessageID:  userMsg.ID.String(),
		ConversationID: conv.ID,
		ResponseID:     result.ResponseID,
	})
}

// HandleChatStream answers one query as a stream of data frames: session
// init first, then content deltas, then the completion frame. Failures after
// the stream has started are reported in-band as an error frame.
func (h *Handler) HandleChatStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		http.Error(w, "Query must not be empty", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	if ok, reason := h.guard.CheckInput(req.Query); !ok {
		h.logger.Info("query blocked", zap.String("rule", reason))
		h.writeFrame(w, flusher, errorFrame{Error: "Query blocked: " + reason})
		return
	}

	// The stream path auto-creates a conversation even when the supplied
	// id is unknown, so a stale persisted id never strands the widget.
	conv, history, err := h.resolveConversation(req, true)
	if err != nil {
		h.logger.Error("Failed to resolve conversation", zap.Error(err))
		h.writeFrame(w, flusher, errorFrame{Error: "failed to resolve conversation"})
		return
	}

	userMsg, err := h.db.AddMessage(conv.ID, models.RoleUser, req.Query, "", "")
	if err != nil {
		h.logger.Error("Failed to save user message", zap.Error(err))
		h.writeFrame(w, flusher, errorFrame{Error: "failed to save message"})
		return
	}

	if err := h.writeFrame(w, flusher, sessionInitFrame{
		ConversationID: conv.ID,
		UserMessageID:  userMsg.ID.String(),
	}); err != nil {
		h.logger.Warn("client went away", zap.Error(err))
		return
	}

	var accumulated strings.Builder
	result, err := h.llm.GenerateStream(r.Context(), llm.TurnInput{
		Query:   req.Query,
		History: history,
		TopK:    req.TopK,
	}, func(delta string) error {
		accumulated.WriteString(delta)
		return h.writeFrame(w, flusher, deltaFrame{Content: delta})
	})
	if err != nil {
		h.logger.Error("Failed to generate answer", zap.Error(err))
		h.writeFrame(w, flusher, errorFrame{Error: "generation failed"})
		return
	}

	answer := result.Answer
	if answer == "" {
		answer = accumulated.String()
	}
	if ok, reason := h.guard.CheckOutput(answer); !ok {
		h.logger.Info("answer replaced", zap.String("rule", reason))
		answer = h.guard.SafeResponse()
		// The unsafe deltas are already on the wire; follow the original
		// behavior of appending the replacement before completing.
		if err := h.writeFrame(w, flusher, deltaFrame{Content: "\n\n" + answer}); err != nil {
			return
		}
	}

	asstMsg, err := h.db.AddMessage(conv.ID, models.RoleAssistant, answer,
		result.ResponseID, userMsg.ID.String())
	if err != nil {
		h.logger.Error("Failed to save assistant message", zap.Error(err))
		h.writeFrame(w, flusher, errorFrame{Error: "failed to save message"})
		return
	}

	h.writeFrame(w, flusher, completionFrame{
		Done:       true,
		MessageID:  asstMsg.ID.String(),
		ResponseID: result.ResponseID,
	})
}

// resolveConversation finds or creates the conversation for a turn and
// returns its prior messages. With autoCreate set, an unknown id falls back
// to a fresh conversation instead of failing.
func (h *Handler) resolveConversation(req ChatRequest, autoCreate bool) (*models.Conversation, []models.Message, error) {
	if req.ConversationID != "" {
		conv, err := h.db.GetConversation(req.ConversationID)
		if err == nil {
			history, herr := h.db.GetConversationMessages(conv.ID)
			return conv, history, herr
		}
		if !errors.Is(err, db.ErrNotFound) || !autoCreate {
			return nil, nil, err
		}
	}
	conv, err := h.db.CreateConversation(titleFromQuery(req.Query))
	return conv, nil, err
}

func (h *Handler) GetConversations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		conversations, err := h.db.GetConversations()
		if err != nil {
			h.logger.Error("Failed to get conversations",
				zap.Error(err),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path))
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}

		h.logger.Debug("Retrieved conversations",
			zap.Int("count", len(conversations)),
			zap.String("path", r.URL.Path))
		writeJSON(w, conversations)

	case http.MethodPost:
		var req CreateConversationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}

		conversation, err := h.db.CreateConversation(req.Title)
		if err != nil {
			h.logger.Error("Failed to create conversation", zap.Error(err))
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, conversation)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	convID := r.URL.Query().Get("conversation_id")
	if convID == "" {
		http.Error(w, "Missing conversation ID", http.StatusBadRequest)
		return
	}

	messages, err := h.db.GetConversationMessages(convID)
	if err != nil {
		h.logger.Error("Failed to get messages", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, messages)
}

// HandleUpload ingests a plain-text document into the knowledge base.
func (h *Handler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseMultipartForm(10 << 20); err != nil {
		http.Error(w, "Invalid multipart form", http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "Missing file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	if ext := strings.ToLower(filepath.Ext(header.Filename)); ext != ".txt" {
		http.Error(w, "Only .txt files are supported", http.StatusBadRequest)
		return
	}

	content, err := io.ReadAll(file)
	if err != nil {
		h.logger.Error("Failed to read upload", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	chunks := llm.ChunkText(string(content), 1200)
	stored, err := h.db.SaveKnowledgeChunks(chunks, header.Filename)
	if err != nil {
		h.logger.Error("Failed to store chunks",
			zap.Error(err),
			zap.Int("stored", stored),
			zap.Int("total", len(chunks)))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, UploadResponse{
		Message:     fmt.Sprintf("%s processed successfully", header.Filename),
		FileID:      header.Filename,
		ChunksAdded: stored,
	})
}

func (h *Handler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	convID := r.URL.Query().Get("conversation_id")
	if convID == "" {
		http.Error(w, "Missing conversation ID", http.StatusBadRequest)
		return
	}

	if err := h.db.DeleteConversation(convID); err != nil {
		h.logger.Error("Failed to delete conversation", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) UpdateConversation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	convID := r.URL.Query().Get("conversation_id")
	if convID == "" {
		http.Error(w, "Missing conversation ID", http.StatusBadRequest)
		return
	}

	var req UpdateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.db.UpdateConversationTitle(convID, req.Title); err != nil {
		h.logger.Error("Failed to update conversation", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) writeFrame(w http.ResponseWriter, flusher http.Flusher, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	flusher.Flush()
	return nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func titleFromQuery(query string) string {
	runes := []rune(strings.TrimSpace(query))
	if len(runes) > 50 {
		return string(runes[:50]) + "..."
	}
	return string(runes)
}

package llm

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkoukk/tiktoken-go"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
	"go.uber.org/zap"

	"coachchat/internal/db"
	"coachchat/internal/models"
)

const systemPrompt = `You are a supportive leadership development coach for the
Foundational Leadership Programme. Guide learners through the Core and Elective
development tracks, encourage reflection, and keep answers structured:
acknowledge the question, give clear information, add a practical insight, and
end with an encouraging prompt. Prefer the given context and history; do not
invent missing details. Politely redirect questions outside the programme.`

const (
	// historyTokenBudget caps how much conversation history rides along
	// with each generation.
	historyTokenBudget = 1000
	maxOutputTokens    = 1000
	generateTimeout    = 60 * time.Second
)

// Service generates answers against an OpenAI-compatible endpoint, grounding
// them in knowledge-base context and recent conversation history.
type Service struct {
	llm    llms.Model
	db     *db.Database
	logger *zap.Logger

	encOnce sync.Once
	enc     *tiktoken.Tiktoken
}

func New(baseURL, token, model string, database *db.Database, logger *zap.Logger) (*Service, error) {
	llm, err := openai.New(
		openai.WithToken(token),
		openai.WithBaseURL(baseURL),
		openai.WithModel(model),
	)
	if err != nil {
		return nil, err
	}
	return &Service{llm: llm, db: database, logger: logger}, nil
}

// TurnInput is everything one generation needs. History is the conversation
// as it stood before the current user message.
type TurnInput struct {
	Query   string
	History []models.Message
	TopK    int
}

// Result is a finished generation. ResponseID is an opaque threading token
// minted per generation and persisted with the assistant message.
type Result struct {
	Answer     string
	ResponseID string
}

// Generate produces the whole answer in one call.
func (s *Service) Generate(ctx context.Context, in TurnInput) (*Result, error) {
	return s.generate(ctx, in, nil)
}

// GenerateStream produces the answer incrementally, invoking onDelta for each
// fragment in order. A non-nil error from onDelta aborts the generation.
func (s *Service) GenerateStream(ctx context.Context, in TurnInput, onDelta func(string) error) (*Result, error) {
	return s.generate(ctx, in, onDelta)
}

func (s *Service) generate(ctx context.Context, in TurnInput, onDelta func(string) error) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, generateTimeout)
	defer cancel()

	messages := s.buildPrompt(in)

	opts := []llms.CallOption{llms.WithMaxTokens(maxOutputTokens)}
	if onDelta != nil {
		opts = append(opts, llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
			if len(chunk) == 0 {
				return nil
			}
			return onDelta(string(chunk))
		}))
	}

	resp, err := s.llm.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return nil, fmt.Errorf("generate completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("generate completion: empty response")
	}

	return &Result{
		Answer:     strings.TrimSpace(resp.Choices[0].Content),
		ResponseID: uuid.NewString(),
	}, nil
}

func (s *Service) buildPrompt(in TurnInput) []llms.MessageContent {
	var user strings.Builder

	history := s.trimHistory(in.History, historyTokenBudget)
	if len(history) > 0 {
		user.WriteString("Conversation history (most recent last):\n")
		for _, m := range history {
			switch m.Role {
			case models.RoleUser:
				user.WriteString("User: ")
			default:
				user.WriteString("Assistant: ")
			}
			user.WriteString(m.Content)
			user.WriteByte('\n')
		}
		user.WriteByte('\n')
	}

	if context := s.retrieveContext(in.Query, in.TopK); context != "" {
		user.WriteString("Context:\n")
		user.WriteString(context)
		user.WriteString("\n\n")
	}

	user.WriteString("Query:\n")
	user.WriteString(in.Query)
	user.WriteString("\n\nAnswer:")

	return []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeSystem, systemPrompt),
		llms.TextParts(schema.ChatMessageTypeHuman, user.String()),
	}
}

// retrieveContext pulls the top matching knowledge chunks for the query.
// Retrieval failures degrade to an uncontextualized answer rather than
// failing the turn.
func (s *Service) retrieveContext(query string, topK int) string {
	if s.db == nil {
		return ""
	}
	if topK <= 0 {
		topK = 5
	}
	entries, err := s.db.SearchKnowledge(ftsQuery(query), topK)
	if err != nil {
		s.logger.Warn("knowledge search failed", zap.Error(err))
		return ""
	}
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		source := e.Source
		if source == "" {
			source = "unknown-source"
		}
		parts = append(parts, fmt.Sprintf("[Source: %s] %s", source, e.Content))
	}
	return strings.Join(parts, "\n\n")
}

// ftsQuery turns free text into an OR query of its words so FTS MATCH never
// chokes on punctuation.
func ftsQuery(query string) string {
	words := strings.FieldsFunc(query, func(r rune) bool {
		return !('a' <= r && r <= 'z' || 'A' <= r && r <= 'Z' || '0' <= r && r <= '9')
	})
	return strings.Join(words, " OR ")
}

// trimHistory keeps the most recent messages that fit the token budget,
// preserving their order.
func (s *Service) trimHistory(history []models.Message, budget int) []models.Message {
	used := 0
	cut := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		used += s.countTokens(history[i].Content)
		if used > budget {
			break
		}
		cut = i
	}
	return history[cut:]
}

// countTokens counts with the cl100k_base encoding when available, and falls
// back to a bytes/4 estimate when the encoding files cannot be loaded (the
// encoder fetches them lazily, which fails offline).
func (s *Service) countTokens(text string) int {
	s.encOnce.Do(func() {
		enc, err := tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE)
		if err != nil {
			s.logger.Warn("token encoding unavailable, estimating", zap.Error(err))
			return
		}
		s.enc = enc
	})
	if s.enc == nil {
		return len(text)/4 + 1
	}
	return len(s.enc.Encode(text, nil, nil))
}

var paragraphSep = regexp.MustCompile(`\n\s*\n`)

// ChunkText splits a document into paragraph-aligned chunks of at most maxLen
// bytes, for knowledge-base ingestion.
func ChunkText(text string, maxLen int) []string {
	if maxLen <= 0 {
		maxLen = 1200
	}
	var (
		chunks []string
		buf    strings.Builder
	)
	for _, p := range paragraphSep.Split(text, -1) {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if buf.Len() > 0 && buf.Len()+len(p)+1 > maxLen {
			chunks = append(chunks, buf.String())
			buf.Reset()
		}
		if buf.Len() > 0 {
			buf.WriteByte('\n')
		}
		buf.WriteString(p)
	}
	if buf.Len() > 0 {
		chunks = append(chunks, buf.String())
	}
	return chunks
}

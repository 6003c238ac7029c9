package main

import (
	"net/http"
	"os"

	"go.uber.org/zap"

	"coachchat/internal/api"
	"coachchat/internal/db"
	"coachchat/internal/guard"
	"coachchat/internal/llm"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	dbPath := envOr("COACHCHAT_DB", "coachchat.db")
	database, err := db.New(dbPath)
	if err != nil {
		logger.Fatal("failed to initialize database",
			zap.Error(err),
			zap.String("dbPath", dbPath))
	}
	defer database.Close()

	screen := guard.New(logger)

	llmService, err := llm.New(
		envOr("COACHCHAT_LLM_URL", "http://localhost:11434/v1/"),
		os.Getenv("OPENAI_API_KEY"),
		envOr("COACHCHAT_MODEL", "llama3.1:8b"),
		database,
		logger,
	)
	if err != nil {
		logger.Fatal("failed to initialize LLM service", zap.Error(err))
	}

	handler := api.NewHandler(database, llmService, screen, logger)

	http.HandleFunc("/health", handler.HandleHealth)
	http.HandleFunc("/chat", handler.HandleChat)
	http.HandleFunc("/chat/stream", handler.HandleChatStream)
	http.HandleFunc("/conversations", handler.GetConversations)
	http.HandleFunc("/conversations/messages", handler.GetMessages)
	http.HandleFunc("/conversations/delete", handler.DeleteConversation)
	http.HandleFunc("/conversations/update", handler.UpdateConversation)
	http.HandleFunc("/upload", handler.HandleUpload)

	addr := envOr("COACHCHAT_ADDR", ":8100")
	logger.Info("Starting server", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, nil); err != nil {
		logger.Fatal("failed to start server", zap.Error(err))
	}
}

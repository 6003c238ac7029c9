package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"coachchat/internal/chat"
	"coachchat/internal/client"
	"coachchat/internal/models"
)

func main() {
	var (
		serverURL   string
		sessionPath string
		topK        int
		noStream    bool
	)

	root := &cobra.Command{
		Use:   "coachchat",
		Short: "Interactive chat client for the coachchat backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := zap.NewDevelopment()
			if err != nil {
				return err
			}
			defer logger.Sync()

			if sessionPath == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return fmt.Errorf("resolve home dir: %w", err)
				}
				sessionPath = filepath.Join(home, ".coachchat", "session")
			}

			session := chat.NewSession(chat.NewFileStore(sessionPath), logger)
			rec := chat.NewReconciler(session, logger)
			c := client.New(client.Config{
				BaseURL: serverURL,
				TopK:    topK,
			}, rec, session, logger)

			return run(cmd, c, rec, session, noStream)
		},
	}

	root.Flags().StringVar(&serverURL, "server", "http://localhost:8100", "backend base URL")
	root.Flags().StringVar(&sessionPath, "session-file", "", "file holding the active conversation id (default ~/.coachchat/session)")
	root.Flags().IntVar(&topK, "top-k", 5, "number of context chunks to retrieve per query")
	root.Flags().BoolVar(&noStream, "no-stream", false, "use the non-streaming endpoint")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, c *client.Client, rec *chat.Reconciler, session *chat.Session, noStream bool) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if session.ID() != "" {
		if err := c.Restore(ctx); err != nil {
			fmt.Fprintf(out, "could not restore conversation %s: %v\n", session.ID(), err)
		} else {
			printTranscript(out, rec.Snapshot())
		}
	}

	fmt.Fprintln(out, `Type a message, "/new" for a fresh conversation, "/quit" to exit.`)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit":
			return nil
		case "/new":
			session.Set("")
			rec.LoadHistory(nil)
			fmt.Fprintln(out, "started a new conversation")
			continue
		}

		if noStream {
			if err := c.Send(ctx, line); err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				continue
			}
			snap := rec.Snapshot()
			fmt.Fprintln(out, snap[len(snap)-1].Content)
			continue
		}

		printed := 0
		err := c.StreamTurn(ctx, line, func(snap []models.Message) {
			last := snap[len(snap)-1]
			if last.Role != models.RoleAssistant {
				return
			}
			fmt.Fprint(out, last.Content[printed:])
			printed = len(last.Content)
		})
		if err != nil {
			fmt.Fprintf(out, "\nerror: %v\n", err)
			continue
		}
		fmt.Fprintln(out)
	}
}

func printTranscript(out io.Writer, msgs []models.Message) {
	for _, m := range msgs {
		prefix := "you"
		if m.Role == models.RoleAssistant {
			prefix = "coach"
		}
		fmt.Fprintf(out, "%s: %s\n", prefix, m.Content)
	}
}

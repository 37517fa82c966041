// Package cli provides the ragchat command line.
package cli

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"rag-chatbot/internal/app"
	"rag-chatbot/internal/config"
	"rag-chatbot/internal/logging"
)

// Replaced in tests.
var (
	loadConfig = config.Load
	newApp     = app.New
)

var (
	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "ragchat",
	Short: "Retrieval-augmented chatbot over your own documents",
	Long: `ragchat indexes uploaded documents into a vector store and answers
questions grounded in them. Configuration comes from config.yaml, config.json
and RAGCHAT_ environment variables.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		loaded, err := loadConfig()
		if err != nil {
			return err
		}
		cfg = loaded
		logger = logging.New(cfg.App)
		return nil
	},
}

// Execute runs the command line with ctx, which is cancelled on shutdown signals.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// withApp builds the application for one command and closes it afterwards.
func withApp(cmd *cobra.Command, fn func(a *app.App) error) error {
	a, err := newApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("close failed", "error", err)
		}
	}()
	return fn(a)
}

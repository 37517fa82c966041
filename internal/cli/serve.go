package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"rag-chatbot/internal/app"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(a *app.App) error {
			return a.Server().Run(cmd.Context())
		})
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Long: `Creates or upgrades the schema of the configured database. Vector columns
are sized for the configured embedding provider.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		store, err := app.OpenStore(cmd.Context(), cfg, app.Dimensions(cfg), logger)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()
		fmt.Fprintf(cmd.OutOrStdout(), "database %s is up to date\n", cfg.Database.Driver)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}

package cli

import (
	"gridsync/internal/app"

	"github.com/spf13/cobra"
)

// NewServeCommand creates the serve command. Flags override GRID_* environment values.
func NewServeCommand() *cobra.Command {
	var (
		addr       string
		store      string
		dbURL      string
		sqlitePath string
		columns    []string
		logLevel   string
		logFormat  string
		devTokens  string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := app.LoadConfig()

			f := cmd.Flags()
			if f.Changed("addr") {
				cfg.HTTPAddr = addr
			}
			if f.Changed("store") {
				cfg.Store = store
			}
			if f.Changed("database-url") {
				cfg.DatabaseURL = dbURL
			}
			if f.Changed("sqlite-path") {
				cfg.SQLitePath = sqlitePath
			}
			if f.Changed("columns") {
				cfg.Columns = columns
			}
			if f.Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if f.Changed("log-format") {
				cfg.LogFormat = logFormat
			}
			if f.Changed("dev-tokens") {
				cfg.DevTokens = devTokens
			}

			return app.Run(cfg)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (GRID_HTTP_ADDR)")
	cmd.Flags().StringVar(&store, "store", "", "cell store: memory|postgres|sqlite (GRID_STORE)")
	cmd.Flags().StringVar(&dbURL, "database-url", "", "Postgres URL (GRID_DATABASE_URL)")
	cmd.Flags().StringVar(&sqlitePath, "sqlite-path", "", "SQLite file (GRID_SQLITE_PATH)")
	cmd.Flags().StringSliceVar(&columns, "columns", nil, "editable column keys (GRID_COLUMNS)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "debug|info|warn|error (GRID_LOG_LEVEL)")
	cmd.Flags().StringVar(&logFormat, "log-format", "", "json|pretty (GRID_LOG_FORMAT)")
	cmd.Flags().StringVar(&devTokens, "dev-tokens", "", "dev-only token:uid:name list (GRID_DEV_TOKENS)")

	return cmd
}

package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/steveyegge/thermal/internal/repl"
	"github.com/steveyegge/thermal/internal/storage"
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Interactive console for a running daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := &repl.Config{
			Client:      newClient(),
			HistoryFile: filepath.Join(filepath.Dir(dbPath), "console_history"),
		}
		// alert history is optional; the daemon may not have written anything yet
		if _, err := os.Stat(dbPath); err == nil {
			store, err := storage.NewStore(context.Background(), &storage.Config{Path: dbPath})
			if err == nil {
				defer func() { _ = store.Close() }()
				cfg.History = store
			}
		}

		r, err := repl.New(cfg)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		return r.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(consoleCmd)
}

// Command skiffd runs agent turns: it sends a user message to the agent
// backend, streams the response, tracks file changes, and manages the
// per-conversation change history.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/harborai/skiff/changeset"
	"github.com/harborai/skiff/config"
	"github.com/harborai/skiff/logging"
	"github.com/harborai/skiff/store"
)

var (
	configPath string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "skiffd",
	Short: "Agent turn orchestrator",
	Long: `Skiffd drives conversations with an AI agent backend: it streams
responses, arbitrates tool permissions and interactive questions, and
records every file mutation as a reviewable, rollback-capable change set.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Settings file (default: ~/.skiff/settings.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging to a file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// app holds the wired collaborators shared by every subcommand.
type app struct {
	settings *config.Settings
	logger   *slog.Logger
	store    *store.Store
	ledger   *changeset.Ledger
}

func newApp() (*app, error) {
	settings, err := config.LoadSettings(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := logging.Initialize(debug, "", logging.DefaultMaxLogFiles)
	if err != nil {
		return nil, fmt.Errorf("initialize logging: %w", err)
	}

	dbPath := settings.DBPath
	if dbPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		dbPath = filepath.Join(home, ".skiff", "skiff.db")
	}
	st, err := store.NewStore(dbPath, store.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	return &app{
		settings: settings,
		logger:   logger,
		store:    st,
		ledger:   changeset.NewLedger(st, changeset.WithLogger(logger)),
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("failed to close store", "error", err)
	}
}

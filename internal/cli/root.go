// Package cli implements the journal-sync command line client.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"collabtext/journalsync/internal/config"
	"collabtext/journalsync/internal/logging"
	"collabtext/journalsync/internal/syncmgr"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	LogLevel   string
	Wait       time.Duration
}

// NewRootCommand creates the root command for the journal-sync client.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "journal-sync",
		Short:         "Read and write a replicated journal",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", config.DefaultClientPath(), "client config file")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "debug|info|warn|error (overrides the config file)")
	cmd.PersistentFlags().DurationVar(&opts.Wait, "wait", 0, "how long to wait for a relay connection before acting")

	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newGetCommand(opts))
	cmd.AddCommand(newSetCommand(opts))
	cmd.AddCommand(newEntriesCommand(opts))
	cmd.AddCommand(newRoomCommand(opts))
	cmd.AddCommand(newDiscoverCommand(opts))
	return cmd
}

// openSession loads the config and creates a session from it. Callers must tear it down.
func openSession(opts *RootOptions, cmd *cobra.Command) (*syncmgr.Session, config.Client, error) {
	cfg, err := config.LoadClient(opts.ConfigPath)
	if err != nil {
		return nil, config.Client{}, err
	}
	level := cfg.LogLevel
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	session, err := syncmgr.Create(syncmgr.Config{
		Endpoints: cfg.Endpoints,
		Room:      cfg.Room,
		CacheDir:  cfg.CacheDir,
		Namespace: cfg.Namespace,
		Logger:    logging.New(level, cmd.ErrOrStderr()),
	})
	if err != nil {
		return nil, config.Client{}, err
	}
	waitConnected(cmd.Context(), session, opts.Wait)
	return session, cfg, nil
}

// waitConnected polls until the session is connected or d elapses.
func waitConnected(ctx context.Context, s *syncmgr.Session, d time.Duration) bool {
	if d <= 0 {
		return s.GetStatus().Connected
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if s.GetStatus().Connected {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

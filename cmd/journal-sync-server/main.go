package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"collabtext/journalsync/internal/config"
	"collabtext/journalsync/internal/discovery"
	"collabtext/journalsync/internal/logging"
	"collabtext/journalsync/internal/server"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := config.LoadServer()

	cmd := &cobra.Command{
		Use:           "journal-sync-server",
		Short:         "Host replicated journal rooms over WebSocket",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger := logging.New(cfg.LogLevel, cmd.ErrOrStderr())
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.Host, "host", cfg.Host, "listen host")
	flags.IntVar(&cfg.Port, "port", cfg.Port, "listen port")
	flags.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "room storage root")
	flags.StringVar(&cfg.WSPrefix, "ws-prefix", cfg.WSPrefix, "path prefix for room connections")
	flags.StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "store rooms in Postgres instead of bbolt")
	flags.StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "share rooms with other instances through Redis")
	flags.BoolVar(&cfg.MDNS, "mdns", cfg.MDNS, "announce the relay on the local network")
	cmd.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug|info|warn|error")
	return cmd
}

func openBackend(ctx context.Context, cfg config.Server, logger *log.Logger) (server.Backend, error) {
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		logger.Info("using postgres room storage")
		return server.NewPostgresBackend(ctx, cfg.DatabaseURL)
	}
	logger.Info("using bbolt room storage", "dir", cfg.DataDir)
	return server.NewBoltBackend(cfg.DataDir)
}

func serve(ctx context.Context, cfg config.Server, logger *log.Logger) error {
	backend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("room storage: %w", err)
	}

	var fanout server.Fanout
	if strings.TrimSpace(cfg.RedisURL) != "" {
		f, err := server.NewRedisFanout(cfg.RedisURL, logger)
		if err != nil {
			backend.Close()
			return fmt.Errorf("redis fanout: %w", err)
		}
		logger.Info("redis fanout enabled")
		fanout = f
	}
	rooms := server.NewRooms(backend, fanout, logger)
	defer func() {
		if err := rooms.Close(); err != nil {
			logger.Error("closing rooms", "err", err)
		}
	}()

	if cfg.MDNS {
		announcement, err := discovery.Announce(cfg.Port, cfg.WSPrefix, logger)
		if err != nil {
			logger.Warn("mdns disabled", "err", err)
		} else {
			defer announcement.Shutdown()
		}
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           server.NewHTTPServer(rooms, cfg.WSPrefix, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Addr(), "ws_prefix", cfg.WSPrefix)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", "err", err)
	}
	return nil
}

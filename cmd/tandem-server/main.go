package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/marcus/tandem/internal/api"
	"github.com/marcus/tandem/internal/serverdb"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("tandem-server", "err", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg := api.LoadConfig()

	fs := pflag.NewFlagSet("tandem-server", pflag.ContinueOnError)
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "listen address")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "server database path")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: json or text")
	fs.BoolVar(&cfg.RequireAuth, "require-auth", cfg.RequireAuth, "reject sync requests without a valid API key")
	fs.IntVar(&cfg.RateLimitPush, "rate-limit-push", cfg.RateLimitPush, "push requests per device per minute (0 disables)")
	fs.IntVar(&cfg.RateLimitPull, "rate-limit-pull", cfg.RateLimitPull, "pull requests per device per minute (0 disables)")
	createKey := fs.String("create-key", "", "create an API key with this name, print it and exit")
	revokeKey := fs.String("revoke-key", "", "revoke the API key with this id and exit")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	setupLogger(cfg.LogLevel, cfg.LogFormat)

	store, err := serverdb.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open server db: %w", err)
	}
	defer store.Close()

	if *createKey != "" {
		token, key, err := store.GenerateAPIKey(*createKey, nil)
		if err != nil {
			return fmt.Errorf("create api key: %w", err)
		}
		fmt.Printf("%s\t%s\n", key.ID, token)
		return nil
	}
	if *revokeKey != "" {
		if err := store.RevokeAPIKey(*revokeKey); err != nil {
			return fmt.Errorf("revoke api key: %w", err)
		}
		slog.Info("api key revoked", "id", *revokeKey)
		return nil
	}

	if cfg.RequireAuth {
		n, err := store.CountAPIKeys()
		if err != nil {
			return fmt.Errorf("count api keys: %w", err)
		}
		if n == 0 {
			slog.Warn("auth required but no api keys exist; create one with --create-key")
		}
	}

	srv, err := api.NewServer(cfg, store)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	slog.Info("server started", "addr", srv.Addr().String(), "db", cfg.DBPath, "auth", cfg.RequireAuth)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		// Report change log size once a minute
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				stats, err := store.Stats()
				if err != nil {
					slog.Warn("server stats", "err", err)
					continue
				}
				slog.Debug("server stats", "records", stats.Records, "tombstones", stats.Tombstones, "devices", stats.Devices)
			}
		}
	})
	return g.Wait()
}

func setupLogger(levelName, format string) {
	var level slog.Level
	switch strings.ToLower(levelName) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(format) == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

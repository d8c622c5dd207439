// Package app wires configuration to concrete infrastructure.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"mentorline/internal/config"
	"mentorline/internal/db"
	"mentorline/internal/migrate"
	"mentorline/internal/pgstore"
	"mentorline/internal/repo"
	"mentorline/internal/store"
)

// OpenStore opens the backend selected by cfg.Storage. SQLite databases live
// in the workspace and are migrated on open.
func OpenStore(ctx context.Context, cfg *config.Config, workspace string) (store.Store, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite":
		conn, err := db.Open(db.Config{Workspace: workspace, Path: cfg.Storage.URL})
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		if err := migrate.Migrate(ctx, conn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return repo.New(conn), nil
	case "postgres":
		if strings.TrimSpace(cfg.Storage.URL) == "" {
			return nil, fmt.Errorf("storage.url is required for postgres")
		}
		st, err := pgstore.New(ctx, cfg.Storage.URL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

// NewLogger returns a text logger writing to w at the configured level.
func NewLogger(w io.Writer, level string) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)}))
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

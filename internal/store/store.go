package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tickwatch/tickwatch/internal/config"
)

// ErrNotFound is returned by Load when no snapshot exists for the user.
var ErrNotFound = errors.New("snapshot not found")

// SnapshotStore is the durable last-writer-wins blob store for session
// snapshots. Save is idempotent and replaces the whole snapshot.
type SnapshotStore interface {
	Save(ctx context.Context, userID string, data []byte) error
	Load(ctx context.Context, userID string) ([]byte, error)
	Delete(ctx context.Context, userID string) error
	Close()
}

// Open creates the snapshot store selected by cfg.Mode. coldTTL bounds how
// old a snapshot may be and still rehydrate a session.
func Open(ctx context.Context, cfg config.PersistenceConfig, coldTTL time.Duration, logger *slog.Logger) (SnapshotStore, error) {
	switch cfg.Mode {
	case "postgres":
		return NewPostgres(ctx, cfg.Postgres, coldTTL, logger)
	case "redis":
		return NewRedis(ctx, cfg.Redis, coldTTL)
	case "none":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown persistence mode %q", cfg.Mode)
	}
}

package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "affibot/pkg/logx"
)

// Store is the persistence API used by the pipeline and the command surface.
//
// The pipeline is the only MarkSeen caller and runs on a single goroutine,
// so the check-then-mark sequence never races. Implementations still lock
// internally because the command surface reads (Count, Flush) concurrently.
type Store interface {
	// Seen reports whether key was already forwarded. Pure lookup.
	Seen(ctx context.Context, key string) (bool, error)
	// MarkSeen records key with its first-seen time. Idempotent; marking an
	// already-present key keeps the original timestamp.
	MarkSeen(ctx context.Context, key string, at time.Time) error
	// Count returns the number of seen keys.
	Count(ctx context.Context) (int64, error)
	// Flush removes all seen keys and returns how many were removed.
	Flush(ctx context.Context) (int64, error)

	// AppendForward appends to the forward log. Best-effort operational
	// record; failures should be logged, not propagated to the pipeline.
	AppendForward(ctx context.Context, e ForwardEntry) error

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}

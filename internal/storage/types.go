package storage

import (
	"context"
	"errors"
	"time"

	"quoteflow/internal/model"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values: "memory" (default when empty or "none"), "file", "sqlite", "postgres".
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// TaskRepo persists tasks keyed by id. LoadTasks returns creation order;
// PutTask on an existing id replaces it in place.
type TaskRepo interface {
	LoadTasks(ctx context.Context) ([]model.Task, error)
	PutTask(ctx context.Context, t model.Task) error
	PutTasks(ctx context.Context, ts []model.Task) error
	DeleteTasks(ctx context.Context, ids ...string) error
}

// SettingsRepo is the sequence enablement side table.
type SettingsRepo interface {
	LoadSequenceSettings(ctx context.Context) (map[string]bool, error)
	PutSequenceSetting(ctx context.Context, sequenceID string, enabled bool) error
}

// QuoteRepo stores the latest snapshot per quote id.
type QuoteRepo interface {
	GetQuote(ctx context.Context, id string) (model.QuoteSnapshot, bool, error)
	PutQuote(ctx context.Context, q model.QuoteSnapshot) error
}

// DedupRepo keeps notifier dedup marks across restarts.
type DedupRepo interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
}

type Store interface {
	TaskRepo
	SettingsRepo
	QuoteRepo
	DedupRepo
	Driver() string
	Close() error
}

// Package results persists run summaries.
package results

import (
	"context"
	"errors"
	"fmt"

	"github.com/zsiec/stgen/internal/config"
	"github.com/zsiec/stgen/internal/logger"
	"github.com/zsiec/stgen/internal/stats"
)

// ErrRunNotFound is returned by Get for an unknown run ID.
var ErrRunNotFound = errors.New("run not found")

// Store saves and retrieves run summaries. Saving a run ID twice keeps the
// first summary.
type Store interface {
	Save(ctx context.Context, s *stats.Summary) error
	Get(ctx context.Context, runID string) (*stats.Summary, error)
	// List returns stored summaries, most recently ended first.
	List(ctx context.Context) ([]*stats.Summary, error)
	Close() error
	Name() string
}

// Open returns the store selected by cfg.Backend.
func Open(ctx context.Context, cfg *config.ResultsConfig, log logger.Logger) (Store, error) {
	switch cfg.Backend {
	case "", "none":
		return NopStore{}, nil
	case "redis":
		return OpenRedis(ctx, &cfg.Redis, log)
	case "postgres":
		return OpenPostgres(ctx, &cfg.Postgres, log)
	default:
		return nil, fmt.Errorf("unknown results backend: %s", cfg.Backend)
	}
}

// NopStore discards summaries.
type NopStore struct{}

func (NopStore) Save(context.Context, *stats.Summary) error { return nil }

func (NopStore) Get(context.Context, string) (*stats.Summary, error) {
	return nil, ErrRunNotFound
}

func (NopStore) List(context.Context) ([]*stats.Summary, error) { return nil, nil }
func (NopStore) Close() error                                   { return nil }
func (NopStore) Name() string                                   { return "none" }

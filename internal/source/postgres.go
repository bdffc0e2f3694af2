package source

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"

	"github.com/matt-riley/flagbase/internal/repository"
)

// DatafileStore is the read side of [repository.PostgresRepository].
type DatafileStore interface {
	LatestDatafile(ctx context.Context, environment string) (repository.Datafile, error)
}

// PostgresFetcher returns the latest datafile published for one environment.
type PostgresFetcher struct {
	store       DatafileStore
	environment string

	mu     sync.Mutex
	lastID int64
}

// NewPostgresFetcher creates a fetcher reading environment from store.
func NewPostgresFetcher(store DatafileStore, environment string) *PostgresFetcher {
	return &PostgresFetcher{store: store, environment: environment}
}

// Fetch returns the newest row's content, or [ErrNotModified] when the newest
// row is the one returned last time.
func (f *PostgresFetcher) Fetch(ctx context.Context) ([]byte, error) {
	latest, err := f.store.LatestDatafile(ctx, f.environment)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("environment %q: %w", f.environment, ErrNotFound)
		}
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if latest.ID == f.lastID {
		return nil, ErrNotModified
	}
	f.lastID = latest.ID
	return latest.Content, nil
}

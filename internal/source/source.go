// Package source fetches raw datafile content from the places a datafile can
// be published to: a local file, an HTTP endpoint, a Postgres table, or a
// Redis key. Fetchers only move bytes; parsing happens in the datafile
// package.
//
// Every fetcher remembers what it returned last and reports [ErrNotModified]
// when the content has not changed, so callers can skip rebuilding their
// snapshot.
package source

import (
	"context"
	"errors"
)

var (
	// ErrNotModified is returned when the datafile has not changed since the
	// previous successful fetch.
	ErrNotModified = errors.New("datafile not modified")
	// ErrNotFound is returned when nothing has been published yet.
	ErrNotFound = errors.New("datafile not found")
	// ErrTooLarge is returned when the content exceeds the configured limit.
	ErrTooLarge = errors.New("datafile too large")
)

// Fetcher fetches the current datafile content.
type Fetcher interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// Invalidator signals when the published datafile may have changed.
// The channel is closed when the subscription ends.
type Invalidator interface {
	SubscribeDatafileInvalidation(ctx context.Context) (<-chan struct{}, error)
}

func signal(ch chan<- struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

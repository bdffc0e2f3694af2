package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisFetcher reads a datafile stored under a Redis key and listens for
// publications on a pub/sub channel.
type RedisFetcher struct {
	client  redis.UniversalClient
	key     string
	channel string

	mu   sync.Mutex
	last []byte
}

// NewRedisFetcher creates a fetcher for key. Publications are announced on
// key + ":events".
func NewRedisFetcher(client redis.UniversalClient, key string) *RedisFetcher {
	return &RedisFetcher{client: client, key: key, channel: key + ":events"}
}

// Fetch returns the stored content, or [ErrNotModified] when it is
// byte-identical to the previous fetch.
func (f *RedisFetcher) Fetch(ctx context.Context) ([]byte, error) {
	content, err := f.client.Get(ctx, f.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("redis key %q: %w", f.key, ErrNotFound)
		}
		return nil, fmt.Errorf("get redis key %q: %w", f.key, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.last != nil && bytes.Equal(f.last, content) {
		return nil, ErrNotModified
	}
	f.last = content
	return content, nil
}

// Publish stores content under the key and announces it to subscribers in
// one transaction.
func (f *RedisFetcher) Publish(ctx context.Context, content []byte, revision string) error {
	_, err := f.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, f.key, content, 0)
		pipe.Publish(ctx, f.channel, revision)
		return nil
	})
	if err != nil {
		return fmt.Errorf("publish datafile to redis: %w", err)
	}
	return nil
}

// SubscribeDatafileInvalidation subscribes to the publication channel.
func (f *RedisFetcher) SubscribeDatafileInvalidation(ctx context.Context) (<-chan struct{}, error) {
	pubsub := f.client.Subscribe(ctx, f.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %q: %w", f.channel, err)
	}

	invalidations := make(chan struct{}, 1)
	go func() {
		defer close(invalidations)
		defer pubsub.Close()

		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-messages:
				if !ok {
					return
				}
				signal(invalidations)
			}
		}
	}()

	return invalidations, nil
}

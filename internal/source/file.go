package source

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// FileFetcher reads a datafile from the local filesystem.
type FileFetcher struct {
	path string

	mu   sync.Mutex
	seen bool
	sum  [sha256.Size]byte
}

// NewFileFetcher creates a fetcher for the datafile at path.
func NewFileFetcher(path string) *FileFetcher {
	return &FileFetcher{path: filepath.Clean(path)}
}

// Path returns the watched file path.
func (f *FileFetcher) Path() string {
	return f.path
}

// Fetch reads the file, or returns [ErrNotModified] when its content hashes
// the same as the previous read.
func (f *FileFetcher) Fetch(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	content, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("read %s: %w", f.path, ErrNotFound)
		}
		return nil, fmt.Errorf("read %s: %w", f.path, err)
	}
	sum := sha256.Sum256(content)

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.seen && sum == f.sum {
		return nil, ErrNotModified
	}
	f.seen, f.sum = true, sum
	return content, nil
}

// SubscribeDatafileInvalidation watches the file's directory so that both
// in-place writes and atomic rename-into-place publications are noticed.
func (f *FileFetcher) SubscribeDatafileInvalidation(ctx context.Context) (<-chan struct{}, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(f.path), err)
	}

	invalidations := make(chan struct{}, 1)
	go func() {
		defer close(invalidations)
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != f.path {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
					signal(invalidations)
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return invalidations, nil
}

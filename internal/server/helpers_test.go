package server

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/matt-riley/flagbase/internal/instance"
	"github.com/matt-riley/flagbase/internal/source"
)

const serverDatafile = `{
	"schemaVersion": "2",
	"revision": "1",
	"attributes": {"userId": {"type": "string"}, "country": {"type": "string"}},
	"features": {
		"checkout": {
			"hash": "c1",
			"bucketBy": "userId",
			"force": [{"conditions": [{"attribute": "country", "operator": "equals", "value": "gb"}], "enabled": false}],
			"traffic": [{"key": "everyone", "segments": "*", "percentage": 100000}]
		},
		"banner": {
			"hash": "b1",
			"bucketBy": "userId",
			"variablesSchema": {
				"title": {"type": "string", "defaultValue": "Hello"},
				"config": {"type": "object", "properties": {"theme": {"type": "string"}}, "defaultValue": {"theme": "light"}}
			},
			"variations": [
				{"value": "control"},
				{"value": "treatment", "variables": {"title": "Hi"}}
			],
			"traffic": [{
				"key": "everyone",
				"segments": "*",
				"percentage": 100000,
				"allocation": [{"variation": "treatment", "range": [0, 100000]}]
			}]
		}
	}
}`

func datafileRevision(rev, bannerHash string) []byte {
	content := strings.Replace(serverDatafile, `"revision": "1"`, `"revision": "`+rev+`"`, 1)
	return []byte(strings.Replace(content, `"hash": "b1"`, `"hash": "`+bannerHash+`"`, 1))
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func newTestInstance(t *testing.T, opts ...instance.Option) *instance.Instance {
	t.Helper()

	opts = append([]instance.Option{instance.WithDatafile([]byte(serverDatafile)), instance.WithLogger(quietLogger())}, opts...)
	inst, err := instance.New(context.Background(), opts...)
	if err != nil {
		t.Fatalf("instance.New() error = %v", err)
	}
	t.Cleanup(inst.Close)
	return inst
}

func newEmptyInstance(t *testing.T) *instance.Instance {
	t.Helper()

	inst, err := instance.New(context.Background(), instance.WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("instance.New() error = %v", err)
	}
	t.Cleanup(inst.Close)
	return inst
}

type queueFetcher struct {
	mu       sync.Mutex
	contents [][]byte
	err      error
}

func (f *queueFetcher) Fetch(context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	if len(f.contents) == 0 {
		return nil, source.ErrNotModified
	}
	next := f.contents[0]
	f.contents = f.contents[1:]
	return next, nil
}

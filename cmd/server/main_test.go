package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/matt-riley/flagbase/internal/config"
	"github.com/matt-riley/flagbase/internal/metrics"
	"github.com/matt-riley/flagbase/internal/source"
)

func mustHashAPIKey(t *testing.T, apiKey string) string {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("GenerateFromPassword(%q) error = %v", apiKey, err)
	}

	return string(hash)
}

func TestNewHTTPHandlerProtectsV1RoutesIncludingEscapedPaths(t *testing.T) {
	apiHandler := http.NewServeMux()
	apiHandler.HandleFunc("POST /v1/evaluate", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	validator := &fakeHTTPTokenValidator{keyID: "edge"}
	handler := newHTTPHandler(apiHandler, validator)

	t.Run("unauthenticated escaped v1 path is rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/%76%31/evaluate", nil)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
		}
		if got := rec.Header().Get("WWW-Authenticate"); got != "Bearer" {
			t.Fatalf("WWW-Authenticate = %q, want %q", got, "Bearer")
		}
	})

	t.Run("authenticated v1 path is allowed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/evaluate", nil)
		req.Header.Set("Authorization", "Bearer edge.secret")
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
		}
		if validator.calls != 1 {
			t.Fatalf("ValidateToken calls = %d, want %d", validator.calls, 1)
		}
	})
}

func TestNewHTTPHandlerWithoutValidatorIsOpen(t *testing.T) {
	apiHandler := http.NewServeMux()
	apiHandler.HandleFunc("POST /v1/evaluate", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := newHTTPHandler(apiHandler, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/evaluate", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestNewHTTPHandlerKeepsPublicEndpointsAccessible(t *testing.T) {
	apiHandler := http.NewServeMux()
	apiHandler.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	apiHandler.HandleFunc("GET /metrics", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	apiHandler.HandleFunc("GET /debug", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := newHTTPHandler(apiHandler, &fakeHTTPTokenValidator{err: errors.New("invalid token")})

	for _, path := range []string{"/healthz", "/metrics"} {
		t.Run(path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, path, nil)
			req.Header.Set("Authorization", "Bearer bad")
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
			}
		})
	}

	t.Run("non-whitelisted public routes are not exposed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/debug", nil)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
		}
	})
}

func TestNewTokenValidator(t *testing.T) {
	t.Run("empty disables auth", func(t *testing.T) {
		validator, err := newTokenValidator("")
		if err != nil {
			t.Fatalf("newTokenValidator() error = %v", err)
		}
		if validator != nil {
			t.Fatalf("newTokenValidator() = %T, want nil", validator)
		}
	})

	t.Run("malformed keys", func(t *testing.T) {
		if _, err := newTokenValidator("edge"); err == nil {
			t.Fatal("newTokenValidator() error = nil, want error")
		}
	})

	t.Run("configured keys", func(t *testing.T) {
		validator, err := newTokenValidator("edge:" + mustHashAPIKey(t, "good-secret"))
		if err != nil {
			t.Fatalf("newTokenValidator() error = %v", err)
		}

		keyID, err := validator.ValidateToken(context.Background(), "edge.good-secret")
		if err != nil {
			t.Fatalf("ValidateToken() error = %v, want nil", err)
		}
		if keyID != "edge" {
			t.Fatalf("ValidateToken() keyID = %q, want edge", keyID)
		}
		if _, err := validator.ValidateToken(context.Background(), "edge.bad-secret"); err == nil {
			t.Fatal("ValidateToken() with wrong secret error = nil, want error")
		}
	})
}

func TestOpenSource(t *testing.T) {
	ctx := context.Background()
	m := metrics.New()

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "datafile.json")
		src, err := openSource(ctx, config.Config{Source: config.SourceFile, DatafilePath: path}, m, quietLogger())
		if err != nil {
			t.Fatalf("openSource() error = %v", err)
		}
		defer src.close()

		fetcher, ok := src.fetcher.(*source.FileFetcher)
		if !ok {
			t.Fatalf("fetcher = %T, want *source.FileFetcher", src.fetcher)
		}
		if fetcher.Path() != path {
			t.Fatalf("Path() = %q, want %q", fetcher.Path(), path)
		}
	})

	t.Run("http sends bearer token", func(t *testing.T) {
		var gotAuth string
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
			_, _ = w.Write([]byte(`{"schemaVersion":"2","revision":"1","features":{},"segments":{}}`))
		}))
		defer ts.Close()

		src, err := openSource(ctx, config.Config{
			Source:           config.SourceHTTP,
			DatafileURL:      ts.URL,
			DatafileURLToken: "cdn-token",
		}, m, quietLogger())
		if err != nil {
			t.Fatalf("openSource() error = %v", err)
		}
		defer src.close()

		if _, err := src.fetcher.Fetch(ctx); err != nil {
			t.Fatalf("Fetch() error = %v", err)
		}
		if gotAuth != "Bearer cdn-token" {
			t.Fatalf("Authorization = %q, want %q", gotAuth, "Bearer cdn-token")
		}
	})

	t.Run("redis url must parse", func(t *testing.T) {
		_, err := openSource(ctx, config.Config{Source: config.SourceRedis, RedisURL: "ftp://nope"}, m, quietLogger())
		if err == nil {
			t.Fatal("openSource() error = nil, want REDIS_URL parse error")
		}
	})

	t.Run("redis", func(t *testing.T) {
		src, err := openSource(ctx, config.Config{
			Source:   config.SourceRedis,
			RedisURL: "redis://127.0.0.1:6379/0",
			RedisKey: "flagbase:datafile",
		}, m, quietLogger())
		if err != nil {
			t.Fatalf("openSource() error = %v", err)
		}
		defer src.close()

		if _, ok := src.fetcher.(*source.RedisFetcher); !ok {
			t.Fatalf("fetcher = %T, want *source.RedisFetcher", src.fetcher)
		}
	})

	t.Run("unknown", func(t *testing.T) {
		if _, err := openSource(ctx, config.Config{Source: "s3"}, m, quietLogger()); err == nil {
			t.Fatal("openSource() error = nil, want unsupported source error")
		}
	})
}

type fakeHTTPTokenValidator struct {
	err   error
	calls int
	keyID string
}

func (f *fakeHTTPTokenValidator) ValidateToken(_ context.Context, _ string) (string, error) {
	f.calls++
	return f.keyID, f.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

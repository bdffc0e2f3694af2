package middleware

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func TestHTTPRequestLogging(t *testing.T) {
	t.Run("logs request with request_id in context", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

		var capturedReqID string
		var capturedLogger *slog.Logger
		inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := RequestIDFromContext(r.Context())
			if !ok {
				t.Fatal("expected request_id in context")
			}
			capturedReqID = id
			capturedLogger = LoggerFromContext(r.Context())
			w.WriteHeader(http.StatusOK)
		})

		handler := HTTPRequestLogging(logger)(inner)
		req := httptest.NewRequest(http.MethodGet, "/v1/evaluate", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if capturedReqID == "" {
			t.Fatal("expected non-empty request_id")
		}
		if _, err := uuid.Parse(capturedReqID); err != nil {
			t.Fatalf("expected a UUID request_id, got %q: %v", capturedReqID, err)
		}
		if got := rec.Header().Get(RequestIDHeader); got != capturedReqID {
			t.Fatalf("expected %s header %q, got %q", RequestIDHeader, capturedReqID, got)
		}
		if capturedLogger == nil {
			t.Fatal("expected logger in context")
		}

		output := buf.String()
		if !strings.Contains(output, "request started") {
			t.Fatalf("expected 'request started' in log output, got: %s", output)
		}
		if !strings.Contains(output, "request completed") {
			t.Fatalf("expected 'request completed' in log output, got: %s", output)
		}
		if !strings.Contains(output, capturedReqID) {
			t.Fatalf("expected request_id %q in log output, got: %s", capturedReqID, output)
		}
		if !strings.Contains(output, "method=GET") {
			t.Fatalf("expected method=GET in log output, got: %s", output)
		}
		if !strings.Contains(output, "path=/v1/evaluate") {
			t.Fatalf("expected path=/v1/evaluate in log output, got: %s", output)
		}
		if !strings.Contains(output, "status_code=200") {
			t.Fatalf("expected status_code=200 in log output, got: %s", output)
		}
		if !strings.Contains(output, "duration_ms=") {
			t.Fatalf("expected duration_ms in log output, got: %s", output)
		}
	})

	t.Run("captures non-200 status code", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

		inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})

		handler := HTTPRequestLogging(logger)(inner)
		req := httptest.NewRequest(http.MethodGet, "/v1/missing", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rec.Code)
		}
		if !strings.Contains(buf.String(), "status_code=404") {
			t.Fatalf("expected status_code=404 in log output, got: %s", buf.String())
		}
	})

	t.Run("captures status from Write without explicit WriteHeader", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

		inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("hello"))
		})

		handler := HTTPRequestLogging(logger)(inner)
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if !strings.Contains(buf.String(), "status_code=200") {
			t.Fatalf("expected status_code=200 in log output, got: %s", buf.String())
		}
	})

	t.Run("nil logger uses default", func(t *testing.T) {
		inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})

		handler := HTTPRequestLogging(nil)(inner)
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()

		// Should not panic
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
	})
}

func TestUnaryRequestLoggingInterceptor(t *testing.T) {
	t.Run("logs gRPC request with request_id", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

		var capturedReqID string
		interceptor := UnaryRequestLoggingInterceptor(logger)
		info := &grpc.UnaryServerInfo{FullMethod: "/flagbase.v1.EvaluationService/Evaluate"}

		resp, err := interceptor(context.Background(), "req", info, func(ctx context.Context, req any) (any, error) {
			id, ok := RequestIDFromContext(ctx)
			if !ok {
				t.Fatal("expected request_id in context")
			}
			capturedReqID = id
			return "ok", nil
		})

		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if resp != "ok" {
			t.Fatalf("expected response 'ok', got %v", resp)
		}
		if _, err := uuid.Parse(capturedReqID); err != nil {
			t.Fatalf("expected a UUID request_id, got %q", capturedReqID)
		}

		output := buf.String()
		if !strings.Contains(output, "request started") {
			t.Fatalf("expected 'request started' in log output, got: %s", output)
		}
		if !strings.Contains(output, "request completed") {
			t.Fatalf("expected 'request completed' in log output, got: %s", output)
		}
		if !strings.Contains(output, "/flagbase.v1.EvaluationService/Evaluate") {
			t.Fatalf("expected method in log output, got: %s", output)
		}
		if !strings.Contains(output, "status_code=0") {
			t.Fatalf("expected status_code=0 in log output, got: %s", output)
		}
		if !strings.Contains(output, "duration_ms=") {
			t.Fatalf("expected duration_ms in log output, got: %s", output)
		}
	})

	t.Run("logs error status code", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

		interceptor := UnaryRequestLoggingInterceptor(logger)
		info := &grpc.UnaryServerInfo{FullMethod: "/flagbase.v1.EvaluationService/Evaluate"}

		_, err := interceptor(context.Background(), "req", info, func(context.Context, any) (any, error) {
			return nil, status.Error(codes.NotFound, "not found")
		})

		if err == nil {
			t.Fatal("expected error")
		}
		if !strings.Contains(buf.String(), "status_code=5") {
			t.Fatalf("expected status_code=5 in log output, got: %s", buf.String())
		}
	})

	t.Run("nil logger uses default", func(t *testing.T) {
		interceptor := UnaryRequestLoggingInterceptor(nil)
		info := &grpc.UnaryServerInfo{FullMethod: "/test"}

		// Should not panic
		resp, err := interceptor(context.Background(), "req", info, func(ctx context.Context, req any) (any, error) {
			return "ok", nil
		})

		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if resp != "ok" {
			t.Fatalf("expected 'ok', got %v", resp)
		}
	})
}

func TestRequestIDPropagation(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		wantKept bool
	}{
		{name: "kept", incoming: "edge-42", wantKept: true},
		{name: "contains spaces", incoming: "edge 42"},
		{name: "too long", incoming: strings.Repeat("a", maxRequestIDLength+1)},
		{name: "absent"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var got string
			handler := HTTPRequestLogging(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				got, _ = RequestIDFromContext(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.incoming != "" {
				req.Header.Set(RequestIDHeader, tc.incoming)
			}
			handler.ServeHTTP(httptest.NewRecorder(), req)

			if tc.wantKept {
				if got != tc.incoming {
					t.Fatalf("request id = %q, want %q", got, tc.incoming)
				}
				return
			}
			if _, err := uuid.Parse(got); err != nil {
				t.Fatalf("request id = %q, want a fresh UUID", got)
			}
		})
	}

	t.Run("grpc metadata", func(t *testing.T) {
		ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(RequestIDHeader, "edge-7"))
		interceptor := UnaryRequestLoggingInterceptor(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))

		_, _ = interceptor(ctx, "req", &grpc.UnaryServerInfo{FullMethod: "/test"}, func(ctx context.Context, _ any) (any, error) {
			if id, _ := RequestIDFromContext(ctx); id != "edge-7" {
				t.Fatalf("request id = %q, want edge-7", id)
			}
			return nil, nil
		})
	})
}

func TestRequestIDFromContext(t *testing.T) {
	t.Run("returns false for empty context", func(t *testing.T) {
		_, ok := RequestIDFromContext(context.Background())
		if ok {
			t.Fatal("expected false for empty context")
		}
	})

	t.Run("returns value when set", func(t *testing.T) {
		ctx := context.WithValue(context.Background(), requestIDKey, "test-id")
		id, ok := RequestIDFromContext(ctx)
		if !ok {
			t.Fatal("expected true")
		}
		if id != "test-id" {
			t.Fatalf("expected 'test-id', got %q", id)
		}
	})
}

func TestLoggerFromContext(t *testing.T) {
	t.Run("returns default for empty context", func(t *testing.T) {
		logger := LoggerFromContext(context.Background())
		if logger == nil {
			t.Fatal("expected non-nil logger")
		}
	})

	t.Run("returns custom logger when set", func(t *testing.T) {
		custom := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
		ctx := context.WithValue(context.Background(), loggerKey, custom)
		got := LoggerFromContext(ctx)
		if got != custom {
			t.Fatal("expected custom logger")
		}
	})
}

func TestResponseWriterCapture(t *testing.T) {
	t.Run("double WriteHeader only records first", func(t *testing.T) {
		rec := httptest.NewRecorder()
		rw := &responseWriter{ResponseWriter: rec, statusCode: http.StatusOK}

		rw.WriteHeader(http.StatusCreated)
		rw.WriteHeader(http.StatusInternalServerError) // should be ignored

		if rw.statusCode != http.StatusCreated {
			t.Fatalf("expected 201, got %d", rw.statusCode)
		}
	})

	t.Run("Unwrap returns underlying writer", func(t *testing.T) {
		rec := httptest.NewRecorder()
		rw := &responseWriter{ResponseWriter: rec}
		if rw.Unwrap() != rec {
			t.Fatal("Unwrap should return underlying ResponseWriter")
		}
	})

	t.Run("Flush reaches the SSE writer", func(t *testing.T) {
		rec := httptest.NewRecorder()
		var w http.ResponseWriter = &responseWriter{ResponseWriter: rec, statusCode: http.StatusOK}

		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Fatal("responseWriter should implement http.Flusher")
		}
		_, _ = w.Write([]byte("data: {}\n\n"))
		flusher.Flush()
		if !rec.Flushed {
			t.Fatal("expected underlying recorder to be flushed")
		}
	})
}

func TestStreamRequestLoggingInterceptor(t *testing.T) {
	t.Run("logs stream with request_id", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

		interceptor := StreamRequestLoggingInterceptor(logger)
		info := &grpc.StreamServerInfo{FullMethod: "/flagbase.v1.EvaluationService/WatchUpdates"}
		stream := &testServerStream{ctx: context.Background()}

		err := interceptor(struct{}{}, stream, info, func(srv any, ss grpc.ServerStream) error {
			id, ok := RequestIDFromContext(ss.Context())
			if !ok {
				t.Fatal("expected request_id in context")
			}
			if _, err := uuid.Parse(id); err != nil {
				t.Fatalf("expected a UUID request_id, got %q", id)
			}
			return nil
		})

		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		output := buf.String()
		if !strings.Contains(output, "stream started") {
			t.Fatalf("expected 'stream started' in log output, got: %s", output)
		}
		if !strings.Contains(output, "stream completed") {
			t.Fatalf("expected 'stream completed' in log output, got: %s", output)
		}
		if !strings.Contains(output, "/flagbase.v1.EvaluationService/WatchUpdates") {
			t.Fatalf("expected method in log output, got: %s", output)
		}
		if !strings.Contains(output, "status_code=0") {
			t.Fatalf("expected status_code=0 in log output, got: %s", output)
		}
	})

	t.Run("logs error status code", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

		interceptor := StreamRequestLoggingInterceptor(logger)
		info := &grpc.StreamServerInfo{FullMethod: "/flagbase.v1.EvaluationService/WatchUpdates"}
		stream := &testServerStream{ctx: context.Background()}

		err := interceptor(struct{}{}, stream, info, func(srv any, ss grpc.ServerStream) error {
			return status.Error(codes.Internal, "oops")
		})

		if err == nil {
			t.Fatal("expected error")
		}
		if !strings.Contains(buf.String(), "status_code=13") {
			t.Fatalf("expected status_code=13 in log output, got: %s", buf.String())
		}
	})

	t.Run("nil logger uses default", func(t *testing.T) {
		interceptor := StreamRequestLoggingInterceptor(nil)
		info := &grpc.StreamServerInfo{FullMethod: "/test"}
		stream := &testServerStream{ctx: context.Background()}

		err := interceptor(struct{}{}, stream, info, func(srv any, ss grpc.ServerStream) error {
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

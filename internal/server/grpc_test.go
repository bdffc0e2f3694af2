package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matt-riley/flagbase/internal/instance"
	"github.com/matt-riley/flagbase/internal/metrics"
)

func newBufconnClient(t *testing.T, inst *instance.Instance, m *metrics.Metrics) *EvaluationClient {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(m.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(m.StreamServerInterceptor()),
	)
	RegisterEvaluationServiceServer(grpcServer, NewGRPCServer(inst))
	go func() { _ = grpcServer.Serve(lis) }()
	t.Cleanup(grpcServer.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("grpc.NewClient() error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	return NewEvaluationClient(conn)
}

func mustStruct(t *testing.T, fields map[string]any) *structpb.Struct {
	t.Helper()

	s, err := structpb.NewStruct(fields)
	if err != nil {
		t.Fatalf("structpb.NewStruct() error = %v", err)
	}
	return s
}

func TestGRPCEvaluate(t *testing.T) {
	m := metrics.New()
	client := newBufconnClient(t, newTestInstance(t), m)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Evaluate(ctx, mustStruct(t, map[string]any{
		"type":     "variable",
		"feature":  "banner",
		"variable": "title",
		"context":  map[string]any{"userId": "user-1"},
	}))
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}

	got := resp.AsMap()
	if got["revision"] != "1" {
		t.Fatalf("revision = %v, want 1", got["revision"])
	}
	results, _ := got["results"].([]any)
	if len(results) != 1 {
		t.Fatalf("results = %v, want one result", got["results"])
	}
	result, _ := results[0].(map[string]any)
	if result["variableValue"] != "Hi" || result["reason"] == "" {
		t.Fatalf("result = %v, want title Hi", result)
	}

	if v := grpcRequestCount(t, m, "Evaluate", codes.OK); v != 1 {
		t.Fatalf("Evaluate OK count = %v, want 1", v)
	}
}

func TestGRPCEvaluateInvalidArgument(t *testing.T) {
	client := newBufconnClient(t, newTestInstance(t), metrics.New())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tests := []struct {
		name   string
		fields map[string]any
	}{
		{name: "empty", fields: map[string]any{}},
		{name: "unknown type", fields: map[string]any{"type": "nope", "feature": "banner"}},
		{name: "context not an object", fields: map[string]any{"feature": "banner", "context": "x"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := client.Evaluate(ctx, mustStruct(t, tc.fields))
			if status.Code(err) != codes.InvalidArgument {
				t.Fatalf("Evaluate() code = %v, want %v", status.Code(err), codes.InvalidArgument)
			}
		})
	}
}

func TestGRPCEvaluateAll(t *testing.T) {
	client := newBufconnClient(t, newTestInstance(t), metrics.New())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.EvaluateAll(ctx, mustStruct(t, map[string]any{
		"context":  map[string]any{"userId": "user-1", "country": "gb"},
		"features": []any{"checkout"},
	}))
	if err != nil {
		t.Fatalf("EvaluateAll() error = %v", err)
	}

	features, _ := resp.AsMap()["features"].(map[string]any)
	checkout, ok := features["checkout"].(map[string]any)
	if !ok || len(features) != 1 {
		t.Fatalf("features = %v, want only checkout", features)
	}
	if checkout["enabled"] != false {
		t.Fatalf("checkout enabled = %v, want false for gb", checkout["enabled"])
	}
}

func TestGRPCWatchUpdates(t *testing.T) {
	m := metrics.New()
	inst := newTestInstance(t)
	client := newBufconnClient(t, inst, m)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.WatchUpdates(ctx)
	if err != nil {
		t.Fatalf("WatchUpdates() error = %v", err)
	}

	first, err := stream.Recv()
	if err != nil {
		t.Fatalf("Recv() error = %v", err)
	}
	if got := first.AsMap(); got["event"] != "datafile" {
		t.Fatalf("first message = %v, want datafile summary", got)
	}

	if err := inst.SetDatafile(datafileRevision("2", "b1")); err != nil {
		t.Fatalf("SetDatafile() error = %v", err)
	}

	next, err := stream.Recv()
	if err != nil {
		t.Fatalf("Recv() error = %v", err)
	}
	got := next.AsMap()
	update, _ := got["update"].(map[string]any)
	if got["event"] != "update" || update["revision"] != "2" || update["previousRevision"] != "1" {
		t.Fatalf("update message = %v, want revision 1 -> 2", got)
	}
	if features, _ := update["features"].([]any); len(features) != 0 {
		t.Fatalf("features = %v, want none changed", features)
	}

	cancel()
	if _, err := stream.Recv(); status.Code(err) != codes.Canceled {
		t.Fatalf("Recv() after cancel code = %v, want %v", status.Code(err), codes.Canceled)
	}
}

func grpcRequestCount(t *testing.T, m *metrics.Metrics, method string, code codes.Code) float64 {
	t.Helper()
	return testutil.ToFloat64(m.GRPCRequestsTotal.WithLabelValues(method, code.String()))
}

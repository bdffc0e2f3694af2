// Package metrics provides Prometheus instrumentation for the flagbase edge
// server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only flagbase metrics appear on the /metrics endpoint.
package metrics

import (
	"context"
	"net/http"
	"path"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// Metrics holds all Prometheus collectors used by the flagbase server. It
// implements instance.Recorder.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	GRPCRequestsTotal   *prometheus.CounterVec
	GRPCRequestDuration *prometheus.HistogramVec
	EvaluationsTotal    *prometheus.CounterVec
	RefreshesTotal      *prometheus.CounterVec
	RefreshDuration     prometheus.Histogram
	DatafileFeatures    prometheus.Gauge
	DatafileInfo        *prometheus.GaugeVec
	AuthFailuresTotal   prometheus.Counter
	ActiveStreams       *prometheus.GaugeVec
}

// New creates and registers all flagbase metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagbase_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flagbase_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		GRPCRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagbase_grpc_requests_total",
			Help: "Total number of gRPC requests.",
		}, []string{"method", "status"}),

		GRPCRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flagbase_grpc_request_duration_seconds",
			Help:    "gRPC request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),

		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagbase_evaluations_total",
			Help: "Total number of feature evaluations by type and deciding reason.",
		}, []string{"type", "reason"}),

		RefreshesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagbase_datafile_refreshes_total",
			Help: "Total number of datafile refresh attempts by result.",
		}, []string{"result"}),

		RefreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flagbase_datafile_refresh_duration_seconds",
			Help:    "Datafile fetch and install latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}),

		DatafileFeatures: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flagbase_datafile_features",
			Help: "Number of features in the installed datafile.",
		}),

		DatafileInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flagbase_datafile_info",
			Help: "Always 1, labelled with the installed datafile revision.",
		}, []string{"revision"}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flagbase_auth_failures_total",
			Help: "Total number of failed authentication attempts.",
		}),

		ActiveStreams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flagbase_active_streams",
			Help: "Number of active streaming connections.",
		}, []string{"transport"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.GRPCRequestsTotal,
		m.GRPCRequestDuration,
		m.EvaluationsTotal,
		m.RefreshesTotal,
		m.RefreshDuration,
		m.DatafileFeatures,
		m.DatafileInfo,
		m.AuthFailuresTotal,
		m.ActiveStreams,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// UnaryServerInterceptor returns a gRPC unary interceptor that records
// request count and latency for each method.
func (m *Metrics) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		method := path.Base(info.FullMethod)
		st, _ := status.FromError(err)
		code := st.Code().String()
		m.GRPCRequestsTotal.WithLabelValues(method, code).Inc()
		m.GRPCRequestDuration.WithLabelValues(method, code).Observe(time.Since(start).Seconds())
		return resp, err
	}
}

// StreamServerInterceptor returns a gRPC stream interceptor that records
// request count, latency, and active stream gauge.
func (m *Metrics) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		m.ActiveStreams.WithLabelValues("grpc").Inc()
		defer m.ActiveStreams.WithLabelValues("grpc").Dec()
		start := time.Now()
		err := handler(srv, ss)
		method := path.Base(info.FullMethod)
		st, _ := status.FromError(err)
		code := st.Code().String()
		m.GRPCRequestsTotal.WithLabelValues(method, code).Inc()
		m.GRPCRequestDuration.WithLabelValues(method, code).Observe(time.Since(start).Seconds())
		return err
	}
}

// ObserveEvaluation counts one evaluation.
func (m *Metrics) ObserveEvaluation(evaluationType, reason string) {
	m.EvaluationsTotal.WithLabelValues(evaluationType, reason).Inc()
}

// ObserveRefresh counts one refresh attempt. Skipped refreshes did no work
// and are not timed.
func (m *Metrics) ObserveRefresh(result string, duration time.Duration) {
	m.RefreshesTotal.WithLabelValues(result).Inc()
	if duration > 0 {
		m.RefreshDuration.Observe(duration.Seconds())
	}
}

// SetDatafileFeatures records the installed datafile's size and revision.
func (m *Metrics) SetDatafileFeatures(revision string, features int) {
	m.DatafileFeatures.Set(float64(features))
	m.DatafileInfo.Reset()
	m.DatafileInfo.WithLabelValues(revision).Set(1)
}

// IncAuthFailures counts one rejected credential.
func (m *Metrics) IncAuthFailures() {
	m.AuthFailuresTotal.Inc()
}

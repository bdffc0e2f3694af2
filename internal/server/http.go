package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/matt-riley/flagbase/internal/instance"
	"github.com/matt-riley/flagbase/internal/metrics"
	"github.com/matt-riley/flagbase/internal/middleware"
)

const (
	defaultHeartbeatInterval = 15 * time.Second
	defaultMaxJSONBodyBytes  = 1 << 20
)

var errJSONBodyTooLarge = errors.New("json request body too large")

// HTTPServer serves the JSON evaluation API and the SSE update stream.
type HTTPServer struct {
	instance          Instance
	metrics           *metrics.Metrics
	heartbeatInterval time.Duration
	maxJSONBodyBytes  int64
	eventID           atomic.Int64
}

// HTTPOption configures an [HTTPServer].
type HTTPOption func(*HTTPServer)

// WithMaxJSONBodySize caps request bodies. Values <= 0 keep the 1 MiB
// default.
func WithMaxJSONBodySize(n int64) HTTPOption {
	return func(s *HTTPServer) {
		if n > 0 {
			s.maxJSONBodyBytes = n
		}
	}
}

// WithHeartbeatInterval sets how often idle streams receive a comment line.
func WithHeartbeatInterval(d time.Duration) HTTPOption {
	return func(s *HTTPServer) {
		if d > 0 {
			s.heartbeatInterval = d
		}
	}
}

func NewHTTPHandler(inst Instance) http.Handler {
	return NewHTTPHandlerWithOptions(inst, nil)
}

// NewHTTPHandlerWithOptions builds the API handler. When m is non-nil, every
// request is counted and timed and /metrics serves m's registry.
func NewHTTPHandlerWithOptions(inst Instance, m *metrics.Metrics, opts ...HTTPOption) http.Handler {
	if inst == nil {
		panic("instance is nil")
	}

	server := &HTTPServer{
		instance:          inst,
		metrics:           m,
		heartbeatInterval: defaultHeartbeatInterval,
		maxJSONBodyBytes:  defaultMaxJSONBodyBytes,
	}
	for _, opt := range opts {
		opt(server)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/evaluate", server.handleEvaluate)
	mux.HandleFunc("POST /v1/evaluations", server.handleEvaluations)
	mux.HandleFunc("GET /v1/datafile", server.handleDatafile)
	mux.HandleFunc("POST /v1/refresh", server.handleRefresh)
	mux.HandleFunc("POST /v1/validate-mutation", server.handleValidateMutation)
	mux.HandleFunc("GET /v1/stream", server.handleStream)
	mux.HandleFunc("GET /healthz", server.handleHealthz)
	if m != nil {
		mux.Handle("GET /metrics", m.Handler())
	}

	return server.withMetrics(mux)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (s *HTTPServer) withMetrics(next http.Handler) http.Handler {
	if s.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		code := strconv.Itoa(status)
		s.metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, code).Inc()
		s.metrics.HTTPRequestDuration.WithLabelValues(r.Method, route, code).Observe(time.Since(start).Seconds())
	})
}

func (s *HTTPServer) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var request evaluateRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	items, err := request.items()
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	response, err := evaluateItems(s.instance, items)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleEvaluations(w http.ResponseWriter, r *http.Request) {
	var request evaluationsRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, evaluationsResponse{
		Revision: s.instance.Revision(),
		Features: s.instance.GetAllEvaluations(request.Context, request.Features...),
	})
}

func (s *HTTPServer) handleDatafile(w http.ResponseWriter, _ *http.Request) {
	summary, err := summarize(s.instance)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

func (s *HTTPServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.instance.Refresh(r.Context()); err != nil {
		middleware.LoggerFromContext(r.Context()).Warn("manual refresh failed", "error", err)
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"revision": s.instance.Revision()})
}

func (s *HTTPServer) handleValidateMutation(w http.ResponseWriter, r *http.Request) {
	var request validateMutationRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(request.Feature) == "" || request.Key == "" {
		writeJSONError(w, http.StatusBadRequest, "feature and key are required")
		return
	}

	validation, err := validateMutation(s.instance, request)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, validation)
}

func (s *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	updates, unsubscribe := subscribeUpdates(s.instance)
	defer unsubscribe()

	if s.metrics != nil {
		s.metrics.ActiveStreams.WithLabelValues("http").Inc()
		defer s.metrics.ActiveStreams.WithLabelValues("http").Dec()
	}

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if summary, err := summarize(s.instance); err == nil {
		if err := s.writeEvent(w, "datafile", summary); err != nil {
			return
		}
		flusher.Flush()
	}

	heartbeat := time.NewTicker(s.heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case event := <-updates:
			if err := s.writeEvent(w, "update", toUpdatePayload(event)); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *HTTPServer) writeEvent(w io.Writer, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return writeSSEEvent(w, s.eventID.Add(1), name, data)
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if !s.instance.IsReady() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "revision": s.instance.Revision()})
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errNotReady):
		writeJSONError(w, http.StatusServiceUnavailable, serviceErrorMessage(err))
	case errors.Is(err, errFeatureNotFound):
		writeJSONError(w, http.StatusNotFound, serviceErrorMessage(err))
	case errors.Is(err, instance.ErrRefreshInProgress):
		writeJSONError(w, http.StatusConflict, serviceErrorMessage(err))
	case errors.Is(err, instance.ErrNoFetcher):
		writeJSONError(w, http.StatusNotImplemented, serviceErrorMessage(err))
	case errors.Is(err, context.Canceled):
		writeJSONError(w, http.StatusRequestTimeout, serviceErrorMessage(err))
	default:
		writeJSONError(w, http.StatusBadGateway, serviceErrorMessage(err))
	}
}

func serviceErrorMessage(err error) string {
	switch {
	case errors.Is(err, errNotReady):
		return "no datafile installed"
	case errors.Is(err, errFeatureNotFound):
		return "feature not found"
	case errors.Is(err, instance.ErrRefreshInProgress):
		return "refresh already in progress"
	case errors.Is(err, instance.ErrNoFetcher):
		return "no datafile source configured"
	case errors.Is(err, context.Canceled):
		return "request canceled"
	default:
		return "datafile refresh failed"
	}
}

func writeSSEEvent(w io.Writer, eventID int64, eventName string, payload []byte) error {
	dataLines := compactSSEPayload(payload)
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\n", eventID, eventName); err != nil {
		return err
	}

	for _, line := range dataLines {
		if _, err := fmt.Fprintf(w, "data: %s\n", line); err != nil {
			return err
		}
	}

	_, err := fmt.Fprint(w, "\n")
	return err
}

func compactSSEPayload(payload []byte) []string {
	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err == nil {
		return []string{compact.String()}
	}

	return strings.Split(string(payload), "\n")
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxJSONBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}

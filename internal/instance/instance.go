// Package instance is the entry point applications evaluate features
// through. An [Instance] owns the current datafile snapshot, keeps it fresh
// from a [source.Fetcher], and answers flag, variation and variable
// questions against it.
//
// The snapshot is swapped atomically on every refresh, so evaluations never
// take a lock and always see one fully-formed datafile. Public evaluate
// methods never panic and never return errors: failures are logged and
// answered with the zero result.
package instance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/matt-riley/flagbase/internal/core"
	"github.com/matt-riley/flagbase/internal/datafile"
	"github.com/matt-riley/flagbase/internal/mutation"
	"github.com/matt-riley/flagbase/internal/source"
)

const (
	tracerName          = "github.com/matt-riley/flagbase/internal/instance"
	defaultFetchTimeout = 10 * time.Second
	resubscribeInterval = 5 * time.Second
)

// Refresh outcomes reported to the [Recorder].
const (
	RefreshUpdated     = "updated"
	RefreshNotModified = "not_modified"
	RefreshError       = "error"
	RefreshSkipped     = "skipped"
)

var (
	// ErrRefreshInProgress is returned when Refresh is called while another
	// refresh is still fetching. The call is dropped, not queued.
	ErrRefreshInProgress = errors.New("refresh already in progress")
	// ErrNoFetcher is returned by Refresh when no fetcher was configured.
	ErrNoFetcher = errors.New("no datafile fetcher configured")
)

// Recorder receives evaluation and refresh observations.
type Recorder interface {
	ObserveEvaluation(evaluationType, reason string)
	ObserveRefresh(result string, duration time.Duration)
	SetDatafileFeatures(revision string, features int)
}

type noopRecorder struct{}

func (noopRecorder) ObserveEvaluation(string, string)     {}
func (noopRecorder) ObserveRefresh(string, time.Duration) {}
func (noopRecorder) SetDatafileFeatures(string, int)      {}

type snapshot struct {
	reader    *datafile.Reader
	evaluator *core.Evaluator
}

// Instance evaluates features against the most recently installed datafile.
// It is safe for concurrent use.
type Instance struct {
	scope

	logger          *slog.Logger
	fetcher         source.Fetcher
	invalidator     source.Invalidator
	refreshInterval time.Duration
	fetchTimeout    time.Duration
	hooks           core.Hooks
	intercept       func(datafile.Context) datafile.Context
	recorder        Recorder
	tracer          trace.Tracer
	emitter         *Emitter
	initial         core.StickyFeatures

	initialContent  []byte
	initialDatafile *datafile.Datafile

	snap       atomic.Pointer[snapshot]
	refreshing atomic.Bool
	ready      chan struct{}
	readyOnce  sync.Once

	loopMu   sync.Mutex
	stopLoop context.CancelFunc
}

// New creates an instance. When a fetcher is configured and no datafile was
// given, the first datafile is fetched before New returns; a failed fetch is
// logged and the instance starts empty. If a refresh interval or an
// invalidation source is configured, background refreshing runs until ctx
// is done or StopRefreshing is called.
func New(ctx context.Context, opts ...Option) (*Instance, error) {
	i := &Instance{
		logger:       slog.Default(),
		fetchTimeout: defaultFetchTimeout,
		recorder:     noopRecorder{},
		tracer:       otel.Tracer(tracerName),
		ready:        make(chan struct{}),
	}
	i.scope.root = i
	i.emitter = NewEmitter(func(event Event, r any) {
		i.logger.Error("event listener panicked", "event", string(event.Name), "panic", r)
	})

	for _, opt := range opts {
		opt(i)
	}

	if i.invalidator == nil {
		if invalidator, ok := i.fetcher.(source.Invalidator); ok {
			i.invalidator = invalidator
		}
	}

	switch {
	case i.initialDatafile != nil:
		i.SetParsedDatafile(i.initialDatafile)
	case i.initialContent != nil:
		_ = i.SetDatafile(i.initialContent)
	case i.fetcher != nil:
		_ = i.Refresh(ctx)
	}
	i.initialContent, i.initialDatafile = nil, nil

	if i.fetcher != nil && (i.refreshInterval > 0 || i.invalidator != nil) {
		i.StartRefreshing(ctx)
	}

	return i, nil
}

// SetDatafile parses content and installs it. On failure the previous
// datafile stays installed and the error is logged and returned.
func (i *Instance) SetDatafile(content []byte) error {
	df, err := datafile.Parse(content)
	if err != nil {
		i.logger.Error("datafile load failed", "error", err)
		return fmt.Errorf("set datafile: %w", err)
	}

	i.SetParsedDatafile(df)
	return nil
}

// SetParsedDatafile installs df, resolving any notation variable keys first.
// df must not be modified afterwards.
func (i *Instance) SetParsedDatafile(df *datafile.Datafile) {
	if df == nil {
		return
	}

	mutation.ResolveDatafile(df, i.logger)
	reader := datafile.NewReader(df)
	next := &snapshot{
		reader:    reader,
		evaluator: core.NewEvaluator(reader, i.logger, i.hooks),
	}

	previous := i.snap.Swap(next)

	i.recorder.SetDatafileFeatures(reader.Revision(), len(df.Features))
	i.logger.Info("datafile installed", "revision", reader.Revision(), "features", len(df.Features))

	if previous == nil {
		i.readyOnce.Do(func() { close(i.ready) })
		i.emit(Event{Name: EventReady, Revision: reader.Revision()})
		return
	}

	if reader.Revision() == previous.reader.Revision() {
		return
	}
	i.emit(Event{
		Name:             EventUpdate,
		Revision:         reader.Revision(),
		PreviousRevision: previous.reader.Revision(),
		RevisionChanged:  true,
		Features:         changedFeatures(previous.reader.Datafile(), df),
	})
}

// changedFeatures lists added, removed, and re-hashed features in key order.
func changedFeatures(previous, next *datafile.Datafile) []string {
	changed := make([]string, 0)
	for key, feature := range next.Features {
		old, ok := previous.Features[key]
		if !ok || old.Hash != feature.Hash {
			changed = append(changed, key)
		}
	}
	for key := range previous.Features {
		if _, ok := next.Features[key]; !ok {
			changed = append(changed, key)
		}
	}
	slices.Sort(changed)
	return changed
}

// Refresh fetches the datafile once and installs it if it changed. A call
// made while another refresh is in flight is dropped with a warning.
func (i *Instance) Refresh(ctx context.Context) error {
	if i.fetcher == nil {
		return ErrNoFetcher
	}
	if !i.refreshing.CompareAndSwap(false, true) {
		i.logger.Warn("refresh dropped, previous refresh still running")
		i.recorder.ObserveRefresh(RefreshSkipped, 0)
		return ErrRefreshInProgress
	}
	defer i.refreshing.Store(false)

	ctx, span := i.tracer.Start(ctx, "instance.Refresh")
	defer span.End()

	start := time.Now()
	content, err := i.fetcher.Fetch(ctx)
	switch {
	case errors.Is(err, source.ErrNotModified):
		i.recorder.ObserveRefresh(RefreshNotModified, time.Since(start))
		span.SetAttributes(attribute.String("refresh.result", RefreshNotModified))
		i.emit(Event{Name: EventRefresh, Revision: i.Revision()})
		return nil
	case err != nil:
		i.logger.Error("datafile fetch failed", "error", err)
		i.recorder.ObserveRefresh(RefreshError, time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return fmt.Errorf("refresh datafile: %w", err)
	}

	if err := i.SetDatafile(content); err != nil {
		i.recorder.ObserveRefresh(RefreshError, time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid datafile")
		return err
	}

	i.recorder.ObserveRefresh(RefreshUpdated, time.Since(start))
	span.SetAttributes(
		attribute.String("refresh.result", RefreshUpdated),
		attribute.String("datafile.revision", i.Revision()),
	)
	i.emit(Event{Name: EventRefresh, Revision: i.Revision()})
	return nil
}

// StartRefreshing refreshes on the configured interval and on every
// invalidation signal until ctx is done or StopRefreshing is called. Calling
// it again restarts the loop.
func (i *Instance) StartRefreshing(ctx context.Context) {
	if i.fetcher == nil {
		i.logger.Warn("refreshing not started, no fetcher configured")
		return
	}

	i.loopMu.Lock()
	defer i.loopMu.Unlock()

	if i.stopLoop != nil {
		i.stopLoop()
	}
	loopCtx, cancel := context.WithCancel(ctx)
	i.stopLoop = cancel

	go i.refreshLoop(loopCtx)
}

// StopRefreshing cancels future refreshes. A fetch already in flight is
// allowed to finish.
func (i *Instance) StopRefreshing() {
	i.loopMu.Lock()
	defer i.loopMu.Unlock()

	if i.stopLoop != nil {
		i.stopLoop()
		i.stopLoop = nil
	}
}

func (i *Instance) refreshLoop(ctx context.Context) {
	var tick <-chan time.Time
	if i.refreshInterval > 0 {
		ticker := time.NewTicker(i.refreshInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	var invalidations <-chan struct{}
	var resubscribe <-chan time.Time
	if i.invalidator != nil {
		invalidations = i.subscribe(ctx)
		resubscribeTicker := time.NewTicker(resubscribeInterval)
		defer resubscribeTicker.Stop()
		resubscribe = resubscribeTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			i.backgroundRefresh(ctx)
		case <-resubscribe:
			if invalidations == nil {
				if invalidations = i.subscribe(ctx); invalidations != nil {
					i.backgroundRefresh(ctx)
				}
			}
		case _, ok := <-invalidations:
			if !ok {
				invalidations = i.subscribe(ctx)
				continue
			}
			i.backgroundRefresh(ctx)
		}
	}
}

func (i *Instance) subscribe(ctx context.Context) <-chan struct{} {
	if ctx.Err() != nil {
		return nil
	}
	invalidations, err := i.invalidator.SubscribeDatafileInvalidation(ctx)
	if err != nil {
		i.logger.Warn("datafile invalidation subscribe failed", "error", err)
		return nil
	}
	return invalidations
}

// backgroundRefresh detaches the fetch from loop cancellation so stopping
// the loop never interrupts it.
func (i *Instance) backgroundRefresh(ctx context.Context) {
	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), i.fetchTimeout)
	defer cancel()
	_ = i.Refresh(fetchCtx)
}

// Ready is closed once the first datafile has been installed.
func (i *Instance) Ready() <-chan struct{} {
	return i.ready
}

func (i *Instance) IsReady() bool {
	return i.snap.Load() != nil
}

// Revision returns the installed datafile revision, or "" before the first
// datafile.
func (i *Instance) Revision() string {
	if snap := i.snap.Load(); snap != nil {
		return snap.reader.Revision()
	}
	return ""
}

// Reader returns the installed datafile reader, or nil before the first
// datafile.
func (i *Instance) Reader() *datafile.Reader {
	if snap := i.snap.Load(); snap != nil {
		return snap.reader
	}
	return nil
}

// On subscribes listener to name and returns its unsubscribe func.
func (i *Instance) On(name EventName, listener Listener) func() {
	return i.emitter.On(name, listener)
}

func (i *Instance) RemoveAllListeners(names ...EventName) {
	i.emitter.RemoveAllListeners(names...)
}

// Close stops refreshing and drops every listener.
func (i *Instance) Close() {
	i.StopRefreshing()
	i.emitter.RemoveAllListeners()
}

// Spawn creates a child that shares this instance's datafile and listeners
// but owns its context and sticky features.
func (i *Instance) Spawn(ctx datafile.Context, sticky core.StickyFeatures) *Child {
	child := &Child{scope: scope{root: i, parent: &i.scope}}
	child.setContext(ctx, true)
	child.SetStickyFeatures(sticky)
	return child
}

func (i *Instance) emit(event Event) {
	i.emitter.Emit(event)
}

// Child is an instance scope created by Spawn.
type Child struct {
	scope
}

// On subscribes to the parent's events.
func (c *Child) On(name EventName, listener Listener) func() {
	return c.root.On(name, listener)
}

func (c *Child) Revision() string {
	return c.root.Revision()
}

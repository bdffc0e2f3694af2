package instance

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/matt-riley/flagbase/internal/core"
	"github.com/matt-riley/flagbase/internal/datafile"
	"github.com/matt-riley/flagbase/internal/source"
)

// Option configures an [Instance].
type Option func(*Instance)

// WithDatafile installs content as the initial datafile. Invalid content is
// logged and the instance starts without a datafile.
func WithDatafile(content []byte) Option {
	return func(i *Instance) {
		i.initialContent = content
	}
}

// WithParsedDatafile installs an already decoded datafile.
func WithParsedDatafile(df *datafile.Datafile) Option {
	return func(i *Instance) {
		i.initialDatafile = df
	}
}

// WithFetcher sets where Refresh loads datafiles from. A fetcher that also
// implements [source.Invalidator] is subscribed to automatically.
func WithFetcher(fetcher source.Fetcher) Option {
	return func(i *Instance) {
		i.fetcher = fetcher
	}
}

// WithInvalidations triggers a refresh whenever invalidator signals.
func WithInvalidations(invalidator source.Invalidator) Option {
	return func(i *Instance) {
		i.invalidator = invalidator
	}
}

// WithRefreshInterval refreshes on a timer. Zero disables the timer.
func WithRefreshInterval(interval time.Duration) Option {
	return func(i *Instance) {
		if interval >= 0 {
			i.refreshInterval = interval
		}
	}
}

// WithFetchTimeout bounds each background fetch.
func WithFetchTimeout(timeout time.Duration) Option {
	return func(i *Instance) {
		if timeout > 0 {
			i.fetchTimeout = timeout
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(i *Instance) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// WithContext sets the context merged under every call's context.
func WithContext(ctx datafile.Context) Option {
	return func(i *Instance) {
		i.scope.setContext(ctx, true)
	}
}

func WithSticky(sticky core.StickyFeatures) Option {
	return func(i *Instance) {
		i.scope.SetStickyFeatures(sticky)
	}
}

// WithInitialFeatures answers evaluations until the first datafile arrives.
func WithInitialFeatures(initial core.StickyFeatures) Option {
	return func(i *Instance) {
		i.initial = initial
	}
}

func WithHooks(hooks core.Hooks) Option {
	return func(i *Instance) {
		i.hooks = hooks
	}
}

// WithInterceptContext rewrites the merged context before every evaluation.
func WithInterceptContext(intercept func(datafile.Context) datafile.Context) Option {
	return func(i *Instance) {
		i.intercept = intercept
	}
}

// WithRecorder reports evaluations and refreshes, typically to Prometheus.
func WithRecorder(recorder Recorder) Option {
	return func(i *Instance) {
		if recorder != nil {
			i.recorder = recorder
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(i *Instance) {
		if tracer != nil {
			i.tracer = tracer
		}
	}
}

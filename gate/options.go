package gate

import (
	"errors"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/dshills/stagegate/gate/emit"
	"github.com/dshills/stagegate/gate/store/archive"
)

// DefaultStaleAfter is how long a run may go without an event before a new
// start(0) may reclaim its key.
const DefaultStaleAfter = 300 * time.Second

// Option is a functional option for configuring an Engine.
//
// Example:
//
//	engine, err := gate.New(defs, st,
//	    gate.WithStaleAfter(10*time.Minute),
//	    gate.WithEmitter(emit.NewLogEmitter(os.Stderr, true)),
//	    gate.WithMetrics(gate.NewPrometheusMetrics(registry)),
//	)
type Option func(*engineConfig) error

type engineConfig struct {
	staleAfter time.Duration
	clock      func() time.Time
	logger     *slog.Logger
	emitter    emit.Emitter
	notifier   PauseNotifier
	metrics    *PrometheusMetrics
	archive    archive.Archive
	tracer     trace.Tracer
}

func defaultConfig() engineConfig {
	return engineConfig{
		staleAfter: DefaultStaleAfter,
		clock:      time.Now,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		emitter:    emit.NewNullEmitter(),
		tracer:     otel.Tracer("github.com/dshills/stagegate/gate"),
	}
}

// WithStaleAfter sets the staleness window. Default: 300s.
//
// A run whose last event is older than the window no longer blocks
// start(0) and is reported with staleRun by status.
func WithStaleAfter(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		if d <= 0 {
			return errors.New("stale window must be positive")
		}
		cfg.staleAfter = d
		return nil
	}
}

// WithClock replaces the time source. Tests use it to simulate staleness.
func WithClock(now func() time.Time) Option {
	return func(cfg *engineConfig) error {
		if now == nil {
			return errors.New("clock cannot be nil")
		}
		cfg.clock = now
		return nil
	}
}

// WithLogger sets the structured logger. Default: discard.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *engineConfig) error {
		if logger != nil {
			cfg.logger = logger
		}
		return nil
	}
}

// WithEmitter sets the event notifier invoked for every appended event.
// Default: NullEmitter.
func WithEmitter(emitter emit.Emitter) Option {
	return func(cfg *engineConfig) error {
		if emitter != nil {
			cfg.emitter = emitter
		}
		return nil
	}
}

// WithPauseNotifier sets the callback invoked exactly once per pause.
func WithPauseNotifier(n PauseNotifier) Option {
	return func(cfg *engineConfig) error {
		cfg.notifier = n
		return nil
	}
}

// WithMetrics enables Prometheus metrics collection.
func WithMetrics(m *PrometheusMetrics) Option {
	return func(cfg *engineConfig) error {
		cfg.metrics = m
		return nil
	}
}

// WithArchive mirrors every event and completion record into a queryable
// archive. Archive failures are logged and never fail a transition.
func WithArchive(a archive.Archive) Option {
	return func(cfg *engineConfig) error {
		cfg.archive = a
		return nil
	}
}

// WithTracer sets the OpenTelemetry tracer used for one span per Dispatch.
// Default: the global tracer provider.
func WithTracer(t trace.Tracer) Option {
	return func(cfg *engineConfig) error {
		if t != nil {
			cfg.tracer = t
		}
		return nil
	}
}

package emit

import (
	"context"
	"log/slog"
)

// SlogEmitter forwards events to a structured logger.
type SlogEmitter struct {
	logger *slog.Logger
	level  slog.Level
}

// NewSlogEmitter creates an emitter that logs every event at the given level.
// A nil logger uses slog.Default().
func NewSlogEmitter(logger *slog.Logger, level slog.Level) *SlogEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogEmitter{logger: logger, level: level}
}

// Emit logs the event with its run identity and data as attributes.
func (s *SlogEmitter) Emit(event Event) {
	attrs := []slog.Attr{
		slog.String("type", event.Type),
		slog.String("run_id", event.RunID),
	}
	if event.Agent != "" {
		attrs = append(attrs, slog.String("agent", event.Agent))
	}
	if event.Session != "" {
		attrs = append(attrs, slog.String("session", event.Session))
	}
	if len(event.Data) > 0 {
		attrs = append(attrs, slog.Any("data", event.Data))
	}
	s.logger.LogAttrs(context.Background(), s.level, "stage gate event", attrs...)
}

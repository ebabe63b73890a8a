package statebus

import (
	"context"
	"log/slog"
	"time"
)

// Observability receives hooks around publishes, mutations, and handler
// panics. Implementations must be safe for concurrent use. The otel
// subpackage provides an OpenTelemetry implementation.
type Observability interface {
	// OnPublishStart is called before an event fans out. The returned
	// context is passed to OnPublishComplete.
	OnPublishStart(ctx context.Context, eventType string) context.Context

	// OnPublishComplete is called after delivery to all synchronous
	// subscribers finished.
	OnPublishComplete(ctx context.Context, eventType string)

	// OnMutateStart is called after the mutation lock is acquired, before
	// the update function runs. The returned context is passed to the
	// update function and to OnMutateComplete.
	OnMutateStart(ctx context.Context, stateType string) context.Context

	// OnMutateComplete is called once the update function and diff
	// finished. changed is the number of changed fields; err is the update
	// function's error, if any.
	OnMutateComplete(ctx context.Context, stateType string, duration time.Duration, changed int, err error)

	// OnHandlerPanic is called when an action handler panics.
	OnHandlerPanic(eventType string, subscriptionID string, recovered any)
}

// NopObservability is the default Observability: it does nothing.
type NopObservability struct{}

func (NopObservability) OnPublishStart(ctx context.Context, eventType string) context.Context {
	return ctx
}

func (NopObservability) OnPublishComplete(ctx context.Context, eventType string) {}

func (NopObservability) OnMutateStart(ctx context.Context, stateType string) context.Context {
	return ctx
}

func (NopObservability) OnMutateComplete(ctx context.Context, stateType string, duration time.Duration, changed int, err error) {
}

func (NopObservability) OnHandlerPanic(eventType string, subscriptionID string, recovered any) {}

// LogObservability emits the hooks to a slog.Logger. Publishes and
// mutations log at debug level, update-function errors and handler panics
// at error level.
type LogObservability struct {
	logger *slog.Logger
}

// NewLogObservability creates a LogObservability that emits to logger.
func NewLogObservability(logger *slog.Logger) *LogObservability {
	return &LogObservability{logger: logger}
}

func (o *LogObservability) OnPublishStart(ctx context.Context, eventType string) context.Context {
	return ctx
}

func (o *LogObservability) OnPublishComplete(ctx context.Context, eventType string) {
	o.logger.LogAttrs(ctx, slog.LevelDebug, "event published",
		slog.String("event_type", eventType),
	)
}

func (o *LogObservability) OnMutateStart(ctx context.Context, stateType string) context.Context {
	return ctx
}

func (o *LogObservability) OnMutateComplete(ctx context.Context, stateType string, duration time.Duration, changed int, err error) {
	if err != nil {
		o.logger.LogAttrs(ctx, slog.LevelError, "mutation failed",
			slog.String("state_type", stateType),
			slog.Duration("duration", duration),
			slog.Any("error", err),
		)
		return
	}
	o.logger.LogAttrs(ctx, slog.LevelDebug, "state mutated",
		slog.String("state_type", stateType),
		slog.Duration("duration", duration),
		slog.Int("changed_fields", changed),
	)
}

func (o *LogObservability) OnHandlerPanic(eventType string, subscriptionID string, recovered any) {
	o.logger.LogAttrs(context.Background(), slog.LevelError, "handler panicked",
		slog.String("event_type", eventType),
		slog.String("subscription_id", subscriptionID),
		slog.Any("panic", recovered),
	)
}

var (
	_ Observability = NopObservability{}
	_ Observability = (*LogObservability)(nil)
)

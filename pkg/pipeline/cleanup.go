package pipeline

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/authcore-labs/authcore/pkg/observability"
)

// DefaultTraceRetention is how long dispatch traces are kept.
const DefaultTraceRetention = 30 * 24 * time.Hour

// Cleaner purges traces past their retention window.
type Cleaner struct {
	traces    TraceStore
	retention time.Duration
	sink      *observability.Sink
	logger    *slog.Logger
	clock     func() time.Time
}

// NewCleaner wires a cleaner. retention <= 0 uses the default; sink may
// be nil.
func NewCleaner(traces TraceStore, retention time.Duration, sink *observability.Sink) *Cleaner {
	if retention <= 0 {
		retention = DefaultTraceRetention
	}
	if sink == nil {
		sink = observability.NewSink(nil)
	}
	return &Cleaner{
		traces:    traces,
		retention: retention,
		sink:      sink,
		logger:    slog.Default().With("component", "pipeline_cleaner"),
		clock:     time.Now,
	}
}

// WithClock overrides the clock for testing.
func (c *Cleaner) WithClock(clock func() time.Time) *Cleaner {
	c.clock = clock
	return c
}

// Run purges once and returns the number of traces removed.
func (c *Cleaner) Run(ctx context.Context) (int, error) {
	cutoff := c.clock().UTC().Add(-c.retention)
	removed, err := c.traces.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		c.logger.Info("purged pipeline traces", "count", removed, "cutoff", cutoff)
		c.sink.Count(ctx, "pipeline.traces_purged", int64(removed))
	}
	return removed, nil
}

// Start runs the cleaner on interval until ctx is done.
func (c *Cleaner) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Run(ctx); err != nil {
				c.logger.Error("trace cleanup failed", "error", err)
				c.sink.Count(ctx, "pipeline.cleanup_error", 1, attribute.String("component", "cleaner"))
			}
		}
	}
}

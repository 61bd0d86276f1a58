package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Sink records counters, histograms and gauges for the core paths.
// Emission is fire-and-forget: instrument creation or recording failures
// are logged at debug level and never surface to the caller.
type Sink struct {
	meter  metric.Meter
	logger *slog.Logger

	mu         sync.Mutex
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
	gauges     map[string]metric.Float64Gauge
}

// NewSink creates a sink bound to the given meter.
// Pass nil to use the globally registered meter.
func NewSink(meter metric.Meter) *Sink {
	if meter == nil {
		meter = otel.Meter("authcore")
	}
	return &Sink{
		meter:      meter,
		logger:     slog.Default().With("component", "metrics"),
		counters:   make(map[string]metric.Int64Counter),
		histograms: make(map[string]metric.Float64Histogram),
		gauges:     make(map[string]metric.Float64Gauge),
	}
}

// Count increments the named counter. The ".count" suffix is appended
// so callers pass the bare operation name.
func (s *Sink) Count(ctx context.Context, name string, n int64, attrs ...attribute.KeyValue) {
	c := s.counter(name + ".count")
	if c == nil {
		return
	}
	c.Add(ctx, n, metric.WithAttributes(attrs...))
}

// Duration records an operation duration on the named histogram
// (milliseconds, ".duration_ms" suffix).
func (s *Sink) Duration(ctx context.Context, name string, d time.Duration, attrs ...attribute.KeyValue) {
	h := s.histogram(name + ".duration_ms")
	if h == nil {
		return
	}
	h.Record(ctx, float64(d.Microseconds())/1000.0, metric.WithAttributes(attrs...))
}

// Gauge records an instantaneous value on the named gauge.
func (s *Sink) Gauge(ctx context.Context, name string, v float64, attrs ...attribute.KeyValue) {
	g := s.gauge(name)
	if g == nil {
		return
	}
	g.Record(ctx, v, metric.WithAttributes(attrs...))
}

func (s *Sink) counter(name string) metric.Int64Counter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.counters[name]; ok {
		return c
	}
	c, err := s.meter.Int64Counter(name)
	if err != nil {
		s.logger.Debug("counter creation failed", "name", name, "error", err)
		return nil
	}
	s.counters[name] = c
	return c
}

func (s *Sink) histogram(name string) metric.Float64Histogram {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.histograms[name]; ok {
		return h
	}
	h, err := s.meter.Float64Histogram(name,
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000),
	)
	if err != nil {
		s.logger.Debug("histogram creation failed", "name", name, "error", err)
		return nil
	}
	s.histograms[name] = h
	return h
}

func (s *Sink) gauge(name string) metric.Float64Gauge {
	s.mu.Lock()
	defer s.mu.Unlock()

	if g, ok := s.gauges[name]; ok {
		return g
	}
	g, err := s.meter.Float64Gauge(name)
	if err != nil {
		s.logger.Debug("gauge creation failed", "name", name, "error", err)
		return nil
	}
	s.gauges[name] = g
	return g
}

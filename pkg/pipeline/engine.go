package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/authcore-labs/authcore/pkg/observability"
	"github.com/authcore-labs/authcore/pkg/platform"
	"github.com/authcore-labs/authcore/pkg/sandbox"
)

// ScriptRunner executes one sandboxed script. Satisfied by
// *sandbox.Engine.
type ScriptRunner interface {
	Execute(ctx context.Context, req sandbox.Request) (sandbox.Result, error)
}

// Dispatcher runs compiled plans at their hook points.
type Dispatcher struct {
	scripts ScriptStore
	plans   PlanStore
	traces  TraceStore
	runner  ScriptRunner
	sink    *observability.Sink
	logger  *slog.Logger
	clock   func() time.Time

	// async dispatches in flight, drained on shutdown
	async sync.WaitGroup
}

// NewDispatcher wires a dispatcher. sink may be nil.
func NewDispatcher(scripts ScriptStore, plans PlanStore, traces TraceStore, runner ScriptRunner, sink *observability.Sink) *Dispatcher {
	if sink == nil {
		sink = observability.NewSink(nil)
	}
	return &Dispatcher{
		scripts: scripts,
		plans:   plans,
		traces:  traces,
		runner:  runner,
		sink:    sink,
		logger:  slog.Default().With("component", "pipeline_dispatcher"),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for testing.
func (d *Dispatcher) WithClock(clock func() time.Time) *Dispatcher {
	d.clock = clock
	return d
}

// Wait blocks until all async dispatches have drained.
func (d *Dispatcher) Wait() {
	d.async.Wait()
}

// Dispatch runs the plan registered for hook against hookCtx.
//
// Blocking hooks return only after the full plan ran; a script result
// carrying allowed=false denies the action and skips later layers, and
// any script error fails closed. Enrichment hooks merge script outputs
// into the context and discard errors. Async hooks schedule the plan
// and return immediately; failures land in the trace only.
func (d *Dispatcher) Dispatch(ctx context.Context, hook Hook, hookCtx map[string]any) (*Verdict, error) {
	mode, ok := HookRegistry[hook]
	if !ok {
		return nil, platform.E(platform.KindInvalidRequest, fmt.Sprintf("unknown hook %q", hook))
	}

	plan, err := d.plans.GetPlan(ctx, hook)
	if err != nil {
		return nil, platform.Wrap(platform.KindStorageError, "load plan", err)
	}
	if plan == nil || len(plan.Layers) == 0 {
		return &Verdict{Status: TraceSucceeded, Context: hookCtx}, nil
	}

	now := d.clock().UTC()
	trace := &Trace{
		ID:              uuid.NewString(),
		TriggerEvent:    hook,
		Status:          TraceRunning,
		StartedAt:       now,
		ContextSnapshot: hookCtx,
	}
	if uid, ok := hookCtx["userId"].(string); ok {
		trace.UserID = uid
	}
	if err := d.traces.InsertTrace(ctx, trace); err != nil {
		return nil, platform.Wrap(platform.KindStorageError, "open trace", err)
	}

	if mode == ModeAsync {
		d.async.Add(1)
		bg := context.WithoutCancel(ctx)
		go func() {
			defer d.async.Done()
			d.runPlan(bg, mode, plan, trace, hookCtx)
		}()
		return &Verdict{Status: TraceSucceeded, Context: hookCtx, TraceID: trace.ID}, nil
	}

	return d.runPlan(ctx, mode, plan, trace, hookCtx), nil
}

// layerOutcome aggregates one script's result for the layer barrier.
type layerOutcome struct {
	scriptID string
	denied   bool
	errored  bool
}

func (d *Dispatcher) runPlan(ctx context.Context, mode Mode, plan *Plan, trace *Trace, hookCtx map[string]any) *Verdict {
	start := time.Now()

	state := make(map[string]any, len(hookCtx))
	for k, v := range hookCtx {
		state[k] = v
	}
	var stateMu sync.Mutex

	verdict := &Verdict{Status: TraceSucceeded, TraceID: trace.ID}

layers:
	for li, layer := range plan.Layers {
		outcomes := make([]layerOutcome, len(layer))
		var wg sync.WaitGroup
		for pi, scriptID := range layer {
			wg.Add(1)
			go func(pi int, scriptID string) {
				defer wg.Done()
				outcomes[pi] = d.runScript(ctx, mode, trace.ID, li, pi, scriptID, state, &stateMu)
			}(pi, scriptID)
		}
		wg.Wait()

		for _, o := range outcomes {
			switch {
			case o.denied:
				verdict.Status = TraceDenied
				verdict.DeniedBy = o.scriptID
				break layers
			case o.errored && mode == ModeBlocking:
				// fail closed
				verdict.Status = TraceErrored
				verdict.DeniedBy = o.scriptID
				break layers
			}
		}
	}

	stateMu.Lock()
	verdict.Context = state
	stateMu.Unlock()

	ended := d.clock().UTC()
	trace.Status = verdict.Status
	trace.EndedAt = &ended
	trace.DurationMs = time.Since(start).Milliseconds()
	trace.ResultData = map[string]any{"status": string(verdict.Status)}
	if verdict.DeniedBy != "" {
		trace.ResultData["script_id"] = verdict.DeniedBy
	}
	if err := d.traces.UpdateTrace(ctx, trace); err != nil {
		d.logger.Error("close trace", "trace_id", trace.ID, "error", err)
	}

	d.sink.Count(ctx, "pipeline.dispatch", 1,
		attribute.String("hook", string(plan.Hook)),
		attribute.String("status", string(verdict.Status)))
	d.sink.Duration(ctx, "pipeline.dispatch", time.Since(start),
		attribute.String("hook", string(plan.Hook)))
	return verdict
}

func (d *Dispatcher) runScript(ctx context.Context, mode Mode, traceID string, layer, parallel int, scriptID string, state map[string]any, stateMu *sync.Mutex) layerOutcome {
	out := layerOutcome{scriptID: scriptID}
	span := &Span{
		ID:            uuid.NewString(),
		TraceID:       traceID,
		ScriptID:      scriptID,
		LayerIndex:    layer,
		ParallelIndex: parallel,
		Status:        SpanRunning,
	}
	if err := d.traces.InsertSpan(ctx, span); err != nil {
		d.logger.Error("open span", "trace_id", traceID, "error", err)
	}
	start := time.Now()

	closeSpan := func(status SpanStatus, attrs map[string]any) {
		span.Status = status
		if attrs == nil {
			attrs = map[string]any{}
		}
		attrs["duration_ms"] = time.Since(start).Milliseconds()
		span.Attributes = attrs
		if err := d.traces.UpdateSpan(ctx, span); err != nil {
			d.logger.Error("close span", "span_id", span.ID, "error", err)
		}
	}

	script, err := d.scripts.Get(ctx, scriptID)
	if err == nil && script == nil {
		err = fmt.Errorf("script %s not found", scriptID)
	}
	if err != nil {
		out.errored = true
		closeSpan(SpanErrored, map[string]any{"error": err.Error()})
		return out
	}

	stateMu.Lock()
	snapshot := make(map[string]any, len(state)+1)
	for k, v := range state {
		snapshot[k] = v
	}
	stateMu.Unlock()
	if script.Config != nil {
		snapshot["config"] = script.Config
	}

	res, err := d.runner.Execute(ctx, sandbox.Request{Script: script.Code, Context: snapshot})
	if err != nil || res.Failed() {
		out.errored = true
		attrs := map[string]any{}
		if err != nil {
			attrs["error"] = err.Error()
		} else {
			attrs["diagnostics"] = res.Diagnostics
		}
		closeSpan(SpanErrored, attrs)
		return out
	}

	result, isMap := res.Value.(map[string]any)
	if mode == ModeBlocking {
		// Blocking scripts gate the action and must return an object;
		// anything else fails closed.
		if !isMap {
			out.errored = true
			closeSpan(SpanErrored, map[string]any{"error": "blocking script must return an object"})
			return out
		}
		if allowed, ok := result["allowed"].(bool); ok && !allowed {
			out.denied = true
		}
	}
	if mode == ModeEnrichment && isMap {
		stateMu.Lock()
		for k, v := range result {
			state[k] = v
		}
		stateMu.Unlock()
	}

	closeSpan(SpanSucceeded, map[string]any{"denied": out.denied})
	return out
}

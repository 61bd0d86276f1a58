package pipeline_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authcore-labs/authcore/pkg/pipeline"
	"github.com/authcore-labs/authcore/pkg/platform"
	"github.com/authcore-labs/authcore/pkg/sandbox"
)

type dispatchFixture struct {
	dispatcher *pipeline.Dispatcher
	scripts    *pipeline.MemoryScriptStore
	plans      *pipeline.MemoryPlanStore
	traces     *pipeline.MemoryTraceStore
}

func newDispatchFixture(t *testing.T) *dispatchFixture {
	t.Helper()

	pool := sandbox.NewPool(sandbox.PoolConfig{MaxPoolSize: 4, MaxConcurrent: 8}, nil)
	t.Cleanup(pool.Close)

	scripts := pipeline.NewMemoryScriptStore()
	plans := pipeline.NewMemoryPlanStore()
	traces := pipeline.NewMemoryTraceStore()
	d := pipeline.NewDispatcher(scripts, plans, traces, sandbox.NewEngine(pool), nil)

	return &dispatchFixture{dispatcher: d, scripts: scripts, plans: plans, traces: traces}
}

func (f *dispatchFixture) addScript(t *testing.T, id, code string) {
	t.Helper()
	require.NoError(t, f.scripts.Upsert(context.Background(), &pipeline.Script{
		ID: id, Name: id, Code: code, UpdatedAt: time.Now().UTC(),
	}))
}

func (f *dispatchFixture) setPlan(t *testing.T, hook pipeline.Hook, layers [][]string) {
	t.Helper()
	require.NoError(t, f.plans.PutPlans(context.Background(), map[pipeline.Hook]*pipeline.Plan{
		hook: {Hook: hook, Trigger: "t", Mode: pipeline.HookRegistry[hook], Layers: layers},
	}))
}

func TestDispatch_UnknownHook(t *testing.T) {
	f := newDispatchFixture(t)

	_, err := f.dispatcher.Dispatch(context.Background(), pipeline.Hook("no_such_hook"), nil)
	require.Error(t, err)
	assert.Equal(t, platform.KindInvalidRequest, platform.KindOf(err))
}

func TestDispatch_NoPlanIsNoop(t *testing.T) {
	f := newDispatchFixture(t)
	ctx := context.Background()

	v, err := f.dispatcher.Dispatch(ctx, pipeline.HookBeforeSignin, map[string]any{"userId": "u1"})
	require.NoError(t, err)
	assert.True(t, v.Allowed())
	assert.Empty(t, v.TraceID)

	// no trace opened for an empty pipeline
	traces, err := f.traces.ListTraces(ctx, pipeline.HookBeforeSignin, 10)
	require.NoError(t, err)
	assert.Empty(t, traces)
}

func TestDispatch_BlockingAllow(t *testing.T) {
	f := newDispatchFixture(t)
	ctx := context.Background()
	f.addScript(t, "s1", `return { allowed: true };`)
	f.setPlan(t, pipeline.HookBeforeSignin, [][]string{{"s1"}})

	v, err := f.dispatcher.Dispatch(ctx, pipeline.HookBeforeSignin, map[string]any{"userId": "u1"})
	require.NoError(t, err)
	assert.True(t, v.Allowed())
	require.NotEmpty(t, v.TraceID)

	trace, err := f.traces.GetTrace(ctx, v.TraceID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.TraceSucceeded, trace.Status)
	assert.Equal(t, "u1", trace.UserID)
	require.NotNil(t, trace.EndedAt)

	spans, err := f.traces.ListSpans(ctx, v.TraceID)
	require.NoError(t, err)
	require.Len(t, spans, 1)
	assert.Equal(t, pipeline.SpanSucceeded, spans[0].Status)
	assert.Equal(t, "s1", spans[0].ScriptID)
}

func TestDispatch_BlockingDenyShortCircuits(t *testing.T) {
	f := newDispatchFixture(t)
	ctx := context.Background()
	f.addScript(t, "gate", `return { allowed: false, reason: "untrusted device" };`)
	f.addScript(t, "later", `return { allowed: true };`)
	f.setPlan(t, pipeline.HookBeforeSignin, [][]string{{"gate"}, {"later"}})

	v, err := f.dispatcher.Dispatch(ctx, pipeline.HookBeforeSignin, nil)
	require.NoError(t, err)
	assert.False(t, v.Allowed())
	assert.Equal(t, pipeline.TraceDenied, v.Status)
	assert.Equal(t, "gate", v.DeniedBy)

	trace, err := f.traces.GetTrace(ctx, v.TraceID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.TraceDenied, trace.Status)
	assert.Equal(t, "gate", trace.ResultData["script_id"])

	// the second layer never ran
	spans, err := f.traces.ListSpans(ctx, v.TraceID)
	require.NoError(t, err)
	require.Len(t, spans, 1)
	assert.Equal(t, "gate", spans[0].ScriptID)
}

func TestDispatch_BlockingErrorFailsClosed(t *testing.T) {
	f := newDispatchFixture(t)
	ctx := context.Background()
	f.addScript(t, "broken", `throw new Error("integration down");`)
	f.setPlan(t, pipeline.HookBeforeSignin, [][]string{{"broken"}})

	v, err := f.dispatcher.Dispatch(ctx, pipeline.HookBeforeSignin, nil)
	require.NoError(t, err)
	assert.False(t, v.Allowed())
	assert.Equal(t, pipeline.TraceErrored, v.Status)
	assert.Equal(t, "broken", v.DeniedBy)

	spans, err := f.traces.ListSpans(ctx, v.TraceID)
	require.NoError(t, err)
	require.Len(t, spans, 1)
	assert.Equal(t, pipeline.SpanErrored, spans[0].Status)
}

func TestDispatch_BlockingNonObjectResultFailsClosed(t *testing.T) {
	f := newDispatchFixture(t)
	ctx := context.Background()
	f.addScript(t, "scalar", `return true;`)
	f.setPlan(t, pipeline.HookBeforeSignin, [][]string{{"scalar"}})

	v, err := f.dispatcher.Dispatch(ctx, pipeline.HookBeforeSignin, nil)
	require.NoError(t, err)
	assert.False(t, v.Allowed())
	assert.Equal(t, pipeline.TraceErrored, v.Status)
	assert.Equal(t, "scalar", v.DeniedBy)

	spans, err := f.traces.ListSpans(ctx, v.TraceID)
	require.NoError(t, err)
	require.Len(t, spans, 1)
	assert.Equal(t, pipeline.SpanErrored, spans[0].Status)
}

func TestDispatch_BlockingMissingScriptFailsClosed(t *testing.T) {
	f := newDispatchFixture(t)
	f.setPlan(t, pipeline.HookBeforeSignin, [][]string{{"ghost"}})

	v, err := f.dispatcher.Dispatch(context.Background(), pipeline.HookBeforeSignin, nil)
	require.NoError(t, err)
	assert.Equal(t, pipeline.TraceErrored, v.Status)
}

func TestDispatch_EnrichmentMergesIntoContext(t *testing.T) {
	f := newDispatchFixture(t)
	ctx := context.Background()
	f.addScript(t, "claims", `return { tier: "gold", region: context.region };`)
	f.setPlan(t, pipeline.HookTokenEnrichment, [][]string{{"claims"}})

	v, err := f.dispatcher.Dispatch(ctx, pipeline.HookTokenEnrichment, map[string]any{"region": "eu"})
	require.NoError(t, err)
	assert.True(t, v.Allowed())
	assert.Equal(t, "gold", v.Context["tier"])
	assert.Equal(t, "eu", v.Context["region"])
}

func TestDispatch_EnrichmentLayersChain(t *testing.T) {
	f := newDispatchFixture(t)
	ctx := context.Background()
	f.addScript(t, "first", `return { tier: "gold" };`)
	f.addScript(t, "second", `return { badge: context.tier + "-badge" };`)
	f.setPlan(t, pipeline.HookTokenEnrichment, [][]string{{"first"}, {"second"}})

	v, err := f.dispatcher.Dispatch(ctx, pipeline.HookTokenEnrichment, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "gold-badge", v.Context["badge"])
}

func TestDispatch_EnrichmentErrorsDiscarded(t *testing.T) {
	f := newDispatchFixture(t)
	ctx := context.Background()
	f.addScript(t, "broken", `throw new Error("nope");`)
	f.addScript(t, "fine", `return { tier: "gold" };`)
	f.setPlan(t, pipeline.HookTokenEnrichment, [][]string{{"broken"}, {"fine"}})

	v, err := f.dispatcher.Dispatch(ctx, pipeline.HookTokenEnrichment, map[string]any{})
	require.NoError(t, err)
	assert.True(t, v.Allowed())
	assert.Equal(t, "gold", v.Context["tier"])
}

func TestDispatch_AsyncReturnsImmediately(t *testing.T) {
	f := newDispatchFixture(t)
	ctx := context.Background()
	f.addScript(t, "notify", `return true;`)
	f.setPlan(t, pipeline.HookAfterSignin, [][]string{{"notify"}})

	v, err := f.dispatcher.Dispatch(ctx, pipeline.HookAfterSignin, map[string]any{"userId": "u1"})
	require.NoError(t, err)
	assert.True(t, v.Allowed())
	require.NotEmpty(t, v.TraceID)

	f.dispatcher.Wait()

	trace, err := f.traces.GetTrace(ctx, v.TraceID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.TraceSucceeded, trace.Status)
	require.NotNil(t, trace.EndedAt)
}

func TestDispatch_AsyncErrorLandsInTraceOnly(t *testing.T) {
	f := newDispatchFixture(t)
	ctx := context.Background()
	f.addScript(t, "flaky", `throw new Error("downstream 500");`)
	f.setPlan(t, pipeline.HookAfterSignup, [][]string{{"flaky"}})

	v, err := f.dispatcher.Dispatch(ctx, pipeline.HookAfterSignup, nil)
	require.NoError(t, err)
	assert.True(t, v.Allowed(), "async dispatch never blocks the caller")

	f.dispatcher.Wait()

	trace, err := f.traces.GetTrace(ctx, v.TraceID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.TraceSucceeded, trace.Status)

	spans, err := f.traces.ListSpans(ctx, v.TraceID)
	require.NoError(t, err)
	require.Len(t, spans, 1)
	assert.Equal(t, pipeline.SpanErrored, spans[0].Status)
}

func TestDispatch_ScriptConfigInjected(t *testing.T) {
	f := newDispatchFixture(t)
	ctx := context.Background()
	require.NoError(t, f.scripts.Upsert(ctx, &pipeline.Script{
		ID: "cfg", Name: "cfg",
		Code:   `return { allowed: context.config.threshold > 5 };`,
		Config: map[string]any{"threshold": 10},
	}))
	f.setPlan(t, pipeline.HookBeforeSignin, [][]string{{"cfg"}})

	v, err := f.dispatcher.Dispatch(ctx, pipeline.HookBeforeSignin, nil)
	require.NoError(t, err)
	assert.True(t, v.Allowed())
}

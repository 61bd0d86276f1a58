package pipeline_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authcore-labs/authcore/pkg/pipeline"
)

func TestCleaner_PurgesExpiredTracesWithSpans(t *testing.T) {
	traces := pipeline.NewMemoryTraceStore()
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	old := &pipeline.Trace{
		ID: "old", TriggerEvent: pipeline.HookAfterSignin,
		Status: pipeline.TraceSucceeded, StartedAt: now.Add(-31 * 24 * time.Hour),
	}
	fresh := &pipeline.Trace{
		ID: "fresh", TriggerEvent: pipeline.HookAfterSignin,
		Status: pipeline.TraceSucceeded, StartedAt: now.Add(-24 * time.Hour),
	}
	require.NoError(t, traces.InsertTrace(ctx, old))
	require.NoError(t, traces.InsertTrace(ctx, fresh))
	require.NoError(t, traces.InsertSpan(ctx, &pipeline.Span{ID: "sp1", TraceID: "old", ScriptID: "s1"}))

	cleaner := pipeline.NewCleaner(traces, pipeline.DefaultTraceRetention, nil).
		WithClock(func() time.Time { return now })

	removed, err := cleaner.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	gone, err := traces.GetTrace(ctx, "old")
	require.NoError(t, err)
	assert.Nil(t, gone)

	spans, err := traces.ListSpans(ctx, "old")
	require.NoError(t, err)
	assert.Empty(t, spans)

	kept, err := traces.GetTrace(ctx, "fresh")
	require.NoError(t, err)
	assert.NotNil(t, kept)
}

func TestCleaner_NothingToPurge(t *testing.T) {
	cleaner := pipeline.NewCleaner(pipeline.NewMemoryTraceStore(), 0, nil)

	removed, err := cleaner.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, removed)
}

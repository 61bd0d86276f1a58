package sandbox_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authcore-labs/authcore/pkg/sandbox"
)

func newEngine(t *testing.T, host sandbox.Host) *sandbox.Engine {
	t.Helper()
	pool := sandbox.NewPool(sandbox.PoolConfig{MaxPoolSize: 2, MaxConcurrent: 4, Host: host}, nil)
	t.Cleanup(pool.Close)
	return sandbox.NewEngine(pool)
}

func TestExecute_ReturnValue(t *testing.T) {
	e := newEngine(t, sandbox.Host{})

	res, err := e.Execute(context.Background(), sandbox.Request{
		Script: `return 1 + 2;`,
	})
	require.NoError(t, err)
	assert.False(t, res.Failed())
	assert.EqualValues(t, 3, res.Value)
}

func TestExecute_ContextIsVisible(t *testing.T) {
	e := newEngine(t, sandbox.Host{})

	res, err := e.Execute(context.Background(), sandbox.Request{
		Script:  `return context.user.email;`,
		Context: map[string]any{"user": map[string]any{"email": "dev@example.com"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "dev@example.com", res.Value)
}

func TestExecute_ObjectResultExportsAsMap(t *testing.T) {
	e := newEngine(t, sandbox.Host{})

	res, err := e.Execute(context.Background(), sandbox.Request{
		Script: `return { allowed: false, reason: "blocked" };`,
	})
	require.NoError(t, err)

	m, ok := res.Value.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, false, m["allowed"])
	assert.Equal(t, "blocked", m["reason"])
}

func TestExecute_ScriptTooLarge(t *testing.T) {
	e := newEngine(t, sandbox.Host{})

	res, err := e.Execute(context.Background(), sandbox.Request{
		Script: "// " + strings.Repeat("x", sandbox.MaxScriptSize),
	})
	require.NoError(t, err)
	require.True(t, res.Failed())
	assert.Equal(t, false, res.Value)
	assert.Equal(t, sandbox.DiagScriptTooLarge, res.Diagnostics[0].Code)
}

func TestExecute_SizeBoundaryExactLimitRuns(t *testing.T) {
	e := newEngine(t, sandbox.Host{})

	script := "return true;//" + strings.Repeat("x", sandbox.MaxScriptSize-len("return true;//"))
	require.Len(t, script, sandbox.MaxScriptSize)

	res, err := e.Execute(context.Background(), sandbox.Request{Script: script})
	require.NoError(t, err)
	assert.False(t, res.Failed())
	assert.Equal(t, true, res.Value)
}

func TestExecute_InfiniteLoopTimesOut(t *testing.T) {
	e := newEngine(t, sandbox.Host{})

	start := time.Now()
	res, err := e.Execute(context.Background(), sandbox.Request{
		Script: `while (true) {}`,
	})
	require.NoError(t, err)
	require.True(t, res.Failed())
	assert.Equal(t, false, res.Value)
	assert.Equal(t, sandbox.DiagTimeout, res.Diagnostics[0].Code)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestExecute_RuntimeErrorFoldsToFalse(t *testing.T) {
	e := newEngine(t, sandbox.Host{})

	res, err := e.Execute(context.Background(), sandbox.Request{
		Script: `throw new Error("boom");`,
	})
	require.NoError(t, err)
	require.True(t, res.Failed())
	assert.Equal(t, false, res.Value)
	assert.Equal(t, sandbox.DiagRuntimeError, res.Diagnostics[0].Code)
	assert.Contains(t, res.Diagnostics[0].Message, "boom")
}

func TestExecute_ThrowOnErrorPropagates(t *testing.T) {
	e := newEngine(t, sandbox.Host{})

	_, err := e.Execute(context.Background(), sandbox.Request{
		Script:       `throw new Error("boom");`,
		ThrowOnError: true,
	})
	assert.Error(t, err)
}

func TestExecute_InstanceStateDoesNotLeak(t *testing.T) {
	e := newEngine(t, sandbox.Host{})
	ctx := context.Background()

	res, err := e.Execute(ctx, sandbox.Request{
		Script:  `return context.value;`,
		Context: map[string]any{"value": "first"},
	})
	require.NoError(t, err)
	assert.Equal(t, "first", res.Value)

	// Same pool instance, fresh context: the previous value is gone.
	res, err = e.Execute(ctx, sandbox.Request{Script: `return context.value === undefined;`})
	require.NoError(t, err)
	assert.Equal(t, true, res.Value)
}

func TestHelpers_Matches(t *testing.T) {
	e := newEngine(t, sandbox.Host{})

	res, err := e.Execute(context.Background(), sandbox.Request{
		Script:  `return helpers.matches(context.email, "@corp\\.example\\.com$");`,
		Context: map[string]any{"email": "dev@corp.example.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, true, res.Value)
}

func TestHelpers_MatchesInvalidPattern(t *testing.T) {
	e := newEngine(t, sandbox.Host{})

	res, err := e.Execute(context.Background(), sandbox.Request{
		Script: `return helpers.matches("x", "[unclosed");`,
	})
	require.NoError(t, err)
	assert.True(t, res.Failed())
}

func TestHelpers_HashIsStableHex(t *testing.T) {
	e := newEngine(t, sandbox.Host{})
	ctx := context.Background()

	res1, err := e.Execute(ctx, sandbox.Request{Script: `return helpers.hash("payload");`})
	require.NoError(t, err)
	res2, err := e.Execute(ctx, sandbox.Request{Script: `return helpers.hash("payload");`})
	require.NoError(t, err)

	h, ok := res1.Value.(string)
	require.True(t, ok)
	assert.Len(t, h, 64)
	assert.Equal(t, res1.Value, res2.Value)
}

func TestHelpers_SecretViaAwait(t *testing.T) {
	e := newEngine(t, sandbox.Host{
		Secrets: func(ctx context.Context, name string) (string, bool) {
			if name == "API_TOKEN" {
				return "tok_123", true
			}
			return "", false
		},
	})

	res, err := e.Execute(context.Background(), sandbox.Request{
		Script: `return await(helpers.secret("API_TOKEN"));`,
	})
	require.NoError(t, err)
	assert.Equal(t, "tok_123", res.Value)

	res, err = e.Execute(context.Background(), sandbox.Request{
		Script: `return await(helpers.secret("MISSING")) === null;`,
	})
	require.NoError(t, err)
	assert.Equal(t, true, res.Value)
}

func TestHelpers_FetchViaAwait(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	e := newEngine(t, sandbox.Host{HTTPClient: srv.Client()})

	res, err := e.Execute(context.Background(), sandbox.Request{
		Script: `
			var resp = await(helpers.fetch(context.url, {
				method: "POST",
				headers: { "Content-Type": "application/json" },
				body: "{}"
			}));
			return { status: resp.status, ok: resp.ok, body: resp.body };`,
		Context: map[string]any{"url": srv.URL},
	})
	require.NoError(t, err)
	require.False(t, res.Failed())

	m, ok := res.Value.(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, http.StatusCreated, m["status"])
	assert.Equal(t, true, m["ok"])
	assert.Equal(t, `{"ok":true}`, m["body"])
}

func TestHelpers_FetchWithoutClientFails(t *testing.T) {
	e := newEngine(t, sandbox.Host{})

	res, err := e.Execute(context.Background(), sandbox.Request{
		Script: `return await(helpers.fetch("http://example.com"));`,
	})
	require.NoError(t, err)
	assert.True(t, res.Failed())
}

func TestHelpers_AwaitPassesPlainValuesThrough(t *testing.T) {
	e := newEngine(t, sandbox.Host{})

	res, err := e.Execute(context.Background(), sandbox.Request{
		Script: `return await(42);`,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 42, res.Value)
}

func TestHelpers_TraceRunsBody(t *testing.T) {
	e := newEngine(t, sandbox.Host{})

	res, err := e.Execute(context.Background(), sandbox.Request{
		Script: `
			return helpers.trace("outer", function() {
				return helpers.trace("inner", function() { return "done"; });
			});`,
	})
	require.NoError(t, err)
	require.False(t, res.Failed())
	assert.Equal(t, "done", res.Value)
}

func TestHelpers_TraceDepthBounded(t *testing.T) {
	e := newEngine(t, sandbox.Host{})

	res, err := e.Execute(context.Background(), sandbox.Request{
		Script: `
			return helpers.trace("a", function() {
				return helpers.trace("b", function() {
					return helpers.trace("c", function() { return 1; });
				});
			});`,
	})
	require.NoError(t, err)
	assert.True(t, res.Failed())
}

// Package sandbox executes user-authored scripts in a restricted embedded
// JavaScript runtime (goja). Scripts see exactly two globals, `context`
// and `helpers`, plus `await` for driving async helpers; OS, filesystem
// and network primitives are absent from the runtime itself.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
)

// Execution bounds. Scripts over MaxScriptSize are refused before an
// instance is acquired; executions over ExecTimeout are interrupted.
const (
	MaxScriptSize = 10 * 1024
	ExecTimeout   = 1 * time.Second
)

// Deterministic diagnostic codes for sandbox violations.
const (
	DiagTimeout        = "execution_timeout"
	DiagScriptTooLarge = "script_too_large"
	DiagRuntimeError   = "runtime_error"
	DiagUnavailable    = "sandbox_unavailable"
)

// Diagnostic is a typed execution diagnostic.
type Diagnostic struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s: %s", d.Code, d.Message)
}

// Result is the outcome of one script execution. On any violation or
// runtime error Value is false and Diagnostics carries the cause.
type Result struct {
	Value       any
	Diagnostics []Diagnostic
	Duration    time.Duration
}

// Failed reports whether the execution produced a diagnostic.
func (r Result) Failed() bool { return len(r.Diagnostics) > 0 }

// Request describes one execution.
type Request struct {
	Script  string
	Context map[string]any
	// ThrowOnError propagates script failures as errors instead of
	// folding them into a false Result.
	ThrowOnError bool
}

var errTimeout = errors.New("execution timed out")

// Engine executes scripts against the pooled runtime.
type Engine struct {
	pool *Pool
}

// NewEngine creates an engine over the given pool.
func NewEngine(pool *Pool) *Engine {
	return &Engine{pool: pool}
}

// Execute runs one script. The wall clock budget is the smaller of
// ExecTimeout and the caller's context deadline; helpers that suspend
// (fetch, secret) share that same budget.
func (e *Engine) Execute(ctx context.Context, req Request) (Result, error) {
	if len(req.Script) > MaxScriptSize {
		res := Result{
			Value: false,
			Diagnostics: []Diagnostic{{
				Code:    DiagScriptTooLarge,
				Message: fmt.Sprintf("script size %d exceeds limit %d", len(req.Script), MaxScriptSize),
			}},
		}
		if req.ThrowOnError {
			return res, fmt.Errorf("sandbox: %s", res.Diagnostics[0])
		}
		return res, nil
	}

	inst, err := e.pool.Acquire(ctx)
	if err != nil {
		res := Result{
			Value:       false,
			Diagnostics: []Diagnostic{{Code: DiagUnavailable, Message: err.Error()}},
		}
		if req.ThrowOnError {
			return res, err
		}
		return res, nil
	}
	defer e.pool.Release(inst)

	start := time.Now()
	value, execErr := inst.run(ctx, req.Script, req.Context)
	res := Result{Value: value, Duration: time.Since(start)}

	if execErr != nil {
		res.Value = false
		diag := Diagnostic{Code: DiagRuntimeError, Message: execErr.Error()}
		if errors.Is(execErr, errTimeout) {
			diag = Diagnostic{Code: DiagTimeout, Message: "execution exceeded time limit"}
		}
		res.Diagnostics = append(res.Diagnostics, diag)
		if req.ThrowOnError {
			return res, fmt.Errorf("sandbox: %s", diag)
		}
	}
	return res, nil
}

// run executes the script on this instance under the timeout race.
// The script context global is set for the duration of the call and
// cleared before return.
func (in *Instance) run(ctx context.Context, script string, scriptCtx map[string]any) (any, error) {
	program, err := goja.Compile("script", wrapScript(script), true)
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}

	if scriptCtx == nil {
		scriptCtx = map[string]any{}
	}
	_ = in.vm.Set("context", scriptCtx)
	defer func() {
		_ = in.vm.Set("context", goja.Undefined())
		in.env.reset()
	}()

	deadline := time.Now().Add(ExecTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	execCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	in.env.begin(execCtx)

	timer := time.AfterFunc(time.Until(deadline), func() {
		in.vm.Interrupt(errTimeout)
	})
	defer func() {
		timer.Stop()
		in.vm.ClearInterrupt()
	}()

	value, err := in.vm.RunProgram(program)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			if v, ok := interrupted.Value().(error); ok && errors.Is(v, errTimeout) {
				return nil, errTimeout
			}
			return nil, fmt.Errorf("interrupted: %v", interrupted.Value())
		}
		var exc *goja.Exception
		if errors.As(err, &exc) {
			return nil, fmt.Errorf("script error: %s", exc.Value().String())
		}
		return nil, err
	}

	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, nil
	}
	return value.Export(), nil
}

// wrapScript turns a script body with top-level returns into an
// executable expression.
func wrapScript(script string) string {
	return "(function() {\n" + script + "\n})()"
}

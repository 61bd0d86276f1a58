package sandbox

import (
	"context"
	"net/http"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// SecretSource resolves a named secret to plaintext. ok is false when the
// secret is missing or unreadable.
type SecretSource func(ctx context.Context, name string) (string, bool)

// Host provides the capabilities backing the `helpers` surface. The
// runtime itself exposes nothing else.
type Host struct {
	// HTTPClient serves helpers.fetch. Nil disables fetch.
	HTTPClient *http.Client
	// Secrets serves helpers.secret. Nil resolves every name to missing.
	Secrets SecretSource
	// Tracer records helpers.trace child spans. Nil uses a no-op tracer.
	Tracer trace.Tracer
}

func (h Host) tracer() trace.Tracer {
	if h.Tracer == nil {
		return noop.NewTracerProvider().Tracer("sandbox")
	}
	return h.Tracer
}

// Instance is a single sandboxed runtime. Instances are never shared
// between concurrent executions; the pool enforces exclusivity.
type Instance struct {
	id       string
	vm       *goja.Runtime
	env      *hostEnv
	burst    bool
	lastUsed time.Time
}

// hostEnv carries per-execution state for the helper bindings. An
// instance runs one script at a time, so plain fields suffice.
type hostEnv struct {
	host       Host
	ctx        context.Context
	traceDepth int
}

func (e *hostEnv) begin(ctx context.Context) {
	e.ctx = ctx
	e.traceDepth = 0
}

func (e *hostEnv) reset() {
	e.ctx = nil
	e.traceDepth = 0
}

func (e *hostEnv) execCtx() context.Context {
	if e.ctx == nil {
		return context.Background()
	}
	return e.ctx
}

// newInstance builds a runtime with the helpers surface installed.
func newInstance(host Host) (*Instance, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	inst := &Instance{
		id:       uuid.NewString(),
		vm:       vm,
		env:      &hostEnv{host: host},
		lastUsed: time.Now(),
	}

	if err := installHelpers(vm, inst.env); err != nil {
		return nil, err
	}
	return inst, nil
}

// destroy interrupts any stray execution and drops the runtime.
func (in *Instance) destroy() {
	in.vm.Interrupt("instance destroyed")
	in.vm = nil
}

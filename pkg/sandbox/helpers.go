package sandbox

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/dop251/goja"
)

// maxFetchBody caps response bodies read by helpers.fetch.
const maxFetchBody = 1 << 20

// maxTraceDepth bounds helpers.trace nesting.
const maxTraceDepth = 2

// pendingKey marks helper return values that must be driven by await().
const pendingKey = "__pending"

// installHelpers wires the `helpers` object and the `await` driver into
// the runtime. Async helpers (fetch, secret) return pending handles;
// await resolves them synchronously under the execution deadline.
func installHelpers(vm *goja.Runtime, env *hostEnv) error {
	helpers := vm.NewObject()

	if err := helpers.Set("matches", func(call goja.FunctionCall) goja.Value {
		str := call.Argument(0).String()
		pattern := call.Argument(1).String()
		re, err := regexp.Compile(pattern)
		if err != nil {
			panic(vm.NewTypeError("helpers.matches: invalid pattern: %s", err))
		}
		return vm.ToValue(re.MatchString(str))
	}); err != nil {
		return err
	}

	if err := helpers.Set("hash", func(call goja.FunctionCall) goja.Value {
		sum := sha256.Sum256([]byte(stringify(call.Argument(0).Export())))
		return vm.ToValue(hex.EncodeToString(sum[:]))
	}); err != nil {
		return err
	}

	if err := helpers.Set("fetch", func(call goja.FunctionCall) goja.Value {
		url := call.Argument(0).String()
		var opts fetchOptions
		if arg := call.Argument(1); !goja.IsUndefined(arg) && !goja.IsNull(arg) {
			if err := vm.ExportTo(arg, &opts); err != nil {
				panic(vm.NewTypeError("helpers.fetch: invalid options: %s", err))
			}
		}
		return newPending(vm, func() (any, error) {
			return env.doFetch(url, opts)
		})
	}); err != nil {
		return err
	}

	if err := helpers.Set("secret", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		return newPending(vm, func() (any, error) {
			if env.host.Secrets == nil {
				return nil, nil
			}
			value, ok := env.host.Secrets(env.execCtx(), name)
			if !ok {
				return nil, nil
			}
			return value, nil
		})
	}); err != nil {
		return err
	}

	if err := helpers.Set("trace", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		fn, ok := goja.AssertFunction(call.Argument(1))
		if !ok {
			panic(vm.NewTypeError("helpers.trace: second argument must be a function"))
		}
		if env.traceDepth >= maxTraceDepth {
			panic(vm.NewTypeError("helpers.trace: nesting depth exceeds %d", maxTraceDepth))
		}

		env.traceDepth++
		ctx, span := env.host.tracer().Start(env.execCtx(), "script."+name)
		prev := env.ctx
		env.ctx = ctx
		defer func() {
			span.End()
			env.ctx = prev
			env.traceDepth--
		}()

		res, err := fn(goja.Undefined())
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return res
	}); err != nil {
		return err
	}

	if err := vm.Set("helpers", helpers); err != nil {
		return err
	}

	// await drives a pending helper value to completion. Passing a plain
	// value through is allowed.
	return vm.Set("await", func(call goja.FunctionCall) goja.Value {
		arg := call.Argument(0)
		obj, ok := arg.(*goja.Object)
		if !ok {
			return arg
		}
		resolver := obj.Get(pendingKey)
		if resolver == nil || goja.IsUndefined(resolver) {
			return arg
		}
		fn, ok := goja.AssertFunction(resolver)
		if !ok {
			return arg
		}
		res, err := fn(goja.Undefined())
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return res
	})
}

// newPending wraps a blocking host call as an awaitable handle.
func newPending(vm *goja.Runtime, resolve func() (any, error)) goja.Value {
	obj := vm.NewObject()
	_ = obj.Set(pendingKey, func(call goja.FunctionCall) goja.Value {
		v, err := resolve()
		if err != nil {
			panic(vm.NewGoError(err))
		}
		if v == nil {
			return goja.Null()
		}
		return vm.ToValue(v)
	})
	return obj
}

type fetchOptions struct {
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// doFetch performs the HTTP call under the execution deadline.
func (e *hostEnv) doFetch(url string, opts fetchOptions) (any, error) {
	if e.host.HTTPClient == nil {
		return nil, fmt.Errorf("helpers.fetch is not available")
	}

	method := strings.ToUpper(opts.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if opts.Body != "" {
		body = strings.NewReader(opts.Body)
	}

	req, err := http.NewRequestWithContext(e.execCtx(), method, url, body)
	if err != nil {
		return nil, fmt.Errorf("helpers.fetch: %w", err)
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.host.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("helpers.fetch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody))
	if err != nil {
		return nil, fmt.Errorf("helpers.fetch: read body: %w", err)
	}

	return map[string]any{
		"status": resp.StatusCode,
		"ok":     resp.StatusCode >= 200 && resp.StatusCode < 300,
		"body":   string(data),
	}, nil
}

// stringify renders a value for hashing. Strings hash as-is; everything
// else hashes its canonical JSON form.
func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

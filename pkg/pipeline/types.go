// Package pipeline compiles the stored script graph into per-hook
// execution plans and dispatches them at request time under the sandbox
// runtime, recording traces and spans.
package pipeline

import (
	"time"
)

// Mode is how a hook's output is treated.
type Mode string

const (
	// ModeBlocking gates the action on script output.
	ModeBlocking Mode = "blocking"
	// ModeAsync schedules execution and returns immediately.
	ModeAsync Mode = "async"
	// ModeEnrichment merges script output into the flowing context.
	ModeEnrichment Mode = "enrichment"
)

// Hook is a named place in the authentication flow.
type Hook string

const (
	HookBeforeSignin    Hook = "before_signin"
	HookAfterSignin     Hook = "after_signin"
	HookBeforeSignup    Hook = "before_signup"
	HookAfterSignup     Hook = "after_signup"
	HookTokenEnrichment Hook = "token_enrichment"
	HookAfterSignout    Hook = "after_signout"
)

// HookRegistry is the static table of hook points and their modes.
var HookRegistry = map[Hook]Mode{
	HookBeforeSignin:    ModeBlocking,
	HookAfterSignin:     ModeAsync,
	HookBeforeSignup:    ModeBlocking,
	HookAfterSignup:     ModeAsync,
	HookTokenEnrichment: ModeEnrichment,
	HookAfterSignout:    ModeAsync,
}

// NodeType distinguishes graph nodes.
type NodeType string

const (
	NodeTrigger NodeType = "trigger"
	NodeScript  NodeType = "script"
)

// Node is one vertex of the pipeline graph. Trigger nodes pin a hook;
// script nodes reference a stored script.
type Node struct {
	ID       string   `json:"id"`
	Type     NodeType `json:"type"`
	Hook     Hook     `json:"hook,omitempty"`
	ScriptID string   `json:"script_id,omitempty"`
}

// Edge is a directed dependency between nodes.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Graph is the singleton pipeline graph.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Script is a stored pipeline script, versioned by update timestamp.
type Script struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Code      string         `json:"code"`
	Config    map[string]any `json:"config,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Plan is the compiled execution plan for one trigger: ordered layers,
// each a set of script IDs runnable in parallel.
type Plan struct {
	Hook    Hook       `json:"hook"`
	Trigger string     `json:"trigger"`
	Mode    Mode       `json:"mode"`
	Layers  [][]string `json:"layers"`
}

// TraceStatus is the lifecycle of one dispatch.
type TraceStatus string

const (
	TraceRunning   TraceStatus = "running"
	TraceSucceeded TraceStatus = "succeeded"
	TraceDenied    TraceStatus = "denied"
	TraceErrored   TraceStatus = "errored"
)

// Trace records one hook dispatch.
type Trace struct {
	ID              string         `json:"id"`
	TriggerEvent    Hook           `json:"trigger_event"`
	Status          TraceStatus    `json:"status"`
	StartedAt       time.Time      `json:"started_at"`
	EndedAt         *time.Time     `json:"ended_at,omitempty"`
	DurationMs      int64          `json:"duration_ms"`
	UserID          string         `json:"user_id,omitempty"`
	ContextSnapshot map[string]any `json:"context_snapshot,omitempty"`
	ResultData      map[string]any `json:"result_data,omitempty"`
}

// SpanStatus mirrors TraceStatus for individual script executions.
type SpanStatus string

const (
	SpanRunning   SpanStatus = "running"
	SpanSucceeded SpanStatus = "succeeded"
	SpanErrored   SpanStatus = "errored"
)

// Span records one script execution within a trace.
type Span struct {
	ID            string         `json:"id"`
	TraceID       string         `json:"trace_id"`
	ParentSpanID  string         `json:"parent_span_id,omitempty"`
	ScriptID      string         `json:"script_id"`
	LayerIndex    int            `json:"layer_index"`
	ParallelIndex int            `json:"parallel_index"`
	Status        SpanStatus     `json:"status"`
	Attributes    map[string]any `json:"attributes,omitempty"`
}

// Verdict is the outcome a hook dispatch hands back to its caller.
type Verdict struct {
	Status TraceStatus `json:"status"`
	// Context is the (possibly enriched) context after the run.
	Context map[string]any `json:"context,omitempty"`
	// DeniedBy names the script that short-circuited a blocking hook.
	DeniedBy string `json:"denied_by,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
}

// Allowed reports whether the action gated by a blocking hook may
// proceed.
func (v *Verdict) Allowed() bool {
	return v.Status == TraceSucceeded
}

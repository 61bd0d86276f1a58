package authz

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/authcore-labs/authcore/pkg/observability"
	"github.com/authcore-labs/authcore/pkg/sandbox"
)

// ScriptRunner evaluates ABAC policy scripts. Satisfied by
// *sandbox.Engine.
type ScriptRunner interface {
	Execute(ctx context.Context, req sandbox.Request) (sandbox.Result, error)
}

// UserDirectory answers platform-role questions for the admin bypass.
type UserDirectory interface {
	IsPlatformAdmin(ctx context.Context, userID string) (bool, error)
}

// maxExpansionDepth bounds subject expansion BFS on pathological graphs.
const maxExpansionDepth = 16

// Engine answers permission checks against the tuple graph and the
// authorization models, evaluating ABAC policies in the sandbox. Any
// internal error denies and increments an error counter; the engine
// never propagates errors to callers.
type Engine struct {
	registry *Registry
	tuples   TupleStore
	scripts  ScriptRunner
	users    UserDirectory
	sink     *observability.Sink
	logger   *slog.Logger
}

// NewEngine wires the authorization engine. users may be nil, disabling
// the admin bypass. sink may be nil.
func NewEngine(registry *Registry, tuples TupleStore, scripts ScriptRunner, users UserDirectory, sink *observability.Sink) *Engine {
	if sink == nil {
		sink = observability.NewSink(nil)
	}
	return &Engine{
		registry: registry,
		tuples:   tuples,
		scripts:  scripts,
		users:    users,
		sink:     sink,
		logger:   slog.Default().With("component", "authz_engine"),
	}
}

// CheckPermission reports whether the subject holds the permission on
// the entity. checkCtx feeds ABAC policy evaluation.
func (e *Engine) CheckPermission(ctx context.Context, subjectType, subjectID, entityType, entityID, permission string, checkCtx map[string]any) bool {
	start := time.Now()
	allowed := e.check(ctx, subjectType, subjectID, entityType, entityID, permission, checkCtx)

	outcome := "denied"
	if allowed {
		outcome = "allowed"
	}
	e.sink.Count(ctx, "authz.check", 1, attribute.String("outcome", outcome))
	e.sink.Duration(ctx, "authz.check", time.Since(start))
	return allowed
}

func (e *Engine) check(ctx context.Context, subjectType, subjectID, entityType, entityID, permission string, checkCtx map[string]any) bool {
	// Admin bypass.
	if subjectType == "user" && e.users != nil {
		admin, err := e.users.IsPlatformAdmin(ctx, subjectID)
		if err != nil {
			e.deny(ctx, "admin lookup failed", err)
			return false
		}
		if admin {
			return true
		}
	}

	model, err := e.registry.GetModel(ctx, entityType)
	if err != nil {
		e.deny(ctx, "model lookup failed", err)
		return false
	}
	if model == nil {
		return false
	}

	perm, ok := model.Permissions[permission]
	if !ok {
		return false
	}

	subjects, err := e.expandSubjects(ctx, Subject{Type: subjectType, ID: subjectID})
	if err != nil {
		e.deny(ctx, "subject expansion failed", err)
		return false
	}

	closure := model.ImpliedBy(perm.Relation)
	relations := make([]string, 0, len(closure))
	for r := range closure {
		relations = append(relations, r)
	}
	sort.Strings(relations)

	for _, subj := range subjects {
		for _, rel := range relations {
			tuple, err := e.tuples.FindExact(ctx, entityType, entityID, rel, subj.Type, subj.ID)
			if err != nil {
				e.deny(ctx, "tuple lookup failed", err)
				return false
			}
			if tuple == nil && entityID != Wildcard {
				tuple, err = e.tuples.FindExact(ctx, entityType, Wildcard, rel, subj.Type, subj.ID)
				if err != nil {
					e.deny(ctx, "wildcard tuple lookup failed", err)
					return false
				}
			}
			if tuple == nil {
				continue
			}

			// First hit decides: the tuple condition takes priority over
			// the permission policy; neither means plain allow.
			switch {
			case tuple.Condition != "":
				return e.evaluatePolicy(ctx, "tuple", tuple.Condition, checkCtx)
			case perm.Policy != "" && perm.PolicyEngine == "script":
				return e.evaluatePolicy(ctx, "permission", perm.Policy, checkCtx)
			default:
				return true
			}
		}
	}

	return false
}

// expandSubjects computes every (type, id) the principal "is": the
// principal itself plus entities reached over hierarchy-flagged
// relations, BFS to fixed point with a visited set.
func (e *Engine) expandSubjects(ctx context.Context, principal Subject) ([]Subject, error) {
	visited := map[Subject]bool{principal: true}
	result := []Subject{principal}
	frontier := []Subject{principal}
	depth := 0
	fanOut := 0

	for len(frontier) > 0 && depth < maxExpansionDepth {
		tuples, err := e.tuples.FindBySubjects(ctx, frontier)
		if err != nil {
			return nil, err
		}
		fanOut += len(tuples)

		var next []Subject
		for _, t := range tuples {
			model, err := e.registry.GetModel(ctx, t.EntityType)
			if err != nil {
				return nil, err
			}
			hierarchical := model != nil && model.HierarchicalRelation(t.Relation)
			// Legacy models without the hierarchy flag: group membership
			// still expands.
			if !hierarchical && t.EntityType == "group" && t.Relation == "member" {
				hierarchical = true
			}
			if !hierarchical {
				continue
			}

			entity := Subject{Type: t.EntityType, ID: t.EntityID}
			if visited[entity] {
				continue
			}
			visited[entity] = true
			result = append(result, entity)
			next = append(next, entity)
		}
		frontier = next
		depth++
	}

	e.sink.Gauge(ctx, "authz.expansion.depth", float64(depth))
	e.sink.Gauge(ctx, "authz.expansion.fan_out", float64(fanOut))
	return result, nil
}

// evaluatePolicy runs a policy script. Only a return of exactly true
// allows; timeouts, errors and any other value deny. Every evaluation is
// audit-logged with its context snapshot.
func (e *Engine) evaluatePolicy(ctx context.Context, source, script string, checkCtx map[string]any) bool {
	start := time.Now()
	res, err := e.scripts.Execute(ctx, sandbox.Request{Script: script, Context: checkCtx})

	outcome := "allowed"
	var failure string
	switch {
	case err != nil:
		outcome = "policy_error"
		failure = err.Error()
	case res.Failed():
		outcome = "policy_error"
		if res.Diagnostics[0].Code == sandbox.DiagTimeout {
			outcome = "policy_timeout"
		}
		failure = res.Diagnostics[0].String()
	case res.Value != true:
		outcome = "policy_denied"
	}

	snapshot, _ := json.Marshal(checkCtx)
	e.logger.Info("policy evaluated",
		"source", source,
		"script", script,
		"context", string(snapshot),
		"result", outcome,
		"duration_ms", time.Since(start).Milliseconds(),
		"error", failure,
	)
	e.sink.Count(ctx, "authz.policy_eval", 1, attribute.String("outcome", outcome))

	return outcome == "allowed"
}

func (e *Engine) deny(ctx context.Context, msg string, err error) {
	e.logger.Error("permission check error", "reason", msg, "error", err)
	e.sink.Count(ctx, "authz.check_error", 1)
}

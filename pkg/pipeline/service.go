package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/authcore-labs/authcore/pkg/platform"
	"github.com/authcore-labs/authcore/pkg/sandbox"
)

// Service manages pipeline scripts and the graph, keeping compiled
// plans in lockstep with both.
type Service struct {
	scripts ScriptStore
	graph   GraphStore
	plans   PlanStore
	logger  *slog.Logger
	clock   func() time.Time
}

func NewService(scripts ScriptStore, graph GraphStore, plans PlanStore) *Service {
	return &Service{
		scripts: scripts,
		graph:   graph,
		plans:   plans,
		logger:  slog.Default().With("component", "pipeline_service"),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// UpsertScript lints and stores a script. The graph is untouched, so
// plans stay valid; the next dispatch picks up the new code.
func (s *Service) UpsertScript(ctx context.Context, sc *Script) error {
	if sc.ID == "" || sc.Name == "" {
		return platform.E(platform.KindInvalidRequest, "script id and name are required")
	}
	if err := sandbox.Lint(sc.Code); err != nil {
		return platform.Wrap(platform.KindInvalidRequest, fmt.Sprintf("script %s", sc.ID), err)
	}
	sc.UpdatedAt = s.clock().UTC()
	if err := s.scripts.Upsert(ctx, sc); err != nil {
		return platform.Wrap(platform.KindStorageError, "store script", err)
	}
	s.logger.Info("script upserted", "script_id", sc.ID, "name", sc.Name)
	return nil
}

// GetScript returns a script or a not-found error.
func (s *Service) GetScript(ctx context.Context, id string) (*Script, error) {
	sc, err := s.scripts.Get(ctx, id)
	if err != nil {
		return nil, platform.Wrap(platform.KindStorageError, "load script", err)
	}
	if sc == nil {
		return nil, platform.E(platform.KindNotFound, fmt.Sprintf("script %s not found", id))
	}
	return sc, nil
}

// ListScripts returns all stored scripts.
func (s *Service) ListScripts(ctx context.Context) ([]*Script, error) {
	out, err := s.scripts.List(ctx)
	if err != nil {
		return nil, platform.Wrap(platform.KindStorageError, "list scripts", err)
	}
	return out, nil
}

// DeleteScript removes a script. Scripts still referenced by the graph
// cannot be deleted.
func (s *Service) DeleteScript(ctx context.Context, id string) error {
	g, err := s.graph.Get(ctx)
	if err != nil {
		return platform.Wrap(platform.KindStorageError, "load graph", err)
	}
	for _, n := range g.Nodes {
		if n.Type == NodeScript && n.ScriptID == id {
			return platform.E(platform.KindConflict,
				fmt.Sprintf("script %s is referenced by graph node %s", id, n.ID))
		}
	}
	if err := s.scripts.Delete(ctx, id); err != nil {
		return platform.Wrap(platform.KindStorageError, "delete script", err)
	}
	return nil
}

// GetGraph returns the current graph.
func (s *Service) GetGraph(ctx context.Context) (*Graph, error) {
	g, err := s.graph.Get(ctx)
	if err != nil {
		return nil, platform.Wrap(platform.KindStorageError, "load graph", err)
	}
	return g, nil
}

// SetGraph validates the graph, compiles every trigger's plan, and
// persists graph and plans together. A graph that fails validation or
// compilation leaves the stored graph and plans unchanged.
func (s *Service) SetGraph(ctx context.Context, g *Graph) (map[Hook]*Plan, error) {
	if err := s.validateGraph(ctx, g); err != nil {
		return nil, err
	}
	plans, err := CompilePlans(g)
	if err != nil {
		return nil, err
	}
	if err := s.graph.Put(ctx, g); err != nil {
		return nil, platform.Wrap(platform.KindStorageError, "store graph", err)
	}
	if err := s.plans.PutPlans(ctx, plans); err != nil {
		return nil, platform.Wrap(platform.KindStorageError, "store plans", err)
	}
	s.logger.Info("graph updated", "nodes", len(g.Nodes), "edges", len(g.Edges), "plans", len(plans))
	return plans, nil
}

// Recompile rebuilds all plans from the stored graph, e.g. after a
// deploy that changed compiler behavior.
func (s *Service) Recompile(ctx context.Context) (map[Hook]*Plan, error) {
	g, err := s.graph.Get(ctx)
	if err != nil {
		return nil, platform.Wrap(platform.KindStorageError, "load graph", err)
	}
	plans, err := CompilePlans(g)
	if err != nil {
		return nil, err
	}
	if err := s.plans.PutPlans(ctx, plans); err != nil {
		return nil, platform.Wrap(platform.KindStorageError, "store plans", err)
	}
	return plans, nil
}

func (s *Service) validateGraph(ctx context.Context, g *Graph) error {
	ids := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.ID == "" {
			return platform.E(platform.KindInvalidRequest, "node id is required")
		}
		if ids[n.ID] {
			return platform.E(platform.KindInvalidRequest, fmt.Sprintf("duplicate node id %s", n.ID))
		}
		ids[n.ID] = true

		switch n.Type {
		case NodeTrigger:
			if _, ok := HookRegistry[n.Hook]; !ok {
				return platform.E(platform.KindInvalidRequest,
					fmt.Sprintf("node %s: unknown hook %q", n.ID, n.Hook))
			}
		case NodeScript:
			sc, err := s.scripts.Get(ctx, n.ScriptID)
			if err != nil {
				return platform.Wrap(platform.KindStorageError, "load script", err)
			}
			if sc == nil {
				return platform.E(platform.KindInvalidRequest,
					fmt.Sprintf("node %s references unknown script %s", n.ID, n.ScriptID))
			}
		default:
			return platform.E(platform.KindInvalidRequest,
				fmt.Sprintf("node %s: unknown type %q", n.ID, n.Type))
		}
	}
	for _, e := range g.Edges {
		if !ids[e.From] || !ids[e.To] {
			return platform.E(platform.KindInvalidRequest,
				fmt.Sprintf("edge %s -> %s references unknown node", e.From, e.To))
		}
	}
	return nil
}

package pipeline

import (
	"context"
	"sort"
	"sync"
	"time"
)

// ScriptStore persists pipeline scripts.
type ScriptStore interface {
	Get(ctx context.Context, id string) (*Script, error)
	Upsert(ctx context.Context, s *Script) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*Script, error)
}

// GraphStore persists the singleton pipeline graph.
type GraphStore interface {
	Get(ctx context.Context) (*Graph, error)
	Put(ctx context.Context, g *Graph) error
}

// PlanStore persists compiled plans. PutPlans replaces the full set
// atomically.
type PlanStore interface {
	GetPlan(ctx context.Context, hook Hook) (*Plan, error)
	PutPlans(ctx context.Context, plans map[Hook]*Plan) error
}

// TraceStore persists dispatch traces and their spans.
type TraceStore interface {
	InsertTrace(ctx context.Context, t *Trace) error
	UpdateTrace(ctx context.Context, t *Trace) error
	GetTrace(ctx context.Context, id string) (*Trace, error)
	ListTraces(ctx context.Context, trigger Hook, limit int) ([]*Trace, error)
	InsertSpan(ctx context.Context, s *Span) error
	UpdateSpan(ctx context.Context, s *Span) error
	ListSpans(ctx context.Context, traceID string) ([]*Span, error)
	// PurgeOlderThan removes traces started before cutoff together with
	// their spans, returning the number of traces removed.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// MemoryScriptStore is the in-memory ScriptStore.
type MemoryScriptStore struct {
	mu      sync.RWMutex
	scripts map[string]*Script
}

func NewMemoryScriptStore() *MemoryScriptStore {
	return &MemoryScriptStore{scripts: make(map[string]*Script)}
}

func (s *MemoryScriptStore) Get(ctx context.Context, id string) (*Script, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scripts[id]
	if !ok {
		return nil, nil
	}
	cp := *sc
	return &cp, nil
}

func (s *MemoryScriptStore) Upsert(ctx context.Context, sc *Script) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sc
	s.scripts[sc.ID] = &cp
	return nil
}

func (s *MemoryScriptStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.scripts, id)
	return nil
}

func (s *MemoryScriptStore) List(ctx context.Context) ([]*Script, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Script, 0, len(s.scripts))
	for _, sc := range s.scripts {
		cp := *sc
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// MemoryGraphStore is the in-memory GraphStore.
type MemoryGraphStore struct {
	mu    sync.RWMutex
	graph *Graph
}

func NewMemoryGraphStore() *MemoryGraphStore {
	return &MemoryGraphStore{}
}

func (s *MemoryGraphStore) Get(ctx context.Context) (*Graph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.graph == nil {
		return &Graph{}, nil
	}
	cp := Graph{
		Nodes: append([]Node(nil), s.graph.Nodes...),
		Edges: append([]Edge(nil), s.graph.Edges...),
	}
	return &cp, nil
}

func (s *MemoryGraphStore) Put(ctx context.Context, g *Graph) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := Graph{
		Nodes: append([]Node(nil), g.Nodes...),
		Edges: append([]Edge(nil), g.Edges...),
	}
	s.graph = &cp
	return nil
}

// MemoryPlanStore is the in-memory PlanStore.
type MemoryPlanStore struct {
	mu    sync.RWMutex
	plans map[Hook]*Plan
}

func NewMemoryPlanStore() *MemoryPlanStore {
	return &MemoryPlanStore{plans: make(map[Hook]*Plan)}
}

func (s *MemoryPlanStore) GetPlan(ctx context.Context, hook Hook) (*Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[hook]
	if !ok {
		return nil, nil
	}
	return p, nil
}

func (s *MemoryPlanStore) PutPlans(ctx context.Context, plans map[Hook]*Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make(map[Hook]*Plan, len(plans))
	for h, p := range plans {
		next[h] = p
	}
	s.plans = next
	return nil
}

// MemoryTraceStore is the in-memory TraceStore.
type MemoryTraceStore struct {
	mu     sync.RWMutex
	traces map[string]*Trace
	spans  map[string][]*Span
}

func NewMemoryTraceStore() *MemoryTraceStore {
	return &MemoryTraceStore{
		traces: make(map[string]*Trace),
		spans:  make(map[string][]*Span),
	}
}

func (s *MemoryTraceStore) InsertTrace(ctx context.Context, t *Trace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.traces[t.ID] = &cp
	return nil
}

func (s *MemoryTraceStore) UpdateTrace(ctx context.Context, t *Trace) error {
	return s.InsertTrace(ctx, t)
}

func (s *MemoryTraceStore) GetTrace(ctx context.Context, id string) (*Trace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.traces[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryTraceStore) ListTraces(ctx context.Context, trigger Hook, limit int) ([]*Trace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Trace, 0)
	for _, t := range s.traces {
		if trigger != "" && t.TriggerEvent != trigger {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryTraceStore) InsertSpan(ctx context.Context, sp *Span) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sp
	s.spans[sp.TraceID] = append(s.spans[sp.TraceID], &cp)
	return nil
}

func (s *MemoryTraceStore) UpdateSpan(ctx context.Context, sp *Span) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.spans[sp.TraceID] {
		if existing.ID == sp.ID {
			cp := *sp
			s.spans[sp.TraceID][i] = &cp
			return nil
		}
	}
	cp := *sp
	s.spans[sp.TraceID] = append(s.spans[sp.TraceID], &cp)
	return nil
}

func (s *MemoryTraceStore) ListSpans(ctx context.Context, traceID string) ([]*Span, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Span, 0, len(s.spans[traceID]))
	for _, sp := range s.spans[traceID] {
		cp := *sp
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LayerIndex != out[j].LayerIndex {
			return out[i].LayerIndex < out[j].LayerIndex
		}
		return out[i].ParallelIndex < out[j].ParallelIndex
	})
	return out, nil
}

func (s *MemoryTraceStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, t := range s.traces {
		if t.StartedAt.Before(cutoff) {
			delete(s.traces, id)
			delete(s.spans, id)
			removed++
		}
	}
	return removed, nil
}

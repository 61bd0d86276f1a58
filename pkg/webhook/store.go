package webhook

import (
	"context"
	"sort"
	"sync"
)

// EndpointStore persists endpoints and their subscriptions.
type EndpointStore interface {
	Get(ctx context.Context, id string) (*Endpoint, error)
	Upsert(ctx context.Context, e *Endpoint) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*Endpoint, error)
	// Subscribed returns the user's active endpoints subscribed to
	// eventType. Fan-out never crosses users.
	Subscribed(ctx context.Context, userID, eventType string) ([]*Endpoint, error)
	SetSubscriptions(ctx context.Context, endpointID string, eventTypes []string) error
	Subscriptions(ctx context.Context, endpointID string) ([]string, error)
}

// EventStore persists ingested events.
type EventStore interface {
	Insert(ctx context.Context, e *Event) error
	Get(ctx context.Context, id string) (*Event, error)
}

// DeliveryStore persists delivery records.
type DeliveryStore interface {
	Insert(ctx context.Context, d *Delivery) error
	Update(ctx context.Context, d *Delivery) error
	Get(ctx context.Context, id string) (*Delivery, error)
	// Find locates the delivery for an (event, endpoint) pair.
	Find(ctx context.Context, eventID, endpointID string) (*Delivery, error)
	ListByEvent(ctx context.Context, eventID string) ([]*Delivery, error)
}

// MemoryEndpointStore is the in-memory EndpointStore.
type MemoryEndpointStore struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	subs      map[string][]string // endpointID -> event types
}

func NewMemoryEndpointStore() *MemoryEndpointStore {
	return &MemoryEndpointStore{
		endpoints: make(map[string]*Endpoint),
		subs:      make(map[string][]string),
	}
}

func (s *MemoryEndpointStore) Get(ctx context.Context, id string) (*Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.endpoints[id]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryEndpointStore) Upsert(ctx context.Context, e *Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.endpoints[e.ID] = &cp
	return nil
}

func (s *MemoryEndpointStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.endpoints, id)
	delete(s.subs, id)
	return nil
}

func (s *MemoryEndpointStore) List(ctx context.Context) ([]*Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Endpoint, 0, len(s.endpoints))
	for _, e := range s.endpoints {
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryEndpointStore) Subscribed(ctx context.Context, userID, eventType string) ([]*Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Endpoint
	for id, types := range s.subs {
		e, ok := s.endpoints[id]
		if !ok || !e.Active || e.UserID != userID {
			continue
		}
		for _, t := range types {
			if t == eventType {
				cp := *e
				out = append(out, &cp)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryEndpointStore) SetSubscriptions(ctx context.Context, endpointID string, eventTypes []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[endpointID] = append([]string(nil), eventTypes...)
	return nil
}

func (s *MemoryEndpointStore) Subscriptions(ctx context.Context, endpointID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.subs[endpointID]...), nil
}

// MemoryEventStore is the in-memory EventStore.
type MemoryEventStore struct {
	mu     sync.RWMutex
	events map[string]*Event
}

func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{events: make(map[string]*Event)}
}

func (s *MemoryEventStore) Insert(ctx context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.events[e.ID] = &cp
	return nil
}

func (s *MemoryEventStore) Get(ctx context.Context, id string) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[id]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

// MemoryDeliveryStore is the in-memory DeliveryStore.
type MemoryDeliveryStore struct {
	mu         sync.RWMutex
	deliveries map[string]*Delivery
}

func NewMemoryDeliveryStore() *MemoryDeliveryStore {
	return &MemoryDeliveryStore{deliveries: make(map[string]*Delivery)}
}

func (s *MemoryDeliveryStore) Insert(ctx context.Context, d *Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.deliveries[d.ID] = &cp
	return nil
}

func (s *MemoryDeliveryStore) Update(ctx context.Context, d *Delivery) error {
	return s.Insert(ctx, d)
}

func (s *MemoryDeliveryStore) Get(ctx context.Context, id string) (*Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deliveries[id]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryDeliveryStore) Find(ctx context.Context, eventID, endpointID string) (*Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.deliveries {
		if d.EventID == eventID && d.EndpointID == endpointID {
			cp := *d
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryDeliveryStore) ListByEvent(ctx context.Context, eventID string) ([]*Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Delivery
	for _, d := range s.deliveries {
		if d.EventID == eventID {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndpointID < out[j].EndpointID })
	return out, nil
}

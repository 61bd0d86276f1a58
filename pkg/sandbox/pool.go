package sandbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/authcore-labs/authcore/pkg/observability"
	"github.com/authcore-labs/authcore/pkg/platform"
)

// Pool defaults. The soft cap bounds how many instances survive release;
// the hard cap bounds concurrent executions process-wide.
const (
	DefaultMaxPoolSize   = 20
	DefaultMaxConcurrent = 40
	DefaultTTL           = 5 * time.Minute
)

// PoolConfig configures the instance pool.
type PoolConfig struct {
	MaxPoolSize   int
	MaxConcurrent int
	TTL           time.Duration
	Host          Host
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.MaxPoolSize <= 0 {
		c.MaxPoolSize = DefaultMaxPoolSize
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	return c
}

// Pool is the process-wide sandbox instance pool. Acquire blocks on a
// FIFO wait queue once the hard concurrency cap is reached; Release
// signals the head of the queue. Instances idle beyond the TTL are
// destroyed lazily on the next acquire. Instances created beyond the
// soft cap are bursts and are destroyed on release.
type Pool struct {
	mu      sync.Mutex
	idle    []*Instance
	waiters []chan *Instance
	inUse   int
	total   int
	closed  bool

	cfg    PoolConfig
	sink   *observability.Sink
	logger *slog.Logger
	clock  func() time.Time
}

// NewPool creates a pool. sink may be nil.
func NewPool(cfg PoolConfig, sink *observability.Sink) *Pool {
	if sink == nil {
		sink = observability.NewSink(nil)
	}
	return &Pool{
		cfg:    cfg.withDefaults(),
		sink:   sink,
		logger: slog.Default().With("component", "sandbox_pool"),
		clock:  time.Now,
	}
}

// WithClock overrides the clock for testing.
func (p *Pool) WithClock(clock func() time.Time) *Pool {
	p.clock = clock
	return p
}

// Acquire returns an exclusive instance, blocking FIFO when the hard cap
// is reached. The caller must Release it.
func (p *Pool) Acquire(ctx context.Context) (*Instance, error) {
	waitStart := p.clock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, platform.E(platform.KindSandboxUnavailable, "sandbox pool is shut down")
	}

	if p.inUse < p.cfg.MaxConcurrent {
		inst, err := p.takeLocked()
		p.inUse++
		occupancy := float64(p.inUse)
		p.mu.Unlock()
		if err != nil {
			p.releaseSlot()
			return nil, err
		}
		p.sink.Gauge(ctx, "sandbox.pool.occupancy", occupancy)
		return inst, nil
	}

	// Hard cap reached: join the FIFO queue.
	ch := make(chan *Instance, 1)
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()

	select {
	case <-ctx.Done():
		p.abandonWaiter(ch)
		return nil, platform.Wrap(platform.KindSandboxUnavailable, "canceled while waiting for sandbox", ctx.Err())
	case inst, ok := <-ch:
		p.sink.Duration(ctx, "sandbox.pool.acquire_wait", p.clock().Sub(waitStart))
		if !ok || inst == nil {
			return nil, platform.E(platform.KindSandboxUnavailable, "sandbox pool is shut down")
		}
		return inst, nil
	}
}

// takeLocked pops a live idle instance, discarding expired ones, or
// creates a new instance. Caller holds the lock.
func (p *Pool) takeLocked() (*Instance, error) {
	now := p.clock()
	for len(p.idle) > 0 {
		inst := p.idle[0]
		p.idle = p.idle[1:]
		if now.Sub(inst.lastUsed) > p.cfg.TTL {
			inst.destroy()
			p.total--
			continue
		}
		return inst, nil
	}

	inst, err := newInstance(p.cfg.Host)
	if err != nil {
		return nil, platform.Wrap(platform.KindSandboxUnavailable, "create sandbox instance", err)
	}
	p.total++
	if p.total > p.cfg.MaxPoolSize {
		inst.burst = true
	}
	return inst, nil
}

// Release returns an instance to the pool. Burst instances are destroyed
// rather than pooled. A pending waiter is handed an instance directly,
// keeping the concurrency slot occupied.
func (p *Pool) Release(inst *Instance) {
	p.mu.Lock()

	if p.closed {
		inst.destroy()
		p.total--
		p.inUse--
		p.mu.Unlock()
		return
	}

	if len(p.waiters) > 0 {
		ch := p.waiters[0]
		p.waiters = p.waiters[1:]

		handoff := inst
		if inst.burst {
			inst.destroy()
			p.total--
			fresh, err := p.takeLocked()
			if err != nil {
				p.inUse--
				p.mu.Unlock()
				close(ch)
				return
			}
			handoff = fresh
		}
		p.mu.Unlock()
		ch <- handoff
		return
	}

	p.inUse--
	if inst.burst {
		inst.destroy()
		p.total--
	} else {
		inst.lastUsed = p.clock()
		p.idle = append(p.idle, inst)
	}
	occupancy := float64(p.inUse)
	p.mu.Unlock()

	p.sink.Gauge(context.Background(), "sandbox.pool.occupancy", occupancy)
}

// releaseSlot undoes a reserved concurrency slot after a failed create.
func (p *Pool) releaseSlot() {
	p.mu.Lock()
	p.inUse--
	p.mu.Unlock()
}

// abandonWaiter removes a waiter that gave up. If the waiter is no
// longer queued, Release or Close has claimed it and a send or close is
// imminent; wait for it and release any delivered instance so the
// concurrency slot it carries is returned.
func (p *Pool) abandonWaiter(ch chan *Instance) {
	p.mu.Lock()
	for i, w := range p.waiters {
		if w == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.mu.Unlock()
			return
		}
	}
	p.mu.Unlock()

	inst, ok := <-ch
	if ok && inst != nil {
		p.Release(inst)
	}
}

// Stats reports live pool counters.
func (p *Pool) Stats() (inUse, idle, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse, len(p.idle), p.total
}

// Close destroys all idle instances and fails pending waiters. In-flight
// instances are destroyed on their release.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true

	for _, inst := range p.idle {
		inst.destroy()
		p.total--
	}
	p.idle = nil

	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
	p.logger.Info("sandbox pool shut down")
}

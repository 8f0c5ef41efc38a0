package transport

import (
	"context"
	"sync"
)

// Factory builds a concrete Adapter for one SenderConfig. The Pool calls it
// when the first Get for a tuple creates the pool entry, so any connection
// check the factory performs happens at that first use.
type Factory func(ctx context.Context, cfg SenderConfig) (Adapter, error)

// Pool caches one Adapter per unique (Host, Port, User) tuple. Mutual
// exclusion inside an individual Adapter is that Adapter's own
// responsibility; the Pool only guards its own map.
type Pool struct {
	mu      sync.Mutex
	build   Factory
	entries map[string]Adapter
}

// NewPool builds a Pool that constructs new Adapters with build.
func NewPool(build Factory) *Pool {
	return &Pool{build: build, entries: make(map[string]Adapter)}
}

// Get returns the pooled Adapter for cfg, building and verifying one on
// first use.
func (p *Pool) Get(ctx context.Context, cfg SenderConfig) (Adapter, error) {
	key := cfg.Key()

	p.mu.Lock()
	if a, ok := p.entries[key]; ok {
		p.mu.Unlock()
		return a, nil
	}
	p.mu.Unlock()

	a, err := p.build(ctx, cfg)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.entries[key]; ok {
		// Lost a race with a concurrent builder; drop the duplicate and
		// keep the one already pooled.
		a.Close()
		return existing, nil
	}
	p.entries[key] = a
	return a, nil
}

// Close flushes and closes every pooled Adapter.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for key, a := range p.entries {
		if err := a.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.entries, key)
	}
	return firstErr
}

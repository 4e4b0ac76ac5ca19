package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Pool owns the in-process agents of a daemon. Every member shares the
// bus, registry, executor and reporter of the template Config.
type Pool struct {
	mu      sync.RWMutex
	members map[string]*Runtime
	order   []string
}

// NewPool builds one runtime per registration. Ids must be unique; an
// empty type becomes GeneralType.
func NewPool(template Config, regs []Registration) (*Pool, error) {
	p := &Pool{members: make(map[string]*Runtime, len(regs))}
	for _, reg := range regs {
		if reg.ID == "" {
			return nil, fmt.Errorf("pool: agent id is required")
		}
		if _, dup := p.members[reg.ID]; dup {
			return nil, fmt.Errorf("pool: duplicate agent id %q", reg.ID)
		}
		cfg := template
		cfg.ID = reg.ID
		cfg.Type = reg.Type
		if cfg.Type == "" {
			cfg.Type = GeneralType
		}
		cfg.Capabilities = append([]string(nil), reg.Capabilities...)
		cfg.Endpoint = reg.Endpoint
		p.members[reg.ID] = NewRuntime(cfg)
		p.order = append(p.order, reg.ID)
	}
	return p, nil
}

// Start launches every member. If one fails, the members already started
// are stopped again.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var started []*Runtime
	for _, id := range p.order {
		r := p.members[id]
		if err := r.Start(ctx); err != nil {
			for _, s := range started {
				_ = s.Stop(ctx)
			}
			return fmt.Errorf("pool: start agent %s: %w", id, err)
		}
		started = append(started, r)
	}
	return nil
}

// Stop shuts down every member, in reverse start order.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var errs []error
	for i := len(p.order) - 1; i >= 0; i-- {
		id := p.order[i]
		if err := p.members[id].Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop agent %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Get returns the member with the given id.
func (p *Pool) Get(id string) (*Runtime, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.members[id]
	return r, ok
}

// IDs returns the member ids in sorted order.
func (p *Pool) IDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := append([]string(nil), p.order...)
	sort.Strings(ids)
	return ids
}

// Len returns the number of members.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.order)
}

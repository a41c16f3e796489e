package projector

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/floorlog/internal/model"
)

// EventSource reads the full history of a work item.
type EventSource interface {
	Events(ctx context.Context, code string) ([]model.WorkEvent, error)
}

// Projector serves projections from a cache that local appends and sync
// settlement invalidate. Fresh always re-reads the log.
//
// Each code carries a generation that Invalidate bumps. A snapshot read
// before an invalidation is returned to its caller but never cached.
//
// Thread-safety: safe for concurrent use.
type Projector struct {
	source EventSource

	mu     sync.RWMutex
	states map[string]model.WorkItemState
	gens   map[string]uint64
}

// New creates a projector over source.
func New(source EventSource) *Projector {
	return &Projector{
		source: source,
		states: make(map[string]model.WorkItemState),
		gens:   make(map[string]uint64),
	}
}

// Fresh re-derives the state of code from the log, refreshes the cache, and
// returns the history it was derived from.
func (p *Projector) Fresh(ctx context.Context, code string) (model.WorkItemState, []model.WorkEvent, error) {
	gen := p.generation(code)
	events, err := p.source.Events(ctx, code)
	if err != nil {
		return model.WorkItemState{}, nil, fmt.Errorf("project %s: %w", code, err)
	}
	state := Project(code, events)
	p.put(state, gen)
	return state, events, nil
}

// Current returns the cached state of code, projecting on a miss.
func (p *Projector) Current(ctx context.Context, code string) (model.WorkItemState, error) {
	p.mu.RLock()
	state, ok := p.states[code]
	p.mu.RUnlock()
	if ok {
		return clone(state), nil
	}
	state, _, err := p.Fresh(ctx, code)
	return state, err
}

// Invalidate drops cached states for codes.
func (p *Projector) Invalidate(codes ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, code := range codes {
		delete(p.states, code)
		p.gens[code]++
	}
}

func (p *Projector) generation(code string) uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.gens[code]
}

// put caches state unless code was invalidated after gen was taken.
func (p *Projector) put(state model.WorkItemState, gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gens[state.Code] != gen {
		return
	}
	p.states[state.Code] = clone(state)
}

func clone(s model.WorkItemState) model.WorkItemState {
	if s.Anomalies != nil {
		s.Anomalies = append([]model.Anomaly(nil), s.Anomalies...)
	}
	return s
}

package remote

import (
	"context"
	"errors"
	"sync"

	"github.com/roach88/floorlog/internal/model"
)

// ErrUnreachable is returned by a Memory authority switched offline.
var ErrUnreachable = errors.New("authority unreachable")

// Memory is an in-process authority. It backs the scenario harness, the
// HTTP server in tests and local demos.
//
// Thread-safety: safe for concurrent use.
type Memory struct {
	payloads PayloadValidator

	mu        sync.Mutex
	reachable bool
	histories map[string][]model.WorkEvent
	prints    map[string]string
	pushes    int
}

// MemoryOption configures a Memory authority.
type MemoryOption func(*Memory)

// WithPayloadValidator makes the authority reject malformed payloads.
func WithPayloadValidator(v PayloadValidator) MemoryOption {
	return func(m *Memory) { m.payloads = v }
}

// NewMemory creates an empty, reachable authority.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		reachable: true,
		histories: make(map[string][]model.WorkEvent),
		prints:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetReachable simulates losing and regaining connectivity.
func (m *Memory) SetReachable(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reachable = ok
}

// Pushes counts PushEvents calls that reached the authority.
func (m *Memory) Pushes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pushes
}

// PushEvents implements Authority.
func (m *Memory) PushEvents(ctx context.Context, batch []model.WorkEvent) ([]PushResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.reachable {
		return nil, ErrUnreachable
	}
	m.pushes++

	return PushInOrder(batch, func(ev model.WorkEvent) (PushResult, error) {
		return m.push(ev), nil
	})
}

func (m *Memory) push(ev model.WorkEvent) PushResult {
	fp, err := Fingerprint(ev)
	if err != nil {
		return PushResult{EventID: ev.EventID, Verdict: VerdictRejected, Reason: err.Error()}
	}
	if known, ok := m.prints[ev.EventID]; ok {
		if known == fp {
			return PushResult{EventID: ev.EventID, Verdict: VerdictAccepted}
		}
		return PushResult{EventID: ev.EventID, Verdict: VerdictRejected, Reason: "event id reused with different content"}
	}

	history := m.histories[ev.WorkItemCode]
	res := Judge(history, ev, m.payloads)
	if res.Verdict != VerdictAccepted {
		return res
	}

	ev.Seq = int64(len(history)) + 1
	ev.Origin = model.OriginRemote
	ev.Voided = false
	m.histories[ev.WorkItemCode] = append(history, ev)
	m.prints[ev.EventID] = fp
	return res
}

// History implements Authority.
func (m *Memory) History(ctx context.Context, code string) ([]model.WorkEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.reachable {
		return nil, ErrUnreachable
	}
	return append([]model.WorkEvent{}, m.histories[code]...), nil
}

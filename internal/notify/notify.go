// Package notify delivers sync queue status changes outside the process.
//
// Observers here are called from the drainer goroutine. Wrap network-bound
// observers in Async so a slow broker or mail service never stalls the
// drain loop.
package notify

import (
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/floorlog/internal/model"
	"github.com/roach88/floorlog/internal/syncqueue"
)

// Message is the wire form of a status change.
type Message struct {
	EntryID      int64            `json:"entry_id"`
	EventID      string           `json:"event_id"`
	WorkItemCode string           `json:"work_item_code"`
	Seq          int64            `json:"seq"`
	From         model.SyncStatus `json:"from"`
	To           model.SyncStatus `json:"to"`
	Attempts     int              `json:"attempts"`
	LastError    string           `json:"last_error,omitempty"`
	At           time.Time        `json:"at"`
}

// MessageFor converts a status change.
func MessageFor(c model.StatusChange) Message {
	return Message{
		EntryID:      c.Entry.ID,
		EventID:      c.Entry.EventID,
		WorkItemCode: c.Entry.WorkItemCode,
		Seq:          c.Entry.Seq,
		From:         c.From,
		To:           c.To,
		Attempts:     c.Entry.AttemptCount,
		LastError:    c.Entry.LastError,
		At:           c.At,
	}
}

// Multi fans a change out to every observer in order.
type Multi []syncqueue.Observer

// QueueChanged implements syncqueue.Observer.
func (m Multi) QueueChanged(c model.StatusChange) {
	for _, o := range m {
		o.QueueChanged(c)
	}
}

// Async hands changes to a wrapped observer on its own goroutine through a
// bounded buffer. When the buffer is full the change is dropped and logged.
type Async struct {
	next   syncqueue.Observer
	logger *slog.Logger
	ch     chan model.StatusChange
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewAsync starts delivering to next. Close stops it.
func NewAsync(next syncqueue.Observer, buffer int, logger *slog.Logger) *Async {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Async{
		next:   next,
		logger: logger,
		ch:     make(chan model.StatusChange, buffer),
		done:   make(chan struct{}),
	}
	go a.loop()
	return a
}

func (a *Async) loop() {
	defer close(a.done)
	for c := range a.ch {
		a.next.QueueChanged(c)
	}
}

// QueueChanged implements syncqueue.Observer. It never blocks.
func (a *Async) QueueChanged(c model.StatusChange) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.ch <- c:
	default:
		a.logger.Warn("status change dropped: observer buffer full",
			"event_id", c.Entry.EventID,
			"to", c.To,
		)
	}
}

// Close stops accepting changes and waits for buffered ones to be delivered.
func (a *Async) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.ch)
	}
	a.mu.Unlock()
	<-a.done
}

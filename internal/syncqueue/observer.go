package syncqueue

import (
	"context"
	"log/slog"

	"github.com/roach88/floorlog/internal/model"
)

// Observer receives every sync entry status change. Observers are called
// from the drainer goroutine; slow observers should hand off (see
// notify.Async).
type Observer interface {
	QueueChanged(change model.StatusChange)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(change model.StatusChange)

// QueueChanged implements Observer.
func (f ObserverFunc) QueueChanged(change model.StatusChange) { f(change) }

// LogObserver logs status changes. Failed and Conflicted entries need an
// operator and are logged as warnings.
type LogObserver struct {
	Logger *slog.Logger
}

// QueueChanged implements Observer.
func (o LogObserver) QueueChanged(c model.StatusChange) {
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelDebug
	switch c.To {
	case model.SyncFailed, model.SyncConflicted:
		level = slog.LevelWarn
	case model.SyncSettled:
		level = slog.LevelInfo
	}
	logger.Log(context.Background(), level, "sync entry "+string(c.To),
		"entry_id", c.Entry.ID,
		"event_id", c.Entry.EventID,
		"work_item", c.Entry.WorkItemCode,
		"seq", c.Entry.Seq,
		"from", c.From,
		"attempts", c.Entry.AttemptCount,
		"error", c.Entry.LastError,
	)
}

package usecase

import (
	"context"
	"fmt"

	"github.com/roach88/floorlog/internal/model"
)

// Resolution outcome of ResolveConflict.
type Resolution struct {
	Entry model.SyncEntry     `json:"entry"`
	State model.WorkItemState `json:"state"`
}

// ResolveConflict closes out a Conflicted entry. Discard accepts the
// authoritative history as is. Resubmit replays the conflicted event's
// action, as the signed-in actor, against the current state; if the action
// is no longer valid the entry stays unresolved and the error is returned.
func (s *Service) ResolveConflict(ctx context.Context, entryID int64, resolution model.Resolution) (Resolution, error) {
	entry, err := s.log.Entry(ctx, entryID)
	if err != nil {
		return Resolution{}, err
	}
	if entry.Status != model.SyncConflicted {
		return Resolution{}, model.NewInvalidArgument("entry %d is %s, only Conflicted entries can be resolved", entryID, entry.Status)
	}
	if entry.Resolution != model.ResolutionNone {
		return Resolution{}, model.NewInvalidArgument("entry %d already resolved as %s", entryID, entry.Resolution)
	}

	var (
		state    model.WorkItemState
		resolved model.SyncEntry
	)
	switch resolution {
	case model.ResolutionDiscarded:
		if state, err = s.machine.Projections().Current(ctx, entry.WorkItemCode); err != nil {
			return Resolution{}, err
		}
		if resolved, err = s.log.ResolveEntry(ctx, entryID, resolution, s.clock.Now()); err != nil {
			return Resolution{}, fmt.Errorf("resolve entry %d: %w", entryID, err)
		}
	case model.ResolutionResubmitted:
		actor, err := s.auth.CurrentActor(ctx)
		if err != nil {
			return Resolution{}, err
		}
		original, err := s.log.Event(ctx, entry.EventID)
		if err != nil {
			return Resolution{}, err
		}
		res, err := s.machine.Resubmit(ctx, original, entryID, actor)
		if err != nil {
			return Resolution{}, err
		}
		if resolved, err = s.log.Entry(ctx, entryID); err != nil {
			return Resolution{}, err
		}
		state = res.State
		s.logger.Info("conflict resubmitted",
			"entry_id", entryID,
			"event_id", entry.EventID,
			"new_event_id", res.Event.EventID,
			"work_item", entry.WorkItemCode,
		)
	default:
		return Resolution{}, model.NewInvalidArgument("unknown resolution %q", resolution)
	}
	s.wake()
	return Resolution{Entry: resolved, State: state}, nil
}

// RetryFailed re-arms a Failed entry with a fresh attempt budget.
func (s *Service) RetryFailed(ctx context.Context, entryID int64) (model.SyncEntry, error) {
	change, err := s.log.RetryEntry(ctx, entryID, s.clock.Now())
	if err != nil {
		return model.SyncEntry{}, err
	}
	s.wake()
	return change.Entry, nil
}

// QueueEntries lists sync entries, optionally filtered by status. A
// non-positive limit lists all.
func (s *Service) QueueEntries(ctx context.Context, status model.SyncStatus, limit int) ([]model.SyncEntry, error) {
	if status != "" && !status.Valid() {
		return nil, model.NewInvalidArgument("unknown sync status %q", status)
	}
	return s.log.Entries(ctx, status, limit)
}

// QueueCounts returns the number of entries per status.
func (s *Service) QueueCounts(ctx context.Context) (model.QueueCounts, error) {
	return s.log.Counts(ctx)
}

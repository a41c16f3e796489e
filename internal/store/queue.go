package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/roach88/floorlog/internal/model"
)

const entryColumns = `id, event_id, work_item_code, seq, status, attempt_count, last_attempt_at,
	next_attempt_at, last_error, resolution, resolved_at, created_at`

// DueBatch returns up to limit entries ready for transmission.
//
// Only the head of each work item's unresolved entries (Pending, InFlight or
// Failed) can be due, and only when it is Pending with next_attempt_at <= now.
// A due head is followed by the consecutive due Pending entries of the same
// work item, in seq order. A Failed or InFlight head blocks its work item and
// no other. Work items are ordered by their head entry id.
func (s *Store) DueBatch(ctx context.Context, now time.Time, limit int) ([]model.SyncEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM sync_queue
		WHERE status IN (?, ?, ?)
		ORDER BY work_item_code COLLATE BINARY ASC, seq ASC, id ASC
	`, string(model.SyncPending), string(model.SyncInFlight), string(model.SyncFailed))
	if err != nil {
		return nil, fmt.Errorf("due batch: %w", err)
	}
	defer rows.Close()

	var groups [][]model.SyncEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("due batch: %w", err)
		}
		n := len(groups)
		if n == 0 || groups[n-1][0].WorkItemCode != entry.WorkItemCode {
			groups = append(groups, []model.SyncEntry{entry})
			continue
		}
		groups[n-1] = append(groups[n-1], entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("due batch: %w", err)
	}

	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i][0].ID < groups[j][0].ID
	})

	due := []model.SyncEntry{}
	nowNanos := toNanos(now)
	for _, group := range groups {
		for _, entry := range group {
			if len(due) >= limit {
				return due, nil
			}
			if entry.Status != model.SyncPending || toNanos(entry.NextAttemptAt) > nowNanos {
				break
			}
			due = append(due, entry)
		}
	}
	return due, nil
}

// NextDue returns the earliest next_attempt_at of a Pending entry, or false
// when nothing is pending.
func (s *Store) NextDue(ctx context.Context) (time.Time, bool, error) {
	var next sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MIN(next_attempt_at) FROM sync_queue WHERE status = ?
	`, string(model.SyncPending)).Scan(&next)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("next due: %w", err)
	}
	if !next.Valid {
		return time.Time{}, false, nil
	}
	return fromNanos(next.Int64), true, nil
}

// MarkInFlight moves Pending entries to InFlight and counts the attempt.
func (s *Store) MarkInFlight(ctx context.Context, ids []int64, now time.Time) ([]model.StatusChange, error) {
	changes := make([]model.StatusChange, 0, len(ids))
	for _, id := range ids {
		change, err := s.update(ctx, id, []model.SyncStatus{model.SyncPending}, func(e *model.SyncEntry) {
			e.Status = model.SyncInFlight
			e.AttemptCount++
			e.LastAttemptAt = now.UTC()
		}, now)
		if err != nil {
			return changes, err
		}
		changes = append(changes, change)
	}
	return changes, nil
}

// MarkSettled records remote acceptance of an InFlight entry.
func (s *Store) MarkSettled(ctx context.Context, id int64, now time.Time) (model.StatusChange, error) {
	return s.update(ctx, id, []model.SyncStatus{model.SyncInFlight}, func(e *model.SyncEntry) {
		e.Status = model.SyncSettled
	}, now)
}

// MarkRetry returns an InFlight entry to Pending, to be retried at next.
func (s *Store) MarkRetry(ctx context.Context, id int64, next time.Time, lastError string, now time.Time) (model.StatusChange, error) {
	return s.update(ctx, id, []model.SyncStatus{model.SyncInFlight}, func(e *model.SyncEntry) {
		e.Status = model.SyncPending
		e.NextAttemptAt = next.UTC()
		e.LastError = lastError
	}, now)
}

// MarkFailed parks an InFlight entry. It blocks later entries of its work
// item until retried.
func (s *Store) MarkFailed(ctx context.Context, id int64, lastError string, now time.Time) (model.StatusChange, error) {
	return s.update(ctx, id, []model.SyncStatus{model.SyncInFlight}, func(e *model.SyncEntry) {
		e.Status = model.SyncFailed
		e.LastError = lastError
	}, now)
}

// RecoverInFlight returns entries stranded InFlight by a crash to Pending.
func (s *Store) RecoverInFlight(ctx context.Context, now time.Time) ([]model.StatusChange, error) {
	stranded, err := s.Entries(ctx, model.SyncInFlight, 0)
	if err != nil {
		return nil, fmt.Errorf("recover in-flight: %w", err)
	}
	changes := make([]model.StatusChange, 0, len(stranded))
	for _, entry := range stranded {
		change, err := s.update(ctx, entry.ID, []model.SyncStatus{model.SyncInFlight}, func(e *model.SyncEntry) {
			e.Status = model.SyncPending
			e.NextAttemptAt = now.UTC()
			e.LastError = "interrupted while in flight"
		}, now)
		if err != nil {
			return changes, err
		}
		changes = append(changes, change)
	}
	return changes, nil
}

// RetryEntry re-arms a Failed entry with a fresh attempt budget.
func (s *Store) RetryEntry(ctx context.Context, id int64, now time.Time) (model.StatusChange, error) {
	return s.update(ctx, id, []model.SyncStatus{model.SyncFailed}, func(e *model.SyncEntry) {
		e.Status = model.SyncPending
		e.AttemptCount = 0
		e.NextAttemptAt = now.UTC()
	}, now)
}

// ResolveEntry records the resolution of a Conflicted entry. The entry keeps
// its status; Resolution and ResolvedAt close it out.
func (s *Store) ResolveEntry(ctx context.Context, id int64, resolution model.Resolution, now time.Time) (model.SyncEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.SyncEntry{}, fmt.Errorf("resolve entry %d: begin tx: %w", id, err)
	}
	defer tx.Rollback()

	if err := resolveInTx(ctx, tx, id, "", resolution, now); err != nil {
		return model.SyncEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.SyncEntry{}, fmt.Errorf("resolve entry %d: commit: %w", id, err)
	}
	return s.Entry(ctx, id)
}

// resolveInTx closes Conflicted entry id. A non-empty code must match the
// entry's work item.
func resolveInTx(ctx context.Context, tx *sql.Tx, id int64, code string, resolution model.Resolution, now time.Time) error {
	entry, err := scanEntry(tx.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM sync_queue WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.NewNotFound("sync entry %d", id)
	}
	if err != nil {
		return fmt.Errorf("read entry %d: %w", id, err)
	}
	if code != "" && entry.WorkItemCode != code {
		return model.NewInvalidArgument("entry %d belongs to %s, not %s", id, entry.WorkItemCode, code)
	}
	if entry.Status != model.SyncConflicted {
		return model.NewInvalidArgument("entry %d is %s, only Conflicted entries can be resolved", id, entry.Status)
	}
	if entry.Resolution != model.ResolutionNone {
		return model.NewInvalidArgument("entry %d already resolved as %s", id, entry.Resolution)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sync_queue SET resolution = ?, resolved_at = ? WHERE id = ?
	`, string(resolution), toNanos(now), id)
	if err != nil {
		return fmt.Errorf("resolve entry %d: %w", id, err)
	}
	return nil
}

// Entry loads one entry by id.
func (s *Store) Entry(ctx context.Context, id int64) (model.SyncEntry, error) {
	entry, err := scanEntry(s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM sync_queue WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.SyncEntry{}, model.NewNotFound("sync entry %d", id)
	}
	if err != nil {
		return model.SyncEntry{}, fmt.Errorf("read entry %d: %w", id, err)
	}
	return entry, nil
}

// EntryForEvent loads the entry tracking eventID.
func (s *Store) EntryForEvent(ctx context.Context, eventID string) (model.SyncEntry, error) {
	entry, err := scanEntry(s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM sync_queue WHERE event_id = ?`, eventID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.SyncEntry{}, model.NewNotFound("sync entry for event %s", eventID)
	}
	if err != nil {
		return model.SyncEntry{}, fmt.Errorf("read entry for event %s: %w", eventID, err)
	}
	return entry, nil
}

// Entries lists entries in id order. An empty status lists all; limit <= 0
// means no limit.
func (s *Store) Entries(ctx context.Context, status model.SyncStatus, limit int) ([]model.SyncEntry, error) {
	var (
		where []string
		args  []any
	)
	if status != "" {
		where = append(where, "status = ?")
		args = append(args, string(status))
	}
	query := `SELECT ` + entryColumns + ` FROM sync_queue`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	entries := []model.SyncEntry{}
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("list entries: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Counts returns the number of entries per status. Every status is present.
func (s *Store) Counts(ctx context.Context) (model.QueueCounts, error) {
	counts := model.QueueCounts{
		model.SyncPending:    0,
		model.SyncInFlight:   0,
		model.SyncSettled:    0,
		model.SyncConflicted: 0,
		model.SyncFailed:     0,
	}
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("queue counts: %w", err)
		}
		counts[model.SyncStatus(status)] = n
	}
	return counts, rows.Err()
}

// update applies mutate to entry id inside a transaction, provided its
// current status is one of from.
func (s *Store) update(ctx context.Context, id int64, from []model.SyncStatus, mutate func(*model.SyncEntry), now time.Time) (model.StatusChange, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.StatusChange{}, fmt.Errorf("update entry %d: begin tx: %w", id, err)
	}
	defer tx.Rollback()

	entry, err := scanEntry(tx.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM sync_queue WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.StatusChange{}, model.NewNotFound("sync entry %d", id)
	}
	if err != nil {
		return model.StatusChange{}, fmt.Errorf("update entry %d: %w", id, err)
	}

	allowed := false
	for _, st := range from {
		if entry.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return model.StatusChange{}, model.NewInvalidArgument("entry %d is %s", id, entry.Status)
	}

	prev := entry.Status
	mutate(&entry)
	_, err = tx.ExecContext(ctx, `
		UPDATE sync_queue
		SET status = ?, attempt_count = ?, last_attempt_at = ?, next_attempt_at = ?, last_error = ?
		WHERE id = ?
	`, string(entry.Status), entry.AttemptCount, toNanos(entry.LastAttemptAt), toNanos(entry.NextAttemptAt), entry.LastError, id)
	if err != nil {
		return model.StatusChange{}, fmt.Errorf("update entry %d: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return model.StatusChange{}, fmt.Errorf("update entry %d: commit: %w", id, err)
	}

	return model.StatusChange{Entry: entry, From: prev, To: entry.Status, At: now.UTC()}, nil
}

func scanEntry(sc scanner) (model.SyncEntry, error) {
	var (
		e                  model.SyncEntry
		status, resolution string
		lastAttemptAt      int64
		nextAttemptAt      int64
		resolvedAt         int64
		createdAt          int64
	)
	err := sc.Scan(&e.ID, &e.EventID, &e.WorkItemCode, &e.Seq, &status, &e.AttemptCount, &lastAttemptAt,
		&nextAttemptAt, &e.LastError, &resolution, &resolvedAt, &createdAt)
	if err != nil {
		return model.SyncEntry{}, err
	}
	e.Status = model.SyncStatus(status)
	e.Resolution = model.Resolution(resolution)
	e.LastAttemptAt = fromNanos(lastAttemptAt)
	e.NextAttemptAt = fromNanos(nextAttemptAt)
	e.ResolvedAt = fromNanos(resolvedAt)
	e.CreatedAt = fromNanos(createdAt)
	return e, nil
}

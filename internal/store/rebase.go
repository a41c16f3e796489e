package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/floorlog/internal/model"
)

// RebaseResult reports what a Rebase changed.
type RebaseResult struct {
	// Voided lists event ids excluded from projection, in seq order.
	Voided []string
	// Imported lists event ids appended from the authoritative history.
	Imported []string
	// Changes lists every sync queue entry whose status moved.
	Changes []model.StatusChange
}

type liveRow struct {
	rowID   int64
	seq     int64
	eventID string
}

// Rebase reconciles the local history of code with the authoritative history
// returned by the remote, in one transaction.
//
// The longest common prefix (by event id) of the local non-voided events and
// authority is kept. Every later local event is voided and every later
// authoritative event is appended with a fresh seq. Queue entries of events
// the authority holds become Settled; entries of voided events it does not
// hold become Conflicted. conflictEventID receives conflictReason as its
// last error; the others name it as their conflicted predecessor.
//
// Settled history is never given up: if the authority lacks an event whose
// entry is Settled, nothing is written and a CorruptHistory error is returned.
func (s *Store) Rebase(ctx context.Context, code string, authority []model.WorkEvent, conflictEventID, conflictReason string, now time.Time) (RebaseResult, error) {
	result := RebaseResult{Voided: []string{}, Imported: []string{}, Changes: []model.StatusChange{}}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("rebase %s: begin tx: %w", code, err)
	}
	defer tx.Rollback()

	live, err := liveRows(ctx, tx, code)
	if err != nil {
		return result, fmt.Errorf("rebase %s: %w", code, err)
	}

	k := 0
	for k < len(live) && k < len(authority) && live[k].eventID == authority[k].EventID {
		k++
	}

	held := make(map[string]bool, len(authority))
	for _, ev := range authority {
		held[ev.EventID] = true
	}

	for _, row := range live[k:] {
		if held[row.eventID] {
			continue
		}
		settled, err := isSettled(ctx, tx, row.eventID)
		if err != nil {
			return result, fmt.Errorf("rebase %s: %w", code, err)
		}
		if settled {
			return result, model.NewCorruptHistory(code, model.Anomaly{
				Seq:     row.seq,
				EventID: row.eventID,
				Detail:  "settled event missing from authoritative history",
			})
		}
	}

	for _, row := range live[k:] {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO event_voids (row_id, reason, voided_at) VALUES (?, ?, ?)
		`, row.rowID, "diverged from authoritative history: "+conflictReason, toNanos(now))
		if err != nil {
			return result, fmt.Errorf("rebase %s: void %s: %w", code, row.eventID, err)
		}
		result.Voided = append(result.Voided, row.eventID)
	}

	head, err := headSeq(ctx, tx, code)
	if err != nil {
		return result, fmt.Errorf("rebase %s: %w", code, err)
	}
	for _, ev := range authority[k:] {
		head++
		ev.Seq = head
		ev.WorkItemCode = code
		ev.Origin = model.OriginRemote
		payload, err := marshalPayload(ev.Payload)
		if err != nil {
			return result, fmt.Errorf("rebase %s: %w", code, err)
		}
		if err := insertEvent(ctx, tx, ev, payload, now); err != nil {
			return result, fmt.Errorf("rebase %s: %w", code, err)
		}
		result.Imported = append(result.Imported, ev.EventID)

		_, err = tx.ExecContext(ctx, `
			INSERT INTO sync_queue (event_id, work_item_code, seq, status, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(event_id) DO NOTHING
		`, ev.EventID, code, ev.Seq, string(model.SyncSettled), toNanos(now))
		if err != nil {
			return result, fmt.Errorf("rebase %s: settle imported %s: %w", code, ev.EventID, err)
		}
	}

	for _, ev := range authority {
		change, ok, err := moveEntry(ctx, tx, ev.EventID, model.SyncSettled, "", now)
		if err != nil {
			return result, fmt.Errorf("rebase %s: %w", code, err)
		}
		if ok {
			result.Changes = append(result.Changes, change)
		}
	}

	for _, eventID := range result.Voided {
		if held[eventID] {
			continue
		}
		reason := conflictReason
		if eventID != conflictEventID {
			reason = fmt.Sprintf("predecessor %s conflicted", conflictEventID)
		}
		change, ok, err := moveEntry(ctx, tx, eventID, model.SyncConflicted, reason, now)
		if err != nil {
			return result, fmt.Errorf("rebase %s: %w", code, err)
		}
		if ok {
			result.Changes = append(result.Changes, change)
		}
	}

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("rebase %s: commit: %w", code, err)
	}
	return result, nil
}

func liveRows(ctx context.Context, tx *sql.Tx, code string) ([]liveRow, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT e.row_id, e.seq, e.event_id
		FROM events e
		LEFT JOIN event_voids v ON v.row_id = e.row_id
		WHERE e.work_item_code = ? AND v.row_id IS NULL
		ORDER BY e.seq ASC
	`, code)
	if err != nil {
		return nil, fmt.Errorf("live rows: %w", err)
	}
	defer rows.Close()

	live := []liveRow{}
	for rows.Next() {
		var r liveRow
		if err := rows.Scan(&r.rowID, &r.seq, &r.eventID); err != nil {
			return nil, fmt.Errorf("live rows: %w", err)
		}
		live = append(live, r)
	}
	return live, rows.Err()
}

func isSettled(ctx context.Context, tx *sql.Tx, eventID string) (bool, error) {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM sync_queue WHERE event_id = ?`, eventID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("entry status for %s: %w", eventID, err)
	}
	return model.SyncStatus(status) == model.SyncSettled, nil
}

// moveEntry sets the status of the entry for eventID when it differs. A
// missing entry or one already in the target status reports ok=false.
func moveEntry(ctx context.Context, tx *sql.Tx, eventID string, to model.SyncStatus, lastError string, now time.Time) (model.StatusChange, bool, error) {
	entry, err := scanEntry(tx.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM sync_queue WHERE event_id = ?`, eventID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.StatusChange{}, false, nil
	}
	if err != nil {
		return model.StatusChange{}, false, fmt.Errorf("load entry for %s: %w", eventID, err)
	}
	if entry.Status == to {
		return model.StatusChange{}, false, nil
	}
	if entry.Status == model.SyncSettled {
		return model.StatusChange{}, false, fmt.Errorf("entry %d for %s is Settled and cannot move to %s", entry.ID, eventID, to)
	}

	if lastError == "" {
		lastError = entry.LastError
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE sync_queue SET status = ?, last_error = ? WHERE id = ?
	`, string(to), lastError, entry.ID)
	if err != nil {
		return model.StatusChange{}, false, fmt.Errorf("move entry %d to %s: %w", entry.ID, to, err)
	}

	from := entry.Status
	entry.Status = to
	entry.LastError = lastError
	return model.StatusChange{Entry: entry, From: from, To: to, At: now.UTC()}, true, nil
}

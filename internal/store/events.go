package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/floorlog/internal/model"
)

const eventColumns = `e.row_id, e.event_id, e.work_item_code, e.seq, e.event_type, e.actor_id,
	e.actor_role, e.device_id, e.occurred_at, e.payload, e.origin,
	(v.row_id IS NOT NULL) AS voided`

// AppendEvent assigns the next sequence number to ev and persists it together
// with a Pending sync queue entry in one transaction.
//
// expectedHead is the highest seq (voided events included) the caller saw
// when it projected state. If the head has moved, nothing is written and
// model.ErrHeadMoved is returned.
func (s *Store) AppendEvent(ctx context.Context, ev model.WorkEvent, expectedHead int64, now time.Time) (model.WorkEvent, model.SyncEntry, error) {
	return s.appendEvent(ctx, ev, expectedHead, 0, now)
}

// AppendResolving is AppendEvent for a resubmitted conflict: in the same
// transaction it closes Conflicted entry resolveID as resubmitted. If that
// entry is missing, not Conflicted, or already resolved, nothing is written.
func (s *Store) AppendResolving(ctx context.Context, ev model.WorkEvent, expectedHead, resolveID int64, now time.Time) (model.WorkEvent, model.SyncEntry, error) {
	return s.appendEvent(ctx, ev, expectedHead, resolveID, now)
}

func (s *Store) appendEvent(ctx context.Context, ev model.WorkEvent, expectedHead, resolveID int64, now time.Time) (model.WorkEvent, model.SyncEntry, error) {
	payload, err := marshalPayload(ev.Payload)
	if err != nil {
		return model.WorkEvent{}, model.SyncEntry{}, fmt.Errorf("append event: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.WorkEvent{}, model.SyncEntry{}, fmt.Errorf("append event: begin tx: %w", err)
	}
	defer tx.Rollback()

	head, err := headSeq(ctx, tx, ev.WorkItemCode)
	if err != nil {
		return model.WorkEvent{}, model.SyncEntry{}, fmt.Errorf("append event: %w", err)
	}
	if head != expectedHead {
		return model.WorkEvent{}, model.SyncEntry{}, fmt.Errorf("append event %s: expected head %d, found %d: %w",
			ev.WorkItemCode, expectedHead, head, model.ErrHeadMoved)
	}

	if resolveID != 0 {
		if err := resolveInTx(ctx, tx, resolveID, ev.WorkItemCode, model.ResolutionResubmitted, now); err != nil {
			return model.WorkEvent{}, model.SyncEntry{}, err
		}
	}

	ev.Seq = head + 1
	ev.Origin = model.OriginLocal
	ev.Voided = false
	if err := insertEvent(ctx, tx, ev, payload, now); err != nil {
		return model.WorkEvent{}, model.SyncEntry{}, fmt.Errorf("append event: %w", err)
	}

	entry := model.SyncEntry{
		EventID:       ev.EventID,
		WorkItemCode:  ev.WorkItemCode,
		Seq:           ev.Seq,
		Status:        model.SyncPending,
		NextAttemptAt: now.UTC(),
		CreatedAt:     now.UTC(),
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO sync_queue (event_id, work_item_code, seq, status, next_attempt_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entry.EventID, entry.WorkItemCode, entry.Seq, string(entry.Status), toNanos(now), toNanos(now))
	if err != nil {
		return model.WorkEvent{}, model.SyncEntry{}, fmt.Errorf("append event: insert queue entry: %w", err)
	}
	if entry.ID, err = res.LastInsertId(); err != nil {
		return model.WorkEvent{}, model.SyncEntry{}, fmt.Errorf("append event: queue entry id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.WorkEvent{}, model.SyncEntry{}, fmt.Errorf("append event: commit: %w", err)
	}
	return ev, entry, nil
}

// Events returns every event recorded for code, voided ones included, in seq
// order.
func (s *Store) Events(ctx context.Context, code string) ([]model.WorkEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM events e
		LEFT JOIN event_voids v ON v.row_id = e.row_id
		WHERE e.work_item_code = ?
		ORDER BY e.seq ASC
	`, code)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	defer rows.Close()

	events := []model.WorkEvent{}
	for rows.Next() {
		ev, _, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("read events: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	return events, nil
}

// Event returns the most recently recorded copy of eventID.
func (s *Store) Event(ctx context.Context, eventID string) (model.WorkEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+eventColumns+`
		FROM events e
		LEFT JOIN event_voids v ON v.row_id = e.row_id
		WHERE e.event_id = ?
		ORDER BY e.row_id DESC
		LIMIT 1
	`, eventID)
	ev, _, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.WorkEvent{}, model.NewNotFound("event %s", eventID)
	}
	if err != nil {
		return model.WorkEvent{}, fmt.Errorf("read event %s: %w", eventID, err)
	}
	return ev, nil
}

// HeadSeq returns the highest seq recorded for code, or 0.
func (s *Store) HeadSeq(ctx context.Context, code string) (int64, error) {
	return headSeq(ctx, s.db, code)
}

// WorkItemCodes lists every work item with at least one event.
func (s *Store) WorkItemCodes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT work_item_code FROM events ORDER BY work_item_code COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list work items: %w", err)
	}
	defer rows.Close()

	codes := []string{}
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, fmt.Errorf("list work items: %w", err)
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func headSeq(ctx context.Context, q querier, code string) (int64, error) {
	var head int64
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM events WHERE work_item_code = ?
	`, code).Scan(&head)
	if err != nil {
		return 0, fmt.Errorf("head seq %s: %w", code, err)
	}
	return head, nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, ev model.WorkEvent, payload string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO events
		(event_id, work_item_code, seq, event_type, actor_id, actor_role, device_id, occurred_at, payload, origin, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		ev.EventID,
		ev.WorkItemCode,
		ev.Seq,
		string(ev.Type),
		ev.ActorID,
		string(ev.ActorRole),
		ev.DeviceID,
		toNanos(ev.OccurredAt),
		payload,
		string(ev.Origin),
		toNanos(now),
	)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", ev.EventID, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(sc scanner) (model.WorkEvent, int64, error) {
	var (
		ev         model.WorkEvent
		rowID      int64
		eventType  string
		actorRole  string
		occurredAt int64
		payload    string
		origin     string
	)
	err := sc.Scan(&rowID, &ev.EventID, &ev.WorkItemCode, &ev.Seq, &eventType, &ev.ActorID,
		&actorRole, &ev.DeviceID, &occurredAt, &payload, &origin, &ev.Voided)
	if err != nil {
		return model.WorkEvent{}, 0, err
	}
	ev.Type = model.EventType(eventType)
	ev.ActorRole = model.Role(actorRole)
	ev.OccurredAt = fromNanos(occurredAt)
	ev.Origin = model.Origin(origin)
	if ev.Payload, err = unmarshalPayload(payload); err != nil {
		return model.WorkEvent{}, 0, fmt.Errorf("event %s: %w", ev.EventID, err)
	}
	return ev, rowID, nil
}

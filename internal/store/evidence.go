package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/floorlog/internal/model"
)

const evidenceColumns = `evidence_id, work_item_code, kind, tags, captured_at, captured_by,
	artifact_ref, artifact_digest, size_bytes`

// PutEvidence records item unless an item with the same id exists. It returns
// the stored item (the first capture wins) and whether this call inserted it.
func (s *Store) PutEvidence(ctx context.Context, item model.EvidenceItem) (model.EvidenceItem, bool, error) {
	tags, err := marshalTags(item.Tags)
	if err != nil {
		return model.EvidenceItem{}, false, fmt.Errorf("put evidence: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO evidence (`+evidenceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(evidence_id) DO NOTHING
	`,
		item.ID,
		item.WorkItemCode,
		string(item.Kind),
		tags,
		toNanos(item.CapturedAt),
		item.CapturedBy,
		item.ArtifactRef,
		item.ArtifactDigest,
		item.SizeBytes,
	)
	if err != nil {
		return model.EvidenceItem{}, false, fmt.Errorf("put evidence %s: %w", item.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.EvidenceItem{}, false, fmt.Errorf("put evidence %s: rows affected: %w", item.ID, err)
	}

	stored, err := s.evidenceByID(ctx, item.ID)
	if err != nil {
		return model.EvidenceItem{}, false, err
	}
	return stored, n > 0, nil
}

// Evidence loads items by id, preserving the order of ids. Any unknown id is
// a NotFound error.
func (s *Store) Evidence(ctx context.Context, ids []string) ([]model.EvidenceItem, error) {
	items := make([]model.EvidenceItem, 0, len(ids))
	for _, id := range ids {
		item, err := s.evidenceByID(ctx, id)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// EvidenceFor lists evidence captured for code, oldest first.
func (s *Store) EvidenceFor(ctx context.Context, code string) ([]model.EvidenceItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+evidenceColumns+`
		FROM evidence
		WHERE work_item_code = ?
		ORDER BY captured_at ASC, evidence_id COLLATE BINARY ASC
	`, code)
	if err != nil {
		return nil, fmt.Errorf("list evidence %s: %w", code, err)
	}
	defer rows.Close()

	items := []model.EvidenceItem{}
	for rows.Next() {
		item, err := scanEvidence(rows)
		if err != nil {
			return nil, fmt.Errorf("list evidence %s: %w", code, err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Store) evidenceByID(ctx context.Context, id string) (model.EvidenceItem, error) {
	item, err := scanEvidence(s.db.QueryRowContext(ctx, `
		SELECT `+evidenceColumns+` FROM evidence WHERE evidence_id = ?
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.EvidenceItem{}, model.NewNotFound("evidence %s", id)
	}
	if err != nil {
		return model.EvidenceItem{}, fmt.Errorf("read evidence %s: %w", id, err)
	}
	return item, nil
}

func scanEvidence(sc scanner) (model.EvidenceItem, error) {
	var (
		item       model.EvidenceItem
		kind       string
		tags       string
		capturedAt int64
	)
	err := sc.Scan(&item.ID, &item.WorkItemCode, &kind, &tags, &capturedAt, &item.CapturedBy,
		&item.ArtifactRef, &item.ArtifactDigest, &item.SizeBytes)
	if err != nil {
		return model.EvidenceItem{}, err
	}
	item.Kind = model.EvidenceKind(kind)
	item.CapturedAt = fromNanos(capturedAt)
	if item.Tags, err = unmarshalTags(tags); err != nil {
		return model.EvidenceItem{}, err
	}
	return item, nil
}

// Package evidence stores captured QC artifacts by content.
//
// Artifact bytes are kept once per BLAKE2b-256 digest. An evidence item's id
// is a canonical hash of its work item, kind and artifact digest, so capturing
// the same artifact for the same work item twice yields the same item.
package evidence

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/roach88/floorlog/internal/canonical"
	"github.com/roach88/floorlog/internal/model"
)

// MaxArtifactBytes bounds a single artifact.
const MaxArtifactBytes = 32 << 20

// Metadata persists evidence items.
type Metadata interface {
	PutEvidence(ctx context.Context, item model.EvidenceItem) (model.EvidenceItem, bool, error)
	Evidence(ctx context.Context, ids []string) ([]model.EvidenceItem, error)
	EvidenceFor(ctx context.Context, code string) ([]model.EvidenceItem, error)
}

// Capture is an artifact handed over by the capture collaborator.
type Capture struct {
	WorkItemCode string
	Kind         model.EvidenceKind
	Tags         []string
	CapturedAt   time.Time
	CapturedBy   string
	Artifact     io.Reader
}

// Store is the evidence store.
type Store struct {
	meta  Metadata
	blobs Blobs
}

// New creates an evidence store.
func New(meta Metadata, blobs Blobs) *Store {
	return &Store{meta: meta, blobs: blobs}
}

// Put stores the artifact and records its metadata. If the same content was
// already captured for the work item, the stored item is returned unchanged.
func (s *Store) Put(ctx context.Context, c Capture) (model.EvidenceItem, error) {
	code, err := model.NormalizeCode(c.WorkItemCode)
	if err != nil {
		return model.EvidenceItem{}, err
	}
	if !c.Kind.Valid() {
		return model.EvidenceItem{}, model.NewInvalidArgument("unsupported evidence kind %q", c.Kind)
	}
	if c.Artifact == nil {
		return model.EvidenceItem{}, model.NewInvalidArgument("artifact is required")
	}
	if c.CapturedAt.IsZero() {
		return model.EvidenceItem{}, model.NewInvalidArgument("capture time is required")
	}

	data, err := io.ReadAll(io.LimitReader(c.Artifact, MaxArtifactBytes+1))
	if err != nil {
		return model.EvidenceItem{}, fmt.Errorf("read artifact: %w", err)
	}
	if len(data) == 0 {
		return model.EvidenceItem{}, model.NewInvalidArgument("artifact is empty")
	}
	if len(data) > MaxArtifactBytes {
		return model.EvidenceItem{}, model.NewInvalidArgument("artifact exceeds %d bytes", MaxArtifactBytes)
	}

	sum := blake2b.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	ref, err := s.blobs.Put(ctx, digest, data)
	if err != nil {
		return model.EvidenceItem{}, fmt.Errorf("store artifact %s: %w", digest, err)
	}

	id, err := ItemID(code, c.Kind, digest)
	if err != nil {
		return model.EvidenceItem{}, err
	}

	item := model.EvidenceItem{
		ID:             id,
		WorkItemCode:   code,
		Kind:           c.Kind,
		Tags:           NormalizeTags(c.Tags),
		CapturedAt:     c.CapturedAt.UTC(),
		CapturedBy:     c.CapturedBy,
		ArtifactRef:    ref,
		ArtifactDigest: digest,
		SizeBytes:      int64(len(data)),
	}
	stored, _, err := s.meta.PutEvidence(ctx, item)
	if err != nil {
		return model.EvidenceItem{}, err
	}
	return stored, nil
}

// Get resolves evidence references in order.
func (s *Store) Get(ctx context.Context, ids []string) ([]model.EvidenceItem, error) {
	return s.meta.Evidence(ctx, ids)
}

// List returns the evidence captured for a work item.
func (s *Store) List(ctx context.Context, code string) ([]model.EvidenceItem, error) {
	return s.meta.EvidenceFor(ctx, code)
}

// Open returns the artifact bytes of item.
func (s *Store) Open(ctx context.Context, item model.EvidenceItem) (io.ReadCloser, error) {
	return s.blobs.Open(ctx, item.ArtifactRef)
}

// ItemID derives the evidence id for an artifact digest.
func ItemID(code string, kind model.EvidenceKind, digest string) (string, error) {
	return canonical.Hash(canonical.DomainEvidence, map[string]any{
		"work_item_code":  code,
		"kind":            string(kind),
		"artifact_digest": digest,
	})
}

// NormalizeTags lower-cases, trims, de-duplicates and sorts tags.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag != "" && !slices.Contains(out, tag) {
			out = append(out, tag)
		}
	}
	slices.Sort(out)
	return out
}

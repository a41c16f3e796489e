package model

import "time"

// EvidenceKind classifies an evidence artifact.
type EvidenceKind string

const (
	EvidencePhoto EvidenceKind = "photo"
	EvidenceNote  EvidenceKind = "note"
)

// Valid reports whether k is a supported kind.
func (k EvidenceKind) Valid() bool {
	return k == EvidencePhoto || k == EvidenceNote
}

// EvidenceItem describes a captured artifact. ID is derived from the content,
// so capturing the same artifact twice for a work item yields the same item.
type EvidenceItem struct {
	ID             string       `json:"id"`
	WorkItemCode   string       `json:"work_item_code"`
	Kind           EvidenceKind `json:"kind"`
	Tags           []string     `json:"tags"`
	CapturedAt     time.Time    `json:"captured_at"`
	CapturedBy     string       `json:"captured_by"`
	ArtifactRef    string       `json:"artifact_ref"`
	ArtifactDigest string       `json:"artifact_digest"`
	SizeBytes      int64        `json:"size_bytes"`
}

// HasTag reports whether the item carries tag.
func (e EvidenceItem) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

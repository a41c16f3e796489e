package model

import "time"

// SyncStatus is the delivery state of a queued event.
type SyncStatus string

const (
	SyncPending    SyncStatus = "Pending"
	SyncInFlight   SyncStatus = "InFlight"
	SyncSettled    SyncStatus = "Settled"
	SyncConflicted SyncStatus = "Conflicted"
	SyncFailed     SyncStatus = "Failed"
)

// Valid reports whether s is a known status.
func (s SyncStatus) Valid() bool {
	switch s {
	case SyncPending, SyncInFlight, SyncSettled, SyncConflicted, SyncFailed:
		return true
	}
	return false
}

// Resolution records how a conflicted entry was closed out.
type Resolution string

const (
	ResolutionNone        Resolution = ""
	ResolutionDiscarded   Resolution = "discarded"
	ResolutionResubmitted Resolution = "resubmitted"
)

// SyncEntry tracks delivery of one WorkEvent to the remote authority.
type SyncEntry struct {
	ID            int64      `json:"id"`
	EventID       string     `json:"event_id"`
	WorkItemCode  string     `json:"work_item_code"`
	Seq           int64      `json:"seq"`
	Status        SyncStatus `json:"status"`
	AttemptCount  int        `json:"attempt_count"`
	LastAttemptAt time.Time  `json:"last_attempt_at"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`
	LastError     string     `json:"last_error,omitempty"`
	Resolution    Resolution `json:"resolution,omitempty"`
	ResolvedAt    time.Time  `json:"resolved_at"`
	CreatedAt     time.Time  `json:"created_at"`
}

// StatusChange is delivered to queue observers whenever an entry moves.
type StatusChange struct {
	Entry SyncEntry  `json:"entry"`
	From  SyncStatus `json:"from"`
	To    SyncStatus `json:"to"`
	At    time.Time  `json:"at"`
}

// QueueCounts summarises the queue by status.
type QueueCounts map[SyncStatus]int

package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/floorlog/internal/model"
)

var t0 = time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)

// createTestStore creates a new file-backed store in a temp directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// testEvent creates an event with minimal required fields.
func testEvent(code, id string, typ model.EventType, actor string) model.WorkEvent {
	return model.WorkEvent{
		EventID:      id,
		WorkItemCode: code,
		Type:         typ,
		ActorID:      actor,
		ActorRole:    model.RoleAssembler,
		DeviceID:     "dev-1",
		OccurredAt:   t0,
	}
}

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

// createTestStore opens a fresh store in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.vaso")
	s, err := Open(path, Options{AppVersion: "test", Timezone: "UTC"})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

// createTestDataset adds a dataset and returns its id.
func createTestDataset(t *testing.T, s *Store, name string) int64 {
	t.Helper()
	d, err := s.AddDataset(context.Background(), name)
	if err != nil {
		t.Fatalf("AddDataset(%q) failed: %v", name, err)
	}
	return d.ID
}

// testEvent builds an event at the given time in seconds.
func testEvent(timeS float64, label string) Event {
	return Event{
		TimeS:  timeS,
		TimeUS: int64(timeS * 1e6),
		Label:  label,
	}
}

func waitSettled(t *testing.T, s *Store) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Barrier(ctx); err != nil {
		t.Fatalf("Barrier() failed: %v", err)
	}
}

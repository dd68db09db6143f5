package store

import (
	"context"
	"testing"
)

func TestAddEventsWritesAudit(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	datasetID := createTestDataset(t, s, "sample-1")

	row := int64(7)
	ev := testEvent(0.5, "constriction")
	ev.SourceRow = &row

	ids, err := s.AddEvents(ctx, datasetID, []Event{ev, testEvent(1.5, "dilation")}, "import")
	if err != nil {
		t.Fatalf("AddEvents() failed: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("got %d ids, want 2", len(ids))
	}

	audits, err := s.Audits(ctx, datasetID)
	if err != nil {
		t.Fatalf("Audits() failed: %v", err)
	}
	if len(audits) != 2 {
		t.Fatalf("got %d audit rows, want 2", len(audits))
	}
	first := audits[0]
	if first.Action != AuditInsert {
		t.Errorf("action = %q, want insert", first.Action)
	}
	if first.Source != "import" {
		t.Errorf("source = %q, want import", first.Source)
	}
	if first.After == nil || first.After.Label != "constriction" || first.After.TimeUS != 500_000 {
		t.Errorf("after snapshot wrong: %+v", first.After)
	}
	if first.After.SourceRow == nil || *first.After.SourceRow != 7 {
		t.Errorf("after snapshot source_row wrong: %+v", first.After)
	}
}

func TestSoftDeleteNeverHardDeletes(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	datasetID := createTestDataset(t, s, "sample-1")

	ids, err := s.AddEvents(ctx, datasetID, []Event{testEvent(0.5, "a"), testEvent(1.5, "b")}, "test")
	if err != nil {
		t.Fatalf("AddEvents() failed: %v", err)
	}

	n, err := s.SoftDeleteEvents(ctx, ids[:1], "mistake", "user")
	if err != nil {
		t.Fatalf("SoftDeleteEvents() failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("deleted %d, want 1", n)
	}

	active, err := s.ActiveEvents(ctx, datasetID)
	if err != nil {
		t.Fatalf("ActiveEvents() failed: %v", err)
	}
	if len(active) != 1 || active[0].Label != "b" {
		t.Fatalf("active = %+v, want only b", active)
	}

	// The row still exists, marked deleted.
	var total int
	if err := s.readDB.QueryRow(
		`SELECT COUNT(*) FROM events WHERE dataset_id = ?`, datasetID,
	).Scan(&total); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if total != 2 {
		t.Errorf("physical rows = %d, want 2 (no hard delete)", total)
	}

	audits, err := s.Audits(ctx, datasetID)
	if err != nil {
		t.Fatalf("Audits() failed: %v", err)
	}
	last := audits[len(audits)-1]
	if last.Action != AuditDelete {
		t.Errorf("last action = %q, want delete", last.Action)
	}
	if last.Before == nil || last.Before.Label != "a" {
		t.Errorf("delete snapshot wrong: %+v", last.Before)
	}
}

func TestSoftDeleteAlreadyDeletedIsNoOp(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	datasetID := createTestDataset(t, s, "sample-1")

	ids, err := s.AddEvents(ctx, datasetID, []Event{testEvent(0.5, "a")}, "test")
	if err != nil {
		t.Fatalf("AddEvents() failed: %v", err)
	}

	if _, err := s.SoftDeleteEvents(ctx, ids, "first", "user"); err != nil {
		t.Fatalf("first delete failed: %v", err)
	}
	n, err := s.SoftDeleteEvents(ctx, ids, "second", "user")
	if err != nil {
		t.Fatalf("second delete failed: %v", err)
	}
	if n != 0 {
		t.Errorf("second delete transitioned %d rows, want 0", n)
	}
}

func TestUpdateEventAuditsBeforeAfter(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	datasetID := createTestDataset(t, s, "sample-1")

	ids, err := s.AddEvents(ctx, datasetID, []Event{testEvent(0.5, "old")}, "test")
	if err != nil {
		t.Fatalf("AddEvents() failed: %v", err)
	}

	updated := testEvent(0.75, "new")
	updated.ID = ids[0]
	if err := s.UpdateEvent(ctx, updated, "editor"); err != nil {
		t.Fatalf("UpdateEvent() failed: %v", err)
	}

	active, err := s.ActiveEvents(ctx, datasetID)
	if err != nil {
		t.Fatalf("ActiveEvents() failed: %v", err)
	}
	if len(active) != 1 || active[0].Label != "new" || active[0].TimeUS != 750_000 {
		t.Fatalf("active = %+v", active)
	}

	audits, err := s.Audits(ctx, datasetID)
	if err != nil {
		t.Fatalf("Audits() failed: %v", err)
	}
	last := audits[len(audits)-1]
	if last.Action != AuditUpdate {
		t.Fatalf("last action = %q, want update", last.Action)
	}
	if last.Before == nil || last.Before.Label != "old" {
		t.Errorf("before = %+v", last.Before)
	}
	if last.After == nil || last.After.Label != "new" {
		t.Errorf("after = %+v", last.After)
	}
}

func TestEventSigRowsExcludeDeleted(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	datasetID := createTestDataset(t, s, "sample-1")

	ids, err := s.AddEvents(ctx, datasetID, []Event{
		testEvent(2.5, "c"),
		testEvent(0.5, "a"),
		testEvent(1.5, "b"),
	}, "test")
	if err != nil {
		t.Fatalf("AddEvents() failed: %v", err)
	}

	rows, err := s.EventSigRows(ctx, datasetID)
	if err != nil {
		t.Fatalf("EventSigRows() failed: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 3", len(rows))
	}
	// Ordered by time regardless of insertion order.
	if rows[0].Label != "a" || rows[1].Label != "b" || rows[2].Label != "c" {
		t.Errorf("rows out of order: %+v", rows)
	}

	if _, err := s.SoftDeleteEvents(ctx, []int64{ids[1]}, "x", "user"); err != nil {
		t.Fatalf("SoftDeleteEvents() failed: %v", err)
	}
	rows, err = s.EventSigRows(ctx, datasetID)
	if err != nil {
		t.Fatalf("EventSigRows() after delete failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows after delete, want 2", len(rows))
	}
	for _, r := range rows {
		if r.Label == "a" {
			t.Error("deleted event still in sig rows")
		}
	}
}

func TestExtrasRoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	datasetID := createTestDataset(t, s, "sample-1")

	ev := testEvent(0.5, "tagged")
	ev.Extras = Extras{
		Notes:    "baseline drift",
		Residual: map[string]any{"legacy_flag": true},
	}

	if _, err := s.AddEvents(ctx, datasetID, []Event{ev}, "test"); err != nil {
		t.Fatalf("AddEvents() failed: %v", err)
	}

	active, err := s.ActiveEvents(ctx, datasetID)
	if err != nil {
		t.Fatalf("ActiveEvents() failed: %v", err)
	}
	got := active[0].Extras
	if got.Notes != "baseline drift" {
		t.Errorf("notes = %q", got.Notes)
	}
	if v, ok := got.Residual["legacy_flag"]; !ok || v != true {
		t.Errorf("residual = %+v", got.Residual)
	}
}

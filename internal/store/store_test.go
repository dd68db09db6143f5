package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestOpenCreatesSchema(t *testing.T) {
	s := createTestStore(t)

	meta, err := s.ReadMeta(context.Background())
	if err != nil {
		t.Fatalf("ReadMeta() failed: %v", err)
	}
	for _, key := range []string{"created_at", "modified_at", "app_version", "timezone"} {
		if _, ok := meta[key]; !ok {
			t.Errorf("meta missing %q", key)
		}
	}
	if meta["app_version"] != "test" {
		t.Errorf("app_version = %q, want %q", meta["app_version"], "test")
	}
}

func TestReopenIsNoOp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.vaso")
	ctx := context.Background()

	s, err := Open(path, Options{AppVersion: "1.0"})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	createdMeta, err := s.ReadMeta(ctx)
	if err != nil {
		t.Fatalf("ReadMeta() failed: %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	s2, err := Open(path, Options{AppVersion: "1.1"})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close(ctx)

	meta, err := s2.ReadMeta(ctx)
	if err != nil {
		t.Fatalf("ReadMeta() after reopen failed: %v", err)
	}
	if meta["created_at"] != createdMeta["created_at"] {
		t.Errorf("created_at changed on reopen: %q -> %q", createdMeta["created_at"], meta["created_at"])
	}
	if meta["app_version"] != "1.1" {
		t.Errorf("app_version not refreshed: %q", meta["app_version"])
	}
}

func TestOpenRejectsLegacyVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.vaso")

	// Simulate a legacy file: valid SQLite, wrong user_version.
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("sql.Open() failed: %v", err)
	}
	if _, err := db.Exec("PRAGMA user_version = 1"); err != nil {
		t.Fatalf("set user_version failed: %v", err)
	}
	if _, err := db.Exec("CREATE TABLE legacy (x)"); err != nil {
		t.Fatalf("create table failed: %v", err)
	}
	db.Close()

	_, err = Open(path, Options{})
	if !errors.Is(err, ErrUnsupportedMigration) {
		t.Fatalf("Open() = %v, want ErrUnsupportedMigration", err)
	}

	var me *MigrationError
	if !errors.As(err, &me) {
		t.Fatalf("error %v does not carry MigrationError", err)
	}
	if me.From != 1 || me.To != currentSchemaVersion {
		t.Errorf("MigrationError = %d->%d, want 1->%d", me.From, me.To, currentSchemaVersion)
	}
}

func TestWriteMetaUpsert(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if err := s.WriteMeta(ctx, map[string]string{"notes": "first", "operator": "rb"}); err != nil {
		t.Fatalf("WriteMeta() failed: %v", err)
	}
	if err := s.WriteMeta(ctx, map[string]string{"notes": "second"}); err != nil {
		t.Fatalf("WriteMeta() update failed: %v", err)
	}

	meta, err := s.ReadMeta(ctx)
	if err != nil {
		t.Fatalf("ReadMeta() failed: %v", err)
	}
	if meta["notes"] != "second" {
		t.Errorf("notes = %q, want %q", meta["notes"], "second")
	}
	if meta["operator"] != "rb" {
		t.Errorf("operator = %q, want %q", meta["operator"], "rb")
	}
}

func TestConcurrentWritersSeeCommittedState(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	datasetID := createTestDataset(t, s, "sample-1")

	// Several goroutines each append their own ordered sequence; every Run
	// returns only after its transaction committed, so per-goroutine order
	// is total and nothing is torn.
	const goroutines = 6
	const perGoroutine = 25

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		g := g
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				ev := testEvent(float64(g*1000+i), fmt.Sprintf("g%d-%d", g, i))
				if _, err := s.AddEvents(ctx, datasetID, []Event{ev}, "test"); err != nil {
					t.Errorf("AddEvents() failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	waitSettled(t, s)

	events, err := s.ActiveEvents(ctx, datasetID)
	if err != nil {
		t.Fatalf("ActiveEvents() failed: %v", err)
	}
	if len(events) != goroutines*perGoroutine {
		t.Fatalf("got %d events, want %d", len(events), goroutines*perGoroutine)
	}

	audits, err := s.Audits(ctx, datasetID)
	if err != nil {
		t.Fatalf("Audits() failed: %v", err)
	}
	if len(audits) != goroutines*perGoroutine {
		t.Fatalf("got %d audit rows, want %d", len(audits), goroutines*perGoroutine)
	}
}

func TestBackupTo(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	datasetID := createTestDataset(t, s, "sample-1")
	if _, err := s.AddEvents(ctx, datasetID, []Event{testEvent(1, "a")}, "test"); err != nil {
		t.Fatalf("AddEvents() failed: %v", err)
	}

	dir := t.TempDir()
	backupPath, err := s.BackupTo(ctx, dir)
	if err != nil {
		t.Fatalf("BackupTo() failed: %v", err)
	}

	info, err := os.Stat(backupPath)
	if err != nil {
		t.Fatalf("backup file missing: %v", err)
	}
	if info.Size() == 0 {
		t.Error("backup file is empty")
	}

	// The backup is a self-contained store.
	db, err := sql.Open("sqlite3", "file:"+backupPath+"?mode=ro")
	if err != nil {
		t.Fatalf("open backup failed: %v", err)
	}
	defer db.Close()
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM events").Scan(&n); err != nil {
		t.Fatalf("query backup failed: %v", err)
	}
	if n != 1 {
		t.Errorf("backup has %d events, want 1", n)
	}
}

func TestCloseReleasesLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.vaso")
	ctx := context.Background()

	s, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if _, err := os.Stat(path + ".lock"); err != nil {
		t.Fatalf("lock file missing while open: %v", err)
	}

	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if _, err := os.Stat(path + ".lock"); !os.IsNotExist(err) {
		t.Error("lock file still present after Close")
	}
}

func TestCommitCheckpointsWAL(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	datasetID := createTestDataset(t, s, "sample-1")

	for i := 0; i < 50; i++ {
		if _, err := s.AddEvents(ctx, datasetID, []Event{testEvent(float64(i), "e")}, "test"); err != nil {
			t.Fatalf("AddEvents() failed: %v", err)
		}
	}
	if err := s.Commit(ctx); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}

	// The main file alone holds all committed data after a checkpoint.
	db, err := sql.Open("sqlite3", "file:"+s.Path()+"?mode=ro")
	if err != nil {
		t.Fatalf("open main file failed: %v", err)
	}
	defer db.Close()
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM events").Scan(&n); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if n != 50 {
		t.Errorf("main file has %d events, want 50", n)
	}
}

func TestBusyTimeoutConfigurable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.vaso")
	ctx := context.Background()

	s, err := Open(path, Options{BusyTimeout: 1200 * time.Millisecond})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close(ctx)

	// Write connection: set via PRAGMA during Open.
	var writeMS int
	_, err = s.w.Run(ctx, func(ctx context.Context, db *sql.DB) (any, error) {
		return nil, db.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&writeMS)
	})
	if err != nil {
		t.Fatalf("read write busy_timeout failed: %v", err)
	}
	if writeMS != 1200 {
		t.Errorf("write connection busy_timeout = %d, want 1200", writeMS)
	}

	// Read connection: set via the DSN.
	var readMS int
	if err := s.readDB.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&readMS); err != nil {
		t.Fatalf("read read busy_timeout failed: %v", err)
	}
	if readMS != 1200 {
		t.Errorf("read connection busy_timeout = %d, want 1200", readMS)
	}
}

func TestDrainTimeoutConfigurable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.vaso")
	s, err := Open(path, Options{DrainTimeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
}

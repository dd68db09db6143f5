package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/openvaso/vasodb/internal/lockfile"
	"github.com/openvaso/vasodb/internal/writer"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - fresh file (pre-creation)
// 3 - current layout (datasets with dual signatures, soft-delete events,
//     audit ledger, trace samples, assets/blob chunks, meta)
//
// Anything else is a legacy format with exactly one supported path: explicit
// conversion, never incremental stepping.
const currentSchemaVersion = 3

// ErrUnsupportedMigration matches a stored schema version with no supported
// migration path.
var ErrUnsupportedMigration = errors.New("unsupported schema migration")

// MigrationError carries the offending version pair.
type MigrationError struct {
	From, To int
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("schema version %d to %d: legacy format requires conversion", e.From, e.To)
}

func (e *MigrationError) Unwrap() error { return ErrUnsupportedMigration }

// Options configures Open.
type Options struct {
	AppVersion   string
	Timezone     string
	LockTimeout  time.Duration // wait for a conflicting live lock holder
	BusyTimeout  time.Duration // SQLite busy handler bound, both connections
	DrainTimeout time.Duration // bound on Close draining queued writes
}

func (o *Options) withDefaults() {
	if o.LockTimeout <= 0 {
		o.LockTimeout = 10 * time.Second
	}
	if o.BusyTimeout <= 0 {
		o.BusyTimeout = 5 * time.Second
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 30 * time.Second
	}
	if o.Timezone == "" {
		o.Timezone = time.Local.String()
	}
}

// Store is one open project database.
type Store struct {
	path         string
	readDB       *sql.DB
	w            *writer.Serializer
	lock         *lockfile.Lock
	drainTimeout time.Duration
	logger       *slog.Logger
}

// Open acquires the project lock, creates or migrates the schema, and starts
// the write serializer that owns the live connection from here on.
func Open(path string, opts Options) (*Store, error) {
	opts.withDefaults()

	lock := lockfile.New(path)
	if err := lock.Acquire(opts.LockTimeout); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	writeDB, err := sql.Open("sqlite3", path)
	if err != nil {
		lock.Release()
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := writeDB.Ping(); err != nil {
		writeDB.Close()
		lock.Release()
		return nil, fmt.Errorf("open store: connect: %w", err)
	}

	// SQLite supports one writer; a single pooled connection avoids
	// SQLITE_BUSY between our own statements.
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)

	if err := applyDefaultPragmas(writeDB, opts.BusyTimeout); err != nil {
		writeDB.Close()
		lock.Release()
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := ensureSchema(writeDB, time.Now().UTC(), opts.AppVersion, opts.Timezone); err != nil {
		writeDB.Close()
		lock.Release()
		return nil, fmt.Errorf("open store: %w", err)
	}

	// Separate read-only connection so signature computation and snapshot
	// staging can run while writes are queued; WAL makes that safe.
	readDSN := fmt.Sprintf("file:%s?mode=ro&_busy_timeout=%d", path, opts.BusyTimeout.Milliseconds())
	readDB, err := sql.Open("sqlite3", readDSN)
	if err != nil {
		writeDB.Close()
		lock.Release()
		return nil, fmt.Errorf("open store: read connection: %w", err)
	}
	if err := readDB.Ping(); err != nil {
		readDB.Close()
		writeDB.Close()
		lock.Release()
		return nil, fmt.Errorf("open store: read connection: %w", err)
	}

	return &Store{
		path:         path,
		readDB:       readDB,
		w:            writer.New(writeDB),
		lock:         lock,
		drainTimeout: opts.DrainTimeout,
		logger:       slog.Default().With("store", filepath.Base(path)),
	}, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// SchemaVersion reads the on-disk schema version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.readDB.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("read user_version: %w", err)
	}
	return version, nil
}

// Barrier blocks until all previously submitted writes have completed. The
// synchronization point before taking a consistent snapshot.
func (s *Store) Barrier(ctx context.Context) error {
	return s.w.Barrier(ctx)
}

// Commit flushes queued writes and checkpoints the WAL into the main file so
// a snapshot copy of the database file is self-contained.
func (s *Store) Commit(ctx context.Context) error {
	_, err := s.w.Run(ctx, func(ctx context.Context, db *sql.DB) (any, error) {
		if _, err := db.ExecContext(ctx, "PRAGMA wal_checkpoint(FULL)"); err != nil {
			return nil, fmt.Errorf("wal checkpoint: %w", err)
		}
		return nil, nil
	})
	return err
}

// Close drains queued writes, closes both connections, and releases the
// project lock.
func (s *Store) Close(ctx context.Context) error {
	var errs []error
	if err := s.w.Close(s.drainTimeout); err != nil {
		errs = append(errs, err)
	}
	if err := s.readDB.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.lock.Release(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Mutate runs fn inside one transaction on the write connection, serialized
// behind all earlier writes. The transaction is rolled back if fn fails, so
// a mid-sequence failure leaves prior state intact.
func (s *Store) Mutate(ctx context.Context, fn func(tx *sql.Tx) error) error {
	_, err := s.w.Run(ctx, func(ctx context.Context, db *sql.DB) (any, error) {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback() // no-op if committed

		if err := fn(tx); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit: %w", err)
		}
		return nil, nil
	})
	return err
}

// BackupTo writes a timestamped self-contained copy of the live store into
// dir, serialized behind queued writes. Returns the backup path.
func (s *Store) BackupTo(ctx context.Context, dir string) (string, error) {
	base := filepath.Base(s.path)
	dest := filepath.Join(dir, fmt.Sprintf("%s.%s.backup", base, time.Now().UTC().Format("20060102-150405")))

	_, err := s.w.Run(ctx, func(ctx context.Context, db *sql.DB) (any, error) {
		if _, err := db.ExecContext(ctx, "VACUUM INTO ?", dest); err != nil {
			return nil, fmt.Errorf("vacuum into: %w", err)
		}
		return nil, nil
	})
	if err != nil {
		return "", err
	}
	return dest, nil
}

// applyDefaultPragmas sets the durability and concurrency configuration.
// cache_size is the negative KiB form; mmap_size bounds the mapped region.
func applyDefaultPragmas(db *sql.DB, busyTimeout time.Duration) error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA cache_size = -8192",
		"PRAGMA mmap_size = 67108864",
		fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout.Milliseconds()),
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	return nil
}

// ensureSchema creates or verifies the schema and refreshes meta bookkeeping.
// Idempotent: re-opening an already-current store only touches modification
// metadata.
func ensureSchema(db *sql.DB, now time.Time, appVersion, timezone string) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}

	switch version {
	case 0:
		if _, err := db.Exec(schemaSQL); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
		seed := map[string]string{
			"created_at":  now.Format(time.RFC3339),
			"modified_at": now.Format(time.RFC3339),
			"app_version": appVersion,
			"timezone":    timezone,
		}
		if err := upsertMeta(db, seed); err != nil {
			return fmt.Errorf("seed meta: %w", err)
		}
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
		return nil

	case currentSchemaVersion:
		refresh := map[string]string{
			"modified_at": now.Format(time.RFC3339),
			"app_version": appVersion,
		}
		if err := upsertMeta(db, refresh); err != nil {
			return fmt.Errorf("refresh meta: %w", err)
		}
		return nil

	default:
		return &MigrationError{From: version, To: currentSchemaVersion}
	}
}

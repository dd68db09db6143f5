package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// AuditAction is a ledger entry kind.
type AuditAction string

const (
	AuditInsert AuditAction = "insert"
	AuditUpdate AuditAction = "update"
	AuditDelete AuditAction = "delete"
)

// EventSnapshot is the before/after image stored on a ledger row. It carries
// exactly the fields repair matching needs: the original event id, the
// authoritative time, the label, and the raw-source coordinates.
type EventSnapshot struct {
	EventID     int64  `json:"event_id,omitempty"`
	TimeUS      int64  `json:"time_us"`
	Label       string `json:"label"`
	SourceRow   *int64 `json:"source_row,omitempty"`
	SourceFrame *int64 `json:"source_frame,omitempty"`
}

func snapshotOf(ev Event) EventSnapshot {
	return EventSnapshot{
		EventID:     ev.ID,
		TimeUS:      ev.TimeUS,
		Label:       ev.Label,
		SourceRow:   ev.SourceRow,
		SourceFrame: ev.SourceFrame,
	}
}

// EventAudit is one append-only ledger row. The ledger is the sole record of
// user intent that survives independently of the event table's current
// state; repair replays recorded deletions from it.
type EventAudit struct {
	ID        int64
	DatasetID int64
	EventID   *int64
	Action    AuditAction
	Before    *EventSnapshot
	After     *EventSnapshot
	Source    string
	CreatedAt time.Time
}

func marshalSnapshot(s *EventSnapshot) (any, error) {
	if s == nil {
		return nil, nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return string(data), nil
}

func unmarshalSnapshot(data sql.NullString) (*EventSnapshot, error) {
	if !data.Valid || data.String == "" {
		return nil, nil
	}
	var s EventSnapshot
	if err := json.Unmarshal([]byte(data.String), &s); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &s, nil
}

// appendAuditTx writes one ledger row in the same transaction as the
// mutation it describes, giving a consistent causal order.
func appendAuditTx(ctx context.Context, tx *sql.Tx, entry EventAudit) error {
	before, err := marshalSnapshot(entry.Before)
	if err != nil {
		return err
	}
	after, err := marshalSnapshot(entry.After)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO event_audit (dataset_id, event_id, action, before, after, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		entry.DatasetID, entry.EventID, string(entry.Action),
		before, after, entry.Source, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// RecordEventAudit appends one ledger entry outside any other mutation.
// Mutators in this package write their own entries transactionally; this is
// for callers recording intent around operations the store does not see.
func (s *Store) RecordEventAudit(ctx context.Context, entry EventAudit) error {
	return s.Mutate(ctx, func(tx *sql.Tx) error {
		return appendAuditTx(ctx, tx, entry)
	})
}

const auditColumns = `id, dataset_id, event_id, action, before, after, COALESCE(source, ''), created_at`

func scanAudit(row interface{ Scan(...any) error }) (EventAudit, error) {
	var a EventAudit
	var action, created string
	var before, after sql.NullString
	if err := row.Scan(&a.ID, &a.DatasetID, &a.EventID, &action, &before, &after, &a.Source, &created); err != nil {
		return EventAudit{}, err
	}
	a.Action = AuditAction(action)
	a.CreatedAt, _ = time.Parse(time.RFC3339, created)

	var err error
	if a.Before, err = unmarshalSnapshot(before); err != nil {
		return EventAudit{}, err
	}
	if a.After, err = unmarshalSnapshot(after); err != nil {
		return EventAudit{}, err
	}
	return a, nil
}

func queryAudits(ctx context.Context, q querier, query string, args ...any) ([]EventAudit, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventAudit
	for rows.Next() {
		a, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Audits returns a dataset's full ledger in append order.
func (s *Store) Audits(ctx context.Context, datasetID int64) ([]EventAudit, error) {
	audits, err := queryAudits(ctx, s.readDB, `
		SELECT `+auditColumns+` FROM event_audit
		WHERE dataset_id = ? ORDER BY id
	`, datasetID)
	if err != nil {
		return nil, fmt.Errorf("audits: %w", err)
	}
	return audits, nil
}

// DeleteAuditsTx returns the dataset's delete ledger entries in append
// order, inside the caller's transaction. Repair replays these against
// rebuilt rows.
func DeleteAuditsTx(ctx context.Context, tx *sql.Tx, datasetID int64) ([]EventAudit, error) {
	audits, err := queryAudits(ctx, tx, `
		SELECT `+auditColumns+` FROM event_audit
		WHERE dataset_id = ? AND action = 'delete' ORDER BY id
	`, datasetID)
	if err != nil {
		return nil, fmt.Errorf("delete audits: %w", err)
	}
	return audits, nil
}

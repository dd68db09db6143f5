package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openvaso/vasodb/internal/sig"
)

// querier is satisfied by *sql.DB and *sql.Tx so reads can run on either the
// read connection or inside a repair transaction.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Extras carries optional annotation payload with no dedicated column.
// Known fields are explicit; anything unrecognized from older files lands in
// Residual so repair-matching logic stays exhaustive and nothing is silently
// dropped.
type Extras struct {
	Notes    string         `json:"notes,omitempty"`
	Operator string         `json:"operator,omitempty"`
	Residual map[string]any `json:"residual,omitempty"`
}

// IsZero reports an empty extras payload.
func (e Extras) IsZero() bool {
	return e.Notes == "" && e.Operator == "" && len(e.Residual) == 0
}

func marshalExtras(e Extras) (string, error) {
	if e.IsZero() {
		return "{}", nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("marshal extras: %w", err)
	}
	return string(data), nil
}

func unmarshalExtras(data string) (Extras, error) {
	var e Extras
	if data == "" || data == "{}" {
		return e, nil
	}
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return Extras{}, fmt.Errorf("unmarshal extras: %w", err)
	}
	return e, nil
}

// Event is one annotation on a dataset. TimeUS is authoritative; TimeS is
// the display value. Events are never hard-deleted: DeletedAt non-nil marks
// the row inactive.
type Event struct {
	ID          int64
	DatasetID   int64
	TimeS       float64
	TimeUS      int64
	Label       string
	Frame       *int64
	Pressure    *float64
	Temperature *float64
	SourceRow   *int64
	SourceFrame *int64
	Extras      Extras

	DeletedAt     *time.Time
	DeletedReason string
	DeletedBy     string
}

// Active reports whether the event is part of the dataset's live content.
func (e Event) Active() bool { return e.DeletedAt == nil }

// SigRow projects the event into its signature normalization.
func (e Event) SigRow() sig.EventRow {
	return sig.EventRow{
		TimeUS:      e.TimeUS,
		Label:       e.Label,
		SourceRow:   e.SourceRow,
		SourceFrame: e.SourceFrame,
	}
}

const eventColumns = `
	id, dataset_id, time_s, time_us, label, frame, pressure, temperature,
	source_row, source_frame, extras, deleted_at,
	COALESCE(deleted_reason, ''), COALESCE(deleted_by, '')
`

func scanEvent(row interface{ Scan(...any) error }) (Event, error) {
	var ev Event
	var extras string
	var deletedAt sql.NullString
	if err := row.Scan(
		&ev.ID, &ev.DatasetID, &ev.TimeS, &ev.TimeUS, &ev.Label,
		&ev.Frame, &ev.Pressure, &ev.Temperature,
		&ev.SourceRow, &ev.SourceFrame, &extras, &deletedAt,
		&ev.DeletedReason, &ev.DeletedBy,
	); err != nil {
		return Event{}, err
	}
	var err error
	if ev.Extras, err = unmarshalExtras(extras); err != nil {
		return Event{}, err
	}
	if deletedAt.Valid && deletedAt.String != "" {
		if t, err := time.Parse(time.RFC3339, deletedAt.String); err == nil {
			ev.DeletedAt = &t
		}
	}
	return ev, nil
}

// InsertEventTx inserts one event and its ledger entry in the caller's
// transaction. Returns the assigned event id.
func InsertEventTx(ctx context.Context, tx *sql.Tx, ev Event, source string) (int64, error) {
	extras, err := marshalExtras(ev.Extras)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO events
		(dataset_id, time_s, time_us, label, frame, pressure, temperature, source_row, source_frame, extras)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		ev.DatasetID, ev.TimeS, ev.TimeUS, ev.Label, ev.Frame,
		ev.Pressure, ev.Temperature, ev.SourceRow, ev.SourceFrame, extras,
	)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}

	ev.ID = id
	after := snapshotOf(ev)
	if err := appendAuditTx(ctx, tx, EventAudit{
		DatasetID: ev.DatasetID,
		EventID:   &id,
		Action:    AuditInsert,
		After:     &after,
		Source:    source,
	}); err != nil {
		return 0, err
	}
	return id, nil
}

// AddEvents bulk-inserts events for a dataset in one transaction, with one
// ledger entry per row. Returns assigned ids in input order.
func (s *Store) AddEvents(ctx context.Context, datasetID int64, events []Event, source string) ([]int64, error) {
	ids := make([]int64, 0, len(events))
	err := s.Mutate(ctx, func(tx *sql.Tx) error {
		for _, ev := range events {
			ev.DatasetID = datasetID
			id, err := InsertEventTx(ctx, tx, ev, source)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("add events: %w", err)
	}
	return ids, nil
}

// UpdateEvent rewrites an active event's content fields and appends an
// update ledger entry carrying before and after snapshots.
func (s *Store) UpdateEvent(ctx context.Context, ev Event, source string) error {
	err := s.Mutate(ctx, func(tx *sql.Tx) error {
		current, err := eventByIDTx(ctx, tx, ev.ID)
		if err != nil {
			return err
		}
		if !current.Active() {
			return fmt.Errorf("event %d is deleted", ev.ID)
		}

		extras, err := marshalExtras(ev.Extras)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE events SET
				time_s = ?, time_us = ?, label = ?, frame = ?,
				pressure = ?, temperature = ?, source_row = ?, source_frame = ?, extras = ?
			WHERE id = ? AND deleted_at IS NULL
		`,
			ev.TimeS, ev.TimeUS, ev.Label, ev.Frame,
			ev.Pressure, ev.Temperature, ev.SourceRow, ev.SourceFrame, extras,
			ev.ID,
		)
		if err != nil {
			return fmt.Errorf("update event: %w", err)
		}

		before := snapshotOf(current)
		ev.DatasetID = current.DatasetID
		after := snapshotOf(ev)
		return appendAuditTx(ctx, tx, EventAudit{
			DatasetID: current.DatasetID,
			EventID:   &ev.ID,
			Action:    AuditUpdate,
			Before:    &before,
			After:     &after,
			Source:    source,
		})
	})
	if err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	return nil
}

// SoftDeleteEventTx marks one active event deleted and appends its delete
// ledger entry with a content snapshot for later re-matching. Returns false
// when the event was already deleted or absent.
func SoftDeleteEventTx(ctx context.Context, tx *sql.Tx, eventID int64, reason, source string) (bool, error) {
	current, err := eventByIDTx(ctx, tx, eventID)
	if err != nil {
		return false, err
	}
	if !current.Active() {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE events SET deleted_at = ?, deleted_reason = ?, deleted_by = ?
		WHERE id = ? AND deleted_at IS NULL
	`, time.Now().UTC().Format(time.RFC3339), reason, source, eventID)
	if err != nil {
		return false, fmt.Errorf("soft delete event: %w", err)
	}

	before := snapshotOf(current)
	if err := appendAuditTx(ctx, tx, EventAudit{
		DatasetID: current.DatasetID,
		EventID:   &eventID,
		Action:    AuditDelete,
		Before:    &before,
		Source:    source,
	}); err != nil {
		return false, err
	}
	return true, nil
}

// SoftDeleteEvents marks the given active events deleted in one transaction.
// Returns how many rows were actually transitioned; ids that were already
// deleted or absent are skipped.
func (s *Store) SoftDeleteEvents(ctx context.Context, ids []int64, reason, source string) (int, error) {
	deleted := 0
	err := s.Mutate(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			ok, err := SoftDeleteEventTx(ctx, tx, id, reason, source)
			if err != nil {
				return err
			}
			if ok {
				deleted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("soft delete events: %w", err)
	}
	return deleted, nil
}

// SoftDeleteAllActiveTx marks every active event of a dataset deleted,
// one ledger entry each. Used by repair before rebuilding from raw.
func SoftDeleteAllActiveTx(ctx context.Context, tx *sql.Tx, datasetID int64, reason, source string) (int, error) {
	ids, err := activeEventIDs(ctx, tx, datasetID)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if _, err := SoftDeleteEventTx(ctx, tx, id, reason, source); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

func activeEventIDs(ctx context.Context, q querier, datasetID int64) ([]int64, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id FROM events
		WHERE dataset_id = ? AND deleted_at IS NULL
		ORDER BY time_us, id
	`, datasetID)
	if err != nil {
		return nil, fmt.Errorf("active event ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func eventByIDTx(ctx context.Context, q querier, id int64) (Event, error) {
	row := q.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if err != nil {
		return Event{}, fmt.Errorf("event %d: %w", id, err)
	}
	return ev, nil
}

func queryEvents(ctx context.Context, q querier, query string, args ...any) ([]Event, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ActiveEvents returns a dataset's live events ordered by (time, id).
func (s *Store) ActiveEvents(ctx context.Context, datasetID int64) ([]Event, error) {
	events, err := queryEvents(ctx, s.readDB, `
		SELECT `+eventColumns+` FROM events
		WHERE dataset_id = ? AND deleted_at IS NULL
		ORDER BY time_us, id
	`, datasetID)
	if err != nil {
		return nil, fmt.Errorf("active events: %w", err)
	}
	return events, nil
}

// ActiveEventsTx is ActiveEvents inside a transaction, for repair replay.
func ActiveEventsTx(ctx context.Context, tx *sql.Tx, datasetID int64) ([]Event, error) {
	events, err := queryEvents(ctx, tx, `
		SELECT `+eventColumns+` FROM events
		WHERE dataset_id = ? AND deleted_at IS NULL
		ORDER BY time_us, id
	`, datasetID)
	if err != nil {
		return nil, fmt.Errorf("active events: %w", err)
	}
	return events, nil
}

// EventSigRows returns the signature normalization of a dataset's active
// events, in (time, id) order. Historical deleted rows never appear here.
func (s *Store) EventSigRows(ctx context.Context, datasetID int64) ([]sig.EventRow, error) {
	return eventSigRows(ctx, s.readDB, datasetID)
}

// EventSigRowsTx is EventSigRows inside a transaction.
func EventSigRowsTx(ctx context.Context, tx *sql.Tx, datasetID int64) ([]sig.EventRow, error) {
	return eventSigRows(ctx, tx, datasetID)
}

func eventSigRows(ctx context.Context, q querier, datasetID int64) ([]sig.EventRow, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT time_us, label, source_row, source_frame FROM events
		WHERE dataset_id = ? AND deleted_at IS NULL
		ORDER BY time_us, id
	`, datasetID)
	if err != nil {
		return nil, fmt.Errorf("event sig rows: %w", err)
	}
	defer rows.Close()

	var out []sig.EventRow
	for rows.Next() {
		var r sig.EventRow
		if err := rows.Scan(&r.TimeUS, &r.Label, &r.SourceRow, &r.SourceFrame); err != nil {
			return nil, fmt.Errorf("event sig rows: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

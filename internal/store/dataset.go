package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Validation states persisted on a dataset.
const (
	ValidationUnvalidated = "unvalidated"
	ValidationValid       = "valid"
	ValidationError       = "error"
)

// ErrDatasetNotFound matches lookups of a missing dataset id or name.
var ErrDatasetNotFound = errors.New("dataset not found")

// Dataset is one recorded sample with its persisted integrity state.
// Datasets are never deleted by this layer.
type Dataset struct {
	ID               int64
	Name             string
	CreatedAt        time.Time
	EventsSignature  string
	TraceSignature   string
	SignatureVersion int
	ValidationStatus string
	ValidationError  string
	LastValidated    time.Time
}

const datasetColumns = `
	id, name, created_at,
	COALESCE(events_signature, ''), COALESCE(trace_signature, ''),
	signature_version, validation_status,
	COALESCE(validation_error, ''), COALESCE(last_validated, '')
`

func scanDataset(row interface{ Scan(...any) error }) (Dataset, error) {
	var d Dataset
	var created, validated string
	if err := row.Scan(
		&d.ID, &d.Name, &created,
		&d.EventsSignature, &d.TraceSignature,
		&d.SignatureVersion, &d.ValidationStatus,
		&d.ValidationError, &validated,
	); err != nil {
		return Dataset{}, err
	}
	d.CreatedAt, _ = time.Parse(time.RFC3339, created)
	if validated != "" {
		d.LastValidated, _ = time.Parse(time.RFC3339, validated)
	}
	return d, nil
}

// AddDataset creates a dataset and returns it with its assigned id.
func (s *Store) AddDataset(ctx context.Context, name string) (Dataset, error) {
	var id int64
	now := time.Now().UTC()
	err := s.Mutate(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO datasets (name, created_at) VALUES (?, ?)
		`, name, now.Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("insert dataset: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return Dataset{}, fmt.Errorf("add dataset: %w", err)
	}
	return Dataset{
		ID:               id,
		Name:             name,
		CreatedAt:        now,
		ValidationStatus: ValidationUnvalidated,
	}, nil
}

// GetDataset fetches one dataset by id.
func (s *Store) GetDataset(ctx context.Context, id int64) (Dataset, error) {
	row := s.readDB.QueryRowContext(ctx, `SELECT `+datasetColumns+` FROM datasets WHERE id = ?`, id)
	d, err := scanDataset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Dataset{}, fmt.Errorf("dataset %d: %w", id, ErrDatasetNotFound)
	}
	if err != nil {
		return Dataset{}, fmt.Errorf("get dataset: %w", err)
	}
	return d, nil
}

// ListDatasets returns all datasets ordered by id.
func (s *Store) ListDatasets(ctx context.Context) ([]Dataset, error) {
	rows, err := s.readDB.QueryContext(ctx, `SELECT `+datasetColumns+` FROM datasets ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	defer rows.Close()

	var out []Dataset
	for rows.Next() {
		d, err := scanDataset(rows)
		if err != nil {
			return nil, fmt.Errorf("list datasets: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	return out, nil
}

// SetDatasetSignatures persists freshly computed signatures, bumps the
// signature schema version, refreshes the validation timestamp, and clears
// any recorded error.
func (s *Store) SetDatasetSignatures(ctx context.Context, id int64, eventsSig, traceSig string, sigVersion int) error {
	err := s.Mutate(ctx, func(tx *sql.Tx) error {
		return SetDatasetSignaturesTx(ctx, tx, id, eventsSig, traceSig, sigVersion)
	})
	if err != nil {
		return fmt.Errorf("set signatures: %w", err)
	}
	return nil
}

// SetDatasetSignaturesTx is SetDatasetSignatures inside the caller's
// transaction, so a rebuild and its reseal commit together.
func SetDatasetSignaturesTx(ctx context.Context, tx *sql.Tx, id int64, eventsSig, traceSig string, sigVersion int) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE datasets SET
			events_signature = ?,
			trace_signature = ?,
			signature_version = ?,
			validation_status = ?,
			validation_error = NULL,
			last_validated = ?
		WHERE id = ?
	`, eventsSig, traceSig, sigVersion, ValidationValid, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("dataset %d: %w", id, ErrDatasetNotFound)
	}
	return nil
}

// SetDatasetValidationError marks a dataset errored without touching its
// stored signatures, so the drift remains inspectable.
func (s *Store) SetDatasetValidationError(ctx context.Context, id int64, msg string) error {
	err := s.Mutate(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE datasets SET
				validation_status = ?,
				validation_error = ?,
				last_validated = ?
			WHERE id = ?
		`, ValidationError, msg, time.Now().UTC().Format(time.RFC3339), id)
		return err
	})
	if err != nil {
		return fmt.Errorf("set validation error: %w", err)
	}
	return nil
}

package store

import (
	"context"
	"database/sql"
	"fmt"
)

// TraceSample is one recorded measurement. (DatasetID, TimeUS) is the
// natural key; re-inserting the same instant replaces the sample.
type TraceSample struct {
	DatasetID int64
	TimeUS    int64
	Diameter  *float64
	Pressure  *float64
}

// AddTraceSamples bulk-upserts samples for a dataset in one transaction.
func (s *Store) AddTraceSamples(ctx context.Context, datasetID int64, samples []TraceSample) error {
	err := s.Mutate(ctx, func(tx *sql.Tx) error {
		return InsertTraceSamplesTx(ctx, tx, datasetID, samples)
	})
	if err != nil {
		return fmt.Errorf("add trace samples: %w", err)
	}
	return nil
}

// InsertTraceSamplesTx bulk-upserts samples inside the caller's transaction.
// Used directly by repair when rebuilding from raw.
func InsertTraceSamplesTx(ctx context.Context, tx *sql.Tx, datasetID int64, samples []TraceSample) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO trace_samples (dataset_id, time_us, diameter, pressure)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(dataset_id, time_us) DO UPDATE SET
			diameter = excluded.diameter,
			pressure = excluded.pressure
	`)
	if err != nil {
		return fmt.Errorf("insert trace samples: %w", err)
	}
	defer stmt.Close()

	for _, sm := range samples {
		if _, err := stmt.ExecContext(ctx, datasetID, sm.TimeUS, sm.Diameter, sm.Pressure); err != nil {
			return fmt.Errorf("insert trace sample t=%dus: %w", sm.TimeUS, err)
		}
	}
	return nil
}

// ReadTraceWindow returns samples with fromUS <= time < toUS in time order.
func (s *Store) ReadTraceWindow(ctx context.Context, datasetID, fromUS, toUS int64) ([]TraceSample, error) {
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT dataset_id, time_us, diameter, pressure FROM trace_samples
		WHERE dataset_id = ? AND time_us >= ? AND time_us < ?
		ORDER BY time_us
	`, datasetID, fromUS, toUS)
	if err != nil {
		return nil, fmt.Errorf("read trace window: %w", err)
	}
	defer rows.Close()

	var out []TraceSample
	for rows.Next() {
		var sm TraceSample
		if err := rows.Scan(&sm.DatasetID, &sm.TimeUS, &sm.Diameter, &sm.Pressure); err != nil {
			return nil, fmt.Errorf("read trace window: %w", err)
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}

// TraceTimes returns every sample timestamp of a dataset in ascending order,
// the input to the statistical trace fingerprint.
func (s *Store) TraceTimes(ctx context.Context, datasetID int64) ([]int64, error) {
	return traceTimes(ctx, s.readDB, datasetID)
}

// TraceTimesTx is TraceTimes inside a transaction.
func TraceTimesTx(ctx context.Context, tx *sql.Tx, datasetID int64) ([]int64, error) {
	return traceTimes(ctx, tx, datasetID)
}

func traceTimes(ctx context.Context, q querier, datasetID int64) ([]int64, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT time_us FROM trace_samples WHERE dataset_id = ? ORDER BY time_us
	`, datasetID)
	if err != nil {
		return nil, fmt.Errorf("trace times: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var t int64
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("trace times: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

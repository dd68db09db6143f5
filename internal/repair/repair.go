package repair

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/openvaso/vasodb/internal/sig"
	"github.com/openvaso/vasodb/internal/store"
)

// Audit sources written by this package. Entries with SourceReplaced are
// machine bookkeeping from the rebuild itself and are never replayed.
const (
	SourceRebuild  = "repair_rebuild"
	SourceReplaced = "repair_replaced"
	SourceReplay   = "repair_replay"
)

// replayWindowUS bounds the timestamp tolerance when a deletion can only be
// matched by time and label. Raw converters disagree below this resolution.
const replayWindowUS = 500

var repairsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "vasodb",
	Subsystem: "repair",
	Name:      "runs_total",
	Help:      "Repair runs by outcome.",
}, []string{"outcome"})

// ErrPrecondition means the raw source did not carry enough to rebuild from.
var ErrPrecondition = errors.New("repair precondition failed")

// RawEvent is one event row as read back from the raw source file, before
// any derived columns exist.
type RawEvent struct {
	TimeS       float64
	Label       string
	Frame       *int64
	Pressure    *float64
	Temperature *float64
	SourceRow   *int64
	SourceFrame *int64
}

// Options tunes a repair run.
type Options struct {
	// BackupDir, when set, receives a snapshot of the whole project before
	// the rebuild. A failed backup is logged and the repair proceeds; the
	// rebuild is transactional on its own.
	BackupDir string
	Logger    *slog.Logger
}

// Result summarizes what a repair did.
type Result struct {
	Inserted         int
	DeletedReapplied int
	DeletesSkipped   int
	EventsSignature  string
	TraceSignature   string
}

// DatasetFromRaw rebuilds a dataset's events (and, when rawTrace is given,
// its trace) from raw source rows, then replays the recorded user deletions
// against the rebuilt rows and reseals the dataset. The whole rebuild is one
// write transaction.
//
// Old rows are soft-deleted, never removed, so the pre-repair state stays
// reconstructable from the ledger.
func DatasetFromRaw(ctx context.Context, s *store.Store, datasetID int64, rawTrace []store.TraceSample, rawEvents []RawEvent, opts Options) (Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if len(rawEvents) == 0 {
		repairsTotal.WithLabelValues("precondition").Inc()
		return Result{}, fmt.Errorf("dataset %d: raw source has no events: %w", datasetID, ErrPrecondition)
	}
	if _, err := s.GetDataset(ctx, datasetID); err != nil {
		return Result{}, err
	}

	if opts.BackupDir != "" {
		if dest, err := s.BackupTo(ctx, opts.BackupDir); err != nil {
			logger.Warn("pre-repair backup failed, continuing", "error", err)
		} else {
			logger.Info("pre-repair backup written", "path", dest)
		}
	}

	var result Result
	err := s.Mutate(ctx, func(tx *sql.Tx) error {
		// The ledger as it stands before this run touches it.
		deletions, err := store.DeleteAuditsTx(ctx, tx, datasetID)
		if err != nil {
			return err
		}

		if _, err := store.SoftDeleteAllActiveTx(ctx, tx, datasetID, "replaced by repair", SourceReplaced); err != nil {
			return err
		}

		if rawTrace != nil {
			if _, err := tx.ExecContext(ctx, `DELETE FROM trace_samples WHERE dataset_id = ?`, datasetID); err != nil {
				return fmt.Errorf("clear trace: %w", err)
			}
			if err := store.InsertTraceSamplesTx(ctx, tx, datasetID, rawTrace); err != nil {
				return err
			}
		}

		rebuilt, err := insertRaw(ctx, tx, datasetID, rawEvents)
		if err != nil {
			return err
		}
		result.Inserted = len(rebuilt)

		result.DeletedReapplied, result.DeletesSkipped, err = replayDeletions(ctx, tx, logger, deletions, rebuilt)
		if err != nil {
			return err
		}

		return resealTx(ctx, tx, datasetID, &result)
	})
	if err != nil {
		repairsTotal.WithLabelValues("error").Inc()
		return Result{}, fmt.Errorf("repair dataset %d: %w", datasetID, err)
	}

	repairsTotal.WithLabelValues("ok").Inc()
	logger.Info("dataset repaired",
		"dataset", datasetID,
		"inserted", result.Inserted,
		"deletions_reapplied", result.DeletedReapplied,
		"deletions_skipped", result.DeletesSkipped)
	return result, nil
}

func insertRaw(ctx context.Context, tx *sql.Tx, datasetID int64, raw []RawEvent) ([]store.Event, error) {
	rebuilt := make([]store.Event, 0, len(raw))
	for _, r := range raw {
		ev := store.Event{
			DatasetID:   datasetID,
			TimeS:       r.TimeS,
			TimeUS:      int64(math.Round(r.TimeS * 1e6)),
			Label:       r.Label,
			Frame:       r.Frame,
			Pressure:    r.Pressure,
			Temperature: r.Temperature,
			SourceRow:   r.SourceRow,
			SourceFrame: r.SourceFrame,
		}
		id, err := store.InsertEventTx(ctx, tx, ev, SourceRebuild)
		if err != nil {
			return nil, err
		}
		ev.ID = id
		rebuilt = append(rebuilt, ev)
	}
	return rebuilt, nil
}

// replayDeletions re-applies user deletions to the rebuilt rows. Matching
// cascades from strongest to weakest key: exact event id, then source row,
// then timestamp within replayWindowUS with an identical label. Ties go to
// the lowest rebuilt id. Entries that match nothing are logged and skipped
// rather than failing the repair.
func replayDeletions(ctx context.Context, tx *sql.Tx, logger *slog.Logger, deletions []store.EventAudit, rebuilt []store.Event) (reapplied, skipped int, err error) {
	alive := make(map[int64]store.Event, len(rebuilt))
	for _, ev := range rebuilt {
		alive[ev.ID] = ev
	}

	for _, entry := range deletions {
		if entry.Source == SourceReplaced {
			continue
		}
		if entry.Before == nil {
			skipped++
			logger.Warn("deletion entry has no snapshot, skipping", "audit", entry.ID)
			continue
		}

		target, ok := matchSnapshot(*entry.Before, alive)
		if !ok {
			skipped++
			logger.Warn("deletion no longer matches any rebuilt row, skipping",
				"audit", entry.ID,
				"time_us", entry.Before.TimeUS,
				"label", entry.Before.Label)
			continue
		}

		deleted, err := store.SoftDeleteEventTx(ctx, tx, target, "replayed deletion", SourceReplay)
		if err != nil {
			return reapplied, skipped, err
		}
		if deleted {
			reapplied++
		}
		delete(alive, target)
	}
	return reapplied, skipped, nil
}

func matchSnapshot(snap store.EventSnapshot, alive map[int64]store.Event) (int64, bool) {
	if _, ok := alive[snap.EventID]; ok {
		return snap.EventID, true
	}

	var candidates []int64
	if snap.SourceRow != nil {
		for id, ev := range alive {
			if ev.SourceRow != nil && *ev.SourceRow == *snap.SourceRow {
				candidates = append(candidates, id)
			}
		}
	}
	if len(candidates) == 0 {
		for id, ev := range alive {
			if ev.Label != snap.Label {
				continue
			}
			if delta := ev.TimeUS - snap.TimeUS; delta >= -replayWindowUS && delta <= replayWindowUS {
				candidates = append(candidates, id)
			}
		}
	}
	if len(candidates) == 0 {
		return 0, false
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })
	return candidates[0], true
}

func resealTx(ctx context.Context, tx *sql.Tx, datasetID int64, result *Result) error {
	rows, err := store.EventSigRowsTx(ctx, tx, datasetID)
	if err != nil {
		return err
	}
	eventsSig, err := sig.EventsSignature(rows)
	if err != nil {
		return err
	}
	times, err := store.TraceTimesTx(ctx, tx, datasetID)
	if err != nil {
		return err
	}
	traceSig, err := sig.TraceSignature(sig.TraceStatsFromTimes(times, sig.DefaultTraceSampleK))
	if err != nil {
		return err
	}
	if err := store.SetDatasetSignaturesTx(ctx, tx, datasetID, eventsSig, traceSig, sig.SchemaVersion); err != nil {
		return err
	}
	result.EventsSignature = eventsSig
	result.TraceSignature = traceSig
	return nil
}

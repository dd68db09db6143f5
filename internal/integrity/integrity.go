package integrity

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/openvaso/vasodb/internal/sig"
	"github.com/openvaso/vasodb/internal/store"
)

var validationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "vasodb",
	Subsystem: "integrity",
	Name:      "validations_total",
	Help:      "Dataset validations by outcome.",
}, []string{"outcome"})

// Issue kinds reported by QuickValidateProject.
const (
	IssueEventsDrift    = "events_signature_drift"
	IssueTraceDrift     = "trace_signature_drift"
	IssueDuplicateTwins = "duplicate_events_signature"
)

// Issue is one finding against a dataset. Related carries the other dataset
// ids implicated by cross-dataset findings.
type Issue struct {
	Kind      string  `json:"kind"`
	DatasetID int64   `json:"dataset_id"`
	Related   []int64 `json:"related,omitempty"`
	Detail    string  `json:"detail"`
}

// Report accumulates every issue found across a validation pass. A pass
// checks all datasets even when early ones fail.
type Report struct {
	Checked int     `json:"checked"`
	Issues  []Issue `json:"issues"`
}

// Clean reports whether the pass found nothing wrong.
func (r Report) Clean() bool { return len(r.Issues) == 0 }

// Signatures is the pair derived from a dataset's current active content.
type Signatures struct {
	Events string
	Trace  string
}

// ComputeSignatures derives both signatures from the dataset's active events
// and its trace timeline, without persisting anything.
func ComputeSignatures(ctx context.Context, s *store.Store, datasetID int64) (Signatures, error) {
	rows, err := s.EventSigRows(ctx, datasetID)
	if err != nil {
		return Signatures{}, fmt.Errorf("compute signatures: %w", err)
	}
	eventsSig, err := sig.EventsSignature(rows)
	if err != nil {
		return Signatures{}, fmt.Errorf("compute signatures: %w", err)
	}

	times, err := s.TraceTimes(ctx, datasetID)
	if err != nil {
		return Signatures{}, fmt.Errorf("compute signatures: %w", err)
	}
	traceSig, err := sig.TraceSignature(sig.TraceStatsFromTimes(times, sig.DefaultTraceSampleK))
	if err != nil {
		return Signatures{}, fmt.Errorf("compute signatures: %w", err)
	}
	return Signatures{Events: eventsSig, Trace: traceSig}, nil
}

// UpdateDatasetSignatures recomputes and persists both signatures, marking
// the dataset valid.
func UpdateDatasetSignatures(ctx context.Context, s *store.Store, datasetID int64) (Signatures, error) {
	sigs, err := ComputeSignatures(ctx, s, datasetID)
	if err != nil {
		return Signatures{}, err
	}
	if err := s.SetDatasetSignatures(ctx, datasetID, sigs.Events, sigs.Trace, sig.SchemaVersion); err != nil {
		return Signatures{}, err
	}
	return sigs, nil
}

// QuickValidateProject recomputes signatures for every dataset and compares
// them against the stored values. A mismatch is recorded as an issue and the
// dataset is marked errored, then the pass continues with the rest.
//
// Two datasets whose events hash identically but whose source provenance
// differs are flagged once as a duplicate pair; this catches a sample
// imported twice under different names.
func QuickValidateProject(ctx context.Context, s *store.Store, logger *slog.Logger) (Report, error) {
	if logger == nil {
		logger = slog.Default()
	}

	datasets, err := s.ListDatasets(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("quick validate: %w", err)
	}

	var report Report
	// Events signature of each dataset that produced one, for the
	// duplicate scan below.
	computed := make(map[int64]string, len(datasets))
	errored := make(map[int64]bool)

	for _, d := range datasets {
		report.Checked++
		sigs, err := ComputeSignatures(ctx, s, d.ID)
		if err != nil {
			return report, fmt.Errorf("quick validate dataset %d: %w", d.ID, err)
		}
		computed[d.ID] = sigs.Events

		if d.EventsSignature == "" && d.TraceSignature == "" {
			// Never sealed; nothing to compare against.
			continue
		}
		if d.EventsSignature != "" && d.EventsSignature != sigs.Events {
			report.Issues = append(report.Issues, Issue{
				Kind:      IssueEventsDrift,
				DatasetID: d.ID,
				Detail:    fmt.Sprintf("events signature drifted: stored %s, recomputed %s", short(d.EventsSignature), short(sigs.Events)),
			})
			errored[d.ID] = true
		}
		if d.TraceSignature != "" && d.TraceSignature != sigs.Trace {
			report.Issues = append(report.Issues, Issue{
				Kind:      IssueTraceDrift,
				DatasetID: d.ID,
				Detail:    fmt.Sprintf("trace signature drifted: stored %s, recomputed %s", short(d.TraceSignature), short(sigs.Trace)),
			})
			errored[d.ID] = true
		}
	}

	for _, issue := range duplicateIssues(ctx, s, datasets, computed) {
		report.Issues = append(report.Issues, issue)
		errored[issue.DatasetID] = true
		for _, id := range issue.Related {
			errored[id] = true
		}
	}

	for id := range errored {
		msg := issueSummary(report.Issues, id)
		if err := s.SetDatasetValidationError(ctx, id, msg); err != nil {
			return report, fmt.Errorf("quick validate: %w", err)
		}
	}

	if report.Clean() {
		validationsTotal.WithLabelValues("clean").Inc()
	} else {
		validationsTotal.WithLabelValues("issues").Inc()
	}
	logger.Info("quick validation finished",
		"datasets", report.Checked,
		"issues", len(report.Issues))
	return report, nil
}

// duplicateIssues finds pairs of datasets with identical events signatures
// but different trace fingerprints. Identical fingerprints too means a true
// re-import of the same recording, which is not an integrity fault.
func duplicateIssues(ctx context.Context, s *store.Store, datasets []store.Dataset, computed map[int64]string) []Issue {
	byEventsSig := make(map[string][]int64)
	for _, d := range datasets {
		eventsSig := computed[d.ID]
		if eventsSig == "" {
			continue
		}
		byEventsSig[eventsSig] = append(byEventsSig[eventsSig], d.ID)
	}

	var issues []Issue
	for eventsSig, ids := range byEventsSig {
		if len(ids) < 2 {
			continue
		}
		traces := make(map[int64]string, len(ids))
		for _, id := range ids {
			times, err := s.TraceTimes(ctx, id)
			if err != nil {
				continue
			}
			t, err := sig.TraceSignature(sig.TraceStatsFromTimes(times, sig.DefaultTraceSampleK))
			if err != nil {
				continue
			}
			traces[id] = t
		}
		for i := 0; i < len(ids); i++ {
			for j := i + 1; j < len(ids); j++ {
				if traces[ids[i]] == traces[ids[j]] {
					continue
				}
				issues = append(issues, Issue{
					Kind:      IssueDuplicateTwins,
					DatasetID: ids[i],
					Related:   []int64{ids[j]},
					Detail: fmt.Sprintf("datasets %d and %d share events signature %s but their traces differ",
						ids[i], ids[j], short(eventsSig)),
				})
			}
		}
	}
	return issues
}

// DeepValidateDataset re-derives every signature from raw row content and
// persists the result. Cross-checking derived event rows against the raw
// source files needs the acquisition pipeline and is not implemented here;
// today this is a reseal.
func DeepValidateDataset(ctx context.Context, s *store.Store, datasetID int64) (Signatures, error) {
	if _, err := s.GetDataset(ctx, datasetID); err != nil {
		return Signatures{}, err
	}
	return UpdateDatasetSignatures(ctx, s, datasetID)
}

func issueSummary(issues []Issue, datasetID int64) string {
	for _, issue := range issues {
		if issue.DatasetID == datasetID {
			return issue.Detail
		}
		for _, id := range issue.Related {
			if id == datasetID {
				return issue.Detail
			}
		}
	}
	return "validation failed"
}

func short(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}

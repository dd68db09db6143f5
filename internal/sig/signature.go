package sig

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"sort"
)

// Domain prefixes for signature computation. The version suffix enables
// algorithm migration without silently colliding with old values.
const (
	DomainEvents = "vasodb/events/v1"
	DomainTrace  = "vasodb/trace/v1"
)

// SchemaVersion is the signature-schema version persisted alongside computed
// signatures. Bump whenever the normalization or digest inputs change.
const SchemaVersion = 3

// DefaultTraceSampleK is how many head/tail timestamps the trace digest keeps.
const DefaultTraceSampleK = 8

// hashWithDomain computes SHA256(domain + 0x00 + data). The null separator
// prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// EventRow is the normalized projection of one active event used for the
// events signature. Event ids are deliberately absent: a repair re-inserts
// rows under fresh ids and must reproduce the original signature.
type EventRow struct {
	TimeUS      int64
	Label       string
	SourceRow   *int64
	SourceFrame *int64
}

// EventsSignature hashes the canonical form of the given active events.
// Rows are sorted by the full normalized tuple (time, label, source row,
// source frame) before serialization, so the result is invariant to the
// order rows are supplied in even when events tie on time and label.
func EventsSignature(rows []EventRow) (string, error) {
	sorted := make([]EventRow, len(rows))
	copy(sorted, rows)
	slices.SortStableFunc(sorted, func(a, b EventRow) int {
		if a.TimeUS != b.TimeUS {
			if a.TimeUS < b.TimeUS {
				return -1
			}
			return 1
		}
		if c := compareUTF16(a.Label, b.Label); c != 0 {
			return c
		}
		if c := compareOptionalInt(a.SourceRow, b.SourceRow); c != 0 {
			return c
		}
		return compareOptionalInt(a.SourceFrame, b.SourceFrame)
	})

	arr := make(Array, len(sorted))
	for i, r := range sorted {
		arr[i] = Array{
			Int(r.TimeUS),
			String(r.Label),
			optionalInt(r.SourceRow),
			optionalInt(r.SourceFrame),
		}
	}

	canonical, err := MarshalCanonical(arr)
	if err != nil {
		return "", fmt.Errorf("events signature: %w", err)
	}
	return hashWithDomain(DomainEvents, canonical), nil
}

func optionalInt(v *int64) Value {
	if v == nil {
		return Null{}
	}
	return Int(*v)
}

// compareOptionalInt orders nil before any value so unset provenance sorts
// the same way on every run.
func compareOptionalInt(a, b *int64) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	case *a < *b:
		return -1
	case *a > *b:
		return 1
	default:
		return 0
	}
}

// TraceStats is the statistical digest input for a trace signature.
type TraceStats struct {
	Count       int64
	FirstUS     []int64
	LastUS      []int64
	DeltaMedian int64
	DeltaMin    int64
	DeltaMax    int64
}

// TraceStatsFromTimes derives TraceStats from sorted sample timestamps in
// microseconds. sampleK bounds the head/tail windows; values below one fall
// back to DefaultTraceSampleK.
func TraceStatsFromTimes(timesUS []int64, sampleK int) TraceStats {
	if sampleK < 1 {
		sampleK = DefaultTraceSampleK
	}

	stats := TraceStats{Count: int64(len(timesUS))}
	if len(timesUS) == 0 {
		return stats
	}

	head := min(sampleK, len(timesUS))
	stats.FirstUS = append([]int64(nil), timesUS[:head]...)
	stats.LastUS = append([]int64(nil), timesUS[len(timesUS)-head:]...)

	if len(timesUS) < 2 {
		return stats
	}

	deltas := make([]int64, 0, len(timesUS)-1)
	for i := 1; i < len(timesUS); i++ {
		deltas = append(deltas, timesUS[i]-timesUS[i-1])
	}
	sort.Slice(deltas, func(i, j int) bool { return deltas[i] < deltas[j] })

	stats.DeltaMin = deltas[0]
	stats.DeltaMax = deltas[len(deltas)-1]
	stats.DeltaMedian = deltas[len(deltas)/2]
	return stats
}

// TraceSignature hashes the canonical form of a trace's statistical digest.
// Catches truncation, reordering, and resampling without reading every row.
func TraceSignature(stats TraceStats) (string, error) {
	obj := Object{
		"count":        Int(stats.Count),
		"first":        intArray(stats.FirstUS),
		"last":         intArray(stats.LastUS),
		"delta_median": Int(stats.DeltaMedian),
		"delta_min":    Int(stats.DeltaMin),
		"delta_max":    Int(stats.DeltaMax),
	}

	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("trace signature: %w", err)
	}
	return hashWithDomain(DomainTrace, canonical), nil
}

func intArray(vs []int64) Array {
	arr := make(Array, len(vs))
	for i, v := range vs {
		arr[i] = Int(v)
	}
	return arr
}

package store

import (
	"context"
	"testing"
)

func f64(v float64) *float64 { return &v }

func TestTraceWindowQuery(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	datasetID := createTestDataset(t, s, "sample-1")

	var samples []TraceSample
	for i := int64(0); i < 100; i++ {
		samples = append(samples, TraceSample{
			TimeUS:   i * 100_000,
			Diameter: f64(120.0 + float64(i)),
			Pressure: f64(60.0),
		})
	}
	if err := s.AddTraceSamples(ctx, datasetID, samples); err != nil {
		t.Fatalf("AddTraceSamples() failed: %v", err)
	}

	window, err := s.ReadTraceWindow(ctx, datasetID, 1_000_000, 2_000_000)
	if err != nil {
		t.Fatalf("ReadTraceWindow() failed: %v", err)
	}
	if len(window) != 10 {
		t.Fatalf("got %d samples, want 10", len(window))
	}
	if window[0].TimeUS != 1_000_000 {
		t.Errorf("first sample at %d, want 1000000", window[0].TimeUS)
	}
	if window[len(window)-1].TimeUS != 1_900_000 {
		t.Errorf("last sample at %d, want 1900000 (exclusive upper bound)", window[len(window)-1].TimeUS)
	}
}

func TestTraceUpsertOnNaturalKey(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	datasetID := createTestDataset(t, s, "sample-1")

	if err := s.AddTraceSamples(ctx, datasetID, []TraceSample{
		{TimeUS: 1000, Diameter: f64(100)},
	}); err != nil {
		t.Fatalf("AddTraceSamples() failed: %v", err)
	}
	if err := s.AddTraceSamples(ctx, datasetID, []TraceSample{
		{TimeUS: 1000, Diameter: f64(105)},
	}); err != nil {
		t.Fatalf("re-insert failed: %v", err)
	}

	times, err := s.TraceTimes(ctx, datasetID)
	if err != nil {
		t.Fatalf("TraceTimes() failed: %v", err)
	}
	if len(times) != 1 {
		t.Fatalf("got %d samples, want 1 (natural key upsert)", len(times))
	}

	window, err := s.ReadTraceWindow(ctx, datasetID, 0, 2000)
	if err != nil {
		t.Fatalf("ReadTraceWindow() failed: %v", err)
	}
	if *window[0].Diameter != 105 {
		t.Errorf("diameter = %v, want 105", *window[0].Diameter)
	}
}

func TestTraceTimesSorted(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	datasetID := createTestDataset(t, s, "sample-1")

	// Insert out of order.
	if err := s.AddTraceSamples(ctx, datasetID, []TraceSample{
		{TimeUS: 3000}, {TimeUS: 1000}, {TimeUS: 2000},
	}); err != nil {
		t.Fatalf("AddTraceSamples() failed: %v", err)
	}

	times, err := s.TraceTimes(ctx, datasetID)
	if err != nil {
		t.Fatalf("TraceTimes() failed: %v", err)
	}
	for i := 1; i < len(times); i++ {
		if times[i] <= times[i-1] {
			t.Fatalf("times not ascending: %v", times)
		}
	}
}

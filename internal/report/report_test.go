package report

import (
	"testing"
	"time"

	"github.com/medikontrol/go-sut/internal/analytics"
	"github.com/medikontrol/go-sut/internal/decision"
)

func sampleReport(runID string) *BatchReport {
	at := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	records := []*decision.Record{
		{
			PrescriptionID: "RX-1",
			FinalDecision:  decision.FinalApprove,
			Metadata:       decision.Metadata{Timestamp: at, ProcessingTime: 0.4},
		},
	}
	return &BatchReport{
		Metadata: Metadata{
			RunID:       runID,
			SourceTag:   "morning_batch",
			StartedAt:   at,
			CompletedAt: at.Add(30 * time.Second),
			Duration:    30,
			Total:       1,
			Batches:     1,
		},
		Results:   records,
		Analytics: analytics.Aggregate(records, 30*time.Second),
	}
}

func TestWriteAndLoadRoundTrip(t *testing.T) {
	w, err := NewWriter(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}

	path, err := w.Write(sampleReport("run-abc"))
	if err != nil {
		t.Fatal(err)
	}
	if path == "" {
		t.Fatal("empty report path")
	}

	got, err := w.Load("run-abc")
	if err != nil {
		t.Fatal(err)
	}
	if got.Metadata.RunID != "run-abc" {
		t.Errorf("run_id = %s", got.Metadata.RunID)
	}
	if len(got.Results) != 1 || got.Results[0].PrescriptionID != "RX-1" {
		t.Errorf("results did not survive the round trip: %+v", got.Results)
	}
	if got.Analytics == nil || got.Analytics.Summary.Total != 1 {
		t.Error("analytics did not survive the round trip")
	}
}

func TestWriteReplacesExisting(t *testing.T) {
	w, err := NewWriter(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}

	first := sampleReport("run-x")
	if _, err := w.Write(first); err != nil {
		t.Fatal(err)
	}

	second := sampleReport("run-x")
	second.Metadata.Total = 99
	if _, err := w.Write(second); err != nil {
		t.Fatal(err)
	}

	got, err := w.Load("run-x")
	if err != nil {
		t.Fatal(err)
	}
	if got.Metadata.Total != 99 {
		t.Errorf("total = %d, want the rewritten report", got.Metadata.Total)
	}
}

func TestListReports(t *testing.T) {
	w, err := NewWriter(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	w.Write(sampleReport("run-a"))
	w.Write(sampleReport("run-b"))

	ids, err := w.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Fatalf("ids = %v, want 2 entries", ids)
	}
}

func TestLoadMissingReport(t *testing.T) {
	w, err := NewWriter(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Load("run-missing"); err == nil {
		t.Error("expected an error for a missing report")
	}
}

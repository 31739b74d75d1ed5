// Package report assembles and writes the per-run batch report.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/medikontrol/go-sut/internal/analytics"
	"github.com/medikontrol/go-sut/internal/decision"
)

// Metadata identifies the run a report belongs to.
type Metadata struct {
	RunID       string    `json:"run_id"`
	SourceTag   string    `json:"source_tag,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	Duration    float64   `json:"duration_seconds"`
	Total       int       `json:"total_prescriptions"`
	Skipped     int       `json:"skipped_invalid"`
	Batches     int       `json:"batches"`
}

// Performance is a snapshot of the executor counters at batch close.
type Performance struct {
	ItemsProcessed int64 `json:"items_processed"`
	ItemsFailed    int64 `json:"items_failed"`
	AdvisorRetries int64 `json:"advisor_retries"`
}

// BatchReport is the full run output: every decision plus the derived
// analytics.
type BatchReport struct {
	Metadata    Metadata             `json:"metadata"`
	Results     []*decision.Record   `json:"results"`
	Analytics   *analytics.Analytics `json:"analytics"`
	Performance Performance          `json:"performance"`
}

// Writer persists reports as JSON files under a directory.
type Writer struct {
	dir    string
	logger *zap.Logger
}

// NewWriter creates the report directory if needed.
func NewWriter(dir string, logger *zap.Logger) (*Writer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create report dir: %w", err)
	}
	return &Writer{dir: dir, logger: logger}, nil
}

// Write stores the report as <run-id>.json and returns the path. The write
// goes through a temp file so a crashed run never leaves a truncated report.
func (w *Writer) Write(r *BatchReport) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}

	final := filepath.Join(w.dir, r.Metadata.RunID+".json")
	tmp, err := os.CreateTemp(w.dir, ".report-*")
	if err != nil {
		return "", fmt.Errorf("create temp report: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close temp report: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("commit report: %w", err)
	}

	w.logger.Info("report written",
		zap.String("run_id", r.Metadata.RunID),
		zap.String("path", final),
		zap.Int("results", len(r.Results)))
	return final, nil
}

// Load reads a previously written report.
func (w *Writer) Load(runID string) (*BatchReport, error) {
	data, err := os.ReadFile(filepath.Join(w.dir, runID+".json"))
	if err != nil {
		return nil, fmt.Errorf("read report: %w", err)
	}
	var r BatchReport
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &r, nil
}

// List returns run ids with stored reports, sorted ascending.
func (w *Writer) List() ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(w.dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("scan report dir: %w", err)
	}
	ids := make([]string, 0, len(paths))
	for _, p := range paths {
		base := filepath.Base(p)
		ids = append(ids, base[:len(base)-len(".json")])
	}
	return ids, nil
}

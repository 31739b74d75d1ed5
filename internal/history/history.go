// Package history keeps a rolling record of past runs and derives trend
// series from them. Entries are persisted as JSON lines partitioned by month,
// so a restarted daemon can warm its trends from disk.
package history

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/medikontrol/go-sut/internal/analytics"
)

// RunEntry is the per-run summary retained for trend analysis.
type RunEntry struct {
	RunID             string         `json:"run_id"`
	Timestamp         time.Time      `json:"timestamp"`
	SourceTag         string         `json:"source_tag,omitempty"`
	Total             int            `json:"total"`
	Decisions         map[string]int `json:"decisions"`
	SuccessRate       float64        `json:"success_rate"`
	CompliantRate     float64        `json:"compliant_rate"`
	AvgProcessingTime float64        `json:"avg_processing_time"`
	ErrorRate         float64        `json:"error_rate"`
}

// DecisionPoint is one run's decision distribution on the trend axis.
type DecisionPoint struct {
	RunID     string         `json:"run_id"`
	Timestamp time.Time      `json:"timestamp"`
	Decisions map[string]int `json:"decisions"`
}

// CompliancePoint is one run's compliance level on the trend axis.
type CompliancePoint struct {
	RunID         string    `json:"run_id"`
	Timestamp     time.Time `json:"timestamp"`
	CompliantRate float64   `json:"compliant_rate"`
}

// TimelinePoint is one run's processing performance on the trend axis.
type TimelinePoint struct {
	RunID             string    `json:"run_id"`
	Timestamp         time.Time `json:"timestamp"`
	AvgProcessingTime float64   `json:"avg_processing_time"`
	ErrorRate         float64   `json:"error_rate"`
}

// Trends is a point-in-time snapshot of the derived series, oldest first.
type Trends struct {
	DecisionTrends     []DecisionPoint   `json:"decision_trends"`
	ComplianceTrends   []CompliancePoint `json:"compliance_trends"`
	ProcessingTimeline []TimelinePoint   `json:"processing_timeline"`
}

// Config holds tracker settings.
type Config struct {
	// Dir is where monthly JSONL files live. Empty disables persistence.
	Dir string
	// MaxEntries bounds the in-memory window used for trends.
	MaxEntries int
}

// DefaultConfig returns a tracker config with a 500-run window.
func DefaultConfig() Config {
	return Config{MaxEntries: 500}
}

// Tracker accumulates run entries behind a single lock. Readers receive
// copies and never observe partial writes.
type Tracker struct {
	config Config
	logger *zap.Logger

	mu      sync.Mutex
	entries []RunEntry
}

// NewTracker creates a tracker and warms it from any existing monthly files.
func NewTracker(cfg Config, logger *zap.Logger) (*Tracker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultConfig().MaxEntries
	}

	t := &Tracker{config: cfg, logger: logger}
	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
		if err := t.load(); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Record derives a run entry from the analytics and appends it to memory and
// to the current month's JSONL file.
func (t *Tracker) Record(runID, sourceTag string, at time.Time, a *analytics.Analytics) error {
	entry := RunEntry{
		RunID:             runID,
		Timestamp:         at.UTC(),
		SourceTag:         sourceTag,
		Total:             a.Summary.Total,
		Decisions:         a.Summary.Decisions,
		SuccessRate:       a.Summary.SuccessRate,
		CompliantRate:     a.Compliance.CompliantRate,
		AvgProcessingTime: a.Summary.AvgProcessingTime,
		ErrorRate:         a.Errors.Rate,
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries = append(t.entries, entry)
	if over := len(t.entries) - t.config.MaxEntries; over > 0 {
		t.entries = t.entries[over:]
	}

	if t.config.Dir == "" {
		return nil
	}
	if err := t.appendLine(entry); err != nil {
		return fmt.Errorf("persist run entry: %w", err)
	}
	return nil
}

// Trends returns the derived series over the in-memory window, oldest first.
func (t *Tracker) Trends() Trends {
	t.mu.Lock()
	entries := make([]RunEntry, len(t.entries))
	copy(entries, t.entries)
	t.mu.Unlock()

	out := Trends{
		DecisionTrends:     make([]DecisionPoint, 0, len(entries)),
		ComplianceTrends:   make([]CompliancePoint, 0, len(entries)),
		ProcessingTimeline: make([]TimelinePoint, 0, len(entries)),
	}
	for _, e := range entries {
		out.DecisionTrends = append(out.DecisionTrends, DecisionPoint{
			RunID: e.RunID, Timestamp: e.Timestamp, Decisions: e.Decisions,
		})
		out.ComplianceTrends = append(out.ComplianceTrends, CompliancePoint{
			RunID: e.RunID, Timestamp: e.Timestamp, CompliantRate: e.CompliantRate,
		})
		out.ProcessingTimeline = append(out.ProcessingTimeline, TimelinePoint{
			RunID: e.RunID, Timestamp: e.Timestamp,
			AvgProcessingTime: e.AvgProcessingTime, ErrorRate: e.ErrorRate,
		})
	}
	return out
}

// Entries returns a copy of the in-memory window, oldest first.
func (t *Tracker) Entries() []RunEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]RunEntry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Len reports how many runs are in the window.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Tracker) appendLine(entry RunEntry) error {
	path := filepath.Join(t.config.Dir, entry.Timestamp.Format("2006-01")+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// load reads every monthly file, keeps the newest MaxEntries entries and
// skips lines that fail to parse.
func (t *Tracker) load() error {
	paths, err := filepath.Glob(filepath.Join(t.config.Dir, "*.jsonl"))
	if err != nil {
		return fmt.Errorf("scan history dir: %w", err)
	}
	sort.Strings(paths)

	var entries []RunEntry
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			var e RunEntry
			if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
				t.logger.Warn("skipping corrupt history line",
					zap.String("file", path), zap.Error(err))
				continue
			}
			entries = append(entries, e)
		}
		scanErr := sc.Err()
		f.Close()
		if scanErr != nil {
			return fmt.Errorf("read %s: %w", path, scanErr)
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
	if over := len(entries) - t.config.MaxEntries; over > 0 {
		entries = entries[over:]
	}
	t.entries = entries

	if len(entries) > 0 {
		t.logger.Info("history warmed from disk", zap.Int("runs", len(entries)))
	}
	return nil
}

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/medikontrol/go-sut/internal/decision"
)

// FileStore writes one JSON file per decision under decisions/<run>/<id>.json.
// Writes go through a temp file and rename, so readers never see a partial
// record and a repeated Put simply replaces the file.
type FileStore struct {
	root   string
	logger *zap.Logger
}

// NewFileStore creates the root directory if needed.
func NewFileStore(root string, logger *zap.Logger) (*FileStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	return &FileStore{root: root, logger: logger}, nil
}

func (s *FileStore) Put(_ context.Context, runID string, rec *decision.Record) error {
	dir := filepath.Join(s.root, sanitize(runID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", rec.PrescriptionID, err)
	}

	final := filepath.Join(dir, sanitize(rec.PrescriptionID)+".json")
	tmp, err := os.CreateTemp(dir, ".put-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("commit record: %w", err)
	}
	return nil
}

func (s *FileStore) Get(_ context.Context, runID, prescriptionID string) (*decision.Record, error) {
	path := filepath.Join(s.root, sanitize(runID), sanitize(prescriptionID)+".json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read record: %w", err)
	}

	var rec decision.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", path, err)
	}
	return &rec, nil
}

func (s *FileStore) List(_ context.Context, f Filter) ([]*decision.Record, error) {
	runs, err := s.runDirs(f.RunID)
	if err != nil {
		return nil, err
	}

	var out []*decision.Record
	for _, run := range runs {
		paths, err := filepath.Glob(filepath.Join(s.root, run, "*.json"))
		if err != nil {
			return nil, fmt.Errorf("scan run %s: %w", run, err)
		}
		sort.Strings(paths)

		for _, path := range paths {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", path, err)
			}
			var rec decision.Record
			if err := json.Unmarshal(data, &rec); err != nil {
				s.logger.Warn("skipping unreadable record",
					zap.String("path", path), zap.Error(err))
				continue
			}
			if !matches(&rec, f) {
				continue
			}
			out = append(out, &rec)
			if f.Limit > 0 && len(out) >= f.Limit {
				return out, nil
			}
		}
	}
	return out, nil
}

func (s *FileStore) Stats(ctx context.Context) (*Stats, error) {
	records, err := s.List(ctx, Filter{})
	if err != nil {
		return nil, err
	}
	runs, err := s.runDirs("")
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		Records:   len(records),
		Runs:      len(runs),
		ByOutcome: make(map[string]int),
	}
	for _, rec := range records {
		stats.ByOutcome[string(rec.FinalDecision)]++
	}
	return stats, nil
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) runDirs(only string) ([]string, error) {
	if only != "" {
		if _, err := os.Stat(filepath.Join(s.root, sanitize(only))); os.IsNotExist(err) {
			return nil, nil
		}
		return []string{sanitize(only)}, nil
	}

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("scan store root: %w", err)
	}
	var runs []string
	for _, e := range entries {
		if e.IsDir() {
			runs = append(runs, e.Name())
		}
	}
	sort.Strings(runs)
	return runs, nil
}

func matches(rec *decision.Record, f Filter) bool {
	if f.Decision != "" && rec.FinalDecision != f.Decision {
		return false
	}
	ts := rec.Metadata.Timestamp
	if !f.Since.IsZero() && ts.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && ts.After(f.Until) {
		return false
	}
	return true
}

// sanitize keeps ids usable as path segments.
func sanitize(s string) string {
	repl := strings.NewReplacer("/", "_", "\\", "_", "..", "_", ":", "_")
	out := repl.Replace(s)
	if out == "" {
		out = "_"
	}
	return out
}

var _ DecisionStore = (*FileStore)(nil)

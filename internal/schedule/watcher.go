package schedule

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// WatcherConfig configures the directory poller.
type WatcherConfig struct {
	// Dirs are the directories scanned each poll.
	Dirs []string
	// Patterns are file globs matched against base names.
	Patterns []string
	// PollInterval is the scan cadence.
	PollInterval time.Duration
}

// DefaultWatcherConfig polls every 10 seconds for JSON files.
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{
		Patterns:     []string{"*.json"},
		PollInterval: 10 * time.Second,
	}
}

// Watcher polls directories and hands newly appearing files to a callback.
// Each absolute path is remembered once successfully ingested, so a file
// that keeps matching on later polls is not re-run. A failed ingest leaves
// the path unremembered and the next poll tries it again.
type Watcher struct {
	config WatcherConfig
	ingest func(ctx context.Context, path string) error
	logger *zap.Logger

	mu   sync.Mutex
	seen map[string]bool
}

// NewWatcher creates a watcher. ingest is called synchronously from the poll
// loop, one file at a time.
func NewWatcher(cfg WatcherConfig, ingest func(ctx context.Context, path string) error, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultWatcherConfig()
	if len(cfg.Patterns) == 0 {
		cfg.Patterns = def.Patterns
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}

	return &Watcher{
		config: cfg,
		ingest: ingest,
		logger: logger,
		seen:   make(map[string]bool),
	}
}

// Run polls until ctx is cancelled. The first poll happens immediately.
func (w *Watcher) Run(ctx context.Context) {
	if len(w.config.Dirs) == 0 {
		w.logger.Info("watcher idle, no directories configured")
		<-ctx.Done()
		return
	}

	w.logger.Info("watcher started",
		zap.Strings("dirs", w.config.Dirs),
		zap.Strings("patterns", w.config.Patterns),
		zap.Duration("poll_interval", w.config.PollInterval))

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	w.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Poll(ctx)
		}
	}
}

// Poll scans once and ingests anything new.
func (w *Watcher) Poll(ctx context.Context) {
	for _, dir := range w.config.Dirs {
		for _, pattern := range w.config.Patterns {
			paths, err := filepath.Glob(filepath.Join(dir, pattern))
			if err != nil {
				w.logger.Warn("watch glob failed",
					zap.String("dir", dir),
					zap.String("pattern", pattern),
					zap.Error(err))
				continue
			}
			for _, path := range paths {
				if ctx.Err() != nil {
					return
				}
				abs, err := filepath.Abs(path)
				if err != nil {
					continue
				}
				if !w.markSeen(abs) {
					continue
				}
				w.logger.Info("new prescription file", zap.String("path", abs))
				if err := w.ingest(ctx, abs); err != nil {
					w.unmark(abs)
					w.logger.Warn("ingest failed, retrying on next poll",
						zap.String("path", abs), zap.Error(err))
				}
			}
		}
	}
}

// SeenCount reports how many files have been successfully ingested.
func (w *Watcher) SeenCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seen)
}

// markSeen records the path, returning true the first time it appears.
func (w *Watcher) markSeen(abs string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.seen[abs] {
		return false
	}
	w.seen[abs] = true
	return true
}

// unmark forgets a path whose ingest failed so a later poll retries it.
func (w *Watcher) unmark(abs string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.seen, abs)
}

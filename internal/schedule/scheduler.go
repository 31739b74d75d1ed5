// Package schedule triggers review runs: a wall-clock scheduler for fixed
// HH:MM times and a polling watcher that picks up new prescription files.
package schedule

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Scheduler fires a callback at fixed local times each day. A missed time
// (daemon asleep, clock jump) is skipped, not caught up: stale batch runs are
// worse than absent ones.
type Scheduler struct {
	times  []dayTime
	run    func(ctx context.Context)
	logger *zap.Logger
	now    func() time.Time
}

type dayTime struct {
	hour, minute int
}

func (d dayTime) String() string {
	return fmt.Sprintf("%02d:%02d", d.hour, d.minute)
}

// NewScheduler parses HH:MM entries. Duplicates collapse; entries are kept
// sorted so next-fire scans are cheap.
func NewScheduler(times []string, run func(ctx context.Context), logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	seen := make(map[dayTime]bool)
	var parsed []dayTime
	for _, s := range times {
		t, err := time.Parse("15:04", s)
		if err != nil {
			return nil, fmt.Errorf("schedule entry %q is not HH:MM: %w", s, err)
		}
		dt := dayTime{t.Hour(), t.Minute()}
		if !seen[dt] {
			seen[dt] = true
			parsed = append(parsed, dt)
		}
	}
	sort.Slice(parsed, func(i, j int) bool {
		if parsed[i].hour != parsed[j].hour {
			return parsed[i].hour < parsed[j].hour
		}
		return parsed[i].minute < parsed[j].minute
	})

	return &Scheduler{
		times:  parsed,
		run:    run,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Next returns the first scheduled instant strictly after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	if len(s.times) == 0 {
		return time.Time{}
	}
	for _, dt := range s.times {
		candidate := time.Date(t.Year(), t.Month(), t.Day(), dt.hour, dt.minute, 0, 0, t.Location())
		if candidate.After(t) {
			return candidate
		}
	}
	// All of today's times have passed; first slot tomorrow.
	first := s.times[0]
	tomorrow := t.AddDate(0, 0, 1)
	return time.Date(tomorrow.Year(), tomorrow.Month(), tomorrow.Day(), first.hour, first.minute, 0, 0, t.Location())
}

// Run blocks until ctx is cancelled, firing the callback at each scheduled
// time. If a run overlaps the next slot, that slot is skipped.
func (s *Scheduler) Run(ctx context.Context) {
	if len(s.times) == 0 {
		s.logger.Info("scheduler idle, no times configured")
		<-ctx.Done()
		return
	}

	for {
		next := s.Next(s.now())
		s.logger.Info("next scheduled run", zap.Time("at", next))

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
		}

		s.logger.Info("scheduled run firing", zap.String("slot", next.Format("15:04")))
		s.run(ctx)
	}
}

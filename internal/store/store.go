// Package store persists decision records per run. Two backends exist: a
// directory of JSON files for CLI runs and a PostgreSQL table for the daemon.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/medikontrol/go-sut/internal/decision"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("decision record not found")

// Filter narrows List results. Zero values match everything.
type Filter struct {
	RunID    string
	Decision decision.Final
	Since    time.Time
	Until    time.Time
	Limit    int
}

// Stats summarizes a store's contents.
type Stats struct {
	Records   int            `json:"records"`
	Runs      int            `json:"runs"`
	ByOutcome map[string]int `json:"by_outcome"`
}

// DecisionStore persists decision records keyed by (run, prescription).
// Put is idempotent: writing the same key twice keeps the latest record.
type DecisionStore interface {
	Put(ctx context.Context, runID string, rec *decision.Record) error
	Get(ctx context.Context, runID, prescriptionID string) (*decision.Record, error)
	List(ctx context.Context, f Filter) ([]*decision.Record, error)
	Stats(ctx context.Context) (*Stats, error)
	Close() error
}

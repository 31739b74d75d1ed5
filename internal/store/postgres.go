package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/medikontrol/go-sut/internal/decision"
)

// PostgresStore keeps decision records in a single table with the full record
// as JSONB plus the columns the inspection API filters on.
//
// Schema:
//
//	CREATE TABLE decisions (
//	    run_id          TEXT        NOT NULL,
//	    prescription_id TEXT        NOT NULL,
//	    final_decision  TEXT        NOT NULL,
//	    decided_at      TIMESTAMPTZ NOT NULL,
//	    record          JSONB       NOT NULL,
//	    PRIMARY KEY (run_id, prescription_id)
//	);
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore connects to the database and pings it.
func NewPostgresStore(ctx context.Context, dsn string, logger *zap.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &PostgresStore{pool: pool, logger: logger}, nil
}

// Put upserts the record. Re-running a batch overwrites the previous decision
// for the same (run, prescription) pair.
func (s *PostgresStore) Put(ctx context.Context, runID string, rec *decision.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", rec.PrescriptionID, err)
	}

	query := `
		INSERT INTO decisions (run_id, prescription_id, final_decision, decided_at, record)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (run_id, prescription_id)
		DO UPDATE SET final_decision = EXCLUDED.final_decision,
		              decided_at     = EXCLUDED.decided_at,
		              record         = EXCLUDED.record
	`
	ts := rec.Metadata.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	if _, err := s.pool.Exec(ctx, query, runID, rec.PrescriptionID, string(rec.FinalDecision), ts, data); err != nil {
		return fmt.Errorf("upsert decision: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, runID, prescriptionID string) (*decision.Record, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT record FROM decisions WHERE run_id = $1 AND prescription_id = $2`,
		runID, prescriptionID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query decision: %w", err)
	}

	var rec decision.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode decision: %w", err)
	}
	return &rec, nil
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]*decision.Record, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.RunID != "" {
		add("run_id = $%d", f.RunID)
	}
	if f.Decision != "" {
		add("final_decision = $%d", string(f.Decision))
	}
	if !f.Since.IsZero() {
		add("decided_at >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		add("decided_at <= $%d", f.Until)
	}

	query := `SELECT record FROM decisions`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY decided_at ASC, prescription_id ASC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var out []*decision.Record
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		var rec decision.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			s.logger.Warn("skipping undecodable decision row", zap.Error(err))
			continue
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ByOutcome: make(map[string]int)}

	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT run_id) FROM decisions`).
		Scan(&stats.Records, &stats.Runs)
	if err != nil {
		return nil, fmt.Errorf("count decisions: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT final_decision, COUNT(*) FROM decisions GROUP BY final_decision`)
	if err != nil {
		return nil, fmt.Errorf("count outcomes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		stats.ByOutcome[outcome] = n
	}
	return stats, rows.Err()
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

var _ DecisionStore = (*PostgresStore)(nil)

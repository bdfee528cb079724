package results

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/zsiec/stgen/internal/config"
	"github.com/zsiec/stgen/internal/logger"
	"github.com/zsiec/stgen/internal/stats"
)

// PostgresStore keeps one row per run with the full summary as JSONB.
type PostgresStore struct {
	db     *sql.DB
	table  string
	logger logger.Logger
}

// NewPostgresStore wraps an open database. table must be a valid identifier.
func NewPostgresStore(db *sql.DB, table string, log logger.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		table:  table,
		logger: log.WithField("component", "results_postgres"),
	}
}

// OpenPostgres connects with lib/pq and creates the table if needed.
func OpenPostgres(ctx context.Context, cfg *config.PostgresConfig, log logger.Logger) (*PostgresStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	store := NewPostgresStore(db, cfg.Table, log)
	if err := store.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (p *PostgresStore) Name() string { return "postgres" }

// EnsureSchema creates the results table.
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	query := "CREATE TABLE IF NOT EXISTS " + p.table + ` (
		run_id TEXT PRIMARY KEY,
		role TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ NOT NULL,
		sent BIGINT NOT NULL,
		received BIGINT NOT NULL,
		lost BIGINT NOT NULL,
		loss DOUBLE PRECISION NOT NULL,
		summary JSONB NOT NULL
	)`
	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create table %s: %w", p.table, err)
	}
	return nil
}

func (p *PostgresStore) Save(ctx context.Context, s *stats.Summary) error {
	if s.RunID == "" {
		return errors.New("summary has no run id")
	}

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}

	query := "INSERT INTO " + p.table +
		" (run_id, role, started_at, ended_at, sent, received, lost, loss, summary)" +
		" VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) ON CONFLICT (run_id) DO NOTHING"

	res, err := p.db.ExecContext(ctx, query,
		s.RunID,
		s.Role,
		s.StartedAt,
		s.EndedAt,
		int64(s.Sent),
		int64(s.Received),
		int64(s.Lost),
		s.Loss,
		data,
	)
	if err != nil {
		return fmt.Errorf("failed to insert summary: %w", err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		p.logger.WithField("run_id", s.RunID).Debug("Summary already stored")
		return nil
	}
	p.logger.WithFields(map[string]interface{}{
		"run_id": s.RunID,
		"role":   s.Role,
	}).Info("Summary stored")
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, runID string) (*stats.Summary, error) {
	var data []byte
	err := p.db.QueryRowContext(ctx, "SELECT summary FROM "+p.table+" WHERE run_id = $1", runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query summary: %w", err)
	}

	var s stats.Summary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal summary: %w", err)
	}
	return &s, nil
}

func (p *PostgresStore) List(ctx context.Context) ([]*stats.Summary, error) {
	rows, err := p.db.QueryContext(ctx, "SELECT summary FROM "+p.table+" ORDER BY ended_at DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to list summaries: %w", err)
	}
	defer rows.Close()

	out := make([]*stats.Summary, 0)
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan summary: %w", err)
		}
		var s stats.Summary
		if err := json.Unmarshal(data, &s); err != nil {
			p.logger.WithError(err).Warn("Failed to unmarshal summary")
			continue
		}
		out = append(out, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list summaries: %w", err)
	}
	return out, nil
}

// Ping verifies the database connection.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}

// Package store persists the audit trail and the archive of settled jobs in Postgres.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"job-orchestrator/internal/models"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// AppendAudit adds an audit row. Detail must be valid JSON or empty.
func (s *Store) AppendAudit(ctx context.Context, row models.AuditLog) error {
	var detail any
	if row.Detail != "" {
		detail = row.Detail
	}
	ts := row.Recorded
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, publisher, detail, ts)
		VALUES ($1, $2, $3, $4::jsonb, $5)
	`, emptyToNil(row.JobID), row.Event, row.Publisher, detail, ts)
	if err != nil {
		return fmt.Errorf("insert audit row: %w", err)
	}
	return nil
}

// ListAudit returns the newest rows for a job, oldest first.
func (s *Store) ListAudit(ctx context.Context, jobID string, limit int) ([]models.AuditLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, event, publisher, detail::text, ts FROM (
			SELECT job_id, event, publisher, detail, ts, id FROM audit_logs
			WHERE job_id = $1 ORDER BY id DESC LIMIT $2
		) recent ORDER BY id ASC
	`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit rows: %w", err)
	}
	defer rows.Close()

	var out []models.AuditLog
	for rows.Next() {
		var row models.AuditLog
		var job, detail pgtype.Text
		if err := rows.Scan(&job, &row.Event, &row.Publisher, &detail, &row.Recorded); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		row.JobID = job.String
		row.Detail = detail.String
		out = append(out, row)
	}
	return out, rows.Err()
}

// ArchiveJob upserts the final state of a settled or cancelled job.
func (s *Store) ArchiveJob(ctx context.Context, job models.Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO job_archive (id, status, outcome, employer, assignee, body, settled_at, archived_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, outcome = EXCLUDED.outcome, assignee = EXCLUDED.assignee,
		    body = EXCLUDED.body, settled_at = EXCLUDED.settled_at, archived_at = NOW()
	`, job.ID, string(job.Status), string(job.Outcome), job.Spec.Employer(), job.AssignedAgent, body, job.SettledAt)
	if err != nil {
		return fmt.Errorf("archive job %s: %w", job.ID, err)
	}
	return nil
}

// GetArchivedJob fetches an archived job by id.
func (s *Store) GetArchivedJob(ctx context.Context, id string) (models.Job, error) {
	var body []byte
	err := s.pool.QueryRow(ctx, `SELECT body FROM job_archive WHERE id = $1`, id).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("archived job %s: %w", id, models.ErrUnknownJob)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("query archived job: %w", err)
	}
	var job models.Job
	if err := json.Unmarshal(body, &job); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal archived job: %w", err)
	}
	return job, nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

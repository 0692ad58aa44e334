package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shehryarbajwa/claimharvest/pkg/models"
)

// Schema creates the jobs table
const Schema = `
CREATE TABLE IF NOT EXISTS harvest_jobs (
	id               TEXT PRIMARY KEY,
	session_id       TEXT NOT NULL DEFAULT '',
	subject          TEXT NOT NULL DEFAULT '',
	query            JSONB NOT NULL,
	status           TEXT NOT NULL,
	stage            TEXT NOT NULL,
	progress         INTEGER NOT NULL DEFAULT 0,
	error_kind       TEXT NOT NULL DEFAULT '',
	error            TEXT NOT NULL DEFAULT '',
	completeness     JSONB,
	records_accepted INTEGER NOT NULL DEFAULT 0,
	records_rejected INTEGER NOT NULL DEFAULT 0,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	finished_at      TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS harvest_jobs_created_at ON harvest_jobs (created_at DESC);
`

// Postgres is a Store on a pgx connection pool
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// NewPostgresFromPool shares an existing pool
func NewPostgresFromPool(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create jobs table: %w", err)
	}
	return nil
}

func (p *Postgres) Create(ctx context.Context, job *models.Job) error {
	query, completeness, err := encodeJSON(job)
	if err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx,
		`INSERT INTO harvest_jobs (id, session_id, subject, query, status, stage, progress, error_kind, error,
		                           completeness, records_accepted, records_rejected, created_at, updated_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (id) DO NOTHING`,
		job.ID, job.SessionID, job.Subject, query, string(job.Status), string(job.Stage), job.Progress,
		job.ErrorKind, job.Error, completeness, job.RecordsAccepted, job.RecordsRejected,
		job.CreatedAt, job.UpdatedAt, job.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrExists
	}
	return nil
}

func (p *Postgres) Update(ctx context.Context, job *models.Job) error {
	_, completeness, err := encodeJSON(job)
	if err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx,
		`UPDATE harvest_jobs
		 SET session_id = $2, status = $3, stage = $4, progress = $5, error_kind = $6, error = $7,
		     completeness = $8, records_accepted = $9, records_rejected = $10, updated_at = $11, finished_at = $12
		 WHERE id = $1`,
		job.ID, job.SessionID, string(job.Status), string(job.Stage), job.Progress, job.ErrorKind, job.Error,
		completeness, job.RecordsAccepted, job.RecordsRejected, job.UpdatedAt, job.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", job.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const selectJob = `SELECT id, session_id, subject, query, status, stage, progress, error_kind, error,
       completeness, records_accepted, records_rejected, created_at, updated_at, finished_at
FROM harvest_jobs`

func (p *Postgres) Get(ctx context.Context, id string) (*models.Job, error) {
	job, err := scanJob(p.pool.QueryRow(ctx, selectJob+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return job, nil
}

func (p *Postgres) List(ctx context.Context, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, selectJob+` ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var list []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		list = append(list, job)
	}
	return list, rows.Err()
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		job          models.Job
		status       string
		stage        string
		query        []byte
		completeness []byte
		finishedAt   *time.Time
	)
	err := row.Scan(&job.ID, &job.SessionID, &job.Subject, &query, &status, &stage, &job.Progress,
		&job.ErrorKind, &job.Error, &completeness, &job.RecordsAccepted, &job.RecordsRejected,
		&job.CreatedAt, &job.UpdatedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	job.Status = models.JobStatus(status)
	job.Stage = models.Stage(stage)
	job.FinishedAt = finishedAt
	if err := json.Unmarshal(query, &job.Query); err != nil {
		return nil, fmt.Errorf("decode query: %w", err)
	}
	if len(completeness) > 0 {
		job.Completeness = &models.CompletenessReport{}
		if err := json.Unmarshal(completeness, job.Completeness); err != nil {
			return nil, fmt.Errorf("decode completeness: %w", err)
		}
	}
	return &job, nil
}

func encodeJSON(job *models.Job) (query, completeness []byte, err error) {
	if query, err = json.Marshal(job.Query); err != nil {
		return nil, nil, err
	}
	if job.Completeness != nil {
		if completeness, err = json.Marshal(job.Completeness); err != nil {
			return nil, nil, err
		}
	}
	return query, completeness, nil
}

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/shehryarbajwa/claimharvest/internal/config"
	"github.com/shehryarbajwa/claimharvest/internal/logger"
)

// Schema creates the task table
const Schema = `
CREATE TABLE IF NOT EXISTS harvest_tasks (
	id           TEXT PRIMARY KEY,
	job_id       TEXT NOT NULL,
	payload      JSONB NOT NULL,
	status       TEXT NOT NULL DEFAULT 'queued',
	attempts     INTEGER NOT NULL DEFAULT 0,
	leased_until TIMESTAMPTZ,
	last_error   TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS harvest_tasks_ready ON harvest_tasks (status, created_at);
`

// Task statuses
const (
	statusQueued = "queued"
	statusLeased = "leased"
	statusDone   = "done"
	statusDead   = "dead"
)

// Postgres claims tasks with FOR UPDATE SKIP LOCKED. A leased task whose
// lease ran out is claimable again, which is what makes delivery
// at-least-once across worker crashes.
type Postgres struct {
	pool        *pgxpool.Pool
	workers     int
	poll        time.Duration
	lease       time.Duration
	maxAttempts int
}

func NewPostgres(pool *pgxpool.Pool, cfg config.QueueConfig) *Postgres {
	p := &Postgres{
		pool:        pool,
		workers:     cfg.Workers,
		poll:        cfg.PollInterval,
		lease:       cfg.Lease,
		maxAttempts: cfg.MaxAttempts,
	}
	if p.workers <= 0 {
		p.workers = 1
	}
	if p.poll <= 0 {
		p.poll = 2 * time.Second
	}
	if p.lease <= 0 {
		p.lease = 45 * time.Minute
	}
	if p.maxAttempts <= 0 {
		p.maxAttempts = 1
	}
	return p
}

func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create task table: %w", err)
	}
	return nil
}

func (p *Postgres) Enqueue(ctx context.Context, t Task) error {
	prepare(&t)
	payload, err := json.Marshal(t)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO harvest_tasks (id, job_id, payload, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO NOTHING`,
		t.ID, t.JobID, payload, t.EnqueuedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue task for job %s: %w", t.JobID, err)
	}
	return nil
}

func (p *Postgres) Run(ctx context.Context, h Handler) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			p.work(gctx, h)
			return nil
		})
	}
	return g.Wait()
}

func (p *Postgres) work(ctx context.Context, h Handler) {
	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()
	for {
		// Drain everything claimable before sleeping again.
		for {
			t, err := p.claim(ctx)
			if errors.Is(err, pgx.ErrNoRows) {
				break
			}
			if err != nil {
				if ctx.Err() == nil {
					logger.From(ctx).Error("failed to claim task", "error", err)
				}
				break
			}
			p.deliver(ctx, h, t)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Postgres) claim(ctx context.Context) (Task, error) {
	var (
		t        Task
		payload  []byte
		attempts int
	)
	err := p.pool.QueryRow(ctx,
		`UPDATE harvest_tasks
		 SET status = $1, attempts = attempts + 1, leased_until = NOW() + make_interval(secs => $2), updated_at = NOW()
		 WHERE id = (
		     SELECT id FROM harvest_tasks
		     WHERE (status = $3 OR (status = $1 AND leased_until < NOW())) AND attempts < $4
		     ORDER BY created_at
		     FOR UPDATE SKIP LOCKED
		     LIMIT 1
		 )
		 RETURNING payload, attempts`,
		statusLeased, p.lease.Seconds(), statusQueued, p.maxAttempts,
	).Scan(&payload, &attempts)
	if err != nil {
		return Task{}, err
	}
	if err := json.Unmarshal(payload, &t); err != nil {
		return Task{}, fmt.Errorf("decode task payload: %w", err)
	}
	t.Attempt = attempts
	return t, nil
}

func (p *Postgres) deliver(ctx context.Context, h Handler, t Task) {
	log := logger.From(logger.WithJob(ctx, t.JobID))
	herr := h(ctx, t)

	status, lastErr := statusDone, ""
	if herr != nil {
		lastErr = herr.Error()
		status = statusQueued
		if t.Attempt >= p.maxAttempts {
			status = statusDead
		}
		log.Warn("task failed", "task", t.ID, "attempt", t.Attempt, "next", status, "error", herr)
	}

	// Record the outcome even when ctx is already cancelled.
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if _, err := p.pool.Exec(bg,
		`UPDATE harvest_tasks SET status = $2, last_error = $3, leased_until = NULL, updated_at = NOW() WHERE id = $1`,
		t.ID, status, lastErr,
	); err != nil {
		log.Error("failed to record task outcome", "task", t.ID, "error", err)
	}
}

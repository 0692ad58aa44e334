package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/shehryarbajwa/claimharvest/internal/errs"
	"github.com/shehryarbajwa/claimharvest/internal/jobs"
	"github.com/shehryarbajwa/claimharvest/internal/logger"
	"github.com/shehryarbajwa/claimharvest/internal/queue"
	"github.com/shehryarbajwa/claimharvest/pkg/models"
)

// Sessions is the part of the session orchestrator a trigger drives
type Sessions interface {
	Start(ctx context.Context, targetURL string, creds *models.Credentials) (*models.RemoteSession, error)
	AwaitLogin(ctx context.Context, id string, timeout time.Duration) (*models.CapturedState, error)
	Close(ctx context.Context, id string) error
}

// Trigger turns a request into a job waiting on a human login. Once the
// login is captured the job is handed to the queue.
type Trigger struct {
	sessions     Sessions
	jobs         jobs.Store
	queue        queue.Queue
	validate     *validator.Validate
	loginURL     string
	loginTimeout time.Duration
	now          func() time.Time
	wg           sync.WaitGroup
}

func NewTrigger(sessions Sessions, store jobs.Store, q queue.Queue, loginURL string, loginTimeout time.Duration) *Trigger {
	return &Trigger{
		sessions:     sessions,
		jobs:         store,
		queue:        q,
		validate:     validator.New(),
		loginURL:     loginURL,
		loginTimeout: loginTimeout,
		now:          time.Now,
	}
}

// JobID names a job after its queried period and creation time,
// e.g. SEPTIEMBRE_2025_1727712000.
func JobID(p models.Period, at time.Time) string {
	return fmt.Sprintf("%s_%d_%d", models.MonthName(p.Month), p.Year, at.Unix())
}

// Start validates req, opens the login session and records the job. The
// rest of the login is followed in the background; the returned viewer URL
// is where the human completes it.
func (t *Trigger) Start(ctx context.Context, req models.TriggerRequest) (*models.TriggerResponse, error) {
	if err := t.validate.Struct(req); err != nil {
		return nil, errs.E("trigger", errs.ErrInvalidRequest, err)
	}

	sess, err := t.sessions.Start(ctx, t.loginURL, req.Credentials)
	if err != nil {
		return nil, err
	}

	now := t.now()
	job := &models.Job{
		ID:        JobID(req.Period, now),
		SessionID: sess.ID,
		Subject:   req.SubjectIdentity,
		Query: models.Query{
			Year:     req.Period.Year,
			Month:    req.Period.Month,
			Provider: req.ProviderFilter,
		},
		Status:    models.JobPending,
		Stage:     models.StageAwaitingLogin,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := t.jobs.Create(ctx, job); err != nil {
		_ = t.sessions.Close(context.WithoutCancel(ctx), sess.ID)
		return nil, fmt.Errorf("create job: %w", err)
	}

	ctx = logger.WithSession(logger.WithJob(ctx, job.ID), sess.ID)
	logger.From(ctx).Info("job created, waiting for login", "viewer", sess.ViewerURL)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.follow(context.WithoutCancel(ctx), job)
	}()

	return &models.TriggerResponse{JobID: job.ID, SessionID: sess.ID, ViewerURL: sess.ViewerURL}, nil
}

// Wait blocks until every background login follower has finished
func (t *Trigger) Wait() {
	t.wg.Wait()
}

func (t *Trigger) follow(ctx context.Context, job *models.Job) {
	log := logger.From(ctx)

	captured, err := t.sessions.AwaitLogin(ctx, job.SessionID, t.loginTimeout)
	if cerr := t.sessions.Close(ctx, job.SessionID); cerr != nil {
		log.Warn("closing session failed", "error", cerr)
	}
	if err != nil {
		t.fail(ctx, job, err)
		return
	}

	if err := t.queue.Enqueue(ctx, queue.Task{JobID: job.ID, Token: captured.Token}); err != nil {
		t.fail(ctx, job, fmt.Errorf("enqueue job: %w", err))
		return
	}
	log.Info("login captured, job queued")
}

func (t *Trigger) fail(ctx context.Context, job *models.Job, err error) {
	now := t.now()
	job.Status = models.JobFailed
	job.ErrorKind = errs.Kind(err)
	job.Error = err.Error()
	job.UpdatedAt = now
	job.FinishedAt = &now

	log := logger.From(ctx)
	log.Error("login failed", "error_kind", job.ErrorKind, "error", err)
	if uerr := t.jobs.Update(ctx, job); uerr != nil {
		log.Error("persisting failed job", "error", uerr)
	}
}

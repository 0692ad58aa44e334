// Package coordinator runs a harvest job through its stages and starts
// jobs from trigger requests.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shehryarbajwa/claimharvest/internal/download"
	"github.com/shehryarbajwa/claimharvest/internal/errs"
	"github.com/shehryarbajwa/claimharvest/internal/jobs"
	"github.com/shehryarbajwa/claimharvest/internal/logger"
	"github.com/shehryarbajwa/claimharvest/internal/queue"
	"github.com/shehryarbajwa/claimharvest/internal/report"
	"github.com/shehryarbajwa/claimharvest/internal/storage"
	"github.com/shehryarbajwa/claimharvest/pkg/models"
)

// Downloader retrieves every document of a job's listing
type Downloader interface {
	Run(ctx context.Context, jobID, token string, q models.Query) (*download.Result, error)
}

// Extractor validates the stored documents of a job
type Extractor interface {
	Run(ctx context.Context, jobID string, outcomes []models.DownloadOutcome) ([]models.RecordResult, error)
}

// Progress reported at each stage boundary
const (
	progressDownload    = 10
	progressGate        = 40
	progressExtraction  = 50
	progressAggregation = 80
	progressDone        = 100
)

type Coordinator struct {
	jobs     jobs.Store
	files    storage.FileStore
	download Downloader
	extract  Extractor
	budget   time.Duration
	now      func() time.Time
}

func New(store jobs.Store, files storage.FileStore, d Downloader, e Extractor, budget time.Duration) *Coordinator {
	if budget <= 0 {
		budget = 30 * time.Minute
	}
	return &Coordinator{jobs: store, files: files, download: d, extract: e, budget: budget, now: time.Now}
}

// Handle is the queue handler. Job failures are recorded on the job and
// not returned, so only infrastructure errors cause redelivery.
func (c *Coordinator) Handle(ctx context.Context, t queue.Task) error {
	_, err := c.Run(ctx, t.JobID, t.Token)
	return err
}

// Run executes download, gate, extraction and aggregation within the job
// budget, persisting the job at every stage boundary. The returned error
// is non-nil only when the job record itself could not be read or written;
// stage failures end up on the returned job as FAILED with their kind.
func (c *Coordinator) Run(ctx context.Context, jobID, token string) (*models.Job, error) {
	ctx = logger.WithJob(ctx, jobID)
	log := logger.From(ctx)

	job, err := c.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	if job.Status.Terminal() {
		log.Info("job already finished, skipping delivery", "status", job.Status)
		return job, nil
	}

	bctx, cancel := context.WithTimeout(ctx, c.budget)
	defer cancel()

	job.Status = models.JobRunning
	if err := c.enter(ctx, job, models.StageDownload, progressDownload); err != nil {
		return nil, err
	}
	res, err := c.download.Run(bctx, jobID, token, job.Query)
	if res != nil && res.Report != nil {
		job.Completeness = res.Report
	}
	if err != nil && !errors.Is(err, errs.ErrIncompleteDownload) {
		return c.fail(ctx, bctx, job, err)
	}

	if err := c.enter(ctx, job, models.StageGate, progressGate); err != nil {
		return nil, err
	}
	if job.Completeness != nil {
		if werr := report.WriteCompleteness(bctx, c.files, jobID, job.Completeness); werr != nil {
			return c.fail(ctx, bctx, job, werr)
		}
	}
	if err != nil {
		return c.fail(ctx, bctx, job, err)
	}
	if job.Completeness == nil || !job.Completeness.Passed {
		return c.fail(ctx, bctx, job, errs.E("completeness gate", errs.ErrIncompleteDownload, nil))
	}

	if err := c.enter(ctx, job, models.StageExtraction, progressExtraction); err != nil {
		return nil, err
	}
	results, err := c.extract.Run(bctx, jobID, res.Outcomes)
	if err != nil {
		return c.fail(ctx, bctx, job, err)
	}
	job.RecordsAccepted, job.RecordsRejected = 0, 0
	for _, r := range results {
		if r.Accepted {
			job.RecordsAccepted++
		} else {
			job.RecordsRejected++
		}
	}

	if err := c.enter(ctx, job, models.StageAggregation, progressAggregation); err != nil {
		return nil, err
	}
	if _, err := report.Write(bctx, c.files, jobID, results, job.Completeness); err != nil {
		return c.fail(ctx, bctx, job, err)
	}
	if bctx.Err() != nil {
		return c.fail(ctx, bctx, job, bctx.Err())
	}

	finished := c.now()
	job.Status = models.JobCompleted
	job.FinishedAt = &finished
	if err := c.enter(ctx, job, models.StageDone, progressDone); err != nil {
		return nil, err
	}
	log.Info("job completed",
		"documents", job.Completeness.TotalRetrieved,
		"accepted", job.RecordsAccepted,
		"rejected", job.RecordsRejected)
	return job, nil
}

// enter persists the job at a stage boundary. Writes use a context that
// outlives the job budget so a timed-out job can still be recorded.
func (c *Coordinator) enter(ctx context.Context, job *models.Job, stage models.Stage, progress int) error {
	job.Stage = stage
	job.Progress = progress
	return c.save(ctx, job)
}

func (c *Coordinator) save(ctx context.Context, job *models.Job) error {
	job.UpdatedAt = c.now()
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := c.jobs.Update(wctx, job); err != nil {
		return fmt.Errorf("persist job %s: %w", job.ID, err)
	}
	return nil
}

// fail records err on the job. Errors caused by the budget running out are
// reclassified as JobBudgetExceeded.
func (c *Coordinator) fail(ctx, bctx context.Context, job *models.Job, err error) (*models.Job, error) {
	if errors.Is(bctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = errs.E("run job", errs.ErrJobBudgetExceeded, err)
	}
	finished := c.now()
	job.Status = models.JobFailed
	job.ErrorKind = errs.Kind(err)
	job.Error = err.Error()
	job.FinishedAt = &finished

	logger.From(ctx).Error("job failed", "stage", job.Stage, "error_kind", job.ErrorKind, "error", err)
	if serr := c.save(ctx, job); serr != nil {
		return nil, serr
	}
	return job, nil
}

// Package download re-enters the portal with captured state, walks the
// account listing and retrieves every settlement document it declares.
package download

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shehryarbajwa/claimharvest/internal/config"
	"github.com/shehryarbajwa/claimharvest/internal/errs"
	"github.com/shehryarbajwa/claimharvest/internal/logger"
	"github.com/shehryarbajwa/claimharvest/internal/portal"
	"github.com/shehryarbajwa/claimharvest/internal/storage"
	"github.com/shehryarbajwa/claimharvest/pkg/models"
)

// Listing is an authenticated, filterable account listing
type Listing interface {
	ApplyFilters(ctx context.Context, q models.Query) (bool, error)
	Groups(ctx context.Context) ([]portal.Group, error)
	OpenGroup(ctx context.Context, g portal.Group) error
	Page(ctx context.Context) (*portal.DetailPage, error)
	NextPage(ctx context.Context) error
	Fetch(ctx context.Context, rec models.DocumentRecord) ([]byte, error)
	Close() error
}

// Opener turns captured storage state into an open listing
type Opener interface {
	Open(ctx context.Context, state *models.StorageState) (Listing, error)
}

// Redeemer hands out captured state once
type Redeemer interface {
	Redeem(token string) (*models.CapturedState, error)
}

// PortalOpener opens listings on the live portal
type PortalOpener struct {
	portal.Opener
}

func (o PortalOpener) Open(ctx context.Context, state *models.StorageState) (Listing, error) {
	l, err := o.Opener.Open(ctx, state)
	if err != nil {
		return nil, err
	}
	return l, nil
}

// Options carry the retry and completeness policy
type Options struct {
	MaxRetries     int
	Backoff        time.Duration
	AttemptTimeout time.Duration
	MinBytes       int64
	MinSuccessRate float64
	// MaxPages bounds the detail pages read per group.
	MaxPages int
}

// OptionsFrom maps the download configuration section
func OptionsFrom(cfg config.DownloadConfig) Options {
	return Options{
		MaxRetries:     cfg.MaxRetries,
		Backoff:        cfg.Backoff,
		AttemptTimeout: cfg.AttemptTimeout,
		MinBytes:       cfg.MinBytes,
		MinSuccessRate: cfg.MinSuccessRate,
		MaxPages:       cfg.MaxPages,
	}
}

// Result is everything a run learned about the listing
type Result struct {
	Groups   []portal.Group
	Records  []models.DocumentRecord
	Unlinked []string
	Outcomes []models.DownloadOutcome
	Report   *models.CompletenessReport
}

// Stored returns the successful outcomes
func (r *Result) Stored() []models.DownloadOutcome {
	var out []models.DownloadOutcome
	for _, o := range r.Outcomes {
		if o.Success {
			out = append(out, o)
		}
	}
	return out
}

type Pipeline struct {
	vault  Redeemer
	opener Opener
	store  storage.FileStore
	verify Verifier
	opts   Options
}

func NewPipeline(v Redeemer, opener Opener, store storage.FileStore, verify Verifier, opts Options) *Pipeline {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = time.Minute
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = 500
	}
	return &Pipeline{vault: v, opener: opener, store: store, verify: verify, opts: opts}
}

// Run redeems token, retrieves every document of the queried period into
// the job namespace and gates on completeness. A failed gate returns the
// result together with ErrIncompleteDownload.
func (p *Pipeline) Run(ctx context.Context, jobID, token string, q models.Query) (*Result, error) {
	log := logger.From(ctx)

	captured, err := p.vault.Redeem(token)
	if err != nil {
		return nil, err
	}
	listing, err := p.opener.Open(ctx, captured.State)
	if err != nil {
		return nil, fmt.Errorf("open listing: %w", err)
	}
	defer listing.Close()

	res := &Result{}
	hasData, err := listing.ApplyFilters(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("apply filters: %w", err)
	}
	if hasData {
		if res.Groups, err = listing.Groups(ctx); err != nil {
			return nil, fmt.Errorf("read summary: %w", err)
		}
	}
	declared := 0
	for _, g := range res.Groups {
		declared += g.Declared
	}
	log.Info("listing declared", "groups", len(res.Groups), "documents", declared)

	outcomes := map[string]*models.DownloadOutcome{}
	for _, g := range res.Groups {
		if err := p.traverse(ctx, jobID, listing, g, res, outcomes); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warn("group traversal incomplete", "group", g.Date, "error", err)
		}
	}

	p.reconcile(ctx, jobID, listing, res.Groups, res.Records, outcomes)
	corrupted := p.verifyStored(ctx, res.Records, outcomes)

	for _, rec := range res.Records {
		res.Outcomes = append(res.Outcomes, *outcomes[rec.AccountNumber])
	}
	if err := p.writeListing(ctx, jobID, res); err != nil {
		return nil, err
	}

	res.Report = BuildReport(declared, res.Records, res.Outcomes, corrupted, models.Thresholds{
		MinSuccessRate: p.opts.MinSuccessRate,
		MinBytes:       p.opts.MinBytes,
	})
	log.Info("download finished",
		"expected", res.Report.TotalExpected,
		"retrieved", res.Report.TotalRetrieved,
		"success_rate", res.Report.SuccessRate,
		"corrupted", len(res.Report.CorruptedFiles),
		"passed", res.Report.Passed)

	if !res.Report.Passed {
		return res, errs.E("download", errs.ErrIncompleteDownload,
			fmt.Errorf("%d of %d documents retrieved (%.2f%%), %d corrupted",
				res.Report.TotalRetrieved, res.Report.TotalExpected, res.Report.SuccessRate, len(res.Report.CorruptedFiles)))
	}
	return res, nil
}

// traverse reads the pages of one group in order and downloads each new record
func (p *Pipeline) traverse(ctx context.Context, jobID string, listing Listing, g portal.Group, res *Result, outcomes map[string]*models.DownloadOutcome) error {
	log := logger.From(ctx)
	if err := listing.OpenGroup(ctx, g); err != nil {
		return err
	}

	for n := 1; n <= p.opts.MaxPages; n++ {
		page, err := listing.Page(ctx)
		if err != nil {
			return fmt.Errorf("page %d: %w", n, err)
		}
		for _, account := range page.Unlinked {
			log.Warn("row has no document link", "group", g.Date, "account", account)
		}
		res.Unlinked = append(res.Unlinked, page.Unlinked...)

		for _, rec := range page.Records {
			rec.GroupDate, rec.Page = g.Date, n
			if _, seen := outcomes[rec.AccountNumber]; seen {
				log.Warn("duplicate account in listing", "account", rec.AccountNumber)
				continue
			}
			res.Records = append(res.Records, rec)
			out := &models.DownloadOutcome{AccountNumber: rec.AccountNumber}
			outcomes[rec.AccountNumber] = out
			p.download(ctx, jobID, listing, rec, 1+p.opts.MaxRetries, out)
		}

		if page.Last {
			return nil
		}
		if err := listing.NextPage(ctx); err != nil {
			return fmt.Errorf("advance past page %d: %w", n, err)
		}
	}
	return fmt.Errorf("page limit %d reached", p.opts.MaxPages)
}

// download makes up to attempts tries with linear backoff and records the
// result on out. A short result is a failed try and is never stored.
func (p *Pipeline) download(ctx context.Context, jobID string, listing Listing, rec models.DocumentRecord, attempts int, out *models.DownloadOutcome) {
	log := logger.From(ctx)

	for i := 0; i < attempts; i++ {
		if out.Attempts > 0 {
			if err := sleep(ctx, p.opts.Backoff*time.Duration(out.Attempts)); err != nil {
				out.FailureReason = err.Error()
				return
			}
		}
		out.Attempts++
		out.Retries = out.Attempts - 1

		err := p.fetchOnce(ctx, jobID, listing, rec, out)
		if err == nil {
			out.Success = true
			out.FailureReason = ""
			return
		}
		out.FailureReason = err.Error()
		log.Warn("download attempt failed",
			"account", rec.AccountNumber,
			"attempt", out.Attempts,
			"error", err)
		if ctx.Err() != nil {
			return
		}
	}
}

func (p *Pipeline) fetchOnce(ctx context.Context, jobID string, listing Listing, rec models.DocumentRecord, out *models.DownloadOutcome) error {
	actx, cancel := context.WithTimeout(ctx, p.opts.AttemptTimeout)
	defer cancel()

	data, err := listing.Fetch(actx, rec)
	if err != nil {
		return err
	}
	if int64(len(data)) < p.opts.MinBytes {
		return fmt.Errorf("document too small: %d bytes", len(data))
	}

	key := storage.Key(jobID, storage.RawDocuments, portal.FileName(rec))
	if err := p.store.Put(ctx, key, data); err != nil {
		return fmt.Errorf("store document: %w", err)
	}
	out.Bytes = int64(len(data))
	out.Path = key
	return nil
}

// reconcile gives every discovered record still lacking a success one more
// try. The listing only renders one page at a time, so each group with
// missing records is reopened and its pager walked forward to the record's
// page before fetching.
func (p *Pipeline) reconcile(ctx context.Context, jobID string, listing Listing, groups []portal.Group, records []models.DocumentRecord, outcomes map[string]*models.DownloadOutcome) {
	missing := map[string][]models.DocumentRecord{}
	total := 0
	for _, rec := range records {
		if !outcomes[rec.AccountNumber].Success {
			missing[rec.GroupDate] = append(missing[rec.GroupDate], rec)
			total++
		}
	}
	if total == 0 || ctx.Err() != nil {
		return
	}

	log := logger.From(ctx)
	log.Info("reconciliation pass", "missing", total)
	for _, g := range groups {
		recs := missing[g.Date]
		if len(recs) == 0 {
			continue
		}
		if err := p.revisit(ctx, jobID, listing, g, recs, outcomes); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("reconciliation of group incomplete", "group", g.Date, "error", err)
		}
	}
}

// revisit reopens g and retries recs, which are in page order, once each
func (p *Pipeline) revisit(ctx context.Context, jobID string, listing Listing, g portal.Group, recs []models.DocumentRecord, outcomes map[string]*models.DownloadOutcome) error {
	log := logger.From(ctx)
	if err := listing.OpenGroup(ctx, g); err != nil {
		return err
	}

	current := 1
	for _, rec := range recs {
		for current < rec.Page {
			if err := listing.NextPage(ctx); err != nil {
				return fmt.Errorf("advance to page %d: %w", rec.Page, err)
			}
			current++
		}

		out := outcomes[rec.AccountNumber]
		p.download(ctx, jobID, listing, rec, 1, out)
		if out.Success {
			out.Reconciled = true
			log.Info("document recovered by reconciliation", "account", rec.AccountNumber, "page", rec.Page)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// verifyStored re-reads every stored artifact and deletes the unusable ones
func (p *Pipeline) verifyStored(ctx context.Context, records []models.DocumentRecord, outcomes map[string]*models.DownloadOutcome) []string {
	var corrupted []string
	for _, rec := range records {
		out := outcomes[rec.AccountNumber]
		if !out.Success {
			continue
		}
		data, err := p.store.Get(ctx, out.Path)
		if err == nil && int64(len(data)) < p.opts.MinBytes {
			err = fmt.Errorf("stored document too small: %d bytes", len(data))
		}
		if err == nil && p.verify != nil {
			err = p.verify.Verify(data)
		}
		if err == nil {
			continue
		}

		logger.From(ctx).Warn("corrupted document removed", "path", out.Path, "error", err)
		if derr := p.store.Delete(ctx, out.Path); derr != nil {
			logger.From(ctx).Error("failed to delete corrupted document", "path", out.Path, "error", derr)
		}
		corrupted = append(corrupted, out.Path)
		out.Success = false
		out.Bytes = 0
		out.FailureReason = "corrupted: " + err.Error()
	}
	return corrupted
}

func (p *Pipeline) writeListing(ctx context.Context, jobID string, res *Result) error {
	doc := struct {
		Groups   []portal.Group          `json:"groups"`
		Records  []models.DocumentRecord `json:"records"`
		Unlinked []string                `json:"unlinked,omitempty"`
	}{res.Groups, res.Records, res.Unlinked}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode listing: %w", err)
	}
	if err := p.store.Put(ctx, storage.Key(jobID, storage.RawDocuments, "listing.json"), data); err != nil {
		return fmt.Errorf("store listing: %w", err)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

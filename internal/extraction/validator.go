// Package extraction turns downloaded settlement documents into structured
// records and decides which of them are trustworthy enough to aggregate.
package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/shehryarbajwa/claimharvest/internal/config"
	"github.com/shehryarbajwa/claimharvest/internal/errs"
	"github.com/shehryarbajwa/claimharvest/internal/logger"
	"github.com/shehryarbajwa/claimharvest/internal/storage"
	"github.com/shehryarbajwa/claimharvest/pkg/models"
)

type Options struct {
	Isapre          string
	AmountTolerance float64
	RatioTolerance  float64
	Workers         int
}

// OptionsFrom maps the extraction and portal configuration sections
func OptionsFrom(cfg config.ExtractionConfig, isapre string) Options {
	return Options{
		Isapre:          isapre,
		AmountTolerance: cfg.AmountTolerance,
		RatioTolerance:  cfg.RatioTolerance,
		Workers:         cfg.Workers,
	}
}

type Validator struct {
	store  storage.FileStore
	text   TextExtractor
	schema *Schema
	opts   Options
}

func NewValidator(store storage.FileStore, text TextExtractor, opts Options) (*Validator, error) {
	schema, err := LoadSchema()
	if err != nil {
		return nil, err
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Validator{store: store, text: text, schema: schema, opts: opts}, nil
}

// Validate extracts and checks one document's text. The record is accepted
// only when the schema, content and consistency checks all pass.
func (v *Validator) Validate(source, text string) models.RecordResult {
	src := NewSource(text)
	rec := Extract(src, v.opts.Isapre, v.opts.AmountTolerance)
	return v.Check(source, src, rec)
}

// Check runs the three checks on an already extracted record
func (v *Validator) Check(source string, src *Source, rec *models.ExtractedRecord) models.RecordResult {
	var issues []models.ValidationIssue
	issues = append(issues, v.schema.Check(rec)...)
	issues = append(issues, CrossCheck(src, rec)...)
	issues = append(issues, Consistency(rec, v.opts.AmountTolerance, v.opts.RatioTolerance)...)
	return models.RecordResult{
		Source:   source,
		Record:   rec,
		Accepted: len(issues) == 0,
		Issues:   issues,
	}
}

// Rejection classifies a rejected result; nil when the record was accepted
func Rejection(r models.RecordResult) error {
	if r.Accepted {
		return nil
	}
	return errs.E("validate record", errs.ErrRecordInvalid,
		fmt.Errorf("%s: %d failed checks", r.Source, len(r.Issues)))
}

// Run validates every stored document of a job and writes each result,
// accepted or not, under structured-records. Results keep the order of
// outcomes; failed downloads are skipped. Only storage errors abort.
func (v *Validator) Run(ctx context.Context, jobID string, outcomes []models.DownloadOutcome) ([]models.RecordResult, error) {
	log := logger.From(ctx)

	var stored []models.DownloadOutcome
	for _, o := range outcomes {
		if o.Success && o.Path != "" {
			stored = append(stored, o)
		}
	}

	results := make([]models.RecordResult, len(stored))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.opts.Workers)
	for i, o := range stored {
		g.Go(func() error {
			res, err := v.validateStored(gctx, o.Path)
			if err != nil {
				return err
			}
			if err := v.writeResult(gctx, jobID, res); err != nil {
				return err
			}
			if rerr := Rejection(res); rerr != nil {
				log.Warn("record rejected",
					"source", res.Source,
					"issues", len(res.Issues),
					"error_kind", errs.Kind(rerr))
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	accepted := 0
	for _, r := range results {
		if r.Accepted {
			accepted++
		}
	}
	log.Info("extraction finished", "documents", len(results), "accepted", accepted, "rejected", len(results)-accepted)
	return results, nil
}

func (v *Validator) validateStored(ctx context.Context, key string) (models.RecordResult, error) {
	source := storage.Base(key)
	data, err := v.store.Get(ctx, key)
	if err != nil {
		return models.RecordResult{}, fmt.Errorf("read %s: %w", key, err)
	}
	text, err := v.text.Text(data)
	if err != nil {
		return Unreadable(source, err), nil
	}
	return v.Validate(source, text), nil
}

// Unreadable is the rejected result of a document whose text could not be
// extracted. It fails the record, not the job.
func Unreadable(source string, err error) models.RecordResult {
	return models.RecordResult{
		Source: source,
		Issues: []models.ValidationIssue{{
			Check:   models.CheckContent,
			Section: "document",
			Field:   "text",
			Message: "text extraction failed: " + err.Error(),
		}},
	}
}

func (v *Validator) writeResult(ctx context.Context, jobID string, res models.RecordResult) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", res.Source, err)
	}
	name := strings.TrimSuffix(res.Source, path.Ext(res.Source)) + ".json"
	if err := v.store.Put(ctx, storage.Key(jobID, storage.StructuredRecords, name), data); err != nil {
		return fmt.Errorf("store record %s: %w", name, err)
	}
	return nil
}

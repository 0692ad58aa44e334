// Package login watches a live browser page for the point where the
// operator has finished authenticating.
package login

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/shehryarbajwa/claimharvest/internal/config"
	"github.com/shehryarbajwa/claimharvest/internal/errs"
	"github.com/shehryarbajwa/claimharvest/internal/logger"
)

// Page is the slice of a browser tab the detector reads
type Page interface {
	URL(ctx context.Context) (string, error)
	HasSelector(ctx context.Context, sel string) (bool, error)
	Done() <-chan struct{}
}

// Detector polls a page until the post-login view appears
type Detector struct {
	pattern  *regexp.Regexp
	markers  []string
	interval time.Duration
}

func NewDetector(cfg config.LoginConfig) (*Detector, error) {
	pattern, err := regexp.Compile(cfg.URLPattern)
	if err != nil {
		return nil, fmt.Errorf("compile login url pattern: %w", err)
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Detector{
		pattern:  pattern,
		markers:  cfg.Markers,
		interval: interval,
	}, nil
}

// Wait blocks until login is detected, the page goes away, or ctx ends.
// A vanished page yields ErrSessionLost; an expired ctx yields ctx.Err().
func (d *Detector) Wait(ctx context.Context, page Page) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		ok, err := d.Check(ctx, page)
		if ok {
			return nil
		}
		if err != nil {
			logger.From(ctx).Debug("login probe failed", "error", err)
		}

		select {
		case <-page.Done():
			return errs.E("await login", errs.ErrSessionLost, nil)
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Check probes the page once. Probe errors are transient while the portal
// navigates, so they are reported but never treated as detection.
func (d *Detector) Check(ctx context.Context, page Page) (bool, error) {
	select {
	case <-page.Done():
		return false, errs.ErrSessionLost
	default:
	}

	u, err := page.URL(ctx)
	if err == nil && d.pattern.MatchString(u) {
		return true, nil
	}
	for _, sel := range d.markers {
		found, serr := page.HasSelector(ctx, sel)
		if serr != nil {
			err = serr
			continue
		}
		if found {
			return true, nil
		}
	}
	return false, err
}

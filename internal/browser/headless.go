package browser

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/chromedp"

	"github.com/shehryarbajwa/claimharvest/internal/config"
)

// Launch starts a local headless browser for unattended work and returns
// its first tab.
func Launch(ctx context.Context, cfg config.BrowserConfig) (*Page, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", !cfg.Headful),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx)

	p := newPage(tabCtx, func() {
		cancelTab()
		cancelAlloc()
	})
	if err := p.start(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("launch headless browser: %w", err)
	}
	return p, nil
}

// Run executes arbitrary chromedp actions on the tab
func (p *Page) Run(ctx context.Context, actions ...chromedp.Action) error {
	return p.run(ctx, actions...)
}

// Download runs trigger and waits for the download it starts to complete.
// The file lands in dir under the browser-assigned GUID; the returned path
// points at it.
func (p *Page) Download(ctx context.Context, dir string, trigger chromedp.Action) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}

	listenCtx, stop := context.WithCancel(p.ctx)
	defer stop()

	completed := make(chan string, 1)
	failed := make(chan string, 1)
	chromedp.ListenTarget(listenCtx, func(ev interface{}) {
		e, ok := ev.(*cdpbrowser.EventDownloadProgress)
		if !ok {
			return
		}
		switch e.State {
		case cdpbrowser.DownloadProgressStateCompleted:
			select {
			case completed <- e.GUID:
			default:
			}
		case cdpbrowser.DownloadProgressStateCanceled:
			select {
			case failed <- e.GUID:
			default:
			}
		}
	})

	err := p.run(ctx,
		cdpbrowser.SetDownloadBehavior(cdpbrowser.SetDownloadBehaviorBehaviorAllowAndName).
			WithDownloadPath(dir).
			WithEventsEnabled(true),
		trigger,
	)
	if err != nil {
		return "", fmt.Errorf("trigger download: %w", err)
	}

	select {
	case guid := <-completed:
		return filepath.Join(dir, guid), nil
	case guid := <-failed:
		return "", fmt.Errorf("download %s canceled", guid)
	case <-p.done:
		return "", fmt.Errorf("browser tab closed during download")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// epochTime converts a cookie expiry in fractional unix seconds
func epochTime(sec float64) time.Time {
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(frac*1e9))
}

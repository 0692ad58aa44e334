package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"

	"github.com/shehryarbajwa/claimharvest/pkg/models"
)

// Page is a chromedp tab with the operations the login flow and the
// download pipeline need.
type Page struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Attach opens a new tab in a browser already exposing CDP at cdpURL
func Attach(ctx context.Context, cdpURL string) (*Page, error) {
	allocCtx, cancelAlloc := chromedp.NewRemoteAllocator(context.Background(), cdpURL)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx)

	p := newPage(tabCtx, func() {
		cancelTab()
		cancelAlloc()
	})
	if err := p.start(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("attach to %s: %w", cdpURL, err)
	}
	return p, nil
}

func newPage(tabCtx context.Context, cancel context.CancelFunc) *Page {
	return &Page{
		ctx:    tabCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// start connects to the target and arms the liveness watch
func (p *Page) start(ctx context.Context) error {
	chromedp.ListenTarget(p.ctx, func(ev interface{}) {
		switch ev.(type) {
		case *inspector.EventDetached, *inspector.EventTargetCrashed:
			p.markDone()
		}
	})
	go func() {
		<-p.ctx.Done()
		p.markDone()
	}()

	errc := make(chan error, 1)
	go func() { errc <- chromedp.Run(p.ctx, network.Enable()) }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Page) markDone() {
	p.once.Do(func() { close(p.done) })
}

// Done is closed once the tab or its browser is gone
func (p *Page) Done() <-chan struct{} {
	return p.done
}

// run executes actions on the tab, bounded by the caller's ctx
func (p *Page) run(ctx context.Context, actions ...chromedp.Action) error {
	errc := make(chan error, 1)
	go func() { errc <- chromedp.Run(p.ctx, actions...) }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return fmt.Errorf("browser tab closed")
	}
}

func (p *Page) Navigate(ctx context.Context, target string) error {
	return p.run(ctx, chromedp.Navigate(target))
}

// URL returns the current location
func (p *Page) URL(ctx context.Context) (string, error) {
	var loc string
	if err := p.run(ctx, chromedp.Location(&loc)); err != nil {
		return "", err
	}
	return loc, nil
}

// HasSelector reports whether the document currently contains a match for sel
func (p *Page) HasSelector(ctx context.Context, sel string) (bool, error) {
	var found bool
	if err := p.run(ctx, chromedp.Evaluate(fmt.Sprintf("document.querySelector(%s) !== null", jsString(sel)), &found)); err != nil {
		return false, err
	}
	return found, nil
}

// FillCredentials prefills the login form. Submission is left to the operator.
func (p *Page) FillCredentials(ctx context.Context, userSel, passSel string, creds models.Credentials) error {
	return p.run(ctx,
		chromedp.WaitVisible(userSel, chromedp.ByQuery),
		chromedp.SetValue(userSel, creds.Username, chromedp.ByQuery),
		chromedp.SetValue(passSel, creds.Password, chromedp.ByQuery),
	)
}

// Screenshot captures the visible viewport as PNG
func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := p.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, err
	}
	return buf, nil
}

// StorageState reads all browser cookies and localStorage of the current origin
func (p *Page) StorageState(ctx context.Context) (*models.StorageState, error) {
	var (
		origin  string
		rawLS   string
		cookies []*network.Cookie
	)
	err := p.run(ctx,
		chromedp.Evaluate(`window.location.origin`, &origin),
		chromedp.Evaluate(`JSON.stringify(Object.assign({}, window.localStorage))`, &rawLS),
		chromedp.ActionFunc(func(ctx context.Context) error {
			// every domain: the listing lives on a sibling host of the login page
			var err error
			cookies, err = storage.GetCookies().Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("read storage state: %w", err)
	}

	state := &models.StorageState{}
	for _, c := range cookies {
		state.Cookies = append(state.Cookies, models.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: string(c.SameSite),
		})
	}

	ls := map[string]string{}
	if rawLS != "" {
		if err := json.Unmarshal([]byte(rawLS), &ls); err != nil {
			return nil, fmt.Errorf("decode localStorage: %w", err)
		}
	}
	state.Origins = append(state.Origins, models.OriginStorage{Origin: origin, LocalStorage: ls})
	return state, nil
}

// Restore injects a captured storage state into this tab. The tab ends on
// the last origin it had to visit to write localStorage.
func (p *Page) Restore(ctx context.Context, state *models.StorageState) error {
	if state == nil {
		return fmt.Errorf("no storage state to restore")
	}

	err := p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		for _, c := range state.Cookies {
			set := network.SetCookie(c.Name, c.Value).
				WithDomain(c.Domain).
				WithPath(c.Path).
				WithSecure(c.Secure).
				WithHTTPOnly(c.HTTPOnly)
			if c.SameSite != "" {
				set = set.WithSameSite(network.CookieSameSite(c.SameSite))
			}
			if c.Expires > 0 {
				exp := cdp.TimeSinceEpoch(epochTime(c.Expires))
				set = set.WithExpires(&exp)
			}
			if err := set.Do(ctx); err != nil {
				return fmt.Errorf("set cookie %s: %w", c.Name, err)
			}
		}
		return nil
	}))
	if err != nil {
		return err
	}

	for _, o := range state.Origins {
		if len(o.LocalStorage) == 0 {
			continue
		}
		if _, err := url.Parse(o.Origin); err != nil || o.Origin == "" {
			continue
		}
		payload, err := json.Marshal(o.LocalStorage)
		if err != nil {
			return err
		}
		script := fmt.Sprintf(`(() => { const e = %s; for (const k in e) { window.localStorage.setItem(k, e[k]); } return true; })()`, payload)
		var ok bool
		if err := p.run(ctx, chromedp.Navigate(o.Origin), chromedp.Evaluate(script, &ok)); err != nil {
			return fmt.Errorf("restore localStorage for %s: %w", o.Origin, err)
		}
	}
	return nil
}

// Close releases the tab and its allocator
func (p *Page) Close() error {
	p.cancel()
	p.markDone()
	return nil
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

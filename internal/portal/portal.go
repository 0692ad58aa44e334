// Package portal drives the provider extranet's account listing from an
// already authenticated browser and reads it into document records.
package portal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/shehryarbajwa/claimharvest/internal/browser"
	"github.com/shehryarbajwa/claimharvest/internal/config"
	"github.com/shehryarbajwa/claimharvest/internal/logger"
	"github.com/shehryarbajwa/claimharvest/pkg/models"
)

const (
	menuProviders  = "#xbMenu_DXI1_"
	menuReception  = "#xbMenu_DXI1i4_"
	listingFrame   = "#frame"
	providerInput  = "#cmbEntidades_I"
	yearInput      = "#cmdAgnos_I"
	monthDropdown  = "#cmdMeses"
	monthList      = "#cmdMeses_DDD_L_D"
	consultButton  = "#btnConsultar"
	detailMarker   = "Fecha Recepción Isapre:"
	maxSummaryPage = 50
)

// ErrRowNotShown is returned by Fetch when the record's row is not on the
// detail page currently displayed.
var ErrRowNotShown = errors.New("document row not shown")

// no-data banners; "No existe Cuentas Médicas" shows up spuriously and is ignored
var noDataMessages = []string{
	"No se encontraron resultados",
	"Sin datos disponibles",
	"No hay información",
}

// Opener opens authenticated listings from captured storage state
type Opener struct {
	Browser config.BrowserConfig
	Portal  config.PortalConfig
	Settle  time.Duration
}

// Listing is an open account listing in a headless browser
type Listing struct {
	page        *browser.Page
	settle      time.Duration
	navTimeout  time.Duration
	downloadDir string
	group       Group
}

// Open restores state into a fresh headless browser and navigates to the
// account reception listing. No login happens here.
func (o Opener) Open(ctx context.Context, state *models.StorageState) (*Listing, error) {
	page, err := browser.Launch(ctx, o.Browser)
	if err != nil {
		return nil, err
	}
	dir, err := os.MkdirTemp(o.Browser.DownloadDir, "harvest-*")
	if err != nil {
		page.Close()
		return nil, fmt.Errorf("create download dir: %w", err)
	}

	l := &Listing{
		page:        page,
		settle:      o.Settle,
		navTimeout:  o.Browser.NavigationTimeout,
		downloadDir: dir,
	}
	if l.settle <= 0 {
		l.settle = 2 * time.Second
	}
	if l.navTimeout <= 0 {
		l.navTimeout = time.Minute
	}

	if err := page.Restore(ctx, state); err != nil {
		l.Close()
		return nil, fmt.Errorf("restore session: %w", err)
	}
	if err := l.openReception(ctx, o.Portal.DashboardURL); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

// openReception walks the providers menu to the reception listing and
// loads the listing frame as the top document
func (l *Listing) openReception(ctx context.Context, dashboard string) error {
	ctx, cancel := context.WithTimeout(ctx, l.navTimeout)
	defer cancel()

	var (
		src string
		ok  bool
	)
	err := l.page.Run(ctx,
		chromedp.Navigate(dashboard),
		chromedp.WaitVisible(menuProviders, chromedp.ByQuery),
		chromedp.Click(menuProviders, chromedp.ByQuery),
		chromedp.WaitVisible(menuReception, chromedp.ByQuery),
		chromedp.Click(menuReception, chromedp.ByQuery),
		chromedp.WaitReady(listingFrame, chromedp.ByQuery),
		chromedp.AttributeValue(listingFrame, "src", &src, &ok, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("open reception listing: %w", err)
	}
	if !ok || src == "" {
		return fmt.Errorf("listing frame has no source")
	}

	base, err := url.Parse(dashboard)
	if err != nil {
		return fmt.Errorf("parse dashboard url: %w", err)
	}
	ref, err := url.Parse(src)
	if err != nil {
		return fmt.Errorf("parse listing url: %w", err)
	}
	target := base.ResolveReference(ref).String()

	if err := l.page.Run(ctx, chromedp.Navigate(target), chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		return fmt.Errorf("load listing %s: %w", target, err)
	}
	logger.From(ctx).Info("reception listing loaded")
	return nil
}

// ApplyFilters selects provider, year and month and runs the query. It
// reports false when the portal says the period has no data.
func (l *Listing) ApplyFilters(ctx context.Context, q models.Query) (bool, error) {
	log := logger.From(ctx)
	month := q.Month - 1

	if q.Provider != "" {
		err := l.page.Run(ctx,
			chromedp.Click(providerInput, chromedp.ByQuery),
			chromedp.Sleep(time.Second),
			clickCellByText(q.Provider),
			chromedp.Sleep(l.settle),
		)
		if err != nil {
			log.Warn("provider filter not applied", "provider", q.Provider, "error", err)
		}
	}

	err := l.page.Run(ctx,
		chromedp.Click(yearInput, chromedp.ByQuery),
		chromedp.Sleep(time.Second),
		clickCellByText(strconv.Itoa(q.Year)),
		chromedp.Sleep(time.Second),
	)
	if err != nil {
		log.Warn("year filter not applied", "year", q.Year, "error", err)
	}

	scroll := "el.scrollTop = 0"
	if month > 6 {
		scroll = "el.scrollTop = el.scrollHeight"
	}
	err = l.page.Run(ctx,
		chromedp.Click(monthDropdown+" td", chromedp.ByQuery),
		chromedp.Sleep(time.Second),
		evalBool(fmt.Sprintf(`(() => { const el = document.querySelector(%s); if (!el) return false; %s; return true; })()`, jsString(monthList), scroll)),
		chromedp.Sleep(500*time.Millisecond),
		chromedp.Click(fmt.Sprintf("#cmdMeses_DDD_L_LBI%dT0", month), chromedp.ByQuery),
		chromedp.Sleep(500*time.Millisecond),
		evalBool(fmt.Sprintf(`(() => { const img = document.querySelector(%s); if (img) img.click(); return true; })()`, jsString(monthDropdown+" img"))),
		chromedp.Sleep(time.Second),
	)
	if err != nil {
		return false, fmt.Errorf("select month %s: %w", models.MonthName(q.Month), err)
	}

	var clicked bool
	if err := l.page.Run(ctx, chromedp.Evaluate(clickByTextJS("span", "Consultar"), &clicked)); err != nil || !clicked {
		if err := l.page.Run(ctx, chromedp.Click(consultButton, chromedp.ByQuery)); err != nil {
			return false, fmt.Errorf("run query: %w", err)
		}
	}
	if err := l.page.Run(ctx, chromedp.Sleep(2*l.settle)); err != nil {
		return false, err
	}

	for _, msg := range noDataMessages {
		found, err := l.containsText(ctx, msg)
		if err != nil {
			return false, err
		}
		if found {
			log.Info("period has no data", "message", msg)
			return false, nil
		}
	}

	// sort "Cuentas A Pago" descending so zero-count groups come last
	for i := 0; i < 2; i++ {
		var ok bool
		if err := l.page.Run(ctx, chromedp.Evaluate(clickByTextJS("*", "Cuentas A Pago"), &ok), chromedp.Sleep(l.settle/2)); err != nil {
			return false, fmt.Errorf("sort summary: %w", err)
		}
	}
	log.Info("filters applied", "year", q.Year, "month", models.MonthName(q.Month), "provider", q.Provider)
	return true, nil
}

// Groups walks every summary page and returns the groups with accounts to pay
func (l *Listing) Groups(ctx context.Context) ([]Group, error) {
	var all []Group
	for page := 1; page <= maxSummaryPage; page++ {
		html, err := l.html(ctx)
		if err != nil {
			return nil, err
		}
		groups, done, err := ParseGroups(html)
		if err != nil {
			return nil, err
		}
		all = append(all, groups...)
		if done || len(groups) == 0 {
			break
		}
		next, err := HasNextSummaryPage(html)
		if err != nil || !next {
			break
		}
		if err := l.page.Run(ctx, chromedp.Click(summaryNextSel, chromedp.ByQuery), chromedp.Sleep(l.settle)); err != nil {
			return nil, fmt.Errorf("summary page %d: %w", page+1, err)
		}
	}
	return all, nil
}

// OpenGroup shows the detail listing of g and re-synchronizes its pager to
// page 1. The grid remembers the page of the previous group, so the reset
// waits for the first data row to be visible again after a settle delay.
func (l *Listing) OpenGroup(ctx context.Context, g Group) error {
	link := fmt.Sprintf(`div[id*='panelAPago'] a[onclick*="'%s'"]`, cssEscape(g.Date))

	found, err := l.findGroupLink(ctx, link)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("group %s not found in summary", g.Date)
	}

	if err := l.page.Run(ctx, chromedp.Click(link, chromedp.ByQuery), chromedp.Sleep(l.settle)); err != nil {
		return fmt.Errorf("open group %s: %w", g.Date, err)
	}
	if err := l.waitText(ctx, detailMarker, 10*time.Second); err != nil {
		return fmt.Errorf("group %s detail did not load: %w", g.Date, err)
	}

	var hasPageOne bool
	if err := l.page.Run(ctx, chromedp.Evaluate(fmt.Sprintf("document.querySelector(%s) !== null", jsString(detailPageOneSel)), &hasPageOne)); err != nil {
		return err
	}
	if hasPageOne {
		if err := l.page.Run(ctx, chromedp.Click(detailPageOneSel, chromedp.ByQuery), chromedp.Sleep(l.settle)); err != nil {
			return fmt.Errorf("reset pager: %w", err)
		}
	}
	if err := l.waitFirstRow(ctx); err != nil {
		return fmt.Errorf("group %s listing not refreshed: %w", g.Date, err)
	}
	l.group = g
	return nil
}

// Page reads the rows of the current detail page
func (l *Listing) Page(ctx context.Context) (*DetailPage, error) {
	html, err := l.html(ctx)
	if err != nil {
		return nil, err
	}
	return ParseDetail(html, l.group)
}

// NextPage advances the detail pager and waits for the rows to refresh
func (l *Listing) NextPage(ctx context.Context) error {
	if err := l.page.Run(ctx, chromedp.Click(detailNextSel, chromedp.ByQuery), chromedp.Sleep(l.settle)); err != nil {
		return fmt.Errorf("next detail page: %w", err)
	}
	return l.waitFirstRow(ctx)
}

// Fetch downloads the settlement report of rec and returns its bytes. The
// row must be on the page currently shown; otherwise it fails at once
// instead of waiting for a download that never starts.
func (l *Listing) Fetch(ctx context.Context, rec models.DocumentRecord) ([]byte, error) {
	sel := fmt.Sprintf(`a[onclick*="AbrirImagen_ReporteLiquidacion('%s'"]`, cssEscape(rec.DownloadToken))
	trigger := chromedp.ActionFunc(func(ctx context.Context) error {
		var clicked bool
		if err := evalClick(sel, &clicked).Do(ctx); err != nil {
			return err
		}
		if !clicked {
			return fmt.Errorf("%w: account %s on page %d", ErrRowNotShown, rec.AccountNumber, rec.Page)
		}
		return nil
	})

	path, err := l.page.Download(ctx, l.downloadDir, trigger)
	if err != nil {
		return nil, err
	}
	defer os.Remove(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read download: %w", err)
	}
	return data, nil
}

// Close shuts the browser and removes temporary downloads
func (l *Listing) Close() error {
	err := l.page.Close()
	if l.downloadDir != "" {
		os.RemoveAll(l.downloadDir)
	}
	return err
}

func (l *Listing) html(ctx context.Context) (string, error) {
	var html string
	if err := l.page.Run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read listing: %w", err)
	}
	return html, nil
}

func (l *Listing) containsText(ctx context.Context, text string) (bool, error) {
	var found bool
	err := l.page.Run(ctx, chromedp.Evaluate(fmt.Sprintf("document.body.innerText.includes(%s)", jsString(text)), &found))
	return found, err
}

func (l *Listing) waitText(ctx context.Context, text string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		found, err := l.containsText(ctx, text)
		if err != nil {
			return err
		}
		if found {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("text %q not shown after %s", text, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}

func (l *Listing) waitFirstRow(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return l.page.Run(ctx, chromedp.WaitVisible(detailRowSel, chromedp.ByQuery))
}

// findGroupLink looks for link on the current summary page, then walks the
// summary from its first page
func (l *Listing) findGroupLink(ctx context.Context, link string) (bool, error) {
	present := func() (bool, error) {
		var ok bool
		err := l.page.Run(ctx, chromedp.Evaluate(fmt.Sprintf("document.querySelector(%s) !== null", jsString(link)), &ok))
		return ok, err
	}

	if ok, err := present(); err != nil || ok {
		return ok, err
	}

	summaryFirst := "#panelResumen_CallBackPanel_1_gridCuentaMedicaResumen_DXPagerBottom a.dxp-num[onclick*='PN0']"
	var clicked bool
	if err := l.page.Run(ctx, evalClick(summaryFirst, &clicked), chromedp.Sleep(l.settle)); err != nil {
		return false, err
	}
	for page := 1; page <= maxSummaryPage; page++ {
		if ok, err := present(); err != nil || ok {
			return ok, err
		}
		html, err := l.html(ctx)
		if err != nil {
			return false, err
		}
		if next, _ := HasNextSummaryPage(html); !next {
			return false, nil
		}
		if err := l.page.Run(ctx, chromedp.Click(summaryNextSel, chromedp.ByQuery), chromedp.Sleep(l.settle)); err != nil {
			return false, err
		}
	}
	return false, nil
}

func evalBool(script string) chromedp.Action {
	var discard bool
	return chromedp.Evaluate(script, &discard)
}

func evalClick(sel string, clicked *bool) chromedp.Action {
	return chromedp.Evaluate(fmt.Sprintf(`(() => { const el = document.querySelector(%s); if (!el) return false; el.click(); return true; })()`, jsString(sel)), clicked)
}

// clickCellByText clicks the table cell whose trimmed text is exactly text
func clickCellByText(text string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		var ok bool
		if err := chromedp.Evaluate(clickByTextJS("td", text), &ok).Do(ctx); err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no cell with text %q", text)
		}
		return nil
	})
}

func clickByTextJS(tag, text string) string {
	return fmt.Sprintf(`(() => {
  const want = %s;
  const el = Array.from(document.querySelectorAll(%s)).find(e => e.textContent.trim() === want);
  if (!el) return false;
  el.click();
  return true;
})()`, jsString(text), jsString(tag))
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// cssEscape makes s safe inside a double-quoted CSS attribute value
func cssEscape(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}

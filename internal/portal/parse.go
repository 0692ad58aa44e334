package portal

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/shehryarbajwa/claimharvest/pkg/models"
)

const (
	groupLinkSel     = `div[id*='panelAPago'] a[onclick*="DetalleCtas('APago'"]`
	summaryNextSel   = "#panelResumen_CallBackPanel_1_gridCuentaMedicaResumen_DXPagerBottom_PBN"
	detailHeaderSel  = "#panelCuentas_CallBackPanel_gridCuentaMedica_DXHeadersRow0 td"
	detailRowSel     = "#panelCuentas_CallBackPanel_gridCuentaMedica_DXMainTable tr[id*='DXDataRow']"
	detailNextSel    = "#panelCuentas_CallBackPanel_gridCuentaMedica_DXPagerBottom_PBN"
	detailPageOneSel = "#panelCuentas_CallBackPanel_gridCuentaMedica_DXPagerBottom a.dxp-num[onclick*='PN0']"
	pdfLinkSel       = "a[onclick*='AbrirImagen_ReporteLiquidacion']"
	disabledClass    = "dxp-disabledButton"
	accountHeader    = "Nro. Cuenta"
)

var (
	groupDateRe = regexp.MustCompile(`DetalleCtas\('APago',\s*'([^']+)'`)
	pdfTokenRe  = regexp.MustCompile(`AbrirImagen_ReporteLiquidacion\('([^']+)'`)
)

// Group is one reception date row of the summary listing
type Group struct {
	Date     string `json:"date"`
	Declared int    `json:"declared"`
	Label    string `json:"label"`
}

// DetailPage is one page of the account listing of a group
type DetailPage struct {
	Records []models.DocumentRecord
	// Unlinked counts rows that carry no document link.
	Unlinked []string
	Last     bool
}

// ParseGroups reads the "Cuentas A Pago" links of a summary page. The
// listing is sorted by that column descending, so the first zero ends the
// whole traversal and done is set.
func ParseGroups(html string) (groups []Group, done bool, err error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, false, fmt.Errorf("parse summary: %w", err)
	}

	doc.Find(groupLinkSel).EachWithBreak(func(_ int, a *goquery.Selection) bool {
		onclick, _ := a.Attr("onclick")
		m := groupDateRe.FindStringSubmatch(onclick)
		if m == nil {
			return true
		}
		text := strings.TrimSpace(a.Text())
		count, convErr := strconv.Atoi(text)
		if convErr != nil {
			return true
		}
		if count == 0 {
			done = true
			return false
		}
		groups = append(groups, Group{Date: m[1], Declared: count, Label: text})
		return true
	})
	return groups, done, nil
}

// HasNextSummaryPage reports whether the summary pager can advance
func HasNextSummaryPage(html string) (bool, error) {
	return hasEnabled(html, summaryNextSel)
}

// ParseDetail reads every row of a detail page. Cells are keyed by the
// normalized header text; the account number comes from "Nro. Cuenta".
func ParseDetail(html string, group Group) (*DetailPage, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse detail: %w", err)
	}

	var headers []string
	doc.Find(detailHeaderSel).Each(func(_ int, td *goquery.Selection) {
		headers = append(headers, normalizeSpace(td.Text()))
	})
	if len(headers) == 0 {
		return nil, fmt.Errorf("detail listing has no header row")
	}

	page := &DetailPage{}
	doc.Find(detailRowSel).Each(func(i int, tr *goquery.Selection) {
		cols := make(map[string]string, len(headers))
		tr.Find("td.dxgv").Each(func(j int, td *goquery.Selection) {
			if j < len(headers) {
				cols[headers[j]] = strings.TrimSpace(td.Text())
			}
		})

		account := cols[accountHeader]
		if account == "" {
			account = fmt.Sprintf("row_%d", i+1)
		}

		onclick, _ := tr.Find(pdfLinkSel).First().Attr("onclick")
		m := pdfTokenRe.FindStringSubmatch(onclick)
		if m == nil {
			page.Unlinked = append(page.Unlinked, account)
			return
		}

		page.Records = append(page.Records, models.DocumentRecord{
			AccountNumber:   account,
			Group:           group.Label,
			SubjectRUT:      column(headers, cols, "rut"),
			BeneficiaryName: column(headers, cols, "beneficiario"),
			Diagnosis:       column(headers, cols, "diagn"),
			PaymentStatus:   column(headers, cols, "estado"),
			DownloadToken:   m[1],
			Columns:         cols,
		})
	})

	next, err := hasEnabledDoc(doc, detailNextSel)
	if err != nil {
		return nil, err
	}
	page.Last = !next
	return page, nil
}

// FileName is the artifact name of a record within its job
func FileName(rec models.DocumentRecord) string {
	token := rec.DownloadToken
	if len(token) > 8 {
		token = token[:8]
	}
	return fmt.Sprintf("%s_%s_%s.pdf", sanitize(rec.AccountNumber), sanitize(rec.Group), sanitize(token))
}

func hasEnabled(html, sel string) (bool, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return false, err
	}
	return hasEnabledDoc(doc, sel)
}

func hasEnabledDoc(doc *goquery.Document, sel string) (bool, error) {
	btn := doc.Find(sel).First()
	if btn.Length() == 0 {
		return false, nil
	}
	return !btn.HasClass(disabledClass), nil
}

// column returns the cell under the first header containing key, case-insensitively
func column(headers []string, cols map[string]string, key string) string {
	for _, h := range headers {
		if strings.Contains(strings.ToLower(h), key) {
			return cols[h]
		}
	}
	return ""
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', ' ':
			return '-'
		}
		return r
	}, s)
}

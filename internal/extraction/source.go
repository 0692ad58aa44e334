package extraction

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/shehryarbajwa/claimharvest/pkg/models"
)

const (
	SectionHoteleria = "Hoteleria"
	SectionExamenes  = "ExamenesYProcedimientos"
)

var (
	emisionRe   = regexp.MustCompile(`Emisión\s*:\s*(\d{2}/\d{2}/\d{4})`)
	entregaRe   = regexp.MustCompile(`Fecha Entrega:\s*(\d{2}/\d{2}/\d{4})`)
	cotizanteRe = regexp.MustCompile(`(?i)Cotizante\s*:\s*([\d,.]+-[\dk])\s+([A-ZÁÉÍÓÚÑ\s]+?)(?:\s+Fecha|[ \t]*\n|$)`)
	pacienteRe  = regexp.MustCompile(`(?i)Paciente\s*:\s*([\d,.]+-[\dk])\s+([A-ZÁÉÍÓÚÑ\s]+?)(?:\s+Prestador|[ \t]*\n|$)`)

	planRe      = regexp.MustCompile(`Plan:\s*(\S+)`)
	spmRe       = regexp.MustCompile(`N°\s*SPM\s*:\s*(\d+)`)
	inicioRe    = regexp.MustCompile(`Inicio Hosp\.\s*:\s*(\d{2}/\d{2}/\d{4})`)
	estadoRe    = regexp.MustCompile(`Estado:\s*([\p{L}\d_]+)`)
	gesRe       = regexp.MustCompile(`(?i)Tiene Gastos GES\s*:\s*(SI|NO)`)
	caecRe      = regexp.MustCompile(`(?i)Tiene Gastos CAEC\s*:\s*(SI|NO)`)
	urgenciaRe  = regexp.MustCompile(`(?i)Es Ley de Urgencia\s*:\s*(SI|NO)`)
	prestadorRe = regexp.MustCompile(`(?s)Prestador\s*:\s*(.+?)(?:Plan:|Suc\. Origen)`)
	sucursalRe  = regexp.MustCompile(`Suc\. Origen\.\s*:\s*([^\n]+)`)
	tramitaRe   = regexp.MustCompile(`Tramitado Por:\s*([\p{L}\d_]+)`)
	origenRe    = regexp.MustCompile(`(?m)Origen\s*:\s*(.+?)(?:\s+Tramitado|$)`)

	prestacionesRe = regexp.MustCompile(`Número de Prestaciones:\s*(\d+)`)
	amountRe       = regexp.MustCompile(`\$\s*([\d,]+)`)

	itemRe = regexp.MustCompile(`^(\d+)\s+([\d.]+)\s+(\d+)\s+(.+?)\s+(\d+)\s+\$\s*([\d,]+)\s+\$\s*([\d,]+)\s+\$\s*([\d,]+)\s+([\d.]+)\s*%\s+\$\s*([\d,]+)\s+\$\s*([\d,]+)\s+\$\s*([\d,]+)\s+(\w+)\s+([\d\-]+)\s+(\w+)\s+(\d+)\s+(SI|NO)$`)
)

// prestadorWindow bounds how far past the label the provider name may wrap
const prestadorWindow = 200

// Source is the raw text of one settlement document with field readers
// that return values as printed.
type Source struct {
	text  string
	lines []string
}

func NewSource(text string) *Source {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return &Source{text: text, lines: strings.Split(text, "\n")}
}

func (s *Source) find(re *regexp.Regexp) string {
	m := re.FindStringSubmatch(s.text)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

func (s *Source) flag(re *regexp.Regexp) bool {
	return strings.EqualFold(s.find(re), "SI")
}

// Dates returns the emission and delivery dates as dd/mm/yyyy
func (s *Source) Dates() (emision, entrega string) {
	return s.find(emisionRe), s.find(entregaRe)
}

func (s *Source) person(re *regexp.Regexp) (rut, name string) {
	m := re.FindStringSubmatch(s.text)
	if m == nil {
		return "", ""
	}
	return strings.TrimSpace(m[1]), strings.TrimSpace(m[2])
}

func (s *Source) Cotizante() (rut, name string) { return s.person(cotizanteRe) }

func (s *Source) Paciente() (rut, name string) { return s.person(pacienteRe) }

// PlanFields is the plan block as printed
type PlanFields struct {
	Codigo      string
	NSPM        string
	Inicio      string
	Estado      string
	GES         bool
	CAEC        bool
	LeyUrgencia bool
	Prestador   string
	Sucursal    string
	TramitaPor  string
	Origen      string
	HasSucursal bool
}

func (s *Source) Plan() PlanFields {
	p := PlanFields{
		Codigo:      s.find(planRe),
		NSPM:        s.find(spmRe),
		Inicio:      s.find(inicioRe),
		Estado:      s.find(estadoRe),
		GES:         s.flag(gesRe),
		CAEC:        s.flag(caecRe),
		LeyUrgencia: s.flag(urgenciaRe),
		TramitaPor:  s.find(tramitaRe),
		Origen:      s.find(origenRe),
	}
	if i := strings.Index(s.text, "Prestador"); i >= 0 {
		end := min(i+prestadorWindow, len(s.text))
		if m := prestadorRe.FindStringSubmatch(s.text[i:end]); m != nil {
			p.Prestador = strings.Join(strings.Fields(m[1]), " ")
		}
	}
	if m := sucursalRe.FindStringSubmatch(s.text); m != nil {
		p.Sucursal = strings.TrimSpace(m[1])
		p.HasSucursal = true
	}
	return p
}

// Detalle returns the itemized sections present in the document
func (s *Source) Detalle() []models.DetailSection {
	var out []models.DetailSection
	if sec, ok := s.hoteleria(); ok {
		out = append(out, sec)
	}
	if sec, ok := s.examenes(); ok {
		out = append(out, sec)
	}
	return out
}

func (s *Source) hoteleria() (models.DetailSection, bool) {
	start, end := -1, len(s.lines)
	for i, line := range s.lines {
		if start < 0 && strings.Contains(line, "Detalle Hoteleria") {
			start = i
			continue
		}
		if start >= 0 && strings.Contains(line, "SubTotal Hoteleria") {
			end = i
			break
		}
	}
	if start < 0 {
		return models.DetailSection{}, false
	}

	sec := models.DetailSection{Seccion: SectionHoteleria, Items: []models.DetailItem{}}
	for i := start + 2; i < end; i++ {
		line := strings.TrimSpace(s.lines[i])
		if line == "" || strings.Contains(line, "SubTotal") {
			break
		}
		if item, ok := parseItem(line); ok {
			sec.Items = append(sec.Items, item)
		}
	}
	// Hoteleria prints its subtotal amounts on the line after the label.
	if end+1 < len(s.lines) {
		sec.Subtotal = parseSubtotal(s.lines[end+1])
	}
	return sec, true
}

func (s *Source) examenes() (models.DetailSection, bool) {
	start, end := -1, len(s.lines)
	for i, line := range s.lines {
		if start < 0 && strings.Contains(line, "Detalle Exámenes") {
			start = i
			continue
		}
		if start >= 0 && strings.HasPrefix(strings.TrimSpace(line), "SubTotal Exámenes") {
			end = i
			break
		}
	}
	if start < 0 {
		return models.DetailSection{}, false
	}

	sec := models.DetailSection{Seccion: SectionExamenes, Items: []models.DetailItem{}}
	for i := start + 2; i < end; i++ {
		line := strings.TrimSpace(s.lines[i])
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "SubTotal") {
			break
		}
		if item, ok := parseItem(line); ok {
			sec.Items = append(sec.Items, item)
		}
	}
	if end < len(s.lines) {
		if strings.Contains(s.lines[end], "$") {
			sec.Subtotal = parseSubtotal(s.lines[end])
		} else if end+1 < len(s.lines) {
			sec.Subtotal = parseSubtotal(s.lines[end+1])
		}
	}
	return sec, true
}

func parseItem(line string) (models.DetailItem, bool) {
	m := itemRe.FindStringSubmatch(line)
	if m == nil {
		return models.DetailItem{}, false
	}
	pct, _ := strconv.ParseFloat(m[9], 64)
	folio := m[14]
	return models.DetailItem{
		Cantidad:       atoi(m[1]),
		Codigo:         m[2],
		Item:           m[3],
		Descripcion:    strings.TrimSpace(m[4]),
		GrupoCobertura: atoi(m[5]),
		ValorUnitario:  ParseAmount(m[6]),
		ValorTotal:     ParseAmount(m[7]),
		Bonificacion:   ParseAmount(m[8]),
		PorcentajePlan: pct / 100,
		CAEC:           ParseAmount(m[10]),
		Seguro:         ParseAmount(m[11]),
		Copago:         ParseAmount(m[12]),
		TC:             m[13],
		FolioGC:        &folio,
		TD:             m[15],
		FolioBR:        m[16],
		MinFonasa:      strings.EqualFold(m[17], "SI"),
	}, true
}

func amounts(line string) []int64 {
	var out []int64
	for _, m := range amountRe.FindAllStringSubmatch(line, -1) {
		out = append(out, ParseAmount(m[1]))
	}
	return out
}

func parseSubtotal(line string) models.Subtotal {
	a := amounts(line)
	if len(a) < 5 {
		return models.Subtotal{}
	}
	return models.Subtotal{ValorTotal: a[0], Bonificacion: a[1], CAEC: a[2], Seguro: a[3], Copago: a[4]}
}

// Prestaciones returns the declared number of services, 0 when absent
func (s *Source) Prestaciones() int64 {
	return atoi(s.find(prestacionesRe))
}

// Rows returns the Bono, Reembolso and Totales lines of the summary block
func (s *Source) Rows() models.SummaryRows {
	var rows models.SummaryRows
	start, end := -1, len(s.lines)
	for i, line := range s.lines {
		if start < 0 && strings.Contains(line, "Resumen:") {
			start = i
			continue
		}
		if start >= 0 && strings.TrimSpace(line) == "Total Bonificado (1)" {
			end = i
			break
		}
	}
	if start < 0 {
		return rows
	}
	for _, line := range s.lines[start:end] {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "Bono"):
			rows.Bono = parseRow(line)
		case strings.HasPrefix(line, "Reembolso"):
			rows.Reembolso = parseRow(line)
		case strings.HasPrefix(line, "Totales"):
			rows.Totales = parseRow(line)
		}
	}
	return rows
}

func parseRow(line string) models.SummaryRow {
	a := amounts(line)
	if len(a) < 5 {
		return models.SummaryRow{}
	}
	row := models.SummaryRow{Prestacion: a[0], Bonificado: a[1], CAEC: a[2], Seguro: a[3], CopagoAfiliado: a[4]}
	if len(a) >= 6 && !strings.Contains(line, "-------") {
		cheque := a[5]
		row.Cheque = &cheque
	}
	return row
}

// Breakdown returns the "Total Bonificado (1)" table
func (s *Source) Breakdown() models.BonusBreakdown {
	var d models.BonusBreakdown
	start := -1
	for i, line := range s.lines {
		if strings.Contains(line, "Total Bonificado (1)") {
			start = i
			break
		}
	}
	if start < 0 {
		return d
	}
	for _, line := range s.lines[start+1 : min(start+10, len(s.lines))] {
		a := amounts(line)
		if len(a) < 2 {
			continue
		}
		pair := models.SpendBonus{Gasto: a[0], Bonificado: a[1]}
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.Contains(line, "Plan Complementario"):
			d.PlanComplementario = pair
		case strings.HasPrefix(trimmed, "GES-CAEC"):
			d.GESCAEC = pair
		case strings.HasPrefix(trimmed, "GES") && !strings.Contains(line, "CAEC"):
			d.GES = pair
		case strings.Contains(line, "Totales"):
			d.Totales = pair
		}
	}
	return d
}

// ParseAmount reads a printed peso amount; placeholders and garbage are 0
func ParseAmount(s string) int64 {
	s = strings.NewReplacer("$", "", ",", "", ".", "", " ", "").Replace(s)
	if s == "" || strings.Trim(s, "-") == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func atoi(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

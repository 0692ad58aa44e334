package extraction

import (
	"fmt"
	"math"

	"github.com/shehryarbajwa/claimharvest/pkg/models"
)

// WithinTolerance reports whether got is within the relative tolerance tol
// of want. The tolerance scales with the larger magnitude of the two, so the
// check is symmetric and a zero tolerance demands exact equality. Near zero
// nothing is absorbed: against want == 0 any nonzero got fails unless tol
// is at least 1.
func WithinTolerance(want, got, tol float64) bool {
	diff := math.Abs(want - got)
	if diff == 0 {
		return true
	}
	return diff <= tol*math.Max(math.Abs(want), math.Abs(got))
}

// AmountsAgree compares two peso amounts with a relative tolerance
func AmountsAgree(want, got int64, tol float64) bool {
	return WithinTolerance(float64(want), float64(got), tol)
}

type issueList []models.ValidationIssue

func (l *issueList) add(check models.Check, section, field, msg string, want, got any) {
	*l = append(*l, models.ValidationIssue{
		Check:    check,
		Section:  section,
		Field:    field,
		Message:  msg,
		Expected: want,
		Actual:   got,
	})
}

// CrossCheck re-reads identity fields, dates and amounts from the document
// text and compares them with the record after normalization.
func CrossCheck(src *Source, rec *models.ExtractedRecord) []models.ValidationIssue {
	var l issueList
	content := func(section, field, msg string, want, got any) {
		l.add(models.CheckContent, section, field, msg, want, got)
	}

	emision, entrega := src.Dates()
	if !sameDate(NormalizeDate(emision), rec.Document.Emision) {
		content("document", "emision", "emission date does not match document", emision, deref(rec.Document.Emision))
	}
	if !sameDate(NormalizeDate(entrega), rec.Document.FechaEntrega) {
		content("document", "fecha_entrega", "delivery date does not match document", entrega, deref(rec.Document.FechaEntrega))
	}

	if rut, _ := src.Cotizante(); NormalizeRUT(rut) != rec.Cotizante.RUT {
		content("cotizante", "rut", "RUT does not match document", rut, rec.Cotizante.RUT)
	}
	if rut, _ := src.Paciente(); NormalizeRUT(rut) != rec.Paciente.RUT {
		content("paciente", "rut", "RUT does not match document", rut, rec.Paciente.RUT)
	}

	plan := src.Plan()
	if plan.Codigo != rec.Plan.Codigo {
		content("plan", "codigo", "plan code does not match document", plan.Codigo, rec.Plan.Codigo)
	}
	if plan.NSPM != rec.Plan.NSPM {
		content("plan", "n_spm", "SPM number does not match document", plan.NSPM, rec.Plan.NSPM)
	}

	sections := src.Detalle()
	if len(sections) != len(rec.Detalle) {
		content("detalle", "secciones_count", "section count does not match document", len(sections), len(rec.Detalle))
	} else {
		for i, want := range sections {
			got := rec.Detalle[i]
			section := "detalle." + got.Seccion
			for _, c := range subtotalColumns(want.Subtotal, got.Subtotal) {
				if c.want != c.got {
					content(section, "subtotal."+c.name, "subtotal does not match document", c.want, c.got)
				}
			}
			if len(want.Items) != len(got.Items) {
				content(section, "items_count", "item count does not match document", len(want.Items), len(got.Items))
			}
		}
	}

	if n := src.Prestaciones(); n != rec.Resumen.NumeroPrestaciones {
		content("resumen", "numero_prestaciones", "service count does not match document", n, rec.Resumen.NumeroPrestaciones)
	}
	rows := src.Rows()
	for _, r := range []struct {
		name      string
		want, got models.SummaryRow
	}{
		{"bono", rows.Bono, rec.Resumen.Filas.Bono},
		{"reembolso", rows.Reembolso, rec.Resumen.Filas.Reembolso},
		{"totales", rows.Totales, rec.Resumen.Filas.Totales},
	} {
		for _, c := range rowColumns(r.want, r.got) {
			if c.want != c.got {
				content("resumen", "filas."+r.name+"."+c.name, "summary amount does not match document", c.want, c.got)
			}
		}
	}
	return l
}

// Consistency evaluates the numeric invariants a settlement must satisfy.
// amountTol applies to peso amounts, ratioTol to printed plan percentages.
func Consistency(rec *models.ExtractedRecord, amountTol, ratioTol float64) []models.ValidationIssue {
	var l issueList
	agree := func(section, field, msg string, want, got int64) {
		if !AmountsAgree(want, got, amountTol) {
			l.add(models.CheckConsistency, section, field, msg, want, got)
		}
	}

	f := rec.Resumen.Filas
	sum := models.SummaryRow{
		Prestacion:     f.Bono.Prestacion + f.Reembolso.Prestacion,
		Bonificado:     f.Bono.Bonificado + f.Reembolso.Bonificado,
		CAEC:           f.Bono.CAEC + f.Reembolso.CAEC,
		Seguro:         f.Bono.Seguro + f.Reembolso.Seguro,
		CopagoAfiliado: f.Bono.CopagoAfiliado + f.Reembolso.CopagoAfiliado,
	}
	for _, c := range rowColumns(f.Totales, sum) {
		agree("consistencia", "filas.totales."+c.name,
			"total does not equal bono plus reembolso", c.want, c.got)
	}

	for _, sec := range rec.Detalle {
		if len(sec.Items) == 0 {
			continue
		}
		var items models.Subtotal
		for _, it := range sec.Items {
			items.ValorTotal += it.ValorTotal
			items.Bonificacion += it.Bonificacion
			items.CAEC += it.CAEC
			items.Seguro += it.Seguro
			items.Copago += it.Copago
		}
		for _, c := range subtotalColumns(sec.Subtotal, items) {
			agree("consistencia", "detalle."+sec.Seccion+".subtotal."+c.name,
				"subtotal does not equal the sum of its items", c.want, c.got)
		}
	}

	for _, r := range []struct {
		name string
		row  models.SummaryRow
	}{{"bono", f.Bono}, {"reembolso", f.Reembolso}, {"totales", f.Totales}} {
		agree("consistencia", "filas."+r.name+".prestacion",
			"prestacion does not equal bonificado plus caec, seguro and copago",
			r.row.Prestacion, r.row.Bonificado+r.row.CAEC+r.row.Seguro+r.row.CopagoAfiliado)
	}

	d := rec.Resumen.DesgloseBonificado
	agree("consistencia", "desglose_bonificado.totales.gasto",
		"breakdown spend total does not equal its components",
		d.Totales.Gasto, d.PlanComplementario.Gasto+d.GES.Gasto+d.GESCAEC.Gasto)
	agree("consistencia", "desglose_bonificado.totales.bonificado",
		"breakdown bonus total does not equal its components",
		d.Totales.Bonificado, d.PlanComplementario.Bonificado+d.GES.Bonificado+d.GESCAEC.Bonificado)

	for _, sec := range rec.Detalle {
		for i, it := range sec.Items {
			if it.ValorTotal <= 0 {
				continue
			}
			ratio := float64(it.Bonificacion) / float64(it.ValorTotal)
			if ratio > it.PorcentajePlan && !WithinTolerance(it.PorcentajePlan, ratio, ratioTol) {
				l.add(models.CheckConsistency, "consistencia",
					fmt.Sprintf("detalle.%s.items.%d.bonificacion", sec.Seccion, i),
					"item bonus exceeds the plan percentage", it.PorcentajePlan, ratio)
			}
		}
	}

	agree("consistencia", "copago_teorico",
		"theoretical copay does not equal the presented copay",
		copagoTeorico(f.Totales), f.Totales.CopagoAfiliado)
	return l
}

type column struct {
	name      string
	want, got int64
}

func subtotalColumns(want, got models.Subtotal) []column {
	return []column{
		{"valor_total", want.ValorTotal, got.ValorTotal},
		{"bonificacion", want.Bonificacion, got.Bonificacion},
		{"caec", want.CAEC, got.CAEC},
		{"seguro", want.Seguro, got.Seguro},
		{"copago", want.Copago, got.Copago},
	}
}

func rowColumns(want, got models.SummaryRow) []column {
	return []column{
		{"prestacion", want.Prestacion, got.Prestacion},
		{"bonificado", want.Bonificado, got.Bonificado},
		{"caec", want.CAEC, got.CAEC},
		{"seguro", want.Seguro, got.Seguro},
		{"copago_afiliado", want.CopagoAfiliado, got.CopagoAfiliado},
	}
}

func sameDate(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

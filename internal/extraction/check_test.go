package extraction

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/claimharvest/internal/errs"
	"github.com/shehryarbajwa/claimharvest/pkg/models"
)

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator(nil, nil, Options{Isapre: "CruzBlanca", RatioTolerance: 0.001, Workers: 2})
	require.NoError(t, err)
	return v
}

func fields(issues []models.ValidationIssue, check models.Check) []string {
	var out []string
	for _, is := range issues {
		if is.Check == check {
			out = append(out, is.Field)
		}
	}
	return out
}

func TestWithinTolerance(t *testing.T) {
	tests := []struct {
		name      string
		want, got float64
		tol       float64
		ok        bool
	}{
		{"exact", 7136564, 7136564, 0, true},
		{"off by one exact", 7136564, 7136565, 0, false},
		{"off by one relative", 7136564, 7136565, 0.001, true},
		{"beyond relative", 1000, 1002, 0.001, false},
		{"zero both", 0, 0, 0, true},
		{"zero want", 0, 1, 0.5, false},
		{"zero want full tolerance", 0, 1, 1, true},
		{"zero got", 1, 0, 0.5, false},
		{"symmetric", 1002, 1000, 0.002, true},
		{"ratio", 0.3423, 0.342346, 0.001, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.ok, WithinTolerance(tt.want, tt.got, tt.tol))
		})
	}
}

func TestValidateAcceptsConsistentDocument(t *testing.T) {
	v := newTestValidator(t)
	src := loadFixture(t)

	res := v.Check("doc.pdf", src, Extract(src, "CruzBlanca", 0))

	assert.True(t, res.Accepted, "issues: %+v", res.Issues)
	assert.Empty(t, res.Issues)
	assert.NoError(t, Rejection(res))
}

// A summary component perturbed by one peso breaks totales = bono + reembolso.
func TestValidateFlagsPerturbedComponent(t *testing.T) {
	v := newTestValidator(t)
	src := loadFixture(t)
	rec := Extract(src, "CruzBlanca", 0)
	rec.Resumen.Filas.Bono.Prestacion++

	res := v.Check("doc.pdf", src, rec)

	assert.False(t, res.Accepted)
	assert.Contains(t, fields(res.Issues, models.CheckConsistency), "filas.totales.prestacion")
	assert.Contains(t, fields(res.Issues, models.CheckContent), "filas.bono.prestacion")
	assert.ErrorIs(t, Rejection(res), errs.ErrRecordInvalid)
}

func TestValidatePrintedInconsistency(t *testing.T) {
	v := newTestValidator(t)
	data := fixtureText(t)
	data = strings.Replace(data, "Bono $ 2,954,918 $ 1,000,000", "Bono $ 2,954,919 $ 1,000,000", 1)

	res := v.Validate("doc.pdf", data)

	assert.False(t, res.Accepted)
	assert.Empty(t, fields(res.Issues, models.CheckContent))
	assert.Empty(t, fields(res.Issues, models.CheckSchema))
	assert.ElementsMatch(t, []string{"filas.totales.prestacion", "filas.bono.prestacion"},
		fields(res.Issues, models.CheckConsistency))
	assert.False(t, res.Record.Resumen.Consistencia.Ecuaciones.TotalesIgualBonoMasReembolso)
}

func TestConsistencyChecks(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.ExtractedRecord)
		field  string
	}{
		{
			name:   "section subtotal",
			mutate: func(r *models.ExtractedRecord) { r.Detalle[0].Subtotal.Copago += 10 },
			field:  "detalle.Hoteleria.subtotal.copago",
		},
		{
			name:   "breakdown total",
			mutate: func(r *models.ExtractedRecord) { r.Resumen.DesgloseBonificado.GES.Bonificado = 5 },
			field:  "desglose_bonificado.totales.bonificado",
		},
		{
			name:   "item bonus over plan percentage",
			mutate: func(r *models.ExtractedRecord) { r.Detalle[1].Items[0].Bonificacion = 9000 },
			field:  "detalle.ExamenesYProcedimientos.items.0.bonificacion",
		},
		{
			name: "presented copay",
			mutate: func(r *models.ExtractedRecord) {
				r.Resumen.Filas.Totales.CopagoAfiliado -= 100
				r.Resumen.Filas.Reembolso.CopagoAfiliado -= 100
			},
			field: "copago_teorico",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := Extract(loadFixture(t), "CruzBlanca", 0)
			tt.mutate(rec)
			assert.Contains(t, fields(Consistency(rec, 0, 0.001), models.CheckConsistency), tt.field)
		})
	}
}

func TestItemBonusBelowPercentageIsAllowed(t *testing.T) {
	rec := Extract(loadFixture(t), "CruzBlanca", 0)
	// Plan caps may pay less than the plan percentage.
	rec.Detalle[1].Items[0].Bonificacion = 100
	rec.Detalle[1].Items[0].Copago = 11900
	rec.Detalle[1].Subtotal.Bonificacion = 100
	rec.Detalle[1].Subtotal.Copago = 11900

	assert.Empty(t, Consistency(rec, 0, 0.001))
}

func TestSchemaRejectsMissingDates(t *testing.T) {
	v := newTestValidator(t)
	data := strings.Replace(fixtureText(t), "Emisión : 21/10/2025", "Emisión : 2025-10-21", 1)

	res := v.Validate("doc.pdf", data)

	assert.False(t, res.Accepted)
	assert.NotEmpty(t, fields(res.Issues, models.CheckSchema))
}

func TestSchemaRejectsDocumentWithoutSections(t *testing.T) {
	v := newTestValidator(t)

	res := v.Validate("empty.pdf", "Emisión : 21/10/2025 Fecha Entrega: 18/03/2025")

	assert.False(t, res.Accepted)
	assert.NotEmpty(t, fields(res.Issues, models.CheckSchema))
}

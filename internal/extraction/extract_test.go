package extraction

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/claimharvest/pkg/models"
)

func loadFixture(t *testing.T) *Source {
	t.Helper()
	data, err := os.ReadFile("testdata/liquidacion.txt")
	require.NoError(t, err)
	return NewSource(string(data))
}

func TestExtractHeader(t *testing.T) {
	rec := Extract(loadFixture(t), "CruzBlanca", 0)

	assert.Equal(t, models.DocumentType, rec.Document.Tipo)
	require.NotNil(t, rec.Document.Emision)
	assert.Equal(t, "2025-10-21", *rec.Document.Emision)
	require.NotNil(t, rec.Document.FechaEntrega)
	assert.Equal(t, "2025-03-18", *rec.Document.FechaEntrega)
	assert.Equal(t, "CruzBlanca", rec.Document.Isapre)
	assert.Equal(t, "Pagada", rec.Document.Estado)
	assert.Equal(t, "Clinica", rec.Document.Origen)
	assert.False(t, rec.Document.EsLeyUrgencia)

	assert.Equal(t, models.Person{RUT: "11119228-6", Nombre: "PEDRO RENE ARANCIBIA CORTES"}, rec.Cotizante)
	assert.Equal(t, models.Person{RUT: "10409306-K", Nombre: "MYRTA VIVIANA FUENZALIDA BORJA"}, rec.Paciente)

	assert.Equal(t, "PLS2024", rec.Plan.Codigo)
	assert.Equal(t, "88701561", rec.Plan.NSPM)
	require.NotNil(t, rec.Plan.InicioHospitalizacion)
	assert.Equal(t, "2025-03-02", *rec.Plan.InicioHospitalizacion)
	assert.Equal(t, "CLINICA SANTA MARIA S.A.", rec.Plan.Prestador)
	assert.Equal(t, "Prestador", rec.Plan.TramitaPor)
	require.NotNil(t, rec.Plan.SucursalOrigen)
	assert.Equal(t, "PROVIDENCIA", *rec.Plan.SucursalOrigen)
}

func TestExtractDetalle(t *testing.T) {
	rec := Extract(loadFixture(t), "CruzBlanca", 0)

	require.Len(t, rec.Detalle, 2)
	hot := rec.Detalle[0]
	assert.Equal(t, SectionHoteleria, hot.Seccion)
	require.Len(t, hot.Items, 2)
	first := hot.Items[0]
	assert.Equal(t, int64(2), first.Cantidad)
	assert.Equal(t, "02.01.001", first.Codigo)
	assert.Equal(t, "DIA CAMA HOSPITALIZACION", first.Descripcion)
	assert.Equal(t, int64(551), first.GrupoCobertura)
	assert.Equal(t, int64(1000000), first.ValorTotal)
	assert.Equal(t, int64(342300), first.Bonificacion)
	assert.InDelta(t, 0.3423, first.PorcentajePlan, 1e-9)
	assert.Equal(t, int64(657700), first.Copago)
	assert.Equal(t, "88701561", first.FolioBR)
	require.NotNil(t, hot.Items[1].FolioGC)
	assert.Equal(t, "---", *hot.Items[1].FolioGC)
	assert.Equal(t, models.Subtotal{ValorTotal: 1200000, Bonificacion: 442300, Copago: 757700}, hot.Subtotal)

	exam := rec.Detalle[1]
	assert.Equal(t, SectionExamenes, exam.Seccion)
	require.Len(t, exam.Items, 1)
	assert.True(t, exam.Items[0].MinFonasa)
	assert.Equal(t, models.Subtotal{ValorTotal: 12000, Bonificacion: 8400, Copago: 3600}, exam.Subtotal)
}

func TestExtractResumen(t *testing.T) {
	rec := Extract(loadFixture(t), "CruzBlanca", 0)
	r := rec.Resumen

	assert.Equal(t, int64(3), r.NumeroPrestaciones)
	assert.Equal(t, "CLP", r.Moneda)
	assert.Equal(t, int64(2954918), r.Filas.Bono.Prestacion)
	assert.Nil(t, r.Filas.Bono.Cheque)
	require.NotNil(t, r.Filas.Reembolso.Cheque)
	assert.Equal(t, int64(2000000), *r.Filas.Reembolso.Cheque)
	assert.Equal(t, int64(7136564), r.Filas.Totales.Prestacion)
	assert.Equal(t, int64(4136564), r.Filas.Totales.CopagoAfiliado)

	assert.Equal(t, models.SpendBonus{Gasto: 7136564, Bonificado: 3000000}, r.DesgloseBonificado.PlanComplementario)
	assert.Equal(t, models.SpendBonus{}, r.DesgloseBonificado.GES)
	assert.Equal(t, models.SpendBonus{Gasto: 7136564, Bonificado: 3000000}, r.DesgloseBonificado.Totales)

	assert.InDelta(t, 3000000.0/7136564.0, r.Porcentajes.BonificadoSobrePrestacion, 1e-12)
	assert.True(t, r.Consistencia.Ecuaciones.TotalesIgualBonoMasReembolso)
	assert.True(t, r.Consistencia.Ecuaciones.PrestacionIgualSumaComponentes)
	assert.True(t, r.Consistencia.Ecuaciones.CopagoTeoricoIgualPresentado)
	assert.Equal(t, int64(4136564), r.Consistencia.CopagoTeorico)
	assert.Zero(t, r.Consistencia.DiferenciaCopago)
}

func TestExtractEmptyText(t *testing.T) {
	rec := Extract(NewSource(""), "CruzBlanca", 0)

	assert.Nil(t, rec.Document.Emision)
	assert.NotNil(t, rec.Detalle)
	assert.Empty(t, rec.Detalle)
	assert.Equal(t, models.Ratios{}, rec.Resumen.Porcentajes)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "12696942-2", NormalizeRUT("12.696.942-2"))
	assert.Equal(t, "10409306-K", NormalizeRUT("10,409,306-k"))
	assert.Equal(t, "", NormalizeRUT(""))

	iso := NormalizeDate("21/10/2025")
	require.NotNil(t, iso)
	assert.Equal(t, "2025-10-21", *iso)
	assert.Nil(t, NormalizeDate("2025-10-21"))
	assert.Nil(t, NormalizeDate("31/02/2025"))
	assert.Nil(t, NormalizeDate(""))
}

func TestParseAmount(t *testing.T) {
	tests := map[string]int64{
		"$ 4,709,055": 4709055,
		"125.880":     125880,
		"0":           0,
		"---":         0,
		"-------":     0,
		"":            0,
		"abc":         0,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseAmount(in), in)
	}
}

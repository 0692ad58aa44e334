package report

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/claimharvest/internal/storage"
	"github.com/shehryarbajwa/claimharvest/pkg/models"
)

func record(rut string, prestacion, bonificado, copago int64) *models.ExtractedRecord {
	inicio := "2025-03-02"
	rec := &models.ExtractedRecord{}
	rec.Paciente = models.Person{RUT: rut, Nombre: "MYRTA FUENZALIDA"}
	rec.Plan.NSPM = "88701561"
	rec.Plan.InicioHospitalizacion = &inicio
	rec.Plan.Prestador = "CLINICA SANTA MARIA, S.A."
	rec.Resumen.Filas.Totales = models.SummaryRow{Prestacion: prestacion, Bonificado: bonificado, CopagoAfiliado: copago}
	return rec
}

func TestConsolidateExcludesRejected(t *testing.T) {
	results := []models.RecordResult{
		{Source: "a.pdf", Record: record("10409306-K", 7136564, 3000000, 4136564), Accepted: true},
		{Source: "b.pdf", Record: record("11119228-6", 100, 50, 50), Accepted: false,
			Issues: []models.ValidationIssue{{Check: models.CheckConsistency, Field: "filas.totales.prestacion"}}},
		{Source: "c.pdf", Record: record("12696942-2", 1000, 400, 600), Accepted: true},
	}

	data, sum, err := Consolidate(results)
	require.NoError(t, err)

	rows, err := csv.NewReader(strings.NewReader(string(data))).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, header, rows[0])
	assert.Equal(t, []string{
		"10409306-K", "MYRTA FUENZALIDA", "88701561", "2025-03-02", "CLINICA SANTA MARIA, S.A.",
		"7136564", "3000000", "4136564", "a.pdf",
	}, rows[1])
	assert.Equal(t, "c.pdf", rows[2][8])

	assert.Equal(t, 3, sum.Documents)
	assert.Equal(t, 2, sum.Accepted)
	require.Len(t, sum.Rejected, 1)
	assert.Equal(t, "b.pdf", sum.Rejected[0].Source)
	assert.Equal(t, int64(7137564), sum.TotalPrestacion)
	assert.Equal(t, int64(4137164), sum.TotalCopago)
}

func TestConsolidateEmpty(t *testing.T) {
	data, sum, err := Consolidate(nil)
	require.NoError(t, err)
	assert.Equal(t, strings.Join(header, ",")+"\n", string(data))
	assert.Zero(t, sum.Accepted)
	assert.NotNil(t, sum.Rejected)
}

func TestWrite(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	completeness := &models.CompletenessReport{TotalExpected: 1, TotalRetrieved: 1, SuccessRate: 100, Passed: true}

	_, err = Write(ctx, store, "job1", []models.RecordResult{
		{Source: "a.pdf", Record: record("10409306-K", 10, 5, 5), Accepted: true},
	}, completeness)
	require.NoError(t, err)

	keys, err := store.List(ctx, "job1/reports/")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"job1/reports/completeness.json",
		"job1/reports/consolidado.csv",
		"job1/reports/extraction.json",
	}, keys)

	raw, err := store.Get(ctx, "job1/reports/completeness.json")
	require.NoError(t, err)
	var got models.CompletenessReport
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.True(t, got.Passed)
}

// Package report aggregates accepted records of a job into its reports partition.
package report

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/shehryarbajwa/claimharvest/internal/storage"
	"github.com/shehryarbajwa/claimharvest/pkg/models"
)

const (
	ConsolidatedFile = "consolidado.csv"
	CompletenessFile = "completeness.json"
	ExtractionFile   = "extraction.json"
)

var header = []string{
	"rut_paciente",
	"nombre_paciente",
	"n_spm",
	"fecha_inicio",
	"prestador",
	"total_prestacion",
	"total_bonificado",
	"copago_afiliado",
	"archivo",
}

// Rejected names a record left out of the consolidated report
type Rejected struct {
	Source string                   `json:"source"`
	Issues []models.ValidationIssue `json:"issues"`
}

// Summary is the extraction outcome of a job
type Summary struct {
	Documents       int        `json:"documents"`
	Accepted        int        `json:"accepted"`
	Rejected        []Rejected `json:"rejected"`
	TotalPrestacion int64      `json:"totalPrestacion"`
	TotalCopago     int64      `json:"totalCopago"`
}

// Consolidate renders accepted records as CSV, one row per document.
// Rejected records are excluded and listed in the summary.
func Consolidate(results []models.RecordResult) ([]byte, *Summary, error) {
	sum := &Summary{Documents: len(results), Rejected: []Rejected{}}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return nil, nil, err
	}
	for _, r := range results {
		if !r.Accepted || r.Record == nil {
			sum.Rejected = append(sum.Rejected, Rejected{Source: r.Source, Issues: r.Issues})
			continue
		}
		rec := r.Record
		totals := rec.Resumen.Filas.Totales
		inicio := ""
		if rec.Plan.InicioHospitalizacion != nil {
			inicio = *rec.Plan.InicioHospitalizacion
		}
		row := []string{
			rec.Paciente.RUT,
			rec.Paciente.Nombre,
			rec.Plan.NSPM,
			inicio,
			rec.Plan.Prestador,
			strconv.FormatInt(totals.Prestacion, 10),
			strconv.FormatInt(totals.Bonificado, 10),
			strconv.FormatInt(totals.CopagoAfiliado, 10),
			r.Source,
		}
		if err := w.Write(row); err != nil {
			return nil, nil, err
		}
		sum.Accepted++
		sum.TotalPrestacion += totals.Prestacion
		sum.TotalCopago += totals.CopagoAfiliado
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, nil, err
	}
	return buf.Bytes(), sum, nil
}

// Write stores the consolidated CSV, the extraction summary and the
// completeness report under the job's reports partition.
func Write(ctx context.Context, store storage.FileStore, jobID string, results []models.RecordResult, completeness *models.CompletenessReport) (*Summary, error) {
	csvData, sum, err := Consolidate(results)
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", ConsolidatedFile, err)
	}
	if err := store.Put(ctx, storage.Key(jobID, storage.Reports, ConsolidatedFile), csvData); err != nil {
		return nil, fmt.Errorf("store %s: %w", ConsolidatedFile, err)
	}
	if err := putJSON(ctx, store, storage.Key(jobID, storage.Reports, ExtractionFile), sum); err != nil {
		return nil, err
	}
	if completeness != nil {
		if err := WriteCompleteness(ctx, store, jobID, completeness); err != nil {
			return nil, err
		}
	}
	return sum, nil
}

// WriteCompleteness stores the download completeness report on its own,
// which is all a job that failed the gate gets.
func WriteCompleteness(ctx context.Context, store storage.FileStore, jobID string, c *models.CompletenessReport) error {
	return putJSON(ctx, store, storage.Key(jobID, storage.Reports, CompletenessFile), c)
}

func putJSON(ctx context.Context, store storage.FileStore, key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := store.Put(ctx, key, data); err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	return nil
}

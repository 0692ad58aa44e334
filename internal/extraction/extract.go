package extraction

import (
	"strings"
	"time"

	"github.com/shehryarbajwa/claimharvest/pkg/models"
)

// Extract builds the structured record from a document's text. Derived
// blocks (porcentajes, consistencia) are computed with amountTol.
func Extract(src *Source, isapre string, amountTol float64) *models.ExtractedRecord {
	emision, entrega := src.Dates()
	plan := src.Plan()
	cotRUT, cotName := src.Cotizante()
	pacRUT, pacName := src.Paciente()

	rec := &models.ExtractedRecord{
		Document: models.DocumentHeader{
			Tipo:          models.DocumentType,
			Emision:       NormalizeDate(emision),
			FechaEntrega:  NormalizeDate(entrega),
			Isapre:        isapre,
			Estado:        plan.Estado,
			EsLeyUrgencia: plan.LeyUrgencia,
			Origen:        plan.Origen,
		},
		Cotizante: models.Person{RUT: NormalizeRUT(cotRUT), Nombre: cotName},
		Paciente:  models.Person{RUT: NormalizeRUT(pacRUT), Nombre: pacName},
		Plan: models.PlanInfo{
			Codigo:                plan.Codigo,
			NSPM:                  plan.NSPM,
			InicioHospitalizacion: NormalizeDate(plan.Inicio),
			TieneGastosGES:        plan.GES,
			TieneGastosCAEC:       plan.CAEC,
			TramitaPor:            plan.TramitaPor,
			Prestador:             plan.Prestador,
		},
		Detalle: src.Detalle(),
		Resumen: models.Summary{
			NumeroPrestaciones: src.Prestaciones(),
			Moneda:             "CLP",
			Filas:              src.Rows(),
			DesgloseBonificado: src.Breakdown(),
		},
	}
	if plan.HasSucursal {
		suc := plan.Sucursal
		rec.Plan.SucursalOrigen = &suc
	}
	if rec.Detalle == nil {
		rec.Detalle = []models.DetailSection{}
	}
	rec.Resumen.Porcentajes = ratios(rec.Resumen.Filas.Totales)
	rec.Resumen.Consistencia = consistency(rec.Resumen.Filas, amountTol)
	return rec
}

func ratios(t models.SummaryRow) models.Ratios {
	if t.Prestacion <= 0 {
		return models.Ratios{}
	}
	p := float64(t.Prestacion)
	return models.Ratios{
		BonificadoSobrePrestacion: float64(t.Bonificado) / p,
		CAECSobrePrestacion:       float64(t.CAEC) / p,
		SeguroSobrePrestacion:     float64(t.Seguro) / p,
	}
}

// consistency evaluates the summary equations printed alongside the record
func consistency(f models.SummaryRows, tol float64) models.Consistency {
	b, r, t := f.Bono, f.Reembolso, f.Totales
	teorico := copagoTeorico(t)
	return models.Consistency{
		Ecuaciones: models.Equations{
			TotalesIgualBonoMasReembolso: AmountsAgree(t.Prestacion, b.Prestacion+r.Prestacion, tol) &&
				AmountsAgree(t.Bonificado, b.Bonificado+r.Bonificado, tol) &&
				AmountsAgree(t.CAEC, b.CAEC+r.CAEC, tol),
			PrestacionIgualSumaComponentes: AmountsAgree(t.Prestacion, t.Bonificado+t.CAEC+t.Seguro+t.CopagoAfiliado, tol),
			CopagoTeoricoIgualPresentado:   AmountsAgree(teorico, t.CopagoAfiliado, tol),
		},
		CopagoTeorico:    teorico,
		DiferenciaCopago: teorico - t.CopagoAfiliado,
	}
}

func copagoTeorico(t models.SummaryRow) int64 {
	return t.Prestacion - t.Bonificado - t.CAEC - t.Seguro
}

// NormalizeRUT strips thousands separators and spaces: 12.696.942-2 becomes 12696942-2
func NormalizeRUT(rut string) string {
	return strings.ToUpper(strings.NewReplacer(".", "", ",", "", " ", "").Replace(rut))
}

// NormalizeDate converts dd/mm/yyyy to ISO 8601; anything else is nil
func NormalizeDate(s string) *string {
	if s == "" {
		return nil
	}
	t, err := time.Parse("02/01/2006", s)
	if err != nil {
		return nil
	}
	iso := t.Format("2006-01-02")
	return &iso
}

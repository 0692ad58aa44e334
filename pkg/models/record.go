package models

// DocumentType is the only document kind the extractor understands
const DocumentType = "LIQUIDACION_PROGRAMA_MEDICO"

// ExtractedRecord is the structured form of one settlement document.
// JSON field names follow the document schema used for validation.
type ExtractedRecord struct {
	Document  DocumentHeader  `json:"document"`
	Cotizante Person          `json:"cotizante"`
	Paciente  Person          `json:"paciente"`
	Plan      PlanInfo        `json:"plan"`
	Detalle   []DetailSection `json:"detalle"`
	Resumen   Summary         `json:"resumen"`
}

type DocumentHeader struct {
	Tipo          string  `json:"tipo"`
	Emision       *string `json:"emision"`
	FechaEntrega  *string `json:"fecha_entrega"`
	Isapre        string  `json:"isapre"`
	Estado        string  `json:"estado"`
	EsLeyUrgencia bool    `json:"es_ley_urgencia"`
	Origen        string  `json:"origen"`
	Noveno        *string `json:"noveno"`
}

type Person struct {
	RUT    string `json:"rut"`
	Nombre string `json:"nombre"`
}

type PlanInfo struct {
	Codigo                string  `json:"codigo"`
	NSPM                  string  `json:"n_spm"`
	InicioHospitalizacion *string `json:"inicio_hospitalizacion"`
	TieneGastosGES        bool    `json:"tiene_gastos_ges"`
	TieneGastosCAEC       bool    `json:"tiene_gastos_caec"`
	TramitaPor            string  `json:"tramita_por"`
	Prestador             string  `json:"prestador"`
	SucursalOrigen        *string `json:"sucursal_origen"`
}

// DetailSection is an itemized block such as Hoteleria
type DetailSection struct {
	Seccion  string       `json:"seccion"`
	Items    []DetailItem `json:"items"`
	Subtotal Subtotal     `json:"subtotal"`
}

type DetailItem struct {
	Cantidad       int64   `json:"cantidad"`
	Codigo         string  `json:"codigo"`
	Item           string  `json:"item"`
	Descripcion    string  `json:"descripcion"`
	GrupoCobertura int64   `json:"grupo_cobertura"`
	ValorUnitario  int64   `json:"valor_unitario"`
	ValorTotal     int64   `json:"valor_total"`
	Bonificacion   int64   `json:"bonificacion"`
	PorcentajePlan float64 `json:"porcentaje_plan"`
	CAEC           int64   `json:"caec"`
	Seguro         int64   `json:"seguro"`
	Copago         int64   `json:"copago"`
	TC             string  `json:"tc"`
	FolioGC        *string `json:"folio_gc"`
	TD             string  `json:"td"`
	FolioBR        string  `json:"folio_br"`
	MinFonasa      bool    `json:"min_fonasa"`
}

type Subtotal struct {
	ValorTotal   int64 `json:"valor_total"`
	Bonificacion int64 `json:"bonificacion"`
	CAEC         int64 `json:"caec"`
	Seguro       int64 `json:"seguro"`
	Copago       int64 `json:"copago"`
}

// Summary is the resumen block with declared totals
type Summary struct {
	NumeroPrestaciones int64          `json:"numero_prestaciones"`
	Moneda             string         `json:"moneda"`
	Filas              SummaryRows    `json:"filas"`
	Porcentajes        Ratios         `json:"porcentajes"`
	DesgloseBonificado BonusBreakdown `json:"desglose_bonificado"`
	Consistencia       Consistency    `json:"consistencia"`
}

type SummaryRows struct {
	Bono      SummaryRow `json:"bono"`
	Reembolso SummaryRow `json:"reembolso"`
	Totales   SummaryRow `json:"totales"`
}

type SummaryRow struct {
	Prestacion     int64  `json:"prestacion"`
	Bonificado     int64  `json:"bonificado"`
	CAEC           int64  `json:"caec"`
	Seguro         int64  `json:"seguro"`
	CopagoAfiliado int64  `json:"copago_afiliado"`
	Cheque         *int64 `json:"cheque"`
}

type Ratios struct {
	BonificadoSobrePrestacion float64 `json:"bonificado_sobre_prestacion"`
	CAECSobrePrestacion       float64 `json:"caec_sobre_prestacion"`
	SeguroSobrePrestacion     float64 `json:"seguro_sobre_prestacion"`
}

type SpendBonus struct {
	Gasto      int64 `json:"gasto"`
	Bonificado int64 `json:"bonificado"`
}

type BonusBreakdown struct {
	PlanComplementario SpendBonus `json:"plan_complementario"`
	GES                SpendBonus `json:"ges"`
	GESCAEC            SpendBonus `json:"ges_caec"`
	Totales            SpendBonus `json:"totales"`
}

type Equations struct {
	TotalesIgualBonoMasReembolso   bool `json:"totales_igual_bono_mas_reembolso"`
	PrestacionIgualSumaComponentes bool `json:"prestacion_igual_suma_componentes"`
	CopagoTeoricoIgualPresentado   bool `json:"copago_teorico_igual_presentado"`
}

type Consistency struct {
	Ecuaciones       Equations `json:"ecuaciones"`
	CopagoTeorico    int64     `json:"copago_teorico"`
	DiferenciaCopago int64     `json:"diferencia_copago"`
}

// Check names the validation stage that produced an issue
type Check string

const (
	CheckSchema      Check = "schema"
	CheckContent     Check = "content"
	CheckConsistency Check = "consistency"
)

// ValidationIssue is one failed check on an extracted record
type ValidationIssue struct {
	Check    Check  `json:"check"`
	Section  string `json:"section"`
	Field    string `json:"field"`
	Message  string `json:"message"`
	Expected any    `json:"expected,omitempty"`
	Actual   any    `json:"actual,omitempty"`
}

// RecordResult is the validated outcome for one downloaded document
type RecordResult struct {
	Source   string            `json:"source"`
	Record   *ExtractedRecord  `json:"record,omitempty"`
	Accepted bool              `json:"accepted"`
	Issues   []ValidationIssue `json:"issues,omitempty"`
}

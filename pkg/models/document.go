package models

// Query selects the listing to harvest
type Query struct {
	Year     int    `json:"year"`
	Month    int    `json:"month"`
	Provider string `json:"provider,omitempty"`
}

var monthNames = [...]string{
	"ENERO", "FEBRERO", "MARZO", "ABRIL", "MAYO", "JUNIO",
	"JULIO", "AGOSTO", "SEPTIEMBRE", "OCTUBRE", "NOVIEMBRE", "DICIEMBRE",
}

// MonthName returns the portal's spelling of month m (1-12), or "" when out of range
func MonthName(m int) string {
	if m < 1 || m > 12 {
		return ""
	}
	return monthNames[m-1]
}

// DocumentRecord is one row discovered in a paginated listing
type DocumentRecord struct {
	AccountNumber   string            `json:"accountNumber"`
	Group           string            `json:"group"`
	SubjectRUT      string            `json:"subjectRut"`
	BeneficiaryName string            `json:"beneficiaryName"`
	Diagnosis       string            `json:"diagnosis"`
	PaymentStatus   string            `json:"paymentStatus"`
	DownloadToken   string            `json:"-"`
	Columns         map[string]string `json:"columns,omitempty"`

	// GroupDate and Page locate the row: the reception date of its group
	// and the 1-based detail page it was read from.
	GroupDate string `json:"groupDate,omitempty"`
	Page      int    `json:"page,omitempty"`
}

// DownloadOutcome is the final download result for one DocumentRecord
type DownloadOutcome struct {
	AccountNumber string `json:"accountNumber"`
	Success       bool   `json:"success"`
	Bytes         int64  `json:"bytes"`
	Attempts      int    `json:"attempts"`
	Retries       int    `json:"retries"`
	Path          string `json:"path,omitempty"`
	FailureReason string `json:"failureReason,omitempty"`
	// Reconciled is set when the document was only recovered by the reconciliation pass.
	Reconciled bool `json:"reconciled,omitempty"`
}

// Thresholds are the completeness policy a report was evaluated against
type Thresholds struct {
	MinSuccessRate float64 `json:"minSuccessRate"`
	MinBytes       int64   `json:"minBytes"`
}

// CompletenessReport summarizes expected vs retrieved documents for one job
type CompletenessReport struct {
	TotalDeclared  int `json:"totalDeclared"`
	TotalExpected  int `json:"totalExpected"`
	TotalRetrieved int `json:"totalRetrieved"`
	// SuccessRate is a percentage rounded to two decimals.
	SuccessRate    float64           `json:"successRate"`
	FailedRecords  []DownloadOutcome `json:"failedRecords"`
	CorruptedFiles []string          `json:"corruptedFiles"`
	TotalBytes     int64             `json:"totalBytes"`
	// OneAttemptPerRecord is false when a record had zero or several outcomes.
	OneAttemptPerRecord bool       `json:"oneAttemptPerRecord"`
	Passed              bool       `json:"passed"`
	Thresholds          Thresholds `json:"thresholds"`
}

package download

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/shehryarbajwa/claimharvest/pkg/models"
)

func records(n int) []models.DocumentRecord {
	out := make([]models.DocumentRecord, n)
	for i := range out {
		out[i].AccountNumber = fmt.Sprint(i)
	}
	return out
}

func outcomes(n, ok int) []models.DownloadOutcome {
	out := make([]models.DownloadOutcome, n)
	for i := range out {
		out[i] = models.DownloadOutcome{AccountNumber: fmt.Sprint(i), Success: i < ok, Bytes: 1500, Attempts: 1}
	}
	return out
}

func TestBuildReport(t *testing.T) {
	th := models.Thresholds{MinSuccessRate: 0.95, MinBytes: 1000}

	tests := []struct {
		name      string
		declared  int
		records   []models.DocumentRecord
		outcomes  []models.DownloadOutcome
		corrupted []string
		wantRate  float64
		wantPass  bool
	}{
		{"all retrieved", 10, records(10), outcomes(10, 10), nil, 100.0, true},
		{"exactly at threshold", 20, records(20), outcomes(20, 19), nil, 95.0, true},
		{"one missing of ten", 10, records(10), outcomes(10, 9), nil, 90.0, false},
		{"corrupted blocks pass", 10, records(10), outcomes(10, 10), []string{"x.pdf"}, 100.0, false},
		{"nothing expected", 0, nil, nil, nil, 0, false},
		{"thirds round", 3, records(3), outcomes(3, 2), nil, 66.67, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := BuildReport(tt.declared, tt.records, tt.outcomes, tt.corrupted, th)
			assert.Equal(t, tt.wantRate, r.SuccessRate)
			assert.Equal(t, tt.wantPass, r.Passed)
			assert.LessOrEqual(t, r.TotalRetrieved, r.TotalExpected)
			if r.Passed {
				assert.GreaterOrEqual(t, r.SuccessRate, 95.0)
				assert.Empty(t, r.CorruptedFiles)
			}
		})
	}
}

func TestBuildReportOneOutcomePerRecord(t *testing.T) {
	th := models.Thresholds{MinSuccessRate: 0.95}

	dup := append(outcomes(3, 3), models.DownloadOutcome{AccountNumber: "0", Success: true})
	r := BuildReport(3, records(3), dup, nil, th)
	assert.False(t, r.OneAttemptPerRecord)
	assert.False(t, r.Passed)

	r = BuildReport(3, records(3), outcomes(2, 2), nil, th)
	assert.False(t, r.OneAttemptPerRecord)
	assert.False(t, r.Passed)

	stray := append(outcomes(3, 3), models.DownloadOutcome{AccountNumber: "ghost", Success: true})
	r = BuildReport(3, records(3), stray, nil, th)
	assert.False(t, r.OneAttemptPerRecord)
	assert.Equal(t, 3, r.TotalRetrieved)
}

package download

import (
	"math"

	"github.com/shehryarbajwa/claimharvest/pkg/models"
)

// BuildReport evaluates the outcomes of a run against the thresholds.
// Expected is the larger of the declared and discovered counts, so the
// retrieved total can never exceed it.
func BuildReport(declared int, records []models.DocumentRecord, outcomes []models.DownloadOutcome, corrupted []string, th models.Thresholds) *models.CompletenessReport {
	r := &models.CompletenessReport{
		TotalDeclared:  declared,
		TotalExpected:  max(declared, len(records)),
		FailedRecords:  []models.DownloadOutcome{},
		CorruptedFiles: []string{},
		Thresholds:     th,
	}
	r.CorruptedFiles = append(r.CorruptedFiles, corrupted...)

	perRecord := make(map[string]int, len(records))
	for _, rec := range records {
		perRecord[rec.AccountNumber] = 0
	}
	oneEach := true
	for _, o := range outcomes {
		n, known := perRecord[o.AccountNumber]
		if !known {
			oneEach = false
			continue
		}
		perRecord[o.AccountNumber] = n + 1
		if o.Success {
			r.TotalRetrieved++
			r.TotalBytes += o.Bytes
		} else {
			r.FailedRecords = append(r.FailedRecords, o)
		}
	}
	for _, n := range perRecord {
		if n != 1 {
			oneEach = false
		}
	}
	r.OneAttemptPerRecord = oneEach

	var ratio float64
	if r.TotalExpected > 0 {
		ratio = float64(r.TotalRetrieved) / float64(r.TotalExpected)
	}
	r.SuccessRate = math.Round(ratio*100*100) / 100
	r.Passed = r.TotalExpected > 0 &&
		ratio >= th.MinSuccessRate &&
		len(r.CorruptedFiles) == 0 &&
		oneEach
	return r
}

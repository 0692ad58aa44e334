package extraction

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/shehryarbajwa/claimharvest/pkg/models"
)

//go:embed schema.json
var schemaJSON []byte

// Schema checks records against the embedded liquidación schema
type Schema struct {
	schema *gojsonschema.Schema
}

func LoadSchema() (*Schema, error) {
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("load record schema: %w", err)
	}
	return &Schema{schema: s}, nil
}

// Check returns one issue per schema violation
func (s *Schema) Check(rec *models.ExtractedRecord) []models.ValidationIssue {
	data, err := json.Marshal(rec)
	if err != nil {
		return []models.ValidationIssue{{
			Check:   models.CheckSchema,
			Section: "schema",
			Field:   "(root)",
			Message: "record is not serializable: " + err.Error(),
		}}
	}

	result, err := s.schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return []models.ValidationIssue{{
			Check:   models.CheckSchema,
			Section: "schema",
			Field:   "(root)",
			Message: err.Error(),
		}}
	}
	if result.Valid() {
		return nil
	}

	issues := make([]models.ValidationIssue, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		issues = append(issues, models.ValidationIssue{
			Check:   models.CheckSchema,
			Section: "schema",
			Field:   e.Field(),
			Message: e.Description(),
		})
	}
	return issues
}

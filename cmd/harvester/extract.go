package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/shehryarbajwa/claimharvest/internal/config"
	"github.com/shehryarbajwa/claimharvest/internal/extraction"
	"github.com/shehryarbajwa/claimharvest/internal/report"
	"github.com/shehryarbajwa/claimharvest/pkg/models"
)

var extractCmd = &cobra.Command{
	Use:   "extract <pdf>...",
	Short: "Validate settlement PDFs from disk without a portal session",
	Long:  "Extracts and validates local settlement PDFs, printing one result per document and optionally writing the consolidated CSV.",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runExtract,
}

var (
	extractCSV    string
	extractStrict bool
)

func init() {
	extractCmd.Flags().StringVarP(&extractCSV, "csv", "o", "", "Write the consolidated CSV of accepted records here")
	extractCmd.Flags().BoolVar(&extractStrict, "strict", false, "Exit non-zero when any record is rejected")
	rootCmd.AddCommand(extractCmd)
}

func runExtract(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	v, err := extraction.NewValidator(nil, extraction.PDFText{}, extraction.OptionsFrom(cfg.Extraction, cfg.Portal.Isapre))
	if err != nil {
		return err
	}

	text := extraction.PDFText{}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")

	results := make([]models.RecordResult, 0, len(args))
	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		source := filepath.Base(path)
		var res models.RecordResult
		if body, err := text.Text(data); err != nil {
			res = extraction.Unreadable(source, err)
		} else {
			res = v.Validate(source, body)
		}
		if err := enc.Encode(res); err != nil {
			return err
		}
		results = append(results, res)
	}

	csvData, sum, err := report.Consolidate(results)
	if err != nil {
		return err
	}
	if extractCSV != "" {
		if err := os.WriteFile(extractCSV, csvData, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", extractCSV, err)
		}
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "%d documents, %d accepted, %d rejected\n", sum.Documents, sum.Accepted, len(sum.Rejected))
	if extractStrict && len(sum.Rejected) > 0 {
		return fmt.Errorf("%d records rejected", len(sum.Rejected))
	}
	return nil
}

// Command harvester runs the settlement harvesting service and its
// offline tools.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:          "harvester",
	Short:        "Medical settlement harvester",
	Long:         "Harvester opens a supervised login to the provider extranet, downloads the month's settlements and validates them into a consolidated report.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "harvester.yaml", "Path to the YAML config file (optional)")
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

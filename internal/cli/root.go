package cli

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var logLevel string

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug|info|warn|error)")
}

var rootCmd = &cobra.Command{
	Use:   "calltrace",
	Short: "Call-trace ingestion pipeline",
	Long: "Turns concurrent method enter/exit notifications into a deduplicated\n" +
		"call-trace database with parent/child linkage and crash-safe snapshots.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := log.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		log.SetOutput(os.Stderr)
		log.SetFormatter(&log.TextFormatter{
			DisableColors:    true,
			FullTimestamp:    true,
			DisableSorting:   true,
			QuoteEmptyFields: true,
		})
		log.SetLevel(level)
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

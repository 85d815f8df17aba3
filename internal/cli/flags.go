package cli

import (
	"github.com/spf13/cobra"

	"github.com/ppiankov/calltrace/internal/config"
)

// configFlags are the settings shared by commands that run a pipeline.
type configFlags struct {
	path            string
	options         string
	filters         string
	database        string
	journal         string
	checkpointEvery int64
	highWater       int
}

func (f *configFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.path, "config", "c", "", "Path to YAML config (optional)")
	cmd.Flags().StringVar(&f.options, "options", "", "Agent option string, e.g. filters=f.txt,database=trace.db")
	cmd.Flags().StringVar(&f.filters, "filters", "", "Path to filter file (YAML or +/- line format)")
	cmd.Flags().StringVar(&f.database, "database", "", "Snapshot location for the trace database")
	cmd.Flags().StringVar(&f.journal, "journal", "", "Path to checkpoint journal (optional)")
	cmd.Flags().Int64Var(&f.checkpointEvery, "checkpoint-every", 0, "Checkpoint after every N records (0 disables)")
	cmd.Flags().IntVar(&f.highWater, "queue-high-water", 0, "Warn when the ingestion queue grows past N events")
}

// load resolves the configuration: defaults, file, option string, flags.
func (f *configFlags) load(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(f.path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyOptions(f.options); err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("filters") {
		cfg.Filters = f.filters
	}
	if flags.Changed("database") {
		cfg.Database = f.database
	}
	if flags.Changed("journal") {
		cfg.Journal = f.journal
	}
	if flags.Changed("checkpoint-every") {
		cfg.CheckpointEvery = f.checkpointEvery
	}
	if flags.Changed("queue-high-water") {
		cfg.QueueHighWater = f.highWater
	}
	if rootCmd.PersistentFlags().Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	return cfg, cfg.Validate()
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"syscall"

	"github.com/oklog/run"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ppiankov/calltrace/internal/eventlog"
	"github.com/ppiankov/calltrace/internal/recording"
)

var (
	recordFlags      configFlags
	recordEvents     string
	recordControlDir string
)

func init() {
	rootCmd.AddCommand(recordCmd)
	recordFlags.register(recordCmd)
	recordCmd.Flags().StringVar(&recordEvents, "events", "", "Event log to replay (required)")
	recordCmd.Flags().StringVar(&recordControlDir, "control-dir", "", "Directory watched for start-recording/stop-recording files")
	recordCmd.MarkFlagRequired("events")
}

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Replay an event log through the trace pipeline",
	Long: "Reads enter/exit notifications from an event log and feeds them to the\n" +
		"pipeline. With --control-dir, recording starts when a start-recording file\n" +
		"appears and stops (with a checkpoint) when a stop-recording file appears.\n\n" +
		"The database is checkpointed periodically and once more at exit.",
	RunE: runRecord,
}

func runRecord(cmd *cobra.Command, args []string) error {
	cfg, err := recordFlags.load(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("control-dir") {
		cfg.ControlDir = recordControlDir
	}

	events, err := eventlog.Open(recordEvents)
	if err != nil {
		return err
	}
	defer events.Close()

	sw := recording.NewSwitch(cfg.ControlDir == "")
	p, cleanup, err := openPipeline(cfg, sw)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := cmd.Context()
	var g run.Group

	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return p.Run(ctx)
		}, func(error) {
			cancel()
		})
	}

	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			n, err := eventlog.Replay(ctx, events, p)
			log.Infof("Replayed %d notifications from %s", n, recordEvents)
			return err
		}, func(error) {
			cancel()
		})
	}

	if cfg.ControlDir != "" {
		ctl := recording.NewController(cfg.ControlDir, sw)
		ctl.Sync()
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return recording.Watch(ctx, ctl, cfg.PollInterval)
		}, func(error) {
			cancel()
		})
	}

	{
		g.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))
	}

	runErr := g.Run()
	var sigErr run.SignalError
	if errors.As(runErr, &sigErr) {
		log.Infof("Received %s, shutting down", sigErr.Signal)
		runErr = nil
	}
	if err := p.Close(); err != nil && runErr == nil {
		runErr = err
	}
	if runErr != nil {
		return fmt.Errorf("record: %w", runErr)
	}

	printStats(p)
	return nil
}

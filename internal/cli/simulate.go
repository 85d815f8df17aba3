package cli

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ppiankov/calltrace/internal/eventlog"
	"github.com/ppiankov/calltrace/internal/model"
	"github.com/ppiankov/calltrace/internal/recording"
	"github.com/ppiankov/calltrace/internal/workload"
)

var (
	simFlags    configFlags
	simThreads  int
	simEvents   int
	simMaxDepth int
	simSeed     uint64
	simOut      string
)

func init() {
	rootCmd.AddCommand(simulateCmd)
	simFlags.register(simulateCmd)
	simulateCmd.Flags().IntVar(&simThreads, "threads", 50, "Number of simulated threads")
	simulateCmd.Flags().IntVar(&simEvents, "events", 10000, "Call entries per thread")
	simulateCmd.Flags().IntVar(&simMaxDepth, "max-depth", 16, "Maximum call depth")
	simulateCmd.Flags().Uint64Var(&simSeed, "seed", 1, "Random seed")
	simulateCmd.Flags().StringVar(&simOut, "out", "", "Also write the notifications to this event log")
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Drive the pipeline with a synthetic concurrent workload",
	Long: "Starts N simulated threads that call into a fixed method catalogue and\n" +
		"feeds their notifications to the pipeline. With --out the same stream is\n" +
		"written to an event log that 'calltrace record' can replay.",
	RunE: runSimulate,
}

// fanout delivers every notification to each producer in order.
type fanout []workload.Producer

func (f fanout) Enter(thread model.Thread, m model.Method) {
	for _, p := range f {
		p.Enter(thread, m)
	}
}

func (f fanout) Exit(thread model.ThreadID) {
	for _, p := range f {
		p.Exit(thread)
	}
}

func runSimulate(cmd *cobra.Command, args []string) error {
	cfg, err := simFlags.load(cmd)
	if err != nil {
		return err
	}

	p, cleanup, err := openPipeline(cfg, recording.NewSwitch(true))
	if err != nil {
		return err
	}
	defer cleanup()

	producers := fanout{p}
	var out *eventlog.Writer
	if simOut != "" {
		out, err = eventlog.Create(simOut)
		if err != nil {
			return err
		}
		producers = append(producers, out)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.Run(gctx) })

	res, simErr := workload.Simulate(ctx, producers, workload.Config{
		Threads:         simThreads,
		EventsPerThread: simEvents,
		MaxDepth:        simMaxDepth,
		Seed:            simSeed,
	})
	cancel()
	if err := g.Wait(); err != nil && simErr == nil {
		simErr = err
	}
	if err := p.Close(); err != nil && simErr == nil {
		simErr = err
	}
	if out != nil {
		if err := out.Close(); err != nil && simErr == nil {
			simErr = err
		}
		log.Infof("Wrote %d notifications to %s", out.Count(), simOut)
	}
	if simErr != nil {
		return fmt.Errorf("simulate: %w", simErr)
	}

	fmt.Printf("threads:     %d\n", simThreads)
	fmt.Printf("enters:      %d\n", res.Enters)
	fmt.Printf("exits:       %d\n", res.Exits)
	printStats(p)
	return nil
}

package cli

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/ppiankov/calltrace/internal/config"
	"github.com/ppiankov/calltrace/internal/journal"
	"github.com/ppiankov/calltrace/internal/pipeline"
	"github.com/ppiankov/calltrace/internal/recording"
)

// openPipeline builds a pipeline from cfg. The returned cleanup closes the
// journal and must run after the pipeline is closed.
func openPipeline(cfg *config.Config, sw *recording.Switch) (*pipeline.Pipeline, func(), error) {
	if level, err := log.ParseLevel(cfg.LogLevel); err == nil && !rootCmd.PersistentFlags().Changed("log-level") {
		log.SetLevel(level)
	}

	opts := []pipeline.Option{pipeline.WithRecording(sw)}
	cleanup := func() {}
	if cfg.Journal != "" {
		j, err := journal.Open(cfg.Journal)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, pipeline.WithJournal(j))
		cleanup = func() {
			if err := j.Close(); err != nil {
				log.Warnf("Closing journal: %v", err)
			}
		}
	}

	p, err := pipeline.New(cfg.Pipeline(), cfg.OpenSink(), opts...)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return p, cleanup, nil
}

func printStats(p *pipeline.Pipeline) {
	s := p.Stats()
	fmt.Printf("session:     %s\n", p.Session())
	fmt.Printf("enqueued:    %d\n", s.Enqueued)
	fmt.Printf("filtered:    %d\n", s.Filtered)
	fmt.Printf("persisted:   %d\n", s.Persisted)
	fmt.Printf("dropped:     %d\n", s.Dropped)
	fmt.Printf("underflows:  %d\n", s.Underflows)
	fmt.Printf("checkpoints: %d\n", s.Checkpoints)
}

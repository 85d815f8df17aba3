package pipeline

import (
	"fmt"

	"github.com/zoobzio/clockz"

	"github.com/ppiankov/calltrace/internal/filter"
	"github.com/ppiankov/calltrace/internal/journal"
	"github.com/ppiankov/calltrace/internal/metrics"
	"github.com/ppiankov/calltrace/internal/model"
	"github.com/ppiankov/calltrace/internal/ratelimit"
	"github.com/ppiankov/calltrace/internal/recording"
)

// DefaultCheckpointEvery is the default number of trace records between
// periodic checkpoints.
const DefaultCheckpointEvery = 1_000_000

// Config is the static configuration of a pipeline.
type Config struct {
	// Filters are the class allow/deny lists. Empty lists record everything.
	Filters filter.Lists

	// FilterCacheSize bounds the filter decision cache. Zero uses
	// filter.DefaultCacheSize. Serializability decisions are never evicted.
	FilterCacheSize uint32

	// CheckpointEvery triggers a checkpoint after every N persisted
	// records. Zero disables periodic checkpoints.
	CheckpointEvery int64

	// QueueHighWater logs a warning each time the queue grows past it.
	// Zero disables the warning.
	QueueHighWater int

	// DropLogLimit throttles the error logged for each dropped event.
	// The zero value logs every drop.
	DropLogLimit ratelimit.Limit
}

// Resolver supplies names for a call site.
type Resolver interface {
	Resolve(site model.CallSiteID) (model.Method, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(site model.CallSiteID) (model.Method, error)

// Resolve calls f.
func (f ResolverFunc) Resolve(site model.CallSiteID) (model.Method, error) {
	return f(site)
}

// ThreadNamer names a thread that was delivered without a name.
type ThreadNamer func(id model.ThreadID) string

// DefaultThreadName is the ThreadNamer used when none is configured.
func DefaultThreadName(id model.ThreadID) string {
	return fmt.Sprintf("Thread-%d", id)
}

// Option configures the collaborators of a pipeline.
type Option func(*Pipeline)

// WithResolver sets the resolver used by EnterSite.
func WithResolver(r Resolver) Option {
	return func(p *Pipeline) { p.resolver = r }
}

// WithThreadNamer sets the fallback thread namer.
func WithThreadNamer(fn ThreadNamer) Option {
	return func(p *Pipeline) { p.namer = fn }
}

// WithRecording gates the pipeline on sw. Without it recording is always on.
func WithRecording(sw *recording.Switch) Option {
	return func(p *Pipeline) { p.recording = sw }
}

// WithJournal appends an entry to j after every checkpoint.
func WithJournal(j *journal.Log) Option {
	return func(p *Pipeline) { p.journal = j }
}

// WithClock sets the clock used for session ids and checkpoint timing.
func WithClock(c clockz.Clock) Option {
	return func(p *Pipeline) { p.clock = c }
}

// WithMetrics reports counters into m instead of the global meter.
func WithMetrics(m *metrics.Set) Option {
	return func(p *Pipeline) { p.metrics = m }
}

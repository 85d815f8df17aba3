// Package pipeline turns concurrent enter/exit notifications into trace
// records. Producers call Enter and Exit on the instrumented threads; a
// single consumer goroutine started with Run owns the interning caches and
// the storage sink.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"fortio.org/safecast"
	"github.com/oklog/ulid/v2"
	log "github.com/sirupsen/logrus"
	"github.com/zoobzio/clockz"

	"github.com/ppiankov/calltrace/internal/callstack"
	"github.com/ppiankov/calltrace/internal/filter"
	"github.com/ppiankov/calltrace/internal/intern"
	"github.com/ppiankov/calltrace/internal/journal"
	"github.com/ppiankov/calltrace/internal/metrics"
	"github.com/ppiankov/calltrace/internal/model"
	"github.com/ppiankov/calltrace/internal/queue"
	"github.com/ppiankov/calltrace/internal/ratelimit"
	"github.com/ppiankov/calltrace/internal/recording"
	"github.com/ppiankov/calltrace/internal/store"
)

var (
	// ErrRunning is returned by Run when the consumer is already running.
	ErrRunning = errors.New("pipeline: consumer already running")
	// ErrClosed is returned by Run after Close.
	ErrClosed = errors.New("pipeline: closed")
)

// Pipeline owns the queue, the call stacks, the caches and the sink.
type Pipeline struct {
	cfg Config

	queue        *queue.Queue[model.Event]
	stacks       *callstack.Tracker
	filter       *filter.Engine
	serializable *filter.Serializable
	sink         store.Sink

	resolver  Resolver
	namer     ThreadNamer
	recording *recording.Switch
	journal   *journal.Log
	clock     clockz.Clock
	metrics   *metrics.Set
	log       *log.Entry
	throttle  *ratelimit.Limiter

	session string

	// Consumer-owned.
	threads    *intern.Cache[string]
	classes    *intern.Cache[string]
	methods    *intern.Cache[string]
	signatures *intern.Cache[string]
	fqns       *intern.Cache[intern.FQNKey]
	slots      map[model.ThreadID][]slot

	checkpointReq chan journal.Reason
	stopCh        chan struct{}
	done          chan struct{}

	mu      sync.Mutex
	started bool
	closed  bool

	accepting atomic.Bool
	state     atomic.Int32

	enqueued    atomic.Uint64
	filtered    atomic.Uint64
	dropped     atomic.Uint64
	persisted   atomic.Uint64
	checkpoints atomic.Uint64
}

// slot remembers the trace id of the frame at one depth of a thread's stack.
type slot struct {
	token uint64
	trace model.ID
}

// New creates a pipeline writing to sink and starts a recording session.
func New(cfg Config, sink store.Sink, opts ...Option) (*Pipeline, error) {
	if sink == nil {
		return nil, errors.New("pipeline: nil sink")
	}
	size := cfg.FilterCacheSize
	if size == 0 {
		size = filter.DefaultCacheSize
	}
	engine, err := filter.NewWithCacheSize(cfg.Filters, size)
	if err != nil {
		return nil, fmt.Errorf("pipeline: filter: %w", err)
	}

	p := &Pipeline{
		cfg:           cfg,
		stacks:        callstack.New(),
		filter:        engine,
		serializable:  filter.NewSerializable(),
		sink:          sink,
		namer:         DefaultThreadName,
		clock:         clockz.RealClock,
		slots:         make(map[model.ThreadID][]slot),
		checkpointReq: make(chan journal.Reason, 4),
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.recording == nil {
		p.recording = recording.NewSwitch(true)
	}
	if p.metrics == nil {
		p.metrics = metrics.Global()
	}
	p.throttle = ratelimit.New(cfg.DropLogLimit, p.clock)

	var qopts []queue.Option
	if cfg.QueueHighWater > 0 {
		qopts = append(qopts, queue.WithHighWater(cfg.QueueHighWater, func(size int) {
			log.Warnf("ingestion queue above high-water mark: %d events pending", size)
		}))
	}
	p.queue = queue.New[model.Event](qopts...)

	p.threads = intern.New[string](sink.InternThread)
	p.classes = intern.New[string](sink.InternClass)
	p.methods = intern.New[string](sink.InternMethod)
	p.signatures = intern.New[string](sink.InternSignature)
	p.fqns = intern.New[intern.FQNKey](nil)

	now := p.clock.Now()
	p.session = ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
	p.log = log.WithField("session", p.session)
	if err := sink.BeginSession(p.session, now); err != nil {
		p.log.Warnf("Failed to record session start: %v", err)
	}

	p.recording.Subscribe(func(on bool) {
		if !on {
			p.RequestCheckpoint(journal.ReasonStop)
		}
	})
	p.accepting.Store(true)
	return p, nil
}

// Session returns the ULID of this recording session.
func (p *Pipeline) Session() string {
	return p.session
}

// Recording returns the recording switch the pipeline is gated on.
func (p *Pipeline) Recording() *recording.Switch {
	return p.recording
}

// Enter records a call entry with fully resolved names. It never blocks
// beyond brief lock acquisition and never fails.
func (p *Pipeline) Enter(thread model.Thread, m model.Method) {
	p.enter(thread, m.Site, &m)
}

// EnterSite records a call entry, resolving the names of site through the
// configured Resolver. A resolution failure drops the event.
func (p *Pipeline) EnterSite(thread model.Thread, site model.CallSiteID) {
	p.enter(thread, site, nil)
}

func (p *Pipeline) enter(thread model.Thread, site model.CallSiteID, m *model.Method) {
	// Stacks are maintained even while recording is off so that parent
	// linkage is correct when recording resumes mid-run.
	parent, hasParent, self, depth := p.stacks.Enter(thread.ID, site)

	if !p.recording.On() || !p.accepting.Load() {
		return
	}

	if m == nil {
		if p.resolver == nil {
			p.drop("no resolver for call site %d", site)
			return
		}
		resolved, err := p.resolver.Resolve(site)
		if err != nil {
			p.drop("resolve call site %d: %v", site, err)
			return
		}
		resolved.Site = site
		m = &resolved
	}

	if p.filter.IsExcluded(m.Class) {
		p.filtered.Add(1)
		p.metrics.Filtered()
		return
	}
	if !m.Valid() {
		p.drop("call site %d has no class or method name", site)
		return
	}
	p.serializable.Compute(m.Class, m.Generic)

	d, err := safecast.Conv[uint32](depth)
	if err != nil {
		p.drop("stack depth %d out of range", depth)
		return
	}
	ev := model.Event{
		Thread:     thread.ID,
		ThreadName: thread.Name,
		Class:      m.Class,
		Method:     m.Name,
		Signature:  m.Signature,
		Site:       site,
		Depth:      d,
		Token:      self.Token,
	}
	if hasParent {
		ev.Parent = parent.Site
		ev.ParentToken = parent.Token
	}
	if !p.queue.Push(ev) {
		// Lost the race with shutdown after the accepting check.
		return
	}
	p.enqueued.Add(1)
	p.metrics.Enqueued()
}

// Exit pops the thread's current frame. An exit on an empty stack is
// counted and otherwise ignored.
func (p *Pipeline) Exit(thread model.ThreadID) {
	if !p.stacks.Exit(thread) {
		p.metrics.Underflow()
		log.Debugf("exit without matching enter on thread %d", thread)
	}
}

func (p *Pipeline) drop(format string, args ...any) {
	p.dropped.Add(1)
	p.metrics.Dropped()
	ok, suppressed := p.throttle.Allow("drop")
	if !ok {
		return
	}
	if suppressed > 0 {
		p.log.Warnf("%d dropped events were not logged", suppressed)
	}
	p.log.Errorf("Dropping event: "+format, args...)
}

// IsSerializable reports whether class was seen with a serializable
// generic signature.
func (p *Pipeline) IsSerializable(class string) bool {
	return p.serializable.IsSerializable(class)
}

// RequestCheckpoint asks the consumer to checkpoint after the events queued
// so far. Requests coalesce while one is pending.
func (p *Pipeline) RequestCheckpoint(reason journal.Reason) {
	select {
	case p.checkpointReq <- reason:
	default:
	}
}

// State returns the consumer state.
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

// Stats returns the current counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		State:       p.State(),
		Enqueued:    p.enqueued.Load(),
		Filtered:    p.filtered.Load(),
		Dropped:     p.dropped.Load(),
		Persisted:   p.persisted.Load(),
		Underflows:  p.stacks.Underflows(),
		Checkpoints: p.checkpoints.Load(),
		Queued:      p.queue.Len(),
		Threads:     p.stacks.Threads(),
	}
}

// Run is the consumer loop. It returns after ctx is done or Close is called,
// once every queued event has been persisted and a final checkpoint taken.
func (p *Pipeline) Run(ctx context.Context) error {
	p.mu.Lock()
	switch {
	case p.closed:
		p.mu.Unlock()
		return ErrClosed
	case p.started:
		p.mu.Unlock()
		return ErrRunning
	}
	p.started = true
	p.mu.Unlock()

	defer close(p.done)
	p.log.Infof("Trace consumer started")

	for {
		p.drain()
		select {
		case <-p.queue.Ready():
		case reason := <-p.checkpointReq:
			p.drain()
			p.checkpoint(reason)
		case <-ctx.Done():
			p.shutdown()
			return nil
		case <-p.stopCh:
			p.shutdown()
			return nil
		}
	}
}

// Close stops the pipeline: the consumer drains the queue and takes a final
// checkpoint, then stacks are released and the sink closed. Close waits for
// a running consumer. It is safe to call more than once.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	started := p.started
	p.mu.Unlock()

	close(p.stopCh)
	if started {
		<-p.done
	} else {
		p.shutdown()
	}

	remaining := p.queue.Len()
	p.stacks.Release()
	p.log.Infof("Pipeline closed: %d events remaining, %d persisted, %d dropped",
		remaining, p.persisted.Load(), p.dropped.Load())
	if err := p.sink.Close(); err != nil {
		return fmt.Errorf("pipeline: close sink: %w", err)
	}
	return nil
}

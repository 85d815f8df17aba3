package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/calltrace/internal/filter"
	"github.com/ppiankov/calltrace/internal/journal"
	"github.com/ppiankov/calltrace/internal/metrics"
	"github.com/ppiankov/calltrace/internal/model"
	"github.com/ppiankov/calltrace/internal/ratelimit"
	"github.com/ppiankov/calltrace/internal/recording"
	"github.com/ppiankov/calltrace/internal/store"
)

func newTestPipeline(t *testing.T, cfg Config, sink store.Sink, opts ...Option) *Pipeline {
	t.Helper()
	opts = append([]Option{WithMetrics(metrics.Noop())}, opts...)
	p, err := New(cfg, sink, opts...)
	require.NoError(t, err)
	return p
}

// consume starts the consumer and returns a function that stops it, waits
// for the drain and closes the pipeline.
func consume(t *testing.T, p *Pipeline) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- p.Run(ctx) }()
	return func() {
		cancel()
		require.NoError(t, <-errc)
		require.NoError(t, p.Close())
	}
}

func method(site model.CallSiteID, class, name string) model.Method {
	return model.Method{Site: site, Class: class, Name: name, Signature: "()V"}
}

var mainThread = model.Thread{ID: 1, Name: "main"}

func TestCausalLinkage(t *testing.T) {
	sink := newMemSink()
	p := newTestPipeline(t, Config{}, sink)
	stop := consume(t, p)

	p.Enter(mainThread, method(1, "com.app.A", "a"))
	p.Enter(mainThread, method(2, "com.app.B", "b"))
	p.Exit(mainThread.ID)
	p.Enter(mainThread, method(3, "com.app.C", "c"))
	p.Exit(mainThread.ID)
	p.Exit(mainThread.ID)
	stop()

	got := sink.decoded()
	require.Len(t, got, 3)
	require.Equal(t, "com.app.A", got[0].Class)
	require.Equal(t, model.NoID, got[0].Parent)
	require.Equal(t, "com.app.B", got[1].Class)
	require.Equal(t, got[0].ID, got[1].Parent)
	require.Equal(t, "com.app.C", got[2].Class)
	require.Equal(t, got[0].ID, got[2].Parent)
	require.Equal(t, "main", got[0].Thread)
}

func TestRecursionLinksToExactInvocation(t *testing.T) {
	sink := newMemSink()
	p := newTestPipeline(t, Config{}, sink)
	stop := consume(t, p)

	for range 4 {
		p.Enter(mainThread, method(1, "com.app.Fib", "fib"))
	}
	for range 4 {
		p.Exit(mainThread.ID)
	}
	p.Enter(mainThread, method(1, "com.app.Fib", "fib"))
	p.Exit(mainThread.ID)
	stop()

	got := sink.decoded()
	require.Len(t, got, 5)
	require.Equal(t, model.NoID, got[0].Parent)
	for i := 1; i < 4; i++ {
		require.Equal(t, got[i-1].ID, got[i].Parent, "frame %d", i)
	}
	require.Equal(t, model.NoID, got[4].Parent, "second root call must not link to the first")
}

func TestDrainBeforeStop(t *testing.T) {
	sink := newMemSink()
	p := newTestPipeline(t, Config{}, sink)

	for i := range 1000 {
		th := model.Thread{ID: model.ThreadID(i%4 + 1), Name: fmt.Sprintf("t%d", i%4)}
		p.Enter(th, method(model.CallSiteID(i%7+1), "com.app.Svc", fmt.Sprintf("m%d", i%7)))
		p.Exit(th.ID)
	}
	require.Equal(t, 1000, p.Stats().Queued)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, p.Run(ctx))

	require.Equal(t, Stopped, p.State())
	require.Len(t, sink.decoded(), 1000)
	require.Equal(t, 0, p.Stats().Queued)
	require.Equal(t, uint64(1000), p.Stats().Persisted)
	require.Equal(t, 1, sink.checkpointCount())
	require.NoError(t, p.Close())
}

func TestCloseWithoutRunDrains(t *testing.T) {
	sink := newMemSink()
	p := newTestPipeline(t, Config{}, sink)

	for i := range 10 {
		p.Enter(mainThread, method(model.CallSiteID(i+1), "com.app.A", fmt.Sprintf("m%d", i)))
	}
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	require.Len(t, sink.decoded(), 10)
	require.True(t, sink.closed)
	require.Equal(t, 0, p.Stats().Threads)
	require.ErrorIs(t, p.Run(context.Background()), ErrClosed)

	// Producers after teardown are ignored.
	p.Enter(mainThread, method(99, "com.app.Late", "late"))
	require.Equal(t, 0, p.Stats().Queued)
}

var catalogue = []string{
	"com.app.Service",
	"com.app.Repository",
	"com.vendor.Driver",
	"com.app.Util",
	"org.lib.Codec",
}

func methodFor(class string) string {
	return "call" + class[strings.LastIndexByte(class, '.')+1:]
}

func TestConcurrentProducers(t *testing.T) {
	const (
		threads   = 50
		perThread = 10000
	)
	sink := newMemSink()
	cfg := Config{Filters: filter.Lists{Deny: []string{"com.vendor."}}}
	p := newTestPipeline(t, cfg, sink)
	stop := consume(t, p)

	var wg sync.WaitGroup
	for i := range threads {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			th := model.Thread{ID: model.ThreadID(i + 1), Name: fmt.Sprintf("worker-%d", i)}
			depth := 0
			for j := range perThread {
				class := catalogue[(i+j)%len(catalogue)]
				p.Enter(th, method(model.CallSiteID((i+j)%len(catalogue)+1), class, methodFor(class)))
				depth++
				if j%3 == 2 {
					for ; depth > 0; depth-- {
						p.Exit(th.ID)
					}
				}
			}
			for ; depth > 0; depth-- {
				p.Exit(th.ID)
			}
		}(i)
	}
	wg.Wait()
	stop()

	expected := 0
	for i := range threads {
		for j := range perThread {
			if !strings.HasPrefix(catalogue[(i+j)%len(catalogue)], "com.vendor.") {
				expected++
			}
		}
	}

	got := sink.decoded()
	require.Len(t, got, expected)
	stats := p.Stats()
	require.Equal(t, uint64(expected), stats.Persisted)
	require.Equal(t, uint64(threads*perThread-expected), stats.Filtered)
	require.Zero(t, stats.Underflows)

	byID := make(map[model.ID]decoded, len(got))
	for _, d := range got {
		_, dup := byID[d.ID]
		require.False(t, dup, "duplicate trace id %d", d.ID)
		byID[d.ID] = d
	}
	for _, d := range got {
		require.Contains(t, catalogue, d.Class)
		require.NotEqual(t, "com.vendor.Driver", d.Class)
		require.Equal(t, methodFor(d.Class), d.Method)
		require.Equal(t, "()V", d.Sig)
		require.True(t, strings.HasPrefix(d.Thread, "worker-"))
		if d.Parent != model.NoID {
			parent, ok := byID[d.Parent]
			require.True(t, ok, "parent %d of %d not recorded", d.Parent, d.ID)
			require.Less(t, parent.ID, d.ID)
			require.Equal(t, d.Thread, parent.Thread)
		}
	}
}

func TestRecordingOffStillTracksStacks(t *testing.T) {
	sink := newMemSink()
	sw := recording.NewSwitch(false)
	p := newTestPipeline(t, Config{}, sink, WithRecording(sw))
	stop := consume(t, p)

	p.Enter(mainThread, method(1, "com.app.Outer", "outer"))
	require.Equal(t, 1, p.stacks.Depth(mainThread.ID))
	require.Zero(t, p.Stats().Enqueued)

	sw.Set(true)
	p.Enter(mainThread, method(2, "com.app.Inner", "inner"))
	p.Enter(mainThread, method(3, "com.app.Leaf", "leaf"))
	require.Equal(t, 3, p.stacks.Depth(mainThread.ID))
	p.Exit(mainThread.ID)
	p.Exit(mainThread.ID)
	p.Exit(mainThread.ID)
	require.Equal(t, 0, p.stacks.Depth(mainThread.ID))
	stop()

	got := sink.decoded()
	require.Len(t, got, 2)
	require.Equal(t, "com.app.Inner", got[0].Class)
	require.Equal(t, model.NoID, got[0].Parent)
	require.Equal(t, got[0].ID, got[1].Parent)
}

func TestStopRecordingRequestsCheckpoint(t *testing.T) {
	sink := newMemSink()
	sw := recording.NewSwitch(true)
	p := newTestPipeline(t, Config{}, sink, WithRecording(sw))
	stop := consume(t, p)

	p.Enter(mainThread, method(1, "com.app.A", "a"))
	sw.Set(false)

	deadline := time.Now().Add(3 * time.Second)
	for sink.checkpointCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 1, sink.checkpointCount())
	require.Len(t, sink.decoded(), 1, "events queued before the stop are in the checkpoint")

	stop()
	require.Equal(t, 2, sink.checkpointCount())
}

func TestFilterPrecedence(t *testing.T) {
	sink := newMemSink()
	cfg := Config{Filters: filter.Lists{Allow: []string{"com.app."}, Deny: []string{"com."}}}
	p := newTestPipeline(t, cfg, sink)
	stop := consume(t, p)

	p.Enter(mainThread, method(1, "com.other.Bar", "bar"))
	p.Enter(mainThread, method(2, "com.app.Foo", "foo"))
	p.Enter(mainThread, method(3, "org.x.Baz", "baz"))
	p.Exit(mainThread.ID)
	p.Exit(mainThread.ID)
	p.Exit(mainThread.ID)
	stop()

	got := sink.decoded()
	require.Len(t, got, 2)
	require.Equal(t, "com.app.Foo", got[0].Class)
	require.Equal(t, model.NoID, got[0].Parent, "filtered caller leaves no parent")
	require.Equal(t, "org.x.Baz", got[1].Class)
	require.Equal(t, got[0].ID, got[1].Parent)
	require.Equal(t, uint64(1), p.Stats().Filtered)
}

func TestResolutionFailureDropsEvent(t *testing.T) {
	sink := newMemSink()
	resolver := ResolverFunc(func(site model.CallSiteID) (model.Method, error) {
		switch site {
		case 1:
			return model.Method{Class: "com.app.A", Name: "a", Signature: "()V"}, nil
		case 3:
			return model.Method{Class: "com.app.C", Name: "c", Signature: "(I)V"}, nil
		}
		return model.Method{}, errors.New("unknown call site")
	})
	p := newTestPipeline(t, Config{}, sink, WithResolver(resolver))
	stop := consume(t, p)

	p.EnterSite(mainThread, 1)
	p.EnterSite(mainThread, 2)
	p.EnterSite(mainThread, 3)
	p.Exit(mainThread.ID)
	p.Exit(mainThread.ID)
	p.Exit(mainThread.ID)
	stop()

	got := sink.decoded()
	require.Len(t, got, 2)
	require.Equal(t, "com.app.C", got[1].Class)
	require.Equal(t, "(I)V", got[1].Sig)
	require.Equal(t, model.NoID, got[1].Parent)
	require.Equal(t, uint64(1), p.Stats().Dropped)
}

func TestEnterSiteWithoutResolverDrops(t *testing.T) {
	sink := newMemSink()
	p := newTestPipeline(t, Config{}, sink)
	p.EnterSite(mainThread, 1)
	require.NoError(t, p.Close())

	require.Empty(t, sink.decoded())
	require.Equal(t, uint64(1), p.Stats().Dropped)
}

func TestInvalidMethodDropped(t *testing.T) {
	sink := newMemSink()
	p := newTestPipeline(t, Config{}, sink)
	p.Enter(mainThread, model.Method{Site: 1, Class: "com.app.A"})
	require.NoError(t, p.Close())

	require.Empty(t, sink.decoded())
	require.Equal(t, uint64(1), p.Stats().Dropped)
}

func TestDropLogsAreThrottled(t *testing.T) {
	hook := logtest.NewGlobal()
	defer log.StandardLogger().ReplaceHooks(make(log.LevelHooks))

	cfg := Config{DropLogLimit: ratelimit.Limit{MaxEvents: 2, Window: time.Hour}}
	p := newTestPipeline(t, cfg, newMemSink())
	for i := 0; i < 5; i++ {
		p.EnterSite(mainThread, model.CallSiteID(i+1))
	}
	require.NoError(t, p.Close())

	logged := 0
	for _, e := range hook.AllEntries() {
		if e.Level == log.ErrorLevel && strings.HasPrefix(e.Message, "Dropping event") {
			logged++
		}
	}
	require.Equal(t, 2, logged)
	require.Equal(t, uint64(5), p.Stats().Dropped)
}

func TestSinkFailureDropsOnlyThatWrite(t *testing.T) {
	sink := newMemSink()
	sink.failClass = "com.app.Bad"
	p := newTestPipeline(t, Config{}, sink)
	stop := consume(t, p)

	p.Enter(mainThread, method(1, "com.app.A", "a"))
	p.Enter(mainThread, method(2, "com.app.Bad", "bad"))
	p.Exit(mainThread.ID)
	p.Enter(mainThread, method(3, "com.app.C", "c"))
	p.Exit(mainThread.ID)
	p.Exit(mainThread.ID)
	stop()

	got := sink.decoded()
	require.Len(t, got, 2)
	require.Equal(t, got[0].ID, got[1].Parent)
	require.Equal(t, uint64(1), p.Stats().Dropped)
	require.Equal(t, uint64(2), p.Stats().Persisted)
}

func TestPeriodicCheckpoint(t *testing.T) {
	sink := newMemSink()
	p := newTestPipeline(t, Config{CheckpointEvery: 10}, sink)
	for range 25 {
		p.Enter(mainThread, method(1, "com.app.A", "a"))
		p.Exit(mainThread.ID)
	}
	require.NoError(t, p.Close())

	require.Equal(t, 3, sink.checkpointCount())
	require.Equal(t, uint64(3), p.Stats().Checkpoints)
}

func TestUnderflowIsIsolated(t *testing.T) {
	p := newTestPipeline(t, Config{}, newMemSink())
	p.Enter(mainThread, method(1, "com.app.A", "a"))
	p.Exit(9)

	require.Equal(t, uint64(1), p.Stats().Underflows)
	require.Equal(t, 1, p.stacks.Depth(mainThread.ID))
	require.NoError(t, p.Close())
}

func TestSerializableComputedForRecordedClasses(t *testing.T) {
	cfg := Config{Filters: filter.Lists{Deny: []string{"com.skip."}}}
	p := newTestPipeline(t, cfg, newMemSink())

	p.Enter(mainThread, model.Method{Site: 1, Class: "com.app.Dto", Name: "get",
		Generic: "Ljava/lang/Object;Ljava/io/Serializable;"})
	p.Enter(mainThread, model.Method{Site: 2, Class: "com.app.Svc", Name: "run"})
	p.Enter(mainThread, model.Method{Site: 3, Class: "com.skip.Wire", Name: "x",
		Generic: "Ljava/io/Serializable;"})

	require.True(t, p.IsSerializable("com.app.Dto"))
	require.False(t, p.IsSerializable("com.app.Svc"))
	require.False(t, p.IsSerializable("com.skip.Wire"))
	require.False(t, p.IsSerializable("com.app.Unknown"))
	require.NoError(t, p.Close())
}

func TestSerializableSurvivesFilterCacheTurnover(t *testing.T) {
	p := newTestPipeline(t, Config{FilterCacheSize: 64}, newMemSink())

	p.Enter(mainThread, model.Method{Site: 1, Class: "com.app.Dto", Name: "get",
		Generic: "Ljava/io/Serializable;"})
	p.Exit(mainThread.ID)
	for i := 0; i < 500; i++ {
		p.Enter(mainThread, method(model.CallSiteID(i+2), fmt.Sprintf("com.app.C%d", i), "run"))
		p.Exit(mainThread.ID)
	}

	require.True(t, p.IsSerializable("com.app.Dto"))
	require.NoError(t, p.Close())
}

func TestEnterAfterCloseIsIgnored(t *testing.T) {
	sink := newMemSink()
	p := newTestPipeline(t, Config{}, sink)
	require.NoError(t, p.Close())

	p.Enter(mainThread, method(1, "com.app.A", "a"))
	require.Zero(t, p.Stats().Enqueued)
	require.Zero(t, p.Stats().Queued)
	require.Empty(t, sink.decoded())
}

func TestThreadNameFallbackAndSession(t *testing.T) {
	sink := newMemSink()
	p := newTestPipeline(t, Config{}, sink)
	p.Enter(model.Thread{ID: 7}, method(1, "com.app.A", "a"))
	require.NoError(t, p.Close())

	got := sink.decoded()
	require.Len(t, got, 1)
	require.Equal(t, "Thread-7", got[0].Thread)
	require.Equal(t, []string{p.Session()}, sink.sessions)
	require.Len(t, p.Session(), 26)
}

func TestSQLiteSnapshotsAndJournal(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "trace.db")
	journalPath := filepath.Join(dir, "checkpoints.jsonl")

	sink, err := store.OpenSQLite(dbPath)
	require.NoError(t, err)
	j, err := journal.Open(journalPath)
	require.NoError(t, err)

	p := newTestPipeline(t, Config{CheckpointEvery: 5}, sink, WithJournal(j))
	p.Enter(mainThread, method(1, "com.app.Root", "run"))
	for i := range 11 {
		p.Enter(mainThread, method(model.CallSiteID(i+2), "com.app.Child", fmt.Sprintf("step%d", i%3)))
		p.Exit(mainThread.ID)
	}
	p.Exit(mainThread.ID)
	require.NoError(t, p.Close())
	require.NoError(t, j.Close())

	r, err := store.OpenReader(dbPath)
	require.NoError(t, err)
	defer r.Close()

	ctx := context.Background()
	problems, err := r.Verify(ctx)
	require.NoError(t, err)
	require.Empty(t, problems)

	counts, err := r.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(12), counts.Traces)
	require.Equal(t, int64(4), counts.FQNs)
	require.Equal(t, int64(1), counts.Sessions)

	rows, err := r.Traces(ctx, "main")
	require.NoError(t, err)
	require.Len(t, rows, 12)
	for _, row := range rows[1:] {
		require.Equal(t, rows[0].ID, row.Parent)
	}

	res := journal.Verify(journalPath)
	require.True(t, res.Valid, res.Error)
	entries, err := journal.ReadAll(journalPath)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, journal.ReasonPeriodic, entries[0].Reason)
	require.Equal(t, int64(5), entries[0].Records)
	require.Equal(t, journal.ReasonPeriodic, entries[1].Reason)
	require.Equal(t, journal.ReasonFinal, entries[2].Reason)
	require.Equal(t, int64(12), entries[2].Records)
	require.Equal(t, p.Session(), entries[2].Session)
	require.Equal(t, dbPath, entries[2].Snapshot)
}

package pipeline

import (
	"errors"
	"sync"
	"time"

	"github.com/ppiankov/calltrace/internal/model"
	"github.com/ppiankov/calltrace/internal/store"
)

var errSinkDown = errors.New("sink down")

// memSink is an in-memory store.Sink with reverse lookups for assertions.
type memSink struct {
	mu sync.Mutex

	next    model.ID
	names   map[string]map[string]model.ID
	reverse map[model.ID]string
	fqns    map[model.FQN]model.ID
	fqnByID map[model.ID]model.FQN
	sites   map[model.ID]model.CallSiteID
	traces  []model.TraceRecord

	sessions    []string
	checkpoints int
	closed      bool

	// failClass makes AppendTrace fail for FQNs of this class.
	failClass string
}

func newMemSink() *memSink {
	return &memSink{
		names:   make(map[string]map[string]model.ID),
		reverse: make(map[model.ID]string),
		fqns:    make(map[model.FQN]model.ID),
		fqnByID: make(map[model.ID]model.FQN),
		sites:   make(map[model.ID]model.CallSiteID),
	}
}

func (m *memSink) intern(table, name string) (model.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return model.NoID, store.ErrClosed
	}
	tbl := m.names[table]
	if tbl == nil {
		tbl = make(map[string]model.ID)
		m.names[table] = tbl
	}
	if id, ok := tbl[name]; ok {
		return id, nil
	}
	m.next++
	tbl[name] = m.next
	m.reverse[m.next] = name
	return m.next, nil
}

func (m *memSink) InternThread(name string) (model.ID, error)    { return m.intern("threads", name) }
func (m *memSink) InternClass(name string) (model.ID, error)     { return m.intern("classes", name) }
func (m *memSink) InternMethod(name string) (model.ID, error)    { return m.intern("methods", name) }
func (m *memSink) InternSignature(name string) (model.ID, error) { return m.intern("signatures", name) }

func (m *memSink) InternFQN(fqn model.FQN, site model.CallSiteID) (model.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.fqns[fqn]; ok {
		return id, nil
	}
	m.next++
	m.fqns[fqn] = m.next
	m.fqnByID[m.next] = fqn
	m.sites[m.next] = site
	return m.next, nil
}

func (m *memSink) AppendTrace(thread, fqn, parent model.ID) (model.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return model.NoID, store.ErrClosed
	}
	if m.failClass != "" && m.reverse[m.fqnByID[fqn].Class] == m.failClass {
		return model.NoID, errSinkDown
	}
	id := model.ID(len(m.traces) + 1)
	m.traces = append(m.traces, model.TraceRecord{ID: id, Thread: thread, FQN: fqn, Parent: parent})
	return id, nil
}

func (m *memSink) BeginSession(id string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = append(m.sessions, id)
	return nil
}

func (m *memSink) Checkpoint() (store.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints++
	return store.Snapshot{Records: int64(len(m.traces))}, nil
}

func (m *memSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// decoded is a trace with its names resolved.
type decoded struct {
	ID     model.ID
	Parent model.ID
	Thread string
	Class  string
	Method string
	Sig    string
}

func (m *memSink) decoded() []decoded {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]decoded, 0, len(m.traces))
	for _, tr := range m.traces {
		f := m.fqnByID[tr.FQN]
		out = append(out, decoded{
			ID:     tr.ID,
			Parent: tr.Parent,
			Thread: m.reverse[tr.Thread],
			Class:  m.reverse[f.Class],
			Method: m.reverse[f.Method],
			Sig:    m.reverse[f.Signature],
		})
	}
	return out
}

func (m *memSink) checkpointCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkpoints
}

package store

import (
	"sync/atomic"
	"time"

	"github.com/ppiankov/calltrace/internal/model"
)

// Null is the degraded-mode sink used when storage is unusable. It hands out
// fresh identities so the pipeline keeps running but persists nothing. Unlike
// SQLite it does not deduplicate; the pipeline's caches do that.
type Null struct {
	names  atomic.Int64
	fqns   atomic.Int64
	traces atomic.Int64
}

// NewNull creates a Null sink.
func NewNull() *Null {
	return &Null{}
}

// InternThread returns a fresh identity.
func (n *Null) InternThread(string) (model.ID, error) { return model.ID(n.names.Add(1)), nil }

// InternClass returns a fresh identity.
func (n *Null) InternClass(string) (model.ID, error) { return model.ID(n.names.Add(1)), nil }

// InternMethod returns a fresh identity.
func (n *Null) InternMethod(string) (model.ID, error) { return model.ID(n.names.Add(1)), nil }

// InternSignature returns a fresh identity.
func (n *Null) InternSignature(string) (model.ID, error) { return model.ID(n.names.Add(1)), nil }

// InternFQN returns a fresh identity.
func (n *Null) InternFQN(model.FQN, model.CallSiteID) (model.ID, error) {
	return model.ID(n.fqns.Add(1)), nil
}

// AppendTrace counts the trace and returns a fresh identity.
func (n *Null) AppendTrace(_, _, _ model.ID) (model.ID, error) {
	return model.ID(n.traces.Add(1)), nil
}

// BeginSession does nothing.
func (n *Null) BeginSession(string, time.Time) error { return nil }

// Checkpoint reports the number of traces seen; nothing is written.
func (n *Null) Checkpoint() (Snapshot, error) {
	return Snapshot{Records: n.traces.Load()}, nil
}

// Close does nothing.
func (n *Null) Close() error { return nil }

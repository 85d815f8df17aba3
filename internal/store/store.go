// Package store persists interned identities and trace records.
//
// A Sink is written by exactly one goroutine, the trace consumer.
package store

import (
	"errors"
	"time"

	"github.com/ppiankov/calltrace/internal/model"
)

// DefaultLocation is the snapshot path used when none is configured.
const DefaultLocation = "java-trace.db"

// ErrClosed is returned by operations on a closed sink.
var ErrClosed = errors.New("store: closed")

// Sink is the durable append target of the pipeline.
//
// The Intern methods are idempotent: the first call for a value allocates a
// new identity and later calls return the same one.
type Sink interface {
	InternThread(name string) (model.ID, error)
	InternClass(name string) (model.ID, error)
	InternMethod(name string) (model.ID, error)
	InternSignature(name string) (model.ID, error)
	InternFQN(fqn model.FQN, site model.CallSiteID) (model.ID, error)

	// AppendTrace allocates a trace identity and records the tuple.
	// parent may be model.NoID.
	AppendTrace(thread, fqn, parent model.ID) (model.ID, error)

	// BeginSession records the start of a recording session.
	BeginSession(id string, started time.Time) error

	// Checkpoint writes a durable snapshot of everything accumulated so
	// far. It is safe to call repeatedly and as the last operation.
	Checkpoint() (Snapshot, error)

	Close() error
}

// Snapshot describes a completed checkpoint.
type Snapshot struct {
	Path    string
	Records int64
	Bytes   int64
	SHA256  string
	Took    time.Duration
}

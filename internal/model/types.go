package model

// ID is a durable identity assigned by the storage sink. Identities start at 1;
// the zero value means "none".
type ID int64

// NoID marks a missing identity, e.g. a trace recorded without a parent.
const NoID ID = 0

// ThreadID is an opaque handle for an execution thread, stable for the
// thread's lifetime.
type ThreadID uint64

// CallSiteID is an opaque handle unique per instrumented method.
type CallSiteID uint64

// NoCallSite is the parent call site of a frame entered on an empty stack.
const NoCallSite CallSiteID = 0

// Thread identifies the thread delivering a notification.
type Thread struct {
	ID   ThreadID
	Name string
}

// Method describes an instrumented call site as supplied by the
// instrumentation source.
type Method struct {
	Site      CallSiteID
	Class     string
	Generic   string // generic class signature, may be empty
	Name      string
	Signature string
}

// Valid reports whether the method carries enough names to be recorded.
func (m Method) Valid() bool {
	return m.Class != "" && m.Name != ""
}

// Event is one call entry, created by a producer and consumed exactly once by
// the trace consumer.
type Event struct {
	Thread     ThreadID
	ThreadName string
	Class      string
	Method     string
	Signature  string
	Site       CallSiteID

	// Parent is the call site of the enclosing frame on the same thread.
	Parent CallSiteID

	// Depth is the zero-based stack depth of this frame. Token and
	// ParentToken identify the frame instances so the consumer can link a
	// child to the exact invocation of its parent.
	Depth       uint32
	Token       uint64
	ParentToken uint64
}

// FQN is the identity triple of a call site.
type FQN struct {
	Class     ID
	Method    ID
	Signature ID
}

// TraceRecord is the durable unit appended to the trace table.
type TraceRecord struct {
	ID     ID
	Thread ID
	FQN    ID
	Parent ID
}

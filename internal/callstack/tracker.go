// Package callstack tracks the active call chain of every instrumented thread.
package callstack

import (
	"sync"
	"sync/atomic"

	"github.com/ppiankov/calltrace/internal/model"
)

// Frame is one active call on a thread's stack. Token is unique per frame
// instance across all threads and is never zero.
type Frame struct {
	Site  model.CallSiteID
	Token uint64
}

// Tracker holds one stack per thread. A single mutex guards both the
// thread table and the stacks; enter/exit notifications are short.
type Tracker struct {
	mu      sync.Mutex
	stacks  map[model.ThreadID][]Frame
	nextTok uint64

	underflows atomic.Uint64
}

// New creates an empty tracker.
func New() *Tracker {
	return &Tracker{stacks: make(map[model.ThreadID][]Frame)}
}

// Enter pushes site onto the thread's stack. It returns the frame that was on
// top before the push (the caller), whether such a frame existed, and the
// frame that was pushed along with its zero-based depth.
func (t *Tracker) Enter(thread model.ThreadID, site model.CallSiteID) (parent Frame, hasParent bool, self Frame, depth int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	stack := t.stacks[thread]
	if n := len(stack); n > 0 {
		parent, hasParent = stack[n-1], true
	}
	t.nextTok++
	self = Frame{Site: site, Token: t.nextTok}
	depth = len(stack)
	t.stacks[thread] = append(stack, self)
	return parent, hasParent, self, depth
}

// Exit pops the top of the thread's stack. Popping an empty stack is counted
// as an anomaly and otherwise ignored; Exit reports whether a frame was popped.
func (t *Tracker) Exit(thread model.ThreadID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	stack := t.stacks[thread]
	if len(stack) == 0 {
		t.underflows.Add(1)
		return false
	}
	stack[len(stack)-1] = Frame{}
	t.stacks[thread] = stack[:len(stack)-1]
	return true
}

// Top returns the frame currently on top of the thread's stack.
func (t *Tracker) Top(thread model.ThreadID) (Frame, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	stack := t.stacks[thread]
	if len(stack) == 0 {
		return Frame{}, false
	}
	return stack[len(stack)-1], true
}

// Depth returns the number of active frames on the thread.
func (t *Tracker) Depth(thread model.ThreadID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.stacks[thread])
}

// Threads returns the number of threads with a stack.
func (t *Tracker) Threads() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.stacks)
}

// Underflows returns how many exits arrived on an empty stack.
func (t *Tracker) Underflows() uint64 {
	return t.underflows.Load()
}

// Release drops every stack. Called at teardown.
func (t *Tracker) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stacks = make(map[model.ThreadID][]Frame)
}

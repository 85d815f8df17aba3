package pipeline

// State is the consumer's lifecycle state.
type State int32

const (
	// Idle: the queue is empty and the consumer is waiting.
	Idle State = iota
	// Draining: the consumer is processing taken events.
	Draining
	// Stopping: shutdown was requested; the queue is drained before the
	// final checkpoint.
	Stopping
	// Stopped: the consumer has exited.
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Draining:
		return "draining"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Stats is a point-in-time view of the pipeline counters.
type Stats struct {
	State       State
	Enqueued    uint64
	Filtered    uint64
	Dropped     uint64
	Persisted   uint64
	Underflows  uint64
	Checkpoints uint64
	Queued      int
	Threads     int
}

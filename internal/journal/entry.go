package journal

// Reason says why a checkpoint was taken.
type Reason string

const (
	ReasonPeriodic Reason = "periodic"
	ReasonStop     Reason = "stop-recording"
	ReasonFinal    Reason = "final"
	ReasonManual   Reason = "manual"
)

// Entry is one line in the hash-chained JSONL checkpoint journal.
// All fields are plain values so json.Marshal output is deterministic.
type Entry struct {
	Timestamp string `json:"ts"`
	Session   string `json:"session"`
	Reason    Reason `json:"reason"`
	Snapshot  string `json:"snapshot"`
	Records   int64  `json:"records"`
	Bytes     int64  `json:"bytes"`
	SHA256    string `json:"sha256"`
	TookMS    int64  `json:"took_ms"`
	PrevHash  string `json:"prev_hash"`
}

package filter

import (
	"strings"
	"sync"
)

// SerializableMarker is the type descriptor of the platform's serialization
// marker interface as it appears in a generic class signature.
const SerializableMarker = "Ljava/io/Serializable"

// Serializable memoizes, per class name, whether the class's generic
// signature mentions SerializableMarker. Entries are never evicted: the
// generic signature is not available again once the class has been seen.
// Safe for concurrent use.
type Serializable struct {
	decisions sync.Map // string -> bool
}

// NewSerializable creates an empty cache.
func NewSerializable() *Serializable {
	return &Serializable{}
}

// Compute records the decision for className the first time it is seen.
// Later calls for the same class keep the first result.
func (s *Serializable) Compute(className, generic string) bool {
	if v, ok := s.decisions.Load(className); ok {
		return v.(bool)
	}
	v, _ := s.decisions.LoadOrStore(className, strings.Contains(generic, SerializableMarker))
	return v.(bool)
}

// IsSerializable returns the recorded decision, or false for a class that was
// never computed.
func (s *Serializable) IsSerializable(className string) bool {
	v, ok := s.decisions.Load(className)
	return ok && v.(bool)
}

// Len returns the number of classes with a recorded decision.
func (s *Serializable) Len() int {
	n := 0
	s.decisions.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}

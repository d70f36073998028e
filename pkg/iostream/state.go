package iostream

import "fmt"

// State is the lifecycle state of a Stream.
//
//	Unspawned ──▶ Spawned ──▶ Ended
//	    │            │
//	    └────────────┴──────▶ Errored
//
// Ended and Errored are terminal and mutually exclusive.
type State int

const (
	StateUnspawned State = iota
	StateSpawned
	StateEnded
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateUnspawned:
		return "unspawned"
	case StateSpawned:
		return "spawned"
	case StateEnded:
		return "ended"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether s is Ended or Errored.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateErrored
}

// Stats are cumulative counters of one Stream.
type Stats struct {
	BytesIn        int64 // bytes written to the process's stdin
	BytesOut       int64 // bytes delivered to the caller from stdout
	Writes         int64 // accepted WriteAsync calls
	DeferredWrites int64 // writes whose Ack waited for a drain
	Drains         int64 // times the write queue emptied with deferred Acks pending
	Pauses         int64 // times reading stdout paused on a full read buffer
}

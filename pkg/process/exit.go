package process

import (
	"fmt"
	"os"
)

// Classification is how a process terminated.
type Classification int

const (
	// Graceful means no signal and exit code 0.
	Graceful Classification = iota
	// Signaled means the process was terminated by a signal.
	Signaled
	// Nonzero means no signal and an exit code other than 0.
	Nonzero
)

func (c Classification) String() string {
	switch c {
	case Graceful:
		return "graceful"
	case Signaled:
		return "signaled"
	case Nonzero:
		return "nonzero"
	default:
		return fmt.Sprintf("classification(%d)", int(c))
	}
}

// Outcome is the classified termination of one process.
type Outcome struct {
	Code   *int   // exit code, nil when the process was signaled or the code is unknown
	Signal string // signal name such as "SIGTERM", empty when not signaled
	Class  Classification
}

// Classify turns a raw (code, signal) pair into an Outcome.
//
// A signal always wins: the process is Signaled even if a code is present.
// Without a signal, code 0 is Graceful and anything else, including an
// unknown code, is Nonzero.
func Classify(code *int, signal string) Outcome {
	out := Outcome{Code: code, Signal: signal}
	switch {
	case signal != "":
		out.Class = Signaled
	case code != nil && *code == 0:
		out.Class = Graceful
	default:
		out.Class = Nonzero
	}
	return out
}

// Interpret extracts the exit code and signal from a finished process and
// classifies them. A nil state (the process never ran) classifies as Nonzero.
func Interpret(state *os.ProcessState) Outcome {
	if state == nil {
		return Classify(nil, "")
	}
	if sig := signalName(state); sig != "" {
		return Classify(nil, sig)
	}
	code := state.ExitCode()
	if code < 0 {
		return Classify(nil, "")
	}
	return Classify(&code, "")
}

// Success reports whether the outcome is Graceful.
func (o Outcome) Success() bool {
	return o.Class == Graceful
}

// Err returns nil for a graceful exit and an *ExitError otherwise.
func (o Outcome) Err() error {
	if o.Class == Graceful {
		return nil
	}
	return &ExitError{Outcome: o}
}

// ExitCode returns the exit code, or -1 when there is none.
func (o Outcome) ExitCode() int {
	if o.Code == nil {
		return -1
	}
	return *o.Code
}

func (o Outcome) String() string {
	switch o.Class {
	case Signaled:
		return "killed by " + o.Signal
	case Graceful:
		return "exited with code 0"
	default:
		if o.Code == nil {
			return "exited with unknown status"
		}
		return fmt.Sprintf("exited with code %d", *o.Code)
	}
}

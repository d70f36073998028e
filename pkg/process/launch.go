// Package process starts OS processes with piped standard streams and
// classifies how they terminate.
//
// The launcher creates the stdin/stdout (and optionally stderr) pipes itself
// instead of using exec.Cmd's pipe helpers. That way Wait can be called as
// soon as the process exits without discarding output that is still sitting
// in the stdout pipe: the read ends stay open until the owner closes them.
package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Spec describes the process to launch.
type Spec struct {
	Command    string   // executable name (resolved via PATH) or path
	Args       []string // arguments, not including the command itself
	Dir        string   // working directory, empty for the caller's
	Env        []string // extra KEY=VALUE pairs appended to os.Environ()
	PipeStderr bool     // pipe stderr to the caller; otherwise inherit os.Stderr
}

// Handle is one spawned process and the caller's ends of its pipes.
type Handle struct {
	cmd     *exec.Cmd
	stdin   *os.File
	stdout  *os.File
	stderr  *os.File
	started time.Time

	waitOnce sync.Once
	outcome  Outcome
	exited   chan struct{}

	closeOnce sync.Once
}

// Launch starts the process described by spec.
//
// Launch does not wait for the process. A failure to create the process
// (missing executable, permission denied, bad working directory) is returned
// as a *SpawnError. Callers own the returned Handle and must call Wait
// exactly as they would for exec.Cmd, and Close once they are done with the
// pipes.
func Launch(spec Spec) (*Handle, error) {
	if spec.Command == "" {
		return nil, &SpawnError{Command: spec.Command, Err: errors.New("command is required")}
	}

	//nolint:gosec // G204: running caller-provided commands is the point of this package
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}

	// childEnds are handed to the process and closed here after Start.
	var childEnds, parentEnds []*os.File
	cleanup := func() {
		closeAll(childEnds)
		closeAll(parentEnds)
	}

	inR, inW, err := os.Pipe()
	if err != nil {
		return nil, &SpawnError{Command: spec.Command, Err: fmt.Errorf("stdin pipe: %w", err)}
	}
	childEnds, parentEnds = append(childEnds, inR), append(parentEnds, inW)

	outR, outW, err := os.Pipe()
	if err != nil {
		cleanup()
		return nil, &SpawnError{Command: spec.Command, Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	childEnds, parentEnds = append(childEnds, outW), append(parentEnds, outR)

	var errR *os.File
	cmd.Stderr = os.Stderr
	if spec.PipeStderr {
		var errW *os.File
		errR, errW, err = os.Pipe()
		if err != nil {
			cleanup()
			return nil, &SpawnError{Command: spec.Command, Err: fmt.Errorf("stderr pipe: %w", err)}
		}
		childEnds, parentEnds = append(childEnds, errW), append(parentEnds, errR)
		cmd.Stderr = errW
	}

	cmd.Stdin = inR
	cmd.Stdout = outW

	if err := cmd.Start(); err != nil {
		cleanup()
		return nil, &SpawnError{Command: spec.Command, Err: err}
	}

	// The child holds its own copies now. Keeping ours open would stop the
	// stdout pipe from ever reporting EOF and hide EPIPE on stdin.
	closeAll(childEnds)

	return &Handle{
		cmd:     cmd,
		stdin:   inW,
		stdout:  outR,
		stderr:  errR,
		started: time.Now(),
		exited:  make(chan struct{}),
	}, nil
}

// PID returns the operating system process id.
func (h *Handle) PID() int {
	return h.cmd.Process.Pid
}

// Stdin returns the write end of the process's standard input.
func (h *Handle) Stdin() io.WriteCloser { return h.stdin }

// Stdout returns the read end of the process's standard output.
func (h *Handle) Stdout() io.ReadCloser { return h.stdout }

// Stderr returns the read end of the process's standard error, or nil when
// stderr is inherited.
func (h *Handle) Stderr() io.ReadCloser {
	if h.stderr == nil {
		return nil
	}
	return h.stderr
}

// Started returns when the process was started.
func (h *Handle) Started() time.Time { return h.started }

// Wait blocks until the process exits and returns its classified outcome.
//
// Only the first call waits on the OS; later calls return the same Outcome.
func (h *Handle) Wait() Outcome {
	h.waitOnce.Do(func() {
		// With *os.File stdio there are no copying goroutines, so the only
		// error Wait can report is the exit status itself.
		_ = h.cmd.Wait()
		h.outcome = Interpret(h.cmd.ProcessState)
		close(h.exited)
	})
	<-h.exited
	return h.outcome
}

// Exited is closed once Wait has observed the process exit.
func (h *Handle) Exited() <-chan struct{} {
	return h.exited
}

// Terminate asks the process to stop and kills it if it is still running
// after grace. It does not wait for the exit itself; some other goroutine
// must be in Wait for the grace timer to observe it.
func (h *Handle) Terminate(grace time.Duration) error {
	select {
	case <-h.exited:
		return nil
	default:
	}

	if err := terminate(h.cmd.Process); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return h.kill()
	}

	go func() {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-h.exited:
		case <-timer.C:
			_ = h.kill()
		}
	}()
	return nil
}

func (h *Handle) kill() error {
	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill process (pid %d): %w", h.cmd.Process.Pid, err)
	}
	return nil
}

// Close releases the caller's ends of the pipes. Blocked reads and writes on
// them return immediately. Safe to call more than once.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		closeAll([]*os.File{h.stdin, h.stdout, h.stderr})
	})
	return nil
}

func closeAll(files []*os.File) {
	for _, f := range files {
		if f != nil {
			_ = f.Close()
		}
	}
}

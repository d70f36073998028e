// Package iostream turns an OS process's stdin and stdout into a single
// bidirectional, flow-controlled stream.
//
// A Stream is an io.ReadWriteCloser. Writes are queued for the process's
// standard input and acknowledged asynchronously: while the queue is below
// its high-water mark an acknowledgment completes at once, past it the
// acknowledgment waits until the queue drains. Reads pull from the process's
// standard output through a bounded buffer; when the caller stops reading
// the buffer fills, reading from the process pauses and the process itself
// blocks on its writes.
//
// Three lifecycles meet in one Stream: the caller's writes, the process's
// output and the process's termination. They are reconciled into one state
// machine:
//
//	s, err := iostream.New("cat", nil)
//	if err != nil {
//		return err // invalid configuration only
//	}
//	defer s.Close()
//
//	go func() {
//		io.WriteString(s, "data flows down the pipe\n")
//		s.CloseWrite() // Finished() closes once stdin is flushed and closed
//	}()
//
//	out, err := io.ReadAll(s) // Ended() closes at EOF after a graceful exit
//
// The stream reaches StateEnded only when its input was fully flushed and
// closed and its output was read to the end after the process exited
// gracefully. Any failure (spawn, stdin, stdout, a signal, a nonzero exit,
// cancellation) moves it to StateErrored exactly once; the error is
// available from Err and every later operation returns it. Failed processes
// that wrote to stderr are reported as ErrStderrFailure with the captured
// lines attached, unless WithStderrPolicy(false) is used.
//
// Handler adapts a command into a flow.Handler so processes can be composed
// with other stages.
package iostream

package iostream

import (
	"bytes"
	"io"
	"sync"
)

const pumpChunkSize = 32 * 1024

// source is the read side: one pump goroutine moves stdout into a bounded
// buffer that Read drains.
//
// The pump is the only reader of the pipe and the buffer is the only place
// it is paused or resumed: it stops reading once hwm bytes are buffered and
// continues when Read brings the buffer back under hwm. While paused the OS
// pipe fills up and the process blocks on its own writes.
//
// Read reports io.EOF only after stdout is exhausted and the exit was
// released as graceful, so buffered output is delivered in full after the
// process exits. The source never calls its hooks with mu held.
type source struct {
	r   io.Reader
	hwm int

	onEnd   func()          // first io.EOF returned to the caller
	onError func(err error) // reading stdout failed

	start sync.Once

	mu       sync.Mutex
	cond     *sync.Cond
	buf      bytes.Buffer
	eof      bool
	released bool
	ended    bool
	err      error

	bytesOut, pauses int64
}

func newSource(r io.Reader, hwm int) *source {
	s := &source{r: r, hwm: hwm}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// demand starts the pump on first use; later calls are no-ops.
func (s *source) demand() {
	s.start.Do(func() { go s.pump() })
}

func (s *source) pump() {
	chunk := make([]byte, pumpChunkSize)
	for {
		s.mu.Lock()
		if s.buf.Len() >= s.hwm && s.err == nil {
			s.pauses++
			for s.buf.Len() >= s.hwm && s.err == nil {
				s.cond.Wait()
			}
		}
		if s.err != nil {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		n, err := s.r.Read(chunk)

		s.mu.Lock()
		if s.err != nil {
			s.mu.Unlock()
			return
		}
		if n > 0 {
			s.buf.Write(chunk[:n])
			s.cond.Broadcast()
		}
		if err == io.EOF {
			s.eof = true
			s.cond.Broadcast()
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		if err != nil {
			s.onError(err)
			return
		}
	}
}

// read blocks until output is buffered, the output is complete, or the
// session fails. A failure discards whatever is still buffered.
func (s *source) read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	for {
		if s.err != nil {
			err := s.err
			s.mu.Unlock()
			return 0, err
		}
		if s.buf.Len() > 0 {
			n, _ := s.buf.Read(p)
			s.bytesOut += int64(n)
			s.cond.Broadcast()
			s.mu.Unlock()
			return n, nil
		}
		if s.eof && s.released {
			first := !s.ended
			s.ended = true
			s.mu.Unlock()
			if first {
				s.onEnd()
			}
			return 0, io.EOF
		}
		s.cond.Wait()
	}
}

// release allows io.EOF once stdout is exhausted.
func (s *source) release() {
	s.mu.Lock()
	s.released = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// fail wakes every reader and the pump with err.
func (s *source) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
		s.buf.Reset()
	}
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *source) stats() (bytesOut, pauses int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesOut, s.pauses
}

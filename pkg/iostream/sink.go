package iostream

import (
	"io"
	"sync"
)

// sink is the write side: a FIFO of chunks drained into the process's stdin
// by a single flusher goroutine.
//
// Acks complete immediately while fewer than hwm bytes are queued. Once the
// queue reaches hwm, acks are held until it empties (a drain), which is the
// backpressure the caller observes.
//
// The sink never calls its hooks with mu held.
type sink struct {
	w   io.WriteCloser
	hwm int

	onFinish func() error    // stdin closed after a full flush; returns the session error, if any
	onError  func(err error) // stdin write or close failed
	onDrain  func()          // deferred acks released

	mu       sync.Mutex
	cond     *sync.Cond
	queue    [][]byte
	buffered int
	deferred []*Ack
	endAck   *Ack
	exited   bool  // process gone: no new writes, end still allowed
	err      error // session failed: nothing more happens

	writes, deferredWrites, drains, bytesIn int64
}

func newSink(w io.WriteCloser, hwm int) *sink {
	s := &sink{w: w, hwm: hwm}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// write queues chunk. ok is false when the sink no longer accepts writes.
func (s *sink) write(chunk []byte) (ack *Ack, ok bool) {
	s.mu.Lock()
	if s.err != nil || s.exited || s.endAck != nil {
		s.mu.Unlock()
		return nil, false
	}

	ack = newAck()
	s.writes++
	if len(chunk) == 0 {
		s.mu.Unlock()
		ack.complete(nil)
		return ack, true
	}

	s.queue = append(s.queue, append([]byte(nil), chunk...))
	s.buffered += len(chunk)
	immediate := s.buffered < s.hwm
	if !immediate {
		s.deferred = append(s.deferred, ack)
		s.deferredWrites++
	}
	s.cond.Signal()
	s.mu.Unlock()

	if immediate {
		ack.complete(nil)
	}
	return ack, true
}

// end closes stdin once every queued chunk is written. Repeated calls
// return the same Ack. ok is false when the session already failed.
func (s *sink) end() (ack *Ack, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, false
	}
	if s.endAck == nil {
		s.endAck = newAck()
		s.cond.Signal()
	}
	return s.endAck, true
}

// markExited rejects further writes after the process exits. Queued chunks
// are still attempted and fail on the closed pipe.
func (s *sink) markExited() {
	s.mu.Lock()
	s.exited = true
	s.mu.Unlock()
}

// fail stops the flusher and completes every outstanding ack with err.
func (s *sink) fail(err error) {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return
	}
	s.err = err
	pending := s.deferred
	s.deferred = nil
	endAck := s.endAck
	s.queue = nil
	s.buffered = 0
	s.cond.Broadcast()
	s.mu.Unlock()

	for _, ack := range pending {
		ack.complete(err)
	}
	if endAck != nil {
		endAck.complete(err)
	}
}

func (s *sink) stats() (writes, deferred, drains, bytesIn int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes, s.deferredWrites, s.drains, s.bytesIn
}

// flush runs on its own goroutine for the lifetime of the process.
func (s *sink) flush() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && s.endAck == nil && s.err == nil {
			s.cond.Wait()
		}
		if s.err != nil {
			s.mu.Unlock()
			return
		}
		if len(s.queue) == 0 {
			endAck := s.endAck
			s.mu.Unlock()
			s.finish(endAck)
			return
		}
		chunk := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		n, err := s.w.Write(chunk)

		s.mu.Lock()
		s.bytesIn += int64(n)
		s.buffered -= len(chunk)
		if s.err != nil {
			s.mu.Unlock()
			return
		}
		if err != nil {
			s.mu.Unlock()
			s.onError(err)
			return
		}
		var released []*Ack
		if s.buffered == 0 && len(s.deferred) > 0 {
			released = s.deferred
			s.deferred = nil
			s.drains++
		}
		s.mu.Unlock()

		for _, ack := range released {
			ack.complete(nil)
		}
		if released != nil && s.onDrain != nil {
			s.onDrain()
		}
	}
}

func (s *sink) finish(endAck *Ack) {
	if err := s.w.Close(); err != nil {
		s.mu.Lock()
		failed := s.err != nil
		s.mu.Unlock()
		if !failed {
			s.onError(err)
		}
		return
	}
	endAck.complete(s.onFinish())
}

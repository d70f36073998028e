package iostream

import (
	"context"
	"sync"
)

// Ack is the completion of an asynchronous write or end.
//
// It completes exactly once, either with nil or with the error that made the
// operation fail. Completion is only ever observed through Done, Wait or Err,
// never through a callback, so callers see the same asynchrony whether or
// not the write hit backpressure.
type Ack struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newAck() *Ack {
	return &Ack{done: make(chan struct{})}
}

func failedAck(err error) *Ack {
	a := newAck()
	a.complete(err)
	return a
}

func (a *Ack) complete(err error) {
	a.once.Do(func() {
		a.err = err
		close(a.done)
	})
}

// Done is closed when the operation completes.
func (a *Ack) Done() <-chan struct{} {
	return a.done
}

// Err returns the operation's result. It is nil until Done is closed.
func (a *Ack) Err() error {
	select {
	case <-a.done:
		return a.err
	default:
		return nil
	}
}

// Wait blocks until the operation completes or ctx is done.
func (a *Ack) Wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

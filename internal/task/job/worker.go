package job

import (
	"context"
	"sync"
)

// Kind tells how a worker was started.
type Kind int

const (
	// KindImmediate runs the task right away on its own goroutine.
	KindImmediate Kind = iota
	// KindTimer fires the task once after a delay.
	KindTimer
)

func (k Kind) String() string {
	if k == KindTimer {
		return "timer"
	}
	return "immediate"
}

// Worker is the transient execution handle of a job. It is never persisted.
type Worker struct {
	kind Kind
	done chan struct{}

	once sync.Once
	err  error
}

func newWorker(kind Kind) *Worker {
	return &Worker{kind: kind, done: make(chan struct{})}
}

func (w *Worker) Kind() Kind { return w.kind }

// Alive reports whether the task is pending or still running.
// A nil worker is never alive.
func (w *Worker) Alive() bool {
	if w == nil {
		return false
	}
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// Done is closed once the task returned.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Err is the task result; only meaningful after Done is closed.
func (w *Worker) Err() error {
	select {
	case <-w.done:
		return w.err
	default:
		return nil
	}
}

// Wait blocks until the task returned or ctx is done.
func (w *Worker) Wait(ctx context.Context) error {
	select {
	case <-w.done:
		return w.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) complete(err error) {
	w.once.Do(func() {
		w.err = err
		close(w.done)
	})
}

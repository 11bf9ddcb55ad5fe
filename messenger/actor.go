package messenger

import (
	"context"
	"sync"

	errs "github.com/alexjbarnes/dialog-sync/internal/errors"
)

// actor serialises closures onto one goroutine. Posting never blocks, so
// actors may post to each other, and to themselves, without deadlock.
type actor struct {
	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
}

func newActor() *actor {
	return &actor{wake: make(chan struct{}, 1)}
}

func (a *actor) post(f func()) {
	a.mu.Lock()
	a.queue = append(a.queue, f)
	a.mu.Unlock()

	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// run executes posted closures in order until ctx is done. Closures not
// reached by then stay queued for drain.
func (a *actor) run(ctx context.Context) {
	for {
		a.mu.Lock()
		batch := a.queue
		a.queue = nil
		a.mu.Unlock()

		for i, f := range batch {
			if ctx.Err() != nil {
				a.requeue(batch[i:])
				return
			}
			f()
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-a.wake:
		case <-ctx.Done():
			return
		}
	}
}

func (a *actor) requeue(rest []func()) {
	a.mu.Lock()
	a.queue = append(rest, a.queue...)
	a.mu.Unlock()
}

// drain runs everything still queued on the calling goroutine, including
// closures posted while draining. Only valid once run has returned.
func (a *actor) drain() {
	for {
		a.mu.Lock()
		batch := a.queue
		a.queue = nil
		a.mu.Unlock()

		if len(batch) == 0 {
			return
		}
		for _, f := range batch {
			f()
		}
	}
}

// call posts f and waits for it to run. stop is closed when the owning
// engine shuts down; f is skipped if that happens before it runs.
func (a *actor) call(ctx context.Context, stop <-chan struct{}, f func()) error {
	done := make(chan struct{})
	ran := false
	a.post(func() {
		defer close(done)
		select {
		case <-stop:
			return
		default:
		}
		f()
		ran = true
	})
	select {
	case <-done:
		if !ran {
			return errs.ErrEngineStopped
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-stop:
		return errs.ErrEngineStopped
	}
}

package policy

import (
	"context"
	"sync"
)

// flight is one in-flight loader call shared by every caller that asked
// for the same key before it settled.
type flight struct {
	cancel  context.CancelFunc
	done    chan struct{}
	result  Result
	err     error
	waiters int
	settled bool
}

// Deduplicator collapses concurrent identical requests into a single
// loader invocation. At most one flight exists per key at any instant;
// the flight is removed from the table before its result is delivered,
// so a follow-up call after settlement always starts a fresh load.
type Deduplicator struct {
	mu      sync.Mutex
	flights map[string]*flight
}

// NewDeduplicator creates an empty Deduplicator.
func NewDeduplicator() *Deduplicator {
	return &Deduplicator{flights: make(map[string]*flight)}
}

// Do returns the result of fn for key, joining an existing in-flight
// call when one exists. fn runs on a context detached from any single
// caller: a caller whose ctx fires merely stops waiting (receiving
// ErrCancelled), and the underlying call is aborted only when its last
// waiter has left.
func (d *Deduplicator) Do(ctx context.Context, key string, fn func(context.Context) (Result, error)) (Result, error) {
	d.mu.Lock()
	f, ok := d.flights[key]
	if ok {
		f.waiters++
		d.mu.Unlock()
	} else {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{cancel: cancel, done: make(chan struct{}), waiters: 1}
		d.flights[key] = f
		d.mu.Unlock()
		go d.run(key, f, fctx, fn)
	}

	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		d.leave(f)
		return Result{}, ErrCancelled
	}
}

// InFlight reports whether a call for key is currently outstanding.
func (d *Deduplicator) InFlight(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.flights[key]
	return ok
}

func (d *Deduplicator) run(key string, f *flight, fctx context.Context, fn func(context.Context) (Result, error)) {
	result, err := fn(fctx)
	d.mu.Lock()
	delete(d.flights, key)
	f.result, f.err = result, err
	f.settled = true
	d.mu.Unlock()
	f.cancel()
	close(f.done)
}

// leave withdraws one waiter's interest. The shared call is aborted only
// if nobody is left waiting for it.
func (d *Deduplicator) leave(f *flight) {
	d.mu.Lock()
	f.waiters--
	abort := f.waiters == 0 && !f.settled
	d.mu.Unlock()
	if abort {
		f.cancel()
	}
}

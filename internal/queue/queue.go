// Package queue serializes turn execution per principal. All work for one
// principal runs in strict FIFO order on a dedicated worker; different
// principals run in parallel.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrQueueFull is returned when a principal's backlog is at capacity.
	ErrQueueFull = errors.New("turn queue full")
	// ErrQueueStopped is returned for work submitted after Shutdown, and
	// resolves the futures of work accepted but never started.
	ErrQueueStopped = errors.New("turn queue stopped")
	// ErrPrincipalCancelled is returned when a principal's lane was
	// cancelled while work was waiting.
	ErrPrincipalCancelled = errors.New("principal queue cancelled")
)

// turn is one accepted unit of work.
type turn struct {
	fn     func(context.Context) error
	ctx    context.Context
	cancel context.CancelFunc
	result chan error
}

// lane is the FIFO backlog of a single principal.
type lane struct {
	turns     chan *turn
	closed    atomic.Bool
	closeCh   chan struct{}
	closeOnce sync.Once
}

// TurnQueue provides per-principal FIFO execution lanes.
type TurnQueue struct {
	lanes       sync.Map // map[string]*lane
	wg          sync.WaitGroup
	stopped     atomic.Bool
	mu          sync.Mutex
	idleTimeout time.Duration
	backlog     int
}

// New creates a TurnQueue. backlog bounds each principal's pending turns;
// idleTimeout reaps workers for principals that have gone quiet.
func New(backlog int, idleTimeout time.Duration) *TurnQueue {
	if backlog <= 0 {
		backlog = 16
	}
	if idleTimeout <= 0 {
		idleTimeout = 5 * time.Minute
	}
	return &TurnQueue{backlog: backlog, idleTimeout: idleTimeout}
}

// Enqueue submits work for a principal and returns a future resolving with
// the work's error. Order of resolution per principal matches order of
// submission.
func (q *TurnQueue) Enqueue(principal string, ctx context.Context, fn func(context.Context) error) (<-chan error, error) {
	if q.stopped.Load() {
		return nil, ErrQueueStopped
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	turnCtx, cancel := context.WithCancel(ctx)
	t := &turn{
		fn:     fn,
		ctx:    turnCtx,
		cancel: cancel,
		result: make(chan error, 1),
	}

	// The send happens under q.mu so it cannot race the idle reaper: a
	// worker only retires after checking, under the same mutex, that the
	// backlog is empty. A lane seen closed but already out of the map was
	// idle-reaped between lookup and send; retrying builds a fresh worker.
	for {
		ln := q.getOrCreateLane(principal)

		q.mu.Lock()
		if ln.closed.Load() {
			cur, live := q.lanes.Load(principal)
			q.mu.Unlock()
			if !live || cur.(*lane) != ln {
				continue
			}
			cancel()
			return nil, ErrPrincipalCancelled
		}
		select {
		case ln.turns <- t:
			q.mu.Unlock()
			return t.result, nil
		default:
			q.mu.Unlock()
			cancel()
			return nil, ErrQueueFull
		}
	}
}

func (q *TurnQueue) getOrCreateLane(principal string) *lane {
	if v, ok := q.lanes.Load(principal); ok {
		return v.(*lane)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if v, ok := q.lanes.Load(principal); ok {
		return v.(*lane)
	}

	ln := &lane{
		turns:   make(chan *turn, q.backlog),
		closeCh: make(chan struct{}),
	}
	q.lanes.Store(principal, ln)

	q.wg.Add(1)
	go q.worker(principal, ln)

	return ln
}

func (q *TurnQueue) worker(principal string, ln *lane) {
	defer q.wg.Done()
	defer func() {
		q.mu.Lock()
		ln.closed.Store(true)
		q.lanes.Delete(principal)
		q.mu.Unlock()
		q.drain(ln)
	}()

	idle := time.NewTimer(q.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case t, ok := <-ln.turns:
			if !ok {
				return
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(q.idleTimeout)

			t.result <- q.run(t)
			close(t.result)
			t.cancel()

		case <-idle.C:
			// Retire only with a provably empty backlog: Enqueue sends
			// under q.mu, so this check cannot miss an in-flight turn.
			q.mu.Lock()
			if len(ln.turns) > 0 {
				q.mu.Unlock()
				idle.Reset(q.idleTimeout)
				continue
			}
			ln.closed.Store(true)
			q.lanes.Delete(principal)
			q.mu.Unlock()
			return

		case <-ln.closeCh:
			return
		}
	}
}

// run executes one turn, converting panics into errors so a misbehaving
// turn never takes the worker down.
func (q *TurnQueue) run(t *turn) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("turn panicked: %v", r)
		}
	}()
	return t.fn(t.ctx)
}

// drain resolves any turns accepted but never started so their futures do
// not hang.
func (q *TurnQueue) drain(ln *lane) {
	for {
		select {
		case t := <-ln.turns:
			t.cancel()
			t.result <- ErrQueueStopped
			close(t.result)
		default:
			return
		}
	}
}

// Cancel stops a principal's lane. The running turn finishes; waiting turns
// resolve with ErrQueueStopped.
func (q *TurnQueue) Cancel(principal string) {
	if v, ok := q.lanes.Load(principal); ok {
		ln := v.(*lane)
		ln.closed.Store(true)
		ln.closeOnce.Do(func() { close(ln.closeCh) })
	}
}

// Pending returns the number of waiting turns for a principal.
func (q *TurnQueue) Pending(principal string) int {
	if v, ok := q.lanes.Load(principal); ok {
		return len(v.(*lane).turns)
	}
	return 0
}

// ActivePrincipals returns the number of principals with live workers.
func (q *TurnQueue) ActivePrincipals() int {
	count := 0
	q.lanes.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

// Shutdown rejects new work, lets running turns finish, and resolves
// waiting futures with ErrQueueStopped. Returns ctx.Err() if workers do
// not wind down in time.
func (q *TurnQueue) Shutdown(ctx context.Context) error {
	q.stopped.Store(true)

	q.lanes.Range(func(_, value any) bool {
		ln := value.(*lane)
		ln.closed.Store(true)
		ln.closeOnce.Do(func() { close(ln.closeCh) })
		return true
	})

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// runTask is one queued unit of work for a session.
type runTask struct {
	fn     func(context.Context) error
	ctx    context.Context
	cancel context.CancelFunc
	result chan error
}

// lane serializes runs for a single session key. The mutex orders enqueues
// against the worker's idle exit, so a task accepted into the buffer is
// always either executed or settled with ErrSessionClosed.
type lane struct {
	mu        sync.Mutex
	tasks     chan *runTask
	closed    bool
	closeCh   chan struct{}
	closeOnce sync.Once
}

// tryEnqueue places the task on the lane buffer unless the lane is closed
// or full.
func (ln *lane) tryEnqueue(task *runTask) (accepted, laneClosed bool) {
	ln.mu.Lock()
	defer ln.mu.Unlock()

	if ln.closed {
		return false, true
	}
	select {
	case ln.tasks <- task:
		return true, false
	default:
		return false, false
	}
}

// runQueue executes tasks per session in strict FIFO order. Different
// sessions run in parallel; a session's worker goroutine is reaped after an
// idle period and recreated on demand.
type runQueue struct {
	lanes       sync.Map // map[string]*lane
	mu          sync.Mutex
	wg          sync.WaitGroup
	closed      atomic.Bool
	queueSize   int
	idleTimeout time.Duration
}

func newRunQueue(queueSize int, idleTimeout time.Duration) *runQueue {
	if queueSize <= 0 {
		queueSize = 100
	}
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Second
	}
	return &runQueue{
		queueSize:   queueSize,
		idleTimeout: idleTimeout,
	}
}

// Enqueue queues fn on the session's lane. The returned channel yields the
// task's error once it has fully settled. A lane reaped between lookup and
// enqueue is replaced with a fresh one and the enqueue retried.
func (q *runQueue) Enqueue(sessionKey string, ctx context.Context, fn func(context.Context) error) (<-chan error, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	taskCtx, cancel := context.WithCancel(ctx)
	task := &runTask{
		fn:     fn,
		ctx:    taskCtx,
		cancel: cancel,
		result: make(chan error, 1),
	}

	for {
		if q.closed.Load() {
			cancel()
			return nil, ErrSessionClosed
		}

		ln := q.laneFor(sessionKey)
		accepted, laneClosed := ln.tryEnqueue(task)
		if accepted {
			return task.result, nil
		}
		if !laneClosed {
			cancel()
			return nil, ErrQueueFull
		}
		// Closed lane: its worker is unregistering it; loop for a fresh one.
	}
}

func (q *runQueue) laneFor(sessionKey string) *lane {
	if v, ok := q.lanes.Load(sessionKey); ok {
		return v.(*lane)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if v, ok := q.lanes.Load(sessionKey); ok {
		return v.(*lane)
	}

	ln := &lane{
		tasks:   make(chan *runTask, q.queueSize),
		closeCh: make(chan struct{}),
	}
	q.lanes.Store(sessionKey, ln)

	q.wg.Add(1)
	go q.work(sessionKey, ln)

	return ln
}

func (q *runQueue) work(sessionKey string, ln *lane) {
	defer q.wg.Done()
	defer func() {
		q.lanes.Delete(sessionKey)

		// Settle anything accepted before the lane closed so no caller
		// blocks forever on its result channel.
		ln.mu.Lock()
		ln.closed = true
		for {
			select {
			case task := <-ln.tasks:
				task.result <- ErrSessionClosed
				close(task.result)
				task.cancel()
			default:
				ln.mu.Unlock()
				return
			}
		}
	}()

	idle := time.NewTimer(q.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case task := <-ln.tasks:
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(q.idleTimeout)

			task.result <- q.runOne(task)
			close(task.result)
			task.cancel()

		case <-idle.C:
			// A task may have been accepted while the timer fired. Close
			// under the lane mutex only when the buffer is empty; after
			// this no enqueue can slip into a dying lane.
			ln.mu.Lock()
			if len(ln.tasks) > 0 {
				ln.mu.Unlock()
				idle.Reset(q.idleTimeout)
				continue
			}
			ln.closed = true
			ln.mu.Unlock()
			return

		case <-ln.closeCh:
			return
		}
	}
}

// runOne executes a task, converting panics into an error so one bad run
// never kills the session's worker.
func (q *runQueue) runOne(task *runTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ErrRunPanicked
		}
	}()
	return task.fn(task.ctx)
}

// Cancel stops a session's worker; queued tasks settle with
// ErrSessionClosed. The in-flight task keeps its own context; callers
// cancel that separately.
func (q *runQueue) Cancel(sessionKey string) {
	if v, ok := q.lanes.Load(sessionKey); ok {
		ln := v.(*lane)
		ln.closeOnce.Do(func() { close(ln.closeCh) })
	}
}

// Pending counts queued (not yet started) tasks for a session.
func (q *runQueue) Pending(sessionKey string) int {
	if v, ok := q.lanes.Load(sessionKey); ok {
		return len(v.(*lane).tasks)
	}
	return 0
}

// ActiveLanes counts sessions with a live worker.
func (q *runQueue) ActiveLanes() int {
	n := 0
	q.lanes.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Shutdown stops accepting work and waits for in-flight tasks up to the
// context deadline. Tasks still queued settle with ErrSessionClosed.
func (q *runQueue) Shutdown(ctx context.Context) error {
	q.closed.Store(true)

	q.lanes.Range(func(_, v any) bool {
		ln := v.(*lane)
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

// Package queue implements the single-consumer work queue that serializes
// device requests behind one worker (spec.md §4.4).
package queue

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/jcnelson/vdev/internal/request"
	"github.com/jcnelson/vdev/internal/vdeverr"
)

// Handler processes one dequeued request to completion. Its return value is
// logged but never aborts the queue.
type Handler func(ctx context.Context, req *request.Request) error

// Queue is a single-producer/single-consumer FIFO of device requests,
// drained by exactly one worker goroutine.
type Queue struct {
	log *logrus.Logger

	handler Handler

	mu   sync.Mutex
	head *request.Request
	tail *request.Request

	work *semaphore.Weighted

	drainMu      sync.Mutex
	drainWaiters int
	drainSem     *semaphore.Weighted

	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	flushOnce    sync.Once
	flushedCh    chan struct{}
	sourceFlushed bool
}

// New creates an idle queue that will invoke handler for each dequeued
// request once Start is called.
func New(log *logrus.Logger, handler Handler) *Queue {
	q := &Queue{
		log:       log,
		handler:   handler,
		work:      semaphore.NewWeighted(1 << 30),
		drainSem:  semaphore.NewWeighted(1 << 30),
		flushedCh: make(chan struct{}),
	}

	// Both semaphores start with no permits available: Enqueue and
	// signalDrain release permits, the worker and Stop acquire them.
	q.work.TryAcquire(1 << 30)
	q.drainSem.TryAcquire(1 << 30)

	return q
}

// Enqueue appends req to the tail of the queue. req must pass Validate.
func (q *Queue) Enqueue(req *request.Request) error {
	if err := req.Validate(); err != nil {
		return err
	}

	q.mu.Lock()
	req.Next = nil
	if q.tail == nil {
		q.head = req
		q.tail = req
	} else {
		q.tail.Next = req
		q.tail = req
	}
	q.mu.Unlock()

	q.work.Release(1)
	return nil
}

func (q *Queue) dequeue() *request.Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.head == nil {
		return nil
	}

	req := q.head
	q.head = req.Next
	if q.head == nil {
		q.tail = nil
	}

	req.Next = nil
	return req
}

// Empty reports whether the queue currently holds no pending requests.
func (q *Queue) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.head == nil
}

// Len returns the number of requests currently pending, for the metrics
// gauge; it is a point-in-time snapshot under the same mutex Enqueue/
// dequeue use.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for r := q.head; r != nil; r = r.Next {
		n++
	}

	return n
}

// Start spawns the single worker goroutine. Calling Start twice without an
// intervening Stop returns InvalidState.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return vdeverr.New(vdeverr.InvalidState, errAlreadyRunning)
	}

	q.running = true
	q.mu.Unlock()

	workerCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.done = make(chan struct{})

	go q.run(workerCtx)

	return nil
}

func (q *Queue) run(ctx context.Context) {
	defer close(q.done)

	for {
		if err := q.work.Acquire(ctx, 1); err != nil {
			// Cancelled: drain whatever is left synchronously so Stop's
			// semantics ("blocks until the queue drains") still hold for
			// requests already enqueued before cancellation.
			q.drainRemaining(context.Background())
			return
		}

		req := q.dequeue()
		if req == nil {
			// Wakeup with nothing queued (MarkSourceFlushed, or shutdown
			// posted without a matching enqueue): no request is in its
			// handler here, so re-check the initial-flush condition.
			q.maybeFireFlushed()
			continue
		}

		q.runOne(ctx, req)

		if q.Empty() {
			q.signalDrain()
			q.maybeFireFlushed()
		}
	}
}

func (q *Queue) drainRemaining(ctx context.Context) {
	for {
		req := q.dequeue()
		if req == nil {
			break
		}

		q.runOne(ctx, req)
	}

	q.signalDrain()
	q.maybeFireFlushed()
}

func (q *Queue) runOne(ctx context.Context, req *request.Request) {
	if err := q.handler(ctx, req); err != nil {
		q.log.WithFields(logrus.Fields{
			"request": req.ID,
			"path":    req.Path,
			"kind":    req.Kind.String(),
		}).WithError(err).Warn("request handler failed")
	}
}

func (q *Queue) signalDrain() {
	q.drainMu.Lock()
	waiters := q.drainWaiters
	q.drainWaiters = 0
	q.drainMu.Unlock()

	if waiters > 0 {
		q.drainSem.Release(int64(waiters))
	}
}

// MarkSourceFlushed records that the OS event source has completed its
// coldplug seed and wakes the worker. Once the queue is also empty and no
// request is in its handler, the one-shot "initial-flush-complete" signal
// fires (see WaitInitialFlush). Coldplug may still be enqueuing faster than
// the worker drains, so the worker re-checks this condition every time it
// goes empty (see maybeFireFlushed).
func (q *Queue) MarkSourceFlushed() {
	q.mu.Lock()
	q.sourceFlushed = true
	q.mu.Unlock()

	q.work.Release(1) // the worker re-checks the flush condition between requests
}

// maybeFireFlushed fires the one-shot initial-flush signal once both the
// source has reported done and the queue is empty, regardless of which of
// the two conditions became true last.
func (q *Queue) maybeFireFlushed() {
	q.mu.Lock()
	ready := q.sourceFlushed && q.head == nil
	q.mu.Unlock()

	if ready {
		q.fireFlushed()
	}
}

func (q *Queue) fireFlushed() {
	q.flushOnce.Do(func() {
		close(q.flushedCh)
	})
}

// WaitInitialFlush blocks until the queue has both drained and the OS
// source has reported coldplug complete, or ctx is cancelled.
func (q *Queue) WaitInitialFlush(ctx context.Context) error {
	select {
	case <-q.flushedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop halts the worker. If wait is true, it blocks until every currently
// enqueued request has been processed; otherwise it drops the requests the
// worker has not started, cancels the context of the one in its handler,
// and returns once the worker goroutine has exited.
func (q *Queue) Stop(wait bool) error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return vdeverr.New(vdeverr.InvalidState, errNotRunning)
	}
	q.running = false
	if !wait {
		q.head, q.tail = nil, nil
	}
	q.mu.Unlock()

	if wait {
		q.drainMu.Lock()
		q.drainWaiters++
		q.drainMu.Unlock()

		if !q.Empty() {
			_ = q.drainSem.Acquire(context.Background(), 1)
		} else {
			q.drainMu.Lock()
			q.drainWaiters--
			q.drainMu.Unlock()
		}
	}

	q.cancel()
	q.work.Release(1) // wake a blocked Acquire so run() observes ctx.Done
	<-q.done

	return nil
}

var (
	errAlreadyRunning = queueErr("queue already running")
	errNotRunning      = queueErr("queue not running")
)

type queueErr string

func (e queueErr) Error() string { return string(e) }

// Package runq provides a single-goroutine FIFO task queue. Handlers that
// must not act inline (for example change callbacks fired from inside the
// document engine) defer their follow-up work here, which gives the same
// non-reentrancy guarantee as a cooperative event loop's "next turn".
package runq

import "sync"

type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []func()
	closed bool
	done   chan struct{}
}

func New() *Queue {
	q := &Queue{done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// Defer schedules fn to run after every task queued before it. Returns
// false if the queue is already closed, in which case fn never runs.
func (q *Queue) Defer(fn func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.tasks = append(q.tasks, fn)
	q.cond.Signal()
	return true
}

// Close stops accepting tasks, runs everything already queued, and waits
// for the worker to finish.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	q.cond.Signal()
	q.mu.Unlock()
	<-q.done
}

// Barrier blocks until every task queued before the call has run.
func (q *Queue) Barrier() {
	ran := make(chan struct{})
	if !q.Defer(func() { close(ran) }) {
		return
	}
	<-ran
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.tasks) == 0 && q.closed {
			q.mu.Unlock()
			return
		}
		fn := q.tasks[0]
		q.tasks = q.tasks[1:]
		q.mu.Unlock()
		fn()
	}
}

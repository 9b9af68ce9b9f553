package reconciler

import (
	"context"
	"sync"
	"time"
)

// workQueue hands job ids to pool goroutines. A job is never processed by two
// goroutines at once; re-adding a job that is running marks it dirty and it
// is queued again when the current pass finishes.
type workQueue struct {
	mu      sync.Mutex
	items   []string
	queued  map[string]bool
	running map[string]bool
	dirty   map[string]bool
	timers  map[string]*time.Timer
	signal  chan struct{}
	idle    chan struct{}
	closed  bool
}

func newWorkQueue() *workQueue {
	return &workQueue{
		queued:  map[string]bool{},
		running: map[string]bool{},
		dirty:   map[string]bool{},
		timers:  map[string]*time.Timer{},
		signal:  make(chan struct{}, 1),
		idle:    make(chan struct{}),
	}
}

func (q *workQueue) Add(jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.addLocked(jobID)
}

func (q *workQueue) addLocked(jobID string) {
	if q.closed || q.queued[jobID] {
		return
	}
	if q.running[jobID] {
		q.dirty[jobID] = true
		return
	}
	q.queued[jobID] = true
	q.items = append(q.items, jobID)
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// AddAfter queues jobID once d has elapsed. A pending timer for the same job
// is replaced.
func (q *workQueue) AddAfter(jobID string, d time.Duration) {
	if d <= 0 {
		q.Add(jobID)
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if t, ok := q.timers[jobID]; ok {
		t.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if q.timers[jobID] != timer {
			return
		}
		delete(q.timers, jobID)
		q.addLocked(jobID)
		q.checkIdleLocked()
	})
	q.timers[jobID] = timer
}

// Get blocks until a job is available or ctx is done.
func (q *workQueue) Get(ctx context.Context) (string, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			jobID := q.items[0]
			q.items = q.items[1:]
			delete(q.queued, jobID)
			q.running[jobID] = true
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				select {
				case q.signal <- struct{}{}:
				default:
				}
			}
			return jobID, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return "", false
		case <-q.signal:
		}
	}
}

func (q *workQueue) Done(jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.running, jobID)
	if q.dirty[jobID] {
		delete(q.dirty, jobID)
		q.addLocked(jobID)
	}
	q.checkIdleLocked()
}

// Idle is closed the first time the queue has nothing queued, running or
// scheduled.
func (q *workQueue) Idle() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.checkIdleLocked()
	return q.idle
}

func (q *workQueue) checkIdleLocked() {
	if len(q.items) > 0 || len(q.running) > 0 || len(q.timers) > 0 {
		return
	}
	select {
	case <-q.idle:
	default:
		close(q.idle)
	}
}

func (q *workQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for id, t := range q.timers {
		t.Stop()
		delete(q.timers, id)
	}
}

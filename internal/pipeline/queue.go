package pipeline

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Task is one unit of background work: a waterfall run or a station
// regeneration.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

type QueueStats struct {
	QueueDepth          int
	QueueCapacity       int
	EnqueuedTotal       uint64
	QueueSaturatedTotal uint64
	DroppedTotal        uint64
	DoneTotal           uint64
	FailTotal           uint64
	LastErrorUnix       int64
}

// Queue runs tasks on a fixed worker pool, detached from the request that
// enqueued them.
type Queue struct {
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	tasks       chan Task
	enqueueWait time.Duration
	wg          sync.WaitGroup

	// mu guards closed against sends racing Close.
	mu     sync.RWMutex
	closed bool

	enqueuedTotal       atomic.Uint64
	queueSaturatedTotal atomic.Uint64
	droppedTotal        atomic.Uint64
	doneTotal           atomic.Uint64
	failTotal           atomic.Uint64
	lastErrorUnix       atomic.Int64
}

func NewQueue(workers, capacity int, enqueueWait time.Duration, logger *log.Logger) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if capacity <= 0 {
		capacity = 256
	}
	if enqueueWait <= 0 {
		enqueueWait = 25 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		tasks:       make(chan Task, capacity),
		enqueueWait: enqueueWait,
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for t := range q.tasks {
				q.runOne(t)
			}
		}()
	}
	return q
}

// Enqueue reports whether the task was accepted. A full queue is waited on
// for enqueueWait before the task is dropped.
func (q *Queue) Enqueue(t Task) bool {
	if q == nil {
		return false
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	q.enqueuedTotal.Add(1)

	select {
	case q.tasks <- t:
		return true
	default:
	}

	q.queueSaturatedTotal.Add(1)
	timer := time.NewTimer(q.enqueueWait)
	defer timer.Stop()
	select {
	case q.tasks <- t:
		return true
	case <-timer.C:
		dropped := q.droppedTotal.Add(1)
		q.printf("queue drop task=%s reason=queue_saturated wait_ms=%d dropped_total=%d", t.Name, q.enqueueWait.Milliseconds(), dropped)
		return false
	}
}

func (q *Queue) runOne(t Task) {
	defer func() {
		if r := recover(); r != nil {
			q.failTotal.Add(1)
			q.lastErrorUnix.Store(time.Now().UTC().Unix())
			q.printf("queue task panic task=%s panic=%v", t.Name, r)
		}
	}()
	if err := t.Run(q.ctx); err != nil {
		q.failTotal.Add(1)
		q.lastErrorUnix.Store(time.Now().UTC().Unix())
		q.printf("queue task failed task=%s err=%v", t.Name, err)
		return
	}
	q.doneTotal.Add(1)
}

// Close stops accepting tasks and waits for queued ones to finish. Running
// tasks see their context canceled once ctx expires.
func (q *Queue) Close(ctx context.Context) {
	if q == nil {
		return
	}
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
	q.mu.Unlock()
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		q.cancel()
		<-done
	}
	q.cancel()
}

func (q *Queue) Stats() QueueStats {
	if q == nil {
		return QueueStats{}
	}
	return QueueStats{
		QueueDepth:          len(q.tasks),
		QueueCapacity:       cap(q.tasks),
		EnqueuedTotal:       q.enqueuedTotal.Load(),
		QueueSaturatedTotal: q.queueSaturatedTotal.Load(),
		DroppedTotal:        q.droppedTotal.Load(),
		DoneTotal:           q.doneTotal.Load(),
		FailTotal:           q.failTotal.Load(),
		LastErrorUnix:       q.lastErrorUnix.Load(),
	}
}

func (q *Queue) printf(format string, args ...any) {
	if q.logger != nil {
		q.logger.Printf(format, args...)
	}
}

package sequencer

import (
	"time"

	"signal-trader/internal/logger"
)

// Queue is the single execution lane for exchange-mutating work: one slot of
// concurrency and a minimum interval between dequeues, so the exchange never
// sees concurrent or bursty requests from this engine.
type Queue struct {
	tasks    chan func()
	stop     chan struct{}
	done     chan struct{}
	interval time.Duration
}

// NewQueue builds a queue with the given minimum inter-dequeue interval.
func NewQueue(interval time.Duration) *Queue {
	return &Queue{
		tasks:    make(chan func(), 256),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		interval: interval,
	}
}

// Start launches the worker loop.
func (q *Queue) Start() {
	go q.loop()
}

func (q *Queue) loop() {
	defer close(q.done)
	for {
		select {
		case <-q.stop:
			return
		case task := <-q.tasks:
			task()
			select {
			case <-time.After(q.interval):
			case <-q.stop:
				return
			}
		}
	}
}

// Submit enqueues a task in FIFO order. Submissions after Stop are dropped.
func (q *Queue) Submit(task func()) {
	select {
	case <-q.stop:
		logger.S().Warn("execution queue stopped, task dropped")
	case q.tasks <- task:
	}
}

// Stop halts the worker after the in-flight task finishes.
func (q *Queue) Stop() {
	close(q.stop)
	<-q.done
}

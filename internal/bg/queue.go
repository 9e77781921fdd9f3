package bg

import "sync"

// Queue is a Runner backed by one worker goroutine. Functions run one at a
// time in the order Do was called, without blocking the caller until the
// buffer is full.
type Queue struct {
	fns  chan func()
	done chan struct{}

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

// NewQueue starts a queue with the given buffer size.
func NewQueue(buffer int) *Queue {
	if buffer < 0 {
		buffer = 0
	}
	q := &Queue{
		fns:  make(chan func(), buffer),
		done: make(chan struct{}),
	}
	go q.loop()
	return q
}

func (q *Queue) loop() {
	defer close(q.done)
	for fn := range q.fns {
		fn()
	}
}

// Do enqueues fn. Calls after Close are dropped.
func (q *Queue) Do(fn func()) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return
	}
	q.fns <- fn
}

// Close stops accepting work and waits for queued functions to finish.
// It is idempotent.
func (q *Queue) Close() {
	q.once.Do(func() {
		q.mu.Lock()
		q.closed = true
		close(q.fns)
		q.mu.Unlock()
	})
	<-q.done
}

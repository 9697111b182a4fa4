package worktree

import "sync"

// projectLocks hands out one FIFO lock per key. Waiters are released in
// arrival order and a key's queue is dropped once nobody holds or waits on it.
type projectLocks struct {
	mu     sync.Mutex
	queues map[string]*lockQueue
}

type lockQueue struct {
	held    bool
	waiters []chan struct{}
}

func newProjectLocks() *projectLocks {
	return &projectLocks{queues: make(map[string]*lockQueue)}
}

func (l *projectLocks) acquire(key string) {
	l.mu.Lock()
	q, ok := l.queues[key]
	if !ok {
		q = &lockQueue{}
		l.queues[key] = q
	}
	if !q.held {
		q.held = true
		l.mu.Unlock()
		return
	}
	ch := make(chan struct{})
	q.waiters = append(q.waiters, ch)
	l.mu.Unlock()

	// Ownership is handed over directly by release.
	<-ch
}

func (l *projectLocks) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	q, ok := l.queues[key]
	if !ok {
		return
	}
	if len(q.waiters) == 0 {
		delete(l.queues, key)
		return
	}
	next := q.waiters[0]
	q.waiters = q.waiters[1:]
	close(next)
}

// pending returns how many callers hold or wait on key.
func (l *projectLocks) pending(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	q, ok := l.queues[key]
	if !ok {
		return 0
	}
	n := len(q.waiters)
	if q.held {
		n++
	}
	return n
}

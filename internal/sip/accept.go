package sip

import "sync"

// acceptEntry is one line waiting for an inbound call.
type acceptEntry struct {
	line  int
	ep    *Endpoint
	rings int

	stop     chan struct{}
	stopOnce sync.Once
}

// withdraw wakes whoever is ringing this entry. Safe to call more than once.
func (e *acceptEntry) withdraw() {
	e.stopOnce.Do(func() { close(e.stop) })
}

// acceptQueue hands each inbound call to exactly one waiting line, oldest
// waiter first. A claimed entry stays known until done so a withdraw
// still reaches the call that is ringing it.
type acceptQueue struct {
	mu      sync.Mutex
	waiting []*acceptEntry
	entries map[int]*acceptEntry // by line
}

func newAcceptQueue() *acceptQueue {
	return &acceptQueue{entries: make(map[int]*acceptEntry)}
}

// arm queues a line. A line already armed is withdrawn and re-queued.
func (q *acceptQueue) arm(line int, ep *Endpoint, rings int) *acceptEntry {
	e := &acceptEntry{
		line:  line,
		ep:    ep,
		rings: rings,
		stop:  make(chan struct{}),
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if old, ok := q.entries[line]; ok {
		old.withdraw()
		q.removeWaitingLocked(old)
	}
	q.entries[line] = e
	q.waiting = append(q.waiting, e)
	return e
}

// disarm withdraws a line, whether it is still waiting or already ringing.
func (q *acceptQueue) disarm(line int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[line]
	if !ok {
		return
	}
	delete(q.entries, line)
	q.removeWaitingLocked(e)
	e.withdraw()
}

// claim takes the oldest waiting line, or returns nil.
func (q *acceptQueue) claim() *acceptEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.waiting) == 0 {
		return nil
	}
	e := q.waiting[0]
	q.waiting[0] = nil
	q.waiting = q.waiting[1:]
	return e
}

// done forgets a claimed entry once its call is answered or abandoned.
func (q *acceptQueue) done(e *acceptEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.entries[e.line] == e {
		delete(q.entries, e.line)
	}
}

// waitingCount returns how many lines are waiting for a call.
func (q *acceptQueue) waitingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting)
}

func (q *acceptQueue) removeWaitingLocked(e *acceptEntry) {
	for i, w := range q.waiting {
		if w == e {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			return
		}
	}
}

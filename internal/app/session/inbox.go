package session

import "sync"

// inbox is the unbounded queue behind post. Callbacks from media, transport and roster
// goroutines must never block or lose protocol events, so only Ticks are coalesced:
// at most one is pending at a time.
type inbox struct {
	mu    sync.Mutex
	items []event
	tick  bool
	wake  chan struct{}
}

func newInbox() *inbox {
	return &inbox{wake: make(chan struct{}, 1)}
}

// put appends ev and reports whether it was queued.
func (q *inbox) put(ev event) bool {
	q.mu.Lock()
	if _, ok := ev.(Tick); ok {
		if q.tick {
			q.mu.Unlock()
			return false
		}
		q.tick = true
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// drain takes every pending event in arrival order.
func (q *inbox) drain() []event {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	q.tick = false
	return items
}

func (q *inbox) pending() []event {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]event(nil), q.items...)
}

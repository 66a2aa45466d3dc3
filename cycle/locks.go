package cycle

import "sync"

// cycleLocks serializes work on one cycle. An entry lives only while some
// caller holds or waits for it.
type cycleLocks struct {
	mu   sync.Mutex
	held map[CycleID]*cycleLock
}

type cycleLock struct {
	sync.Mutex
	refs int
}

// lock blocks until id is free and returns the func that releases it.
func (l *cycleLocks) lock(id CycleID) (unlock func()) {
	l.mu.Lock()
	if l.held == nil {
		l.held = make(map[CycleID]*cycleLock)
	}
	cl, ok := l.held[id]
	if !ok {
		cl = &cycleLock{}
		l.held[id] = cl
	}
	cl.refs++
	l.mu.Unlock()

	cl.Lock()
	return func() {
		cl.Unlock()

		l.mu.Lock()
		defer l.mu.Unlock()
		cl.refs--
		if cl.refs == 0 {
			delete(l.held, id)
		}
	}
}

func (l *cycleLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}

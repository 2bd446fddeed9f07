// Package connectivity carries the process-wide online/offline signal.
// Whatever detects the transition (the relay peering layer, a platform hook,
// a test) sets it; editor sessions subscribe to react to it.
package connectivity

import "sync"

type Monitor struct {
	mu     sync.Mutex
	online bool
	subs   map[int]func(online bool)
	next   int
}

func NewMonitor(online bool) *Monitor {
	return &Monitor{
		online: online,
		subs:   make(map[int]func(bool)),
	}
}

func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set records the current state and notifies subscribers on transitions.
// Setting the same state twice is a no-op.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	cbs := make([]func(bool), 0, len(m.subs))
	for _, cb := range m.subs {
		cbs = append(cbs, cb)
	}
	m.mu.Unlock()

	for _, cb := range cbs {
		cb(online)
	}
}

// Subscribe registers a transition callback and returns its unsubscribe
// handle; safe to call more than once.
func (m *Monitor) Subscribe(cb func(online bool)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.next
	m.next++
	m.subs[id] = cb
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

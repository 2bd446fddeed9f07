// Package memstore is an in-memory implementation of the replicated store
// contract. It is the substitutable fake the component constructors expect in
// tests, and the local replica a relay peering layer merges remote writes
// into. Conflict semantics match the real thing: last-writer-wins by state.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/canturgay/p2pEditor/store"
)

type entry struct {
	val     *string
	state   int64
	subs    map[int]func(*string)
	nextSub int
}

type MemStore struct {
	mu       sync.Mutex
	entries  map[string]*entry
	children map[string]map[string]struct{}
	clock    int64

	// watchers observe every applied write; the relay layer uses this to
	// mirror local puts to its peers.
	watchers    map[int]func(path []string, value *string, state int64)
	nextWatcher int
}

func New() *MemStore {
	return &MemStore{
		entries:  make(map[string]*entry),
		children: make(map[string]map[string]struct{}),
		watchers: make(map[int]func([]string, *string, int64)),
	}
}

func (m *MemStore) Get(path ...string) store.Node {
	return &node{store: m, path: path}
}

// Merge applies a write with an explicit state, last-writer-wins. Equal
// states keep the incumbent, so replaying a write is a no-op.
func (m *MemStore) Merge(ctx context.Context, path []string, value *string, state int64) (bool, error) {
	if len(path) == 0 {
		return false, store.ErrEmptyPath
	}
	key := store.JoinPath(path)

	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{subs: make(map[int]func(*string))}
		m.entries[key] = e
	}
	if ok && state <= e.state {
		m.mu.Unlock()
		return false, nil
	}
	e.val = value
	e.state = state
	if state > m.clock {
		m.clock = state
	}
	m.linkChildren(path)

	cbs := make([]func(*string), 0, len(e.subs))
	for _, cb := range e.subs {
		cbs = append(cbs, cb)
	}
	watchers := make([]func([]string, *string, int64), 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.Unlock()

	// Callbacks run outside the lock, in local apply order for this writer.
	for _, cb := range cbs {
		cb(value)
	}
	for _, w := range watchers {
		w(path, value, state)
	}
	return true, nil
}

func (m *MemStore) State(ctx context.Context, path []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[store.JoinPath(path)]; ok {
		return e.state, nil
	}
	return 0, nil
}

// Watch registers an observer for every applied write.
func (m *MemStore) Watch(cb func(path []string, value *string, state int64)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextWatcher
	m.nextWatcher++
	m.watchers[id] = cb
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.watchers, id)
			m.mu.Unlock()
		})
	}
}

// nextState mints a state that is both roughly wall-clock and strictly newer
// than anything this store has applied.
func (m *MemStore) nextState() int64 {
	now := time.Now().UnixNano()
	if now <= m.clock {
		now = m.clock + 1
	}
	m.clock = now
	return now
}

// linkChildren records every prefix edge of path so Map can enumerate
// branch children that carry no scalar value of their own.
func (m *MemStore) linkChildren(path []string) {
	for i := 1; i <= len(path); i++ {
		parent := store.JoinPath(path[:i-1])
		set, ok := m.children[parent]
		if !ok {
			set = make(map[string]struct{})
			m.children[parent] = set
		}
		set[path[i-1]] = struct{}{}
	}
}

type node struct {
	store *MemStore
	path  []string
}

func (n *node) Path() []string {
	return n.path
}

func (n *node) Put(ctx context.Context, value *string) error {
	n.store.mu.Lock()
	state := n.store.nextState()
	n.store.mu.Unlock()

	_, err := n.store.Merge(ctx, n.path, value, state)
	return err
}

func (n *node) Once(ctx context.Context) (*string, error) {
	if len(n.path) == 0 {
		return nil, store.ErrEmptyPath
	}
	n.store.mu.Lock()
	defer n.store.mu.Unlock()
	if e, ok := n.store.entries[store.JoinPath(n.path)]; ok {
		return e.val, nil
	}
	return nil, nil
}

func (n *node) On(cb func(value *string)) (unsubscribe func()) {
	key := store.JoinPath(n.path)

	n.store.mu.Lock()
	e, ok := n.store.entries[key]
	if !ok {
		e = &entry{subs: make(map[int]func(*string))}
		n.store.entries[key] = e
	}
	id := e.nextSub
	e.nextSub++
	e.subs[id] = cb
	n.store.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.store.mu.Lock()
			delete(e.subs, id)
			n.store.mu.Unlock()
		})
	}
}

func (n *node) Map(ctx context.Context, cb func(key string, value *string)) error {
	parent := store.JoinPath(n.path)

	n.store.mu.Lock()
	type child struct {
		key string
		val *string
	}
	var kids []child
	for k := range n.store.children[parent] {
		childKey := k
		if parent != "" {
			childKey = parent + "/" + k
		}
		var val *string
		if e, ok := n.store.entries[childKey]; ok {
			val = e.val
		}
		kids = append(kids, child{key: k, val: val})
	}
	n.store.mu.Unlock()

	for _, c := range kids {
		cb(c.key, c.val)
	}
	return nil
}

package memdoc

import (
	"sort"
	"sync"

	"github.com/mrmd/monitor/internal/crdt"
)

type mapObserver struct {
	id int
	fn func(key string, action crdt.ChangeAction)
}

type sharedMap struct {
	mu        sync.Mutex
	values    map[string]any
	observers []mapObserver
	nextID    int
}

func newSharedMap() *sharedMap {
	return &sharedMap{values: make(map[string]any)}
}

func (m *sharedMap) Get(key string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok
}

func (m *sharedMap) Set(key string, value any) {
	m.mu.Lock()
	_, existed := m.values[key]
	m.values[key] = value
	action := crdt.ActionUpdate
	if !existed {
		action = crdt.ActionAdd
	}
	obs := append([]mapObserver(nil), m.observers...)
	m.mu.Unlock()

	for _, o := range obs {
		o.fn(key, action)
	}
}

func (m *sharedMap) Delete(key string) {
	m.mu.Lock()
	_, existed := m.values[key]
	if !existed {
		m.mu.Unlock()
		return
	}
	delete(m.values, key)
	obs := append([]mapObserver(nil), m.observers...)
	m.mu.Unlock()

	for _, o := range obs {
		o.fn(key, crdt.ActionDelete)
	}
}

func (m *sharedMap) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *sharedMap) Observe(fn func(key string, action crdt.ChangeAction)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.observers = append(m.observers, mapObserver{id: id, fn: fn})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, o := range m.observers {
			if o.id == id {
				m.observers = append(m.observers[:i], m.observers[i+1:]...)
				break
			}
		}
	}
}

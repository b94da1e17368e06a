// Package lockmanager provides named fine-grained locks keyed by resource id.
//
// Entries are refcounted and removed once no goroutine holds or waits on them,
// so the map does not grow with the number of resources ever seen.
package lockmanager

import (
	"sort"
	"sync"
)

type entry struct {
	mu   sync.Mutex
	refs int
}

// Manager hands out per-key mutexes.
type Manager struct {
	mu    sync.Mutex
	locks map[string]*entry
}

func New() *Manager {
	return &Manager{locks: make(map[string]*entry)}
}

// Acquire blocks until the named lock is held and returns its release func.
func (m *Manager) Acquire(id string) func() {
	m.mu.Lock()

	e, ok := m.locks[id]
	if !ok {
		e = &entry{}
		m.locks[id] = e
	}

	e.refs++
	m.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()

		m.mu.Lock()
		e.refs--

		if e.refs == 0 {
			delete(m.locks, id)
		}
		m.mu.Unlock()
	}
}

// AcquireAll locks every id in sorted order so that two callers locking
// overlapping sets cannot deadlock. The returned func releases in reverse
// order.
func (m *Manager) AcquireAll(ids []string) func() {
	sorted := make([]string, len(ids))
	copy(sorted, ids)
	sort.Strings(sorted)

	releases := make([]func(), 0, len(sorted))

	last := ""
	for i, id := range sorted {
		if i > 0 && id == last {
			continue // duplicate id, already held
		}

		releases = append(releases, m.Acquire(id))
		last = id
	}

	return func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
}

// Len reports the number of live entries. Exposed for tests and diagnostics.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.locks)
}

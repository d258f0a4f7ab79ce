package app

import "sync"

// phoneLocks serializes dialogue processing per phone number so two messages
// from the same user cannot interleave state transitions. Different phone
// numbers proceed concurrently.
type phoneLocks struct {
	mu    sync.Mutex
	locks map[string]*phoneLockEntry
}

type phoneLockEntry struct {
	mu   sync.Mutex
	refs int
}

func newPhoneLocks() *phoneLocks {
	return &phoneLocks{locks: make(map[string]*phoneLockEntry)}
}

// Acquire blocks until the lock for phone is held and returns the release
// function. Entries are reference counted so the map does not grow without
// bound across many distinct senders.
func (p *phoneLocks) Acquire(phone string) func() {
	p.mu.Lock()
	entry, ok := p.locks[phone]
	if !ok {
		entry = &phoneLockEntry{}
		p.locks[phone] = entry
	}
	entry.refs++
	p.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()
		p.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(p.locks, phone)
		}
		p.mu.Unlock()
	}
}

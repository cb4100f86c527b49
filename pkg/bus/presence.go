package bus

import (
	"sort"
	"sync"
	"time"
)

// PresenceSet is a best-effort view of the contexts currently believed to be
// open, keyed by identity with the time of the last heartbeat seen.
// It is advisory only.
type PresenceSet struct {
	mu   sync.RWMutex
	seen map[Identity]time.Time
}

// NewPresenceSet creates an empty presence set.
func NewPresenceSet() *PresenceSet {
	return &PresenceSet{seen: make(map[Identity]time.Time)}
}

// Observe records a heartbeat from id at t.
func (p *PresenceSet) Observe(id Identity, t time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if last, ok := p.seen[id]; ok && last.After(t) {
		return
	}
	p.seen[id] = t
}

// Remove forgets id, typically after a going-inactive heartbeat.
func (p *PresenceSet) Remove(id Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.seen, id)
}

// Prune drops every entry whose last heartbeat is before cutoff and returns
// how many were dropped. keep is never pruned.
func (p *PresenceSet) Prune(cutoff time.Time, keep Identity) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	dropped := 0
	for id, last := range p.seen {
		if id == keep {
			continue
		}
		if last.Before(cutoff) {
			delete(p.seen, id)
			dropped++
		}
	}
	return dropped
}

// Len returns the number of contexts in the set.
func (p *PresenceSet) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.seen)
}

// Contains reports whether id is in the set.
func (p *PresenceSet) Contains(id Identity) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.seen[id]
	return ok
}

// Members returns the identities in the set, sorted.
func (p *PresenceSet) Members() []Identity {
	p.mu.RLock()
	ids := make([]Identity, 0, len(p.seen))
	for id := range p.seen {
		ids = append(ids, id)
	}
	p.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

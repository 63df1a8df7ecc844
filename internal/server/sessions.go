package server

import (
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/murmur/backend/internal/engagement"
)

const defaultSessionIdleTTL = 30 * time.Minute

// synchronizerRegistry keeps one engagement.Synchronizer per user and drops the ones nobody
// touched within idleTTL. Eviction runs lazily on acquire.
type synchronizerRegistry struct {
	mu      sync.Mutex
	entries map[string]*registryEntry
	factory func() (*engagement.Synchronizer, error)
	idleTTL time.Duration
	clock   func() time.Time
}

type registryEntry struct {
	synchronizer *engagement.Synchronizer
	lastUsed     time.Time
}

func newSynchronizerRegistry(factory func() (*engagement.Synchronizer, error), idleTTL time.Duration, clock func() time.Time) *synchronizerRegistry {
	if idleTTL <= 0 {
		idleTTL = defaultSessionIdleTTL
	}
	if clock == nil {
		clock = time.Now
	}
	return &synchronizerRegistry{
		entries: make(map[string]*registryEntry),
		factory: factory,
		idleTTL: idleTTL,
		clock:   clock,
	}
}

func (r *synchronizerRegistry) acquire(userID string) (*engagement.Synchronizer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock()
	r.evictIdleLocked(now)

	if entry, ok := r.entries[userID]; ok {
		entry.lastUsed = now
		return entry.synchronizer, nil
	}
	synchronizer, err := r.factory()
	if err != nil {
		return nil, err
	}
	r.entries[userID] = &registryEntry{synchronizer: synchronizer, lastUsed: now}
	return synchronizer, nil
}

func (r *synchronizerRegistry) evictIdleLocked(now time.Time) {
	for userID, entry := range r.entries {
		if now.Sub(entry.lastUsed) > r.idleTTL {
			delete(r.entries, userID)
		}
	}
}

func (r *synchronizerRegistry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

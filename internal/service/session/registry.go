package session

import (
	"context"
	"sync"
	"time"

	"github.com/voxline/callflow/internal/domain"
)

// callEntry pairs a live session with its lock. Every webhook, transcript and
// silence tick for one call serializes on mu; calls never share a lock, so
// slow model calls on one call cannot stall another.
type callEntry struct {
	mu      sync.Mutex
	session *domain.CallSession
	agent   *domain.Agent
	graph   *domain.FlowGraph

	// stopMonitor cancels the silence monitor goroutine.
	stopMonitor context.CancelFunc

	// lastQuietAt is when the agent channel last drained to zero.
	lastQuietAt time.Time

	// endReason is set by terminal nodes; the call ends with it once the
	// final playback drains.
	endReason string

	// seenEvents absorbs webhook redelivery, keyed on provider event IDs.
	seenEvents map[string]struct{}
}

func (e *callEntry) markSeen(eventID string) bool {
	if eventID == "" {
		return false
	}
	if _, dup := e.seenEvents[eventID]; dup {
		return true
	}
	// Bounded; redelivery windows are short.
	if len(e.seenEvents) >= 512 {
		e.seenEvents = make(map[string]struct{})
	}
	e.seenEvents[eventID] = struct{}{}
	return false
}

// registry maps call control IDs to their entries.
type registry struct {
	mu      sync.RWMutex
	entries map[string]*callEntry
}

func newRegistry() *registry {
	return &registry{entries: make(map[string]*callEntry)}
}

func (r *registry) get(callControlID string) (*callEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[callControlID]
	return e, ok
}

// put registers an entry; if one already exists for the call it is kept and
// returned instead, so two racing answered-webhooks cannot double-create.
func (r *registry) put(callControlID string, e *callEntry) (*callEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.entries[callControlID]; ok {
		return existing, false
	}
	r.entries[callControlID] = e
	return e, true
}

func (r *registry) remove(callControlID string) (*callEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[callControlID]
	delete(r.entries, callControlID)
	return e, ok
}

func (r *registry) ids() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	return out
}

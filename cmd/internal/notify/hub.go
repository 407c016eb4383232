// Package notify fans out quota snapshot changes to subscribed clients so UI
// badges update without polling. Delivery is best-effort: the authoritative
// state is always the store, and clients re-read on reconnect.
package notify

import (
	"log/slog"
	"sync"

	"vine/cmd/internal/quota"
)

const subscriberBuffer = 8

// Hub routes quota snapshots to per-user subscribers.
type Hub struct {
	log *slog.Logger

	mu   sync.RWMutex
	subs map[string]map[int]chan quota.Snapshot
	next int
}

// NewHub constructs a Hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:  log,
		subs: make(map[string]map[int]chan quota.Snapshot),
	}
}

// Subscribe registers for a user's snapshot updates. The returned cancel must
// be called exactly once; the channel is closed by it.
func (h *Hub) Subscribe(uid string) (<-chan quota.Snapshot, func()) {
	ch := make(chan quota.Snapshot, subscriberBuffer)

	h.mu.Lock()
	id := h.next
	h.next++
	m := h.subs[uid]
	if m == nil {
		m = make(map[int]chan quota.Snapshot)
		h.subs[uid] = m
	}
	m[id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if m := h.subs[uid]; m != nil {
			if _, ok := m[id]; ok {
				delete(m, id)
				close(ch)
			}
			if len(m) == 0 {
				delete(h.subs, uid)
			}
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// PublishQuota delivers a snapshot to the user's subscribers. Sends never
// block: a subscriber whose buffer is full misses the update and catches up
// on its next read of the authoritative store.
func (h *Hub) PublishQuota(snap quota.Snapshot) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subs[snap.UID] {
		select {
		case ch <- snap:
		default:
			h.log.Debug("notify.drop.slow_subscriber", "uid", snap.UID)
		}
	}
}

// Subscribers reports the current subscriber count for a user.
func (h *Hub) Subscribers(uid string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[uid])
}

package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/S-Corkum/fitcoach-server/internal/clock"
)

// memoryEntry is one fallback-tier entry
type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// pendingWrite is a primary-tier write buffered while the primary is
// unreachable. Flushed oldest-first on recovery.
type pendingWrite struct {
	indexKey string
	key      string
	value    []byte
	ttl      time.Duration
	queuedAt time.Time
}

// memoryTier is the bounded in-process fallback tier. It mirrors the
// primary's entries with their TTLs, tracks namespaces marked dirty by
// failed bulk invalidations, and buffers writes issued during a primary
// outage.
type memoryTier struct {
	entries *lru.Cache[string, memoryEntry]
	clock   clock.Clock

	mu      sync.Mutex
	dirty   map[string]time.Time
	pending []pendingWrite

	maxPending int
}

func newMemoryTier(maxEntries int, clk clock.Clock) (*memoryTier, error) {
	entries, err := lru.New[string, memoryEntry](maxEntries)
	if err != nil {
		return nil, err
	}
	return &memoryTier{
		entries:    entries,
		clock:      clk,
		dirty:      make(map[string]time.Time),
		maxPending: maxEntries,
	}, nil
}

// get returns a live entry. Expired entries are evicted on read.
func (t *memoryTier) get(key string) ([]byte, bool) {
	entry, ok := t.entries.Get(key)
	if !ok {
		return nil, false
	}
	if !t.clock.Now().Before(entry.expiresAt) {
		t.entries.Remove(key)
		return nil, false
	}
	return entry.value, true
}

func (t *memoryTier) set(key string, value []byte, ttl time.Duration) {
	t.entries.Add(key, memoryEntry{
		value:     value,
		expiresAt: t.clock.Now().Add(ttl),
	})
}

func (t *memoryTier) remove(key string) {
	t.entries.Remove(key)
}

// markDirty flags a namespace whose primary-side invalidation may have
// partially failed. Reads under a dirty namespace are treated as misses
// until the flag ages out of the fallback TTL horizon.
func (t *memoryTier) markDirty(indexKey string, ttl time.Duration) {
	t.mu.Lock()
	t.dirty[indexKey] = t.clock.Now().Add(ttl)
	t.mu.Unlock()
}

func (t *memoryTier) clearDirty(indexKey string) {
	t.mu.Lock()
	delete(t.dirty, indexKey)
	t.mu.Unlock()
}

func (t *memoryTier) isDirty(indexKey string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	until, ok := t.dirty[indexKey]
	if !ok {
		return false
	}
	if t.clock.Now().After(until) {
		delete(t.dirty, indexKey)
		return false
	}
	return true
}

// bufferWrite queues a write for replay once the primary recovers.
// The buffer is bounded; when full, the oldest write is dropped.
func (t *memoryTier) bufferWrite(w pendingWrite) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pending) >= t.maxPending {
		t.pending = t.pending[1:]
	}
	t.pending = append(t.pending, w)
}

// drainPending removes and returns all buffered writes, oldest first
func (t *memoryTier) drainPending() []pendingWrite {
	t.mu.Lock()
	defer t.mu.Unlock()
	drained := t.pending
	t.pending = nil
	return drained
}

func (t *memoryTier) pendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

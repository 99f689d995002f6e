// Package idempotency implements the idempotency guard (C3): two TTL-bounded
// registries (operation-id and content-hash) used to make outbound intents
// safe to retry and to suppress rapid duplicate submissions. See spec.md
// section 4.3.
package idempotency

import (
	"encoding/json"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// DefaultTTL is the registry entry lifetime.
	DefaultTTL = 5 * time.Minute
	// DefaultCapacity bounds the number of entries per registry.
	DefaultCapacity = 1000
	// evictFraction is the portion of entries removed, oldest-first, when
	// capacity is reached.
	evictFraction = 0.20
	// DefaultDuplicateWindow is the default "within" window for
	// CheckContentDuplicate.
	DefaultDuplicateWindow = 2 * time.Second
	// cleanupTick is the background eviction cadence.
	cleanupTick = 60 * time.Second
)

type entry struct {
	result  any
	created time.Time
}

// Guard holds the operation-id and content-hash registries.
type Guard struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	byOp     map[string]entry
	byHash   map[string]entry
	log      *log.Entry
	stopCh   chan struct{}
}

// New constructs a Guard with the spec's default TTL and capacity and
// starts its 60s background cleanup tick.
func New() *Guard {
	g := &Guard{
		ttl:      DefaultTTL,
		capacity: DefaultCapacity,
		byOp:     make(map[string]entry),
		byHash:   make(map[string]entry),
		log:      log.WithField("component", "idempotency"),
		stopCh:   make(chan struct{}),
	}
	go g.cleanupLoop()
	return g
}

// Close stops the background cleanup tick.
func (g *Guard) Close() { close(g.stopCh) }

func (g *Guard) cleanupLoop() {
	t := time.NewTicker(cleanupTick)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			g.mu.Lock()
			g.evictExpiredLocked(g.byOp)
			g.evictExpiredLocked(g.byHash)
			g.mu.Unlock()
		case <-g.stopCh:
			return
		}
	}
}

// Check returns the prior result for opID if it was recorded within the
// TTL, and true. Otherwise it returns (nil, false).
func (g *Guard) Check(opID string) (any, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.byOp[opID]
	if !ok || time.Since(e.created) > g.ttl {
		return nil, false
	}
	return e.result, true
}

// Record stores result under opID, evicting the oldest 20% if the registry
// is at capacity.
func (g *Guard) Record(opID string, result any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.evictIfFullLocked(g.byOp)
	g.byOp[opID] = entry{result: result, created: time.Now()}
}

// contentKey hashes a (type, normalized payload) pair into a lookup key.
// Content equality, not byte equality, is what spec.md section 4.3 asks
// for, so the key is derived from a JSON re-marshal of data rather than a
// raw byte comparison, matching the Checksum package's canonical-rendering
// approach at a much smaller scope than a full hash.
func contentKey(opType string, data any) (string, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return opType + ":" + string(b), nil
}

// CheckContentDuplicate reports whether an operation of the same type and
// content was recorded within the last `within` duration (default 2s),
// suppressing rapid duplicates such as double-clicks.
func (g *Guard) CheckContentDuplicate(opType string, data any, within time.Duration) (bool, error) {
	if within == 0 {
		within = DefaultDuplicateWindow
	}
	key, err := contentKey(opType, data)
	if err != nil {
		return false, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.byHash[key]
	isDup := ok && time.Since(e.created) <= within
	g.evictIfFullLocked(g.byHash)
	g.byHash[key] = entry{created: time.Now()}
	return isDup, nil
}

func (g *Guard) evictIfFullLocked(reg map[string]entry) {
	if len(reg) < g.capacity {
		return
	}
	g.evictOldestLocked(reg, int(float64(len(reg))*evictFraction))
}

func (g *Guard) evictExpiredLocked(reg map[string]entry) {
	now := time.Now()
	for k, e := range reg {
		if now.Sub(e.created) > g.ttl {
			delete(reg, k)
		}
	}
}

func (g *Guard) evictOldestLocked(reg map[string]entry, n int) {
	if n <= 0 {
		return
	}
	type kv struct {
		key     string
		created time.Time
	}
	all := make([]kv, 0, len(reg))
	for k, e := range reg {
		all = append(all, kv{k, e.created})
	}
	// Partial selection of the n oldest; registries are bounded small
	// (capacity 1000) so a full sort is cheap and simple.
	for i := 0; i < len(all); i++ {
		for j := i + 1; j < len(all); j++ {
			if all[j].created.Before(all[i].created) {
				all[i], all[j] = all[j], all[i]
			}
		}
		if i >= n {
			break
		}
	}
	for i := 0; i < n && i < len(all); i++ {
		delete(reg, all[i].key)
	}
}

package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/cqu-marketplace/order-service/internal/redisx"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryGuard is an in-process Guard for tests and local development. It
// mirrors the Redis semantics, TTL expiry included.
type MemoryGuard struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{entries: make(map[string]memoryEntry), now: time.Now}
}

// SetClock overrides the time source. Test hook.
func (g *MemoryGuard) SetClock(now func() time.Time) { g.now = now }

func (g *MemoryGuard) get(k string) (string, bool) {
	e, ok := g.entries[k]
	if !ok {
		return "", false
	}
	if g.now().After(e.expiresAt) {
		delete(g.entries, k)
		return "", false
	}
	return e.value, true
}

func (g *MemoryGuard) Acquire(_ context.Context, actor, clientKey string) (Outcome, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	k := key(actor, clientKey)
	if val, ok := g.get(k); ok {
		if orderID, found := cutOrderPrefix(val); found {
			return Outcome{State: StateCompleted, OrderID: orderID}, nil
		}
		return Outcome{State: StateBusy}, nil
	}
	g.entries[k] = memoryEntry{value: pendingValue, expiresAt: g.now().Add(redisx.TTLIdemPending)}
	return Outcome{State: StateAcquired}, nil
}

func (g *MemoryGuard) Complete(_ context.Context, actor, clientKey, orderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entries[key(actor, clientKey)] = memoryEntry{
		value:     orderPrefix + orderID,
		expiresAt: g.now().Add(redisx.TTLIdemCompleted),
	}
	return nil
}

func (g *MemoryGuard) Release(_ context.Context, actor, clientKey string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.entries, key(actor, clientKey))
	return nil
}

func cutOrderPrefix(val string) (string, bool) {
	if len(val) > len(orderPrefix) && val[:len(orderPrefix)] == orderPrefix {
		return val[len(orderPrefix):], true
	}
	return "", false
}

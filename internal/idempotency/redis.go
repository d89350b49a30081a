package idempotency

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/cqu-marketplace/order-service/internal/redisx"
)

const (
	pendingValue = "PENDING"
	orderPrefix  = "order:"
)

// RedisGuard implements Guard on a shared Redis. Atomicity comes from
// SET NX with TTL, so no two concurrent callers can both win.
type RedisGuard struct {
	RDB *redis.Client
}

func key(actor, clientKey string) string {
	return fmt.Sprintf(redisx.KeyIdemOrderCreate, actor, clientKey)
}

func (g *RedisGuard) Acquire(ctx context.Context, actor, clientKey string) (Outcome, error) {
	k := key(actor, clientKey)
	set, err := g.RDB.SetNX(ctx, k, pendingValue, redisx.TTLIdemPending).Result()
	if err != nil {
		return Outcome{}, fmt.Errorf("idempotency acquire: %w", err)
	}
	if set {
		return Outcome{State: StateAcquired}, nil
	}

	val, err := g.RDB.Get(ctx, k).Result()
	if err == redis.Nil {
		// Key expired between SETNX and GET; the retry will win it.
		return Outcome{State: StateBusy}, nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("idempotency inspect: %w", err)
	}
	if orderID, ok := strings.CutPrefix(val, orderPrefix); ok {
		return Outcome{State: StateCompleted, OrderID: orderID}, nil
	}
	return Outcome{State: StateBusy}, nil
}

func (g *RedisGuard) Complete(ctx context.Context, actor, clientKey, orderID string) error {
	if err := g.RDB.Set(ctx, key(actor, clientKey), orderPrefix+orderID, redisx.TTLIdemCompleted).Err(); err != nil {
		return fmt.Errorf("idempotency complete: %w", err)
	}
	return nil
}

func (g *RedisGuard) Release(ctx context.Context, actor, clientKey string) error {
	if err := g.RDB.Del(ctx, key(actor, clientKey)).Err(); err != nil {
		return fmt.Errorf("idempotency release: %w", err)
	}
	return nil
}

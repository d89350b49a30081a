package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/cqu-marketplace/order-service/internal/kafka"
	"github.com/cqu-marketplace/order-service/internal/orders"
	"github.com/cqu-marketplace/order-service/internal/redisx"
)

// Dedup remembers which release events were already applied. An event is
// marked only after its increment landed; a failed increment leaves the
// event unmarked so the redelivery applies it instead of skipping it.
type Dedup interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID string) error
}

// RedisDedup keys by (service, event id) with a 48h TTL.
type RedisDedup struct {
	RDB         *redis.Client
	ServiceName string
}

func (d *RedisDedup) key(eventID string) string {
	return fmt.Sprintf(redisx.KeyDedup, d.ServiceName, eventID)
}

func (d *RedisDedup) Seen(ctx context.Context, eventID string) (bool, error) {
	return redisx.Exists(ctx, d.RDB, d.key(eventID))
}

func (d *RedisDedup) Mark(ctx context.Context, eventID string) error {
	return d.RDB.Set(ctx, d.key(eventID), "1", redisx.TTLDedup).Err()
}

// Reconciler consumes the stock-release compensation topic: units the order
// service reserved but could not give back synchronously (ledger outage
// during cancel, insert failure after a reservation). Returning an error
// leaves the offset uncommitted so the release is retried.
type Reconciler struct {
	Store  Store
	Dedup  Dedup
	Logger *zap.Logger
}

func (c *Reconciler) HandleStockRelease(ctx context.Context, m kafkago.Message) error {
	var env orders.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		return err
	}
	if env.EventType != orders.EventStockRelease {
		return nil
	}

	if c.Dedup != nil {
		seen, err := c.Dedup.Seen(ctx, env.EventID)
		if err == nil && seen {
			return nil
		}
	}

	p, err := kafka.UnwrapPayload[orders.StockReleasePayload](env.Payload)
	if err != nil {
		return err
	}

	rows, err := c.Store.IncrementStock(ctx, p.ProductID)
	if err != nil {
		// Unmarked and uncommitted: the redelivery will run the increment
		// again.
		return err
	}
	c.markApplied(ctx, env.EventID)

	if rows == 0 {
		// Product deleted since; the unit has nowhere to go back to.
		c.Logger.Warn("stock release dropped, product no longer accepts stock",
			zap.String("product_id", p.ProductID),
			zap.String("order_id", p.OrderID),
			zap.String("reason", p.Reason))
		return nil
	}
	c.Logger.Info("stock release reconciled",
		zap.String("product_id", p.ProductID),
		zap.String("order_id", p.OrderID),
		zap.String("reason", p.Reason))
	return nil
}

// markApplied failure is non-fatal: the offset commit still prevents a
// redelivery on the happy path, the marker only guards cross-restart
// duplicates.
func (c *Reconciler) markApplied(ctx context.Context, eventID string) {
	if c.Dedup == nil {
		return
	}
	if err := c.Dedup.Mark(ctx, eventID); err != nil {
		c.Logger.Warn("dedup mark failed",
			zap.String("event_id", eventID), zap.Error(err))
	}
}

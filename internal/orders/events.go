package orders

import (
	"encoding/json"
	"time"
)

const (
	EventOrderCreated  = "OrderCreated"
	EventOrderCanceled = "OrderCanceled"
	EventStockRelease  = "StockRelease"
)

const (
	TopicOrderCreated  = "order.created"
	TopicOrderCanceled = "order.canceled"
	// TopicStockRelease carries compensation requests for stock the order
	// service could not release synchronously. The ledger's reconciler
	// consumes it.
	TopicStockRelease = "order.stock.release"
)

// Partition key = order_id so all events of one order keep their order.
func PartitionKey(orderID string) []byte { return []byte(orderID) }

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

type OrderCreatedPayload struct {
	OrderID    string `json:"order_id"`
	BuyerID    string `json:"buyer_id"`
	SellerID   string `json:"seller_id"`
	ProductID  string `json:"product_id"`
	PriceCents int64  `json:"price_cents"`
}

type OrderCanceledPayload struct {
	OrderID    string     `json:"order_id"`
	ProductID  string     `json:"product_id"`
	CanceledBy CanceledBy `json:"canceled_by"`
}

type StockReleasePayload struct {
	OrderID   string `json:"order_id"`
	ProductID string `json:"product_id"`
	Reason    string `json:"reason"` // CANCEL | ADMIN_CANCEL | INSERT_FAILED | DUPLICATE_INSERT
}

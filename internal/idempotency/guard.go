// Package idempotency implements the distributed first-writer-wins lock that
// makes order creation safe to retry. A key is scoped to (buyer, client key)
// and holds either PENDING or the id of the order the request produced.
package idempotency

import "context"

type State int

const (
	// StateAcquired means this caller won the key and must run the saga.
	StateAcquired State = iota
	// StateBusy means another request for the same key is in flight; fail
	// fast with a retryable conflict instead of blocking.
	StateBusy
	// StateCompleted means the key already resolved to an order; replay it.
	StateCompleted
)

// Outcome is the result of Acquire. OrderID is set only for StateCompleted.
type Outcome struct {
	State   State
	OrderID string
}

type Guard interface {
	// Acquire attempts a first-writer-wins reservation of (actor, key).
	Acquire(ctx context.Context, actor, key string) (Outcome, error)
	// Complete resolves the key to an order id and extends its lifetime so
	// close-in-time retries replay instead of re-executing side effects.
	Complete(ctx context.Context, actor, key, orderID string) error
	// Release deletes the key so a legitimate retry is not blocked by a
	// stale PENDING marker. Called when any step after Acquire fails.
	Release(ctx context.Context, actor, key string) error
}

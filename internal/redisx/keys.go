package redisx

import "time"

const (
	// Idempotency guard for order creation: idem:order:create:{buyer_id}:{key}
	// value is either PENDING or order:{order_id}.
	KeyIdemOrderCreate = "idem:order:create:%s:%s"

	// Dedup event processing: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"
)

var (
	// TTLIdemPending bounds how long a crashed creator can wedge a buyer's key.
	TTLIdemPending = 30 * time.Second
	// TTLIdemCompleted keeps close-in-time retries replaying instead of re-executing.
	TTLIdemCompleted = 300 * time.Second
	TTLDedup         = 48 * time.Hour
)

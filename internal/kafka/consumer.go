package kafka

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Handler processes one message. A non-nil error means the message was not
// consumed; the consumer retries it in place and its offset stays
// uncommitted.
type Handler func(ctx context.Context, m kafka.Message) error

// reader is the part of kafka.Reader the consumer drives.
type reader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer fans messages out to a worker pool but commits offsets strictly
// in read order: an offset is committed only after its own handler succeeded
// and every earlier message has been committed. A slow or failing message
// therefore blocks commits behind it instead of being skipped; throughput is
// traded for the at-least-once contract the handlers rely on.
type Consumer struct {
	r       reader
	workers int
	backoff time.Duration
	logger  *zap.Logger
}

func NewConsumer(brokers []string, group, topic string, workers int, logger *zap.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commit
	})
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{r: r, workers: workers, backoff: 500 * time.Millisecond, logger: logger}
}

// job pairs a message with its completion signal. done is closed once the
// handler has succeeded.
type job struct {
	msg  kafka.Message
	done chan struct{}
}

func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer c.r.Close()

	jobs := make(chan job)
	// inFlight carries jobs in read order to the committer; its capacity
	// bounds how far the read loop may run ahead of the oldest uncommitted
	// message.
	inFlight := make(chan job, 4*c.workers)

	for i := 0; i < c.workers; i++ {
		go c.work(ctx, jobs, h)
	}
	go c.commitLoop(ctx, inFlight)

	for {
		m, err := c.r.ReadMessage(ctx)
		if err != nil {
			close(jobs)
			close(inFlight)
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		j := job{msg: m, done: make(chan struct{})}
		select {
		case inFlight <- j:
		case <-ctx.Done():
			close(jobs)
			close(inFlight)
			return nil
		}
		select {
		case jobs <- j:
		case <-ctx.Done():
			close(jobs)
			close(inFlight)
			return nil
		}
	}
}

// work retries the handler until it succeeds, then signals completion. Only
// context cancellation abandons a message.
func (c *Consumer) work(ctx context.Context, jobs <-chan job, h Handler) {
	for j := range jobs {
		for {
			err := h(ctx, j.msg)
			if err == nil {
				break
			}
			c.logger.Warn("message handling failed, retrying",
				zap.String("topic", j.msg.Topic),
				zap.Int64("offset", j.msg.Offset),
				zap.Error(err))
			select {
			case <-time.After(c.backoff):
			case <-ctx.Done():
				return
			}
		}
		close(j.done)
	}
}

// commitLoop waits for each job in read order and commits its offset. A
// commit error only logs: the group offset lags but processing continues,
// and the handlers tolerate the resulting redelivery.
func (c *Consumer) commitLoop(ctx context.Context, inFlight <-chan job) {
	for j := range inFlight {
		select {
		case <-j.done:
		case <-ctx.Done():
			return
		}
		if err := c.r.CommitMessages(ctx, j.msg); err != nil {
			c.logger.Warn("offset commit failed",
				zap.String("topic", j.msg.Topic),
				zap.Int64("offset", j.msg.Offset),
				zap.Error(err))
		}
	}
}

package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/cqu-marketplace/order-service/internal/apperr"
	"github.com/cqu-marketplace/order-service/internal/catalog"
	"github.com/cqu-marketplace/order-service/internal/idempotency"
	kafkax "github.com/cqu-marketplace/order-service/internal/kafka"
)

// productOnSale is the only catalog status a product can be bought in.
const productOnSale = "ON_SALE"

// Store is the durable order persistence the service depends on.
type Store interface {
	Insert(ctx context.Context, o *Order) error
	GetByID(ctx context.Context, orderID string) (Order, error)
	FindByIdempotencyKey(ctx context.Context, buyerID, key string) (Order, bool, error)
	UpdateStatus(ctx context.Context, orderID string, from, to Status) (int64, error)
	UpdateStatusCanceled(ctx context.Context, orderID string, from Status, by CanceledBy) (int64, error)
	List(ctx context.Context, f ListFilter, page, pageSize int) (PageResult, error)
}

// EventPublisher is satisfied by kafka.Producer. Publishing is best-effort;
// none of the state transitions depend on it.
type EventPublisher interface {
	Publish(key, value []byte, headers ...kafkago.Header)
}

// Service coordinates order creation and lifecycle. It holds no state of its
// own: correctness comes from the guard's SETNX, the store's unique index and
// the conditional updates, not from in-process locks.
type Service struct {
	Guard   idempotency.Guard
	Catalog catalog.Client
	Store   Store

	ProducerCreated  EventPublisher
	ProducerCanceled EventPublisher
	ProducerRelease  EventPublisher

	ServiceName string
	Logger      *zap.Logger
}

// Create runs the order creation saga:
// guard acquire -> durable backstop -> snapshot -> validate -> reserve stock
// -> insert -> guard complete. Any failure after a successful acquire
// releases the guard key so a retry is not wedged; a failure after a
// successful reservation releases the reserved unit.
func (s *Service) Create(ctx context.Context, buyerID, productID, idemKey string) (string, error) {
	out, err := s.Guard.Acquire(ctx, buyerID, idemKey)
	if err != nil {
		return "", apperr.Internal("idempotency check failed", err)
	}
	switch out.State {
	case idempotency.StateBusy:
		return "", apperr.Conflict("request is being processed, retry shortly")
	case idempotency.StateCompleted:
		s.Logger.Info("idempotency hit (cache)", zap.String("order_id", out.OrderID))
		return out.OrderID, nil
	}

	orderID, err := s.createLocked(ctx, buyerID, productID, idemKey)
	if err != nil {
		if relErr := s.Guard.Release(ctx, buyerID, idemKey); relErr != nil {
			s.Logger.Warn("idempotency release failed",
				zap.String("buyer_id", buyerID), zap.Error(relErr))
		}
		return "", err
	}
	return orderID, nil
}

// createLocked is the body of the saga run by the single caller that won the
// guard key.
func (s *Service) createLocked(ctx context.Context, buyerID, productID, idemKey string) (string, error) {
	// Durable backstop: the Redis key can be lost or expire mid-flight, the
	// unique index on (buyer_id, idempotency_key) cannot.
	if existing, found, err := s.Store.FindByIdempotencyKey(ctx, buyerID, idemKey); err != nil {
		return "", apperr.Internal("idempotency lookup failed", err)
	} else if found {
		s.completeGuard(ctx, buyerID, idemKey, existing.ID)
		s.Logger.Info("idempotency hit (store)", zap.String("order_id", existing.ID))
		return existing.ID, nil
	}

	snap, err := s.Catalog.Snapshot(ctx, productID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return "", apperr.NotFound("product not found")
		}
		return "", apperr.Internal("product snapshot failed", err)
	}

	if snap.Status != productOnSale {
		return "", apperr.Conflict("product is not purchasable")
	}
	if snap.SellerID == buyerID {
		return "", apperr.Conflict("cannot buy your own product")
	}

	if err := s.Catalog.DecreaseStock(ctx, productID, ""); err != nil {
		if errors.Is(err, catalog.ErrConflict) || errors.Is(err, catalog.ErrNotFound) {
			return "", apperr.Conflict("out of stock or not purchasable")
		}
		return "", apperr.Internal("stock reservation failed", err)
	}

	order := &Order{
		BuyerID:        buyerID,
		SellerID:       snap.SellerID,
		ProductID:      productID,
		PriceCents:     snap.PriceCents,
		ProductName:    snap.Name,
		ProductImage:   snap.ImageURL,
		IdempotencyKey: idemKey,
	}
	if err := s.Store.Insert(ctx, order); err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			// Lost a race the guard did not cover (expired pending key).
			// The winning insert holds our reservation's twin, so give this
			// one back before replaying the existing order.
			s.releaseStock(ctx, "", productID, "DUPLICATE_INSERT")
			if existing, found, lookupErr := s.Store.FindByIdempotencyKey(ctx, buyerID, idemKey); lookupErr == nil && found {
				s.completeGuard(ctx, buyerID, idemKey, existing.ID)
				return existing.ID, nil
			}
			return "", apperr.Conflict("order already exists for this idempotency key")
		}
		// The reservation succeeded but the durable insert did not: without
		// this compensation the unit would be consumed forever.
		s.releaseStock(ctx, "", productID, "INSERT_FAILED")
		return "", apperr.Internal("order insert failed", err)
	}

	s.completeGuard(ctx, buyerID, idemKey, order.ID)

	s.publishCreated(ctx, order)
	s.Logger.Info("order created",
		zap.String("order_id", order.ID),
		zap.String("buyer_id", buyerID),
		zap.String("product_id", productID))
	return order.ID, nil
}

// completeGuard failure is non-fatal: retries still resolve through the
// durable backstop.
func (s *Service) completeGuard(ctx context.Context, buyerID, idemKey, orderID string) {
	if err := s.Guard.Complete(ctx, buyerID, idemKey, orderID); err != nil {
		s.Logger.Warn("idempotency complete failed",
			zap.String("order_id", orderID), zap.Error(err))
	}
}

// Ship moves CREATED -> SHIPPED. Only the seller may ship.
func (s *Service) Ship(ctx context.Context, orderID, callerID string) error {
	order, err := s.getOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.SellerID != callerID {
		return apperr.Forbidden("not the seller of this order")
	}
	if order.Status != StatusCreated {
		return apperr.Conflict("order cannot be shipped in its current status")
	}
	return s.transition(ctx, orderID, StatusCreated, StatusShipped)
}

// Receive moves SHIPPED -> RECEIVED. Only the buyer may confirm receipt.
func (s *Service) Receive(ctx context.Context, orderID, callerID string) error {
	order, err := s.getOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.BuyerID != callerID {
		return apperr.Forbidden("not the buyer of this order")
	}
	if order.Status != StatusShipped {
		return apperr.Conflict("order cannot be received in its current status")
	}
	return s.transition(ctx, orderID, StatusShipped, StatusReceived)
}

// Cancel moves CREATED -> CANCELED and releases the reserved unit. The
// release is best-effort: its failure is logged and handed to the
// reconciliation topic, never surfaced to the caller. The canceled state is
// authoritative even if stock reconciliation lags.
func (s *Service) Cancel(ctx context.Context, orderID, callerID string) error {
	order, err := s.getOrder(ctx, orderID)
	if err != nil {
		return err
	}
	isBuyer := order.BuyerID == callerID
	isSeller := order.SellerID == callerID
	if !isBuyer && !isSeller {
		return apperr.Forbidden("not a party to this order")
	}
	if order.Status != StatusCreated {
		return apperr.Conflict("order cannot be canceled in its current status")
	}

	by := CanceledBySeller
	if isBuyer {
		by = CanceledByBuyer
	}
	rows, err := s.Store.UpdateStatusCanceled(ctx, orderID, StatusCreated, by)
	if err != nil {
		return apperr.Internal("order update failed", err)
	}
	if rows == 0 {
		return apperr.Conflict("order status already changed, refresh and retry")
	}

	s.releaseStock(ctx, orderID, order.ProductID, "CANCEL")
	s.publishCanceled(ctx, order, by)
	s.Logger.Info("order canceled",
		zap.String("order_id", orderID), zap.String("canceled_by", string(by)))
	return nil
}

// AdminUpdateStatus applies an override transition validated against the
// wider admin table (which additionally allows canceling a shipped order).
func (s *Service) AdminUpdateStatus(ctx context.Context, orderID string, to Status) error {
	order, err := s.getOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if !AdminCanTransition(order.Status, to) {
		return apperr.Conflict(fmt.Sprintf("illegal status transition %s -> %s", order.Status, to))
	}

	if to == StatusCanceled {
		// Admin overrides act on behalf of the platform's supply side.
		rows, err := s.Store.UpdateStatusCanceled(ctx, orderID, order.Status, CanceledBySeller)
		if err != nil {
			return apperr.Internal("order update failed", err)
		}
		if rows == 0 {
			return apperr.Conflict("order status already changed, refresh and retry")
		}
		s.releaseStock(ctx, orderID, order.ProductID, "ADMIN_CANCEL")
		s.Logger.Info("order canceled by admin", zap.String("order_id", orderID))
		return nil
	}
	return s.transition(ctx, orderID, order.Status, to)
}

// MarkReviewed is the internal RECEIVED -> REVIEWED hook used by the review
// service after a review is stored.
func (s *Service) MarkReviewed(ctx context.Context, orderID string) error {
	return s.transition(ctx, orderID, StatusReceived, StatusReviewed)
}

func (s *Service) GetInfo(ctx context.Context, orderID string) (Info, error) {
	order, err := s.getOrder(ctx, orderID)
	if err != nil {
		return Info{}, err
	}
	return Info{
		ID:        order.ID,
		BuyerID:   order.BuyerID,
		SellerID:  order.SellerID,
		ProductID: order.ProductID,
		Status:    order.Status,
	}, nil
}

func (s *Service) ListBuyer(ctx context.Context, buyerID string, status Status, page, pageSize int) (PageResult, error) {
	return s.list(ctx, ListFilter{BuyerID: buyerID, Status: status}, page, pageSize)
}

func (s *Service) ListSeller(ctx context.Context, sellerID string, status Status, page, pageSize int) (PageResult, error) {
	return s.list(ctx, ListFilter{SellerID: sellerID, Status: status}, page, pageSize)
}

func (s *Service) ListAll(ctx context.Context, f ListFilter, page, pageSize int) (PageResult, error) {
	return s.list(ctx, f, page, pageSize)
}

func (s *Service) list(ctx context.Context, f ListFilter, page, pageSize int) (PageResult, error) {
	res, err := s.Store.List(ctx, f, page, pageSize)
	if err != nil {
		return PageResult{}, apperr.Internal("order list failed", err)
	}
	return res, nil
}

func (s *Service) getOrder(ctx context.Context, orderID string) (Order, error) {
	order, err := s.Store.GetByID(ctx, orderID)
	if errors.Is(err, ErrNotFound) {
		return Order{}, apperr.NotFound("order not found")
	}
	if err != nil {
		return Order{}, apperr.Internal("order lookup failed", err)
	}
	return order, nil
}

// transition applies the CAS update. Zero affected rows is the normal
// conflict signal, never retried and never re-read.
func (s *Service) transition(ctx context.Context, orderID string, from, to Status) error {
	rows, err := s.Store.UpdateStatus(ctx, orderID, from, to)
	if err != nil {
		return apperr.Internal("order update failed", err)
	}
	if rows == 0 {
		return apperr.Conflict("order status already changed, refresh and retry")
	}
	s.Logger.Info("order status updated",
		zap.String("order_id", orderID),
		zap.String("from", string(from)), zap.String("to", string(to)))
	return nil
}

// releaseStock gives one reserved unit back. Synchronous failure falls back
// to the reconciliation topic; both failing together only logs, the caller's
// result is already decided.
func (s *Service) releaseStock(ctx context.Context, orderID, productID, reason string) {
	err := s.Catalog.IncreaseStock(ctx, productID, orderID)
	if err == nil {
		return
	}
	s.Logger.Error("stock release failed, queueing compensation",
		zap.String("order_id", orderID),
		zap.String("product_id", productID),
		zap.String("reason", reason),
		zap.Error(err))
	s.publishRelease(ctx, orderID, productID, reason)
}

func (s *Service) envelope(eventType, correlationID string, payload any) []byte {
	return kafkax.MustMarshal(Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      s.ServiceName,
		CorrelationID: correlationID,
		Payload:       kafkax.MustMarshal(payload),
	})
}

func (s *Service) publishCreated(_ context.Context, o *Order) {
	if s.ProducerCreated == nil {
		return
	}
	s.ProducerCreated.Publish(PartitionKey(o.ID), s.envelope(EventOrderCreated, o.ID, OrderCreatedPayload{
		OrderID:    o.ID,
		BuyerID:    o.BuyerID,
		SellerID:   o.SellerID,
		ProductID:  o.ProductID,
		PriceCents: o.PriceCents,
	}), kafkago.Header{Key: "x-event-type", Value: []byte(EventOrderCreated)})
}

func (s *Service) publishCanceled(_ context.Context, o Order, by CanceledBy) {
	if s.ProducerCanceled == nil {
		return
	}
	s.ProducerCanceled.Publish(PartitionKey(o.ID), s.envelope(EventOrderCanceled, o.ID, OrderCanceledPayload{
		OrderID:    o.ID,
		ProductID:  o.ProductID,
		CanceledBy: by,
	}), kafkago.Header{Key: "x-event-type", Value: []byte(EventOrderCanceled)})
}

func (s *Service) publishRelease(_ context.Context, orderID, productID, reason string) {
	if s.ProducerRelease == nil {
		return
	}
	s.ProducerRelease.Publish(PartitionKey(orderID), s.envelope(EventStockRelease, orderID, StockReleasePayload{
		OrderID:   orderID,
		ProductID: productID,
		Reason:    reason,
	}), kafkago.Header{Key: "x-event-type", Value: []byte(EventStockRelease)})
}

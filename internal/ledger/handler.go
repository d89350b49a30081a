package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/cqu-marketplace/order-service/internal/apperr"
	"github.com/cqu-marketplace/order-service/internal/httpx"
)

// Store abstracts the product repo for the handlers and the reconciler.
type Store interface {
	Get(ctx context.Context, productID string) (Product, error)
	DecrementStock(ctx context.Context, productID string) (int64, error)
	IncrementStock(ctx context.Context, productID string) (int64, error)
}

// Handler serves the internal product API consumed by the order service.
// The gateway blocks external access to /internal/**.
type Handler struct {
	Store  Store
	Logger *zap.Logger
}

func (h *Handler) Register(r *chi.Mux) {
	r.Route("/internal/products", func(r chi.Router) {
		r.Get("/{id}", h.snapshot)
		r.Post("/{id}/decrease-stock", h.decreaseStock)
		r.Post("/{id}/increase-stock", h.increaseStock)
	})
}

type snapshotResponse struct {
	ID         string `json:"id"`
	SellerID   string `json:"sellerId"`
	Name       string `json:"name"`
	PriceCents int64  `json:"priceCents"`
	ImageURL   string `json:"imageUrl"`
	Stock      int    `json:"stock"`
	Status     string `json:"status"`
}

func (h *Handler) snapshot(w http.ResponseWriter, r *http.Request) {
	p, err := h.Store.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, ErrNotFound) {
		httpx.Err(w, apperr.NotFound("product not found"))
		return
	}
	if err != nil {
		httpx.Err(w, apperr.Internal("product lookup failed", err))
		return
	}
	httpx.OK(w, snapshotResponse{
		ID:         p.ID,
		SellerID:   p.SellerID,
		Name:       p.Name,
		PriceCents: p.PriceCents,
		ImageURL:   p.ImageURL,
		Stock:      p.Stock,
		Status:     string(p.Status),
	})
}

type stockRequest struct {
	OrderID string `json:"orderId"`
}

func orderIDFrom(r *http.Request) string {
	var req stockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return "unknown"
	}
	if req.OrderID == "" {
		return "unknown"
	}
	return req.OrderID
}

func (h *Handler) decreaseStock(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "id")
	orderID := orderIDFrom(r)

	rows, err := h.Store.DecrementStock(r.Context(), productID)
	if err != nil {
		httpx.Err(w, apperr.Internal("stock decrement failed", err))
		return
	}
	if rows == 0 {
		h.Logger.Warn("stock decrement rejected",
			zap.String("product_id", productID), zap.String("order_id", orderID))
		httpx.Err(w, apperr.Conflict("out of stock or not purchasable"))
		return
	}
	h.Logger.Info("stock decremented",
		zap.String("product_id", productID), zap.String("order_id", orderID))
	httpx.OK(w, nil)
}

func (h *Handler) increaseStock(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "id")
	orderID := orderIDFrom(r)

	rows, err := h.Store.IncrementStock(r.Context(), productID)
	if err != nil {
		httpx.Err(w, apperr.Internal("stock increment failed", err))
		return
	}
	if rows == 0 {
		h.Logger.Warn("stock increment rejected",
			zap.String("product_id", productID), zap.String("order_id", orderID))
		httpx.Err(w, apperr.Conflict("product cannot accept stock"))
		return
	}
	h.Logger.Info("stock incremented",
		zap.String("product_id", productID), zap.String("order_id", orderID))
	httpx.OK(w, nil)
}

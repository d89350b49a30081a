package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/cqu-marketplace/order-service/internal/apperr"
	"github.com/cqu-marketplace/order-service/internal/orders"
)

type OrdersHandler struct {
	Service *orders.Service
}

func (h *OrdersHandler) Register(r *chi.Mux) {
	r.Route("/orders", func(r chi.Router) {
		r.Post("/", h.create)
		r.Get("/buyer", h.listBuyer)
		r.Get("/seller", h.listSeller)
		r.Post("/{id}/ship", h.ship)
		r.Post("/{id}/receive", h.receive)
		r.Post("/{id}/cancel", h.cancel)
	})
	r.Route("/admin/orders", func(r chi.Router) {
		r.Get("/", h.adminList)
		r.Put("/{id}/status", h.adminUpdateStatus)
	})
	r.Route("/internal/orders", func(r chi.Router) {
		r.Get("/{id}", h.info)
		r.Put("/{id}/reviewed", h.markReviewed)
	})
}

type createRequest struct {
	ProductID string `json:"productId"`
}

type createResponse struct {
	OrderID string `json:"orderId"`
}

func (h *OrdersHandler) create(w http.ResponseWriter, r *http.Request) {
	buyerID, err := UserID(r)
	if err != nil {
		Err(w, err)
		return
	}
	idemKey := r.Header.Get(HeaderIdempotencyKey)
	if idemKey == "" {
		Err(w, apperr.BadRequest("missing Idempotency-Key header"))
		return
	}

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ProductID == "" {
		Err(w, apperr.BadRequest("invalid request body"))
		return
	}

	orderID, err := h.Service.Create(r.Context(), buyerID, req.ProductID, idemKey)
	if err != nil {
		Err(w, err)
		return
	}
	OK(w, createResponse{OrderID: orderID})
}

func (h *OrdersHandler) ship(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.Service.Ship)
}

func (h *OrdersHandler) receive(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.Service.Receive)
}

func (h *OrdersHandler) cancel(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.Service.Cancel)
}

func (h *OrdersHandler) lifecycle(w http.ResponseWriter, r *http.Request,
	op func(ctx context.Context, orderID, callerID string) error) {
	callerID, err := UserID(r)
	if err != nil {
		Err(w, err)
		return
	}
	if err := op(r.Context(), chi.URLParam(r, "id"), callerID); err != nil {
		Err(w, err)
		return
	}
	OK(w, nil)
}

func (h *OrdersHandler) listBuyer(w http.ResponseWriter, r *http.Request) {
	userID, err := UserID(r)
	if err != nil {
		Err(w, err)
		return
	}
	status, page, pageSize, err := listParams(r)
	if err != nil {
		Err(w, err)
		return
	}
	res, err := h.Service.ListBuyer(r.Context(), userID, status, page, pageSize)
	if err != nil {
		Err(w, err)
		return
	}
	OK(w, res)
}

func (h *OrdersHandler) listSeller(w http.ResponseWriter, r *http.Request) {
	userID, err := UserID(r)
	if err != nil {
		Err(w, err)
		return
	}
	status, page, pageSize, err := listParams(r)
	if err != nil {
		Err(w, err)
		return
	}
	res, err := h.Service.ListSeller(r.Context(), userID, status, page, pageSize)
	if err != nil {
		Err(w, err)
		return
	}
	OK(w, res)
}

func (h *OrdersHandler) adminList(w http.ResponseWriter, r *http.Request) {
	if err := RequireAdmin(r); err != nil {
		Err(w, err)
		return
	}
	status, page, pageSize, err := listParams(r)
	if err != nil {
		Err(w, err)
		return
	}
	f := orders.ListFilter{
		BuyerID:  r.URL.Query().Get("buyerId"),
		SellerID: r.URL.Query().Get("sellerId"),
		Status:   status,
	}
	res, err := h.Service.ListAll(r.Context(), f, page, pageSize)
	if err != nil {
		Err(w, err)
		return
	}
	OK(w, res)
}

type statusUpdateRequest struct {
	Status string `json:"status"`
}

func (h *OrdersHandler) adminUpdateStatus(w http.ResponseWriter, r *http.Request) {
	if err := RequireAdmin(r); err != nil {
		Err(w, err)
		return
	}
	var req statusUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Err(w, apperr.BadRequest("invalid request body"))
		return
	}
	target, err := orders.ParseStatus(req.Status)
	if err != nil {
		Err(w, apperr.BadRequest("invalid target status"))
		return
	}
	if err := h.Service.AdminUpdateStatus(r.Context(), chi.URLParam(r, "id"), target); err != nil {
		Err(w, err)
		return
	}
	OK(w, nil)
}

func (h *OrdersHandler) info(w http.ResponseWriter, r *http.Request) {
	info, err := h.Service.GetInfo(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		Err(w, err)
		return
	}
	OK(w, info)
}

func (h *OrdersHandler) markReviewed(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.MarkReviewed(r.Context(), chi.URLParam(r, "id")); err != nil {
		Err(w, err)
		return
	}
	OK(w, nil)
}

func listParams(r *http.Request) (orders.Status, int, int, error) {
	q := r.URL.Query()
	var status orders.Status
	if s := q.Get("status"); s != "" {
		parsed, err := orders.ParseStatus(s)
		if err != nil {
			return "", 0, 0, apperr.BadRequest("invalid status filter")
		}
		status = parsed
	}
	page := atoiDefault(q.Get("page"), 1)
	pageSize := atoiDefault(q.Get("pageSize"), 10)
	return status, page, pageSize, nil
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return def
	}
	return n
}

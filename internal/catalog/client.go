// Package catalog is the order service's view of the product catalog: a
// snapshot read plus the two atomic stock operations. The ledger side owns
// the records; this client only speaks its internal HTTP contract.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	ErrNotFound = errors.New("catalog: product not found")
	// ErrConflict is the expected outcome for an unavailable stock operation
	// (no stock left, product not purchasable, release rejected).
	ErrConflict = errors.New("catalog: stock operation rejected")
)

// Snapshot is the product state copied into an order at creation time.
type Snapshot struct {
	ID         string `json:"id"`
	SellerID   string `json:"sellerId"`
	Name       string `json:"name"`
	PriceCents int64  `json:"priceCents"`
	ImageURL   string `json:"imageUrl"`
	Stock      int    `json:"stock"`
	Status     string `json:"status"`
}

type Client interface {
	Snapshot(ctx context.Context, productID string) (Snapshot, error)
	// DecreaseStock reserves one unit. ErrConflict means "stock unavailable",
	// a user-facing outcome, not a failure.
	DecreaseStock(ctx context.Context, productID, orderID string) error
	// IncreaseStock releases one unit back. ErrConflict means the product can
	// no longer accept stock (deleted).
	IncreaseStock(ctx context.Context, productID, orderID string) error
}

// HTTPClient talks to the ledger's internal API.
type HTTPClient struct {
	BaseURL string
	HTTP    *http.Client
}

func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: 5 * time.Second},
	}
}

type envelope struct {
	Code      int             `json:"code"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

func (c *HTTPClient) Snapshot(ctx context.Context, productID string) (Snapshot, error) {
	var snap Snapshot
	env, err := c.do(ctx, http.MethodGet, "/internal/products/"+productID, nil)
	if err != nil {
		return Snapshot{}, err
	}
	if err := json.Unmarshal(env.Data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("catalog: decode snapshot: %w", err)
	}
	return snap, nil
}

type stockRequest struct {
	OrderID string `json:"orderId,omitempty"`
}

func (c *HTTPClient) DecreaseStock(ctx context.Context, productID, orderID string) error {
	_, err := c.do(ctx, http.MethodPost, "/internal/products/"+productID+"/decrease-stock",
		stockRequest{OrderID: orderID})
	return err
}

func (c *HTTPClient) IncreaseStock(ctx context.Context, productID, orderID string) error {
	_, err := c.do(ctx, http.MethodPost, "/internal/products/"+productID+"/increase-stock",
		stockRequest{OrderID: orderID})
	return err
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body any) (envelope, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return envelope{}, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, &buf)
	if err != nil {
		return envelope{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return envelope{}, fmt.Errorf("catalog: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return envelope{}, fmt.Errorf("catalog: decode response: %w", err)
	}

	switch {
	case env.Code == http.StatusOK:
		return env, nil
	case env.Code == http.StatusNotFound:
		return envelope{}, ErrNotFound
	case env.Code == http.StatusConflict:
		return envelope{}, ErrConflict
	default:
		return envelope{}, fmt.Errorf("catalog: %s %s: code %d: %s", method, path, env.Code, env.Message)
	}
}

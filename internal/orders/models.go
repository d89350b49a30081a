package orders

import "time"

// Order is created once after a successful stock reservation and afterwards
// mutated only through the conditional status update. Price and the product
// snapshot fields are locked at creation and never re-synced from the catalog.
type Order struct {
	ID             string      `json:"id"`
	BuyerID        string      `json:"buyerId"`
	SellerID       string      `json:"sellerId"`
	ProductID      string      `json:"productId"`
	PriceCents     int64       `json:"priceCents"`
	ProductName    string      `json:"productName"`
	ProductImage   string      `json:"productImage"`
	Status         Status      `json:"status"`
	IdempotencyKey string      `json:"-"`
	CanceledBy     *CanceledBy `json:"canceledBy,omitempty"`
	CanceledAt     *time.Time  `json:"canceledAt,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

// Info is the slim projection exposed on the internal API for the review
// service.
type Info struct {
	ID        string `json:"id"`
	BuyerID   string `json:"buyerId"`
	SellerID  string `json:"sellerId"`
	ProductID string `json:"productId"`
	Status    Status `json:"status"`
}

// PageResult is the shared paginated list shape: {page, pageSize, total, list}.
type PageResult struct {
	Page     int     `json:"page"`
	PageSize int     `json:"pageSize"`
	Total    int64   `json:"total"`
	List     []Order `json:"list"`
}

// Package ledger owns the stock records and the two atomic conditional
// updates the order saga depends on. Correctness lives in the SQL: callers
// never read-then-write stock.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("product not found")

type ProductStatus string

const (
	StatusOnSale  ProductStatus = "ON_SALE"
	StatusSold    ProductStatus = "SOLD"
	StatusDeleted ProductStatus = "DELETED"
)

type Product struct {
	ID         string        `json:"id"`
	SellerID   string        `json:"sellerId"`
	Name       string        `json:"name"`
	PriceCents int64         `json:"priceCents"`
	ImageURL   string        `json:"imageUrl"`
	Stock      int           `json:"stock"`
	Status     ProductStatus `json:"status"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

type Repo struct{ DB *pgxpool.Pool }

func (r *Repo) Get(ctx context.Context, productID string) (Product, error) {
	var p Product
	var status string
	err := r.DB.QueryRow(ctx, `
		SELECT id, seller_id, name, price_cents, image_url, stock, status, created_at, updated_at
		FROM products WHERE id=$1
	`, productID).Scan(&p.ID, &p.SellerID, &p.Name, &p.PriceCents, &p.ImageURL,
		&p.Stock, &status, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, ErrNotFound
	}
	if err != nil {
		return Product{}, err
	}
	p.Status = ProductStatus(status)
	return p, nil
}

// DecrementStock reserves one unit: stock-1, and the same statement flips
// status to SOLD when the decrement empties the stock. Zero rows affected
// means no stock or not ON_SALE.
func (r *Repo) DecrementStock(ctx context.Context, productID string) (int64, error) {
	ct, err := r.DB.Exec(ctx, `
		UPDATE products
		SET stock = stock - 1,
		    status = CASE WHEN stock - 1 = 0 THEN 'SOLD' ELSE status END,
		    updated_at = now()
		WHERE id = $1 AND stock > 0 AND status = 'ON_SALE'
	`, productID)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

// IncrementStock releases one unit: stock+1 and status back to ON_SALE,
// resurrecting a SOLD product. A DELETED product stays untouched (zero rows).
func (r *Repo) IncrementStock(ctx context.Context, productID string) (int64, error) {
	ct, err := r.DB.Exec(ctx, `
		UPDATE products
		SET stock = stock + 1,
		    status = 'ON_SALE',
		    updated_at = now()
		WHERE id = $1 AND status IN ('ON_SALE', 'SOLD')
	`, productID)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound = errors.New("order not found")
	// ErrDuplicateKey surfaces the unique index on (buyer_id, idempotency_key),
	// the durable backstop behind the Redis guard.
	ErrDuplicateKey = errors.New("order already exists for idempotency key")
)

type Repo struct{ DB *pgxpool.Pool }

const orderColumns = `id, buyer_id, seller_id, product_id, price_cents, product_name,
	product_image, status, idempotency_key, canceled_by, canceled_at, created_at, updated_at`

func scanOrder(row pgx.Row) (Order, error) {
	var o Order
	var status, canceledBy *string
	err := row.Scan(&o.ID, &o.BuyerID, &o.SellerID, &o.ProductID, &o.PriceCents,
		&o.ProductName, &o.ProductImage, &status, &o.IdempotencyKey,
		&canceledBy, &o.CanceledAt, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return Order{}, err
	}
	if status != nil {
		o.Status = Status(*status)
	}
	if canceledBy != nil {
		by := CanceledBy(*canceledBy)
		o.CanceledBy = &by
	}
	return o, nil
}

// Insert stores a new order with status CREATED. The snapshot fields are
// written verbatim and never updated afterwards.
func (r *Repo) Insert(ctx context.Context, o *Order) error {
	o.ID = uuid.NewString()
	o.Status = StatusCreated
	row := r.DB.QueryRow(ctx, `
		INSERT INTO orders (id, buyer_id, seller_id, product_id, price_cents,
			product_name, product_image, status, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`, o.ID, o.BuyerID, o.SellerID, o.ProductID, o.PriceCents,
		o.ProductName, o.ProductImage, string(o.Status), o.IdempotencyKey)
	if err := row.Scan(&o.CreatedAt, &o.UpdatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateKey
		}
		return err
	}
	return nil
}

func (r *Repo) GetByID(ctx context.Context, orderID string) (Order, error) {
	o, err := scanOrder(r.DB.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id=$1`, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	return o, err
}

// FindByIdempotencyKey is the durable lookup consulted before inserting, in
// case the Redis key was lost or expired mid-flight.
func (r *Repo) FindByIdempotencyKey(ctx context.Context, buyerID, key string) (Order, bool, error) {
	o, err := scanOrder(r.DB.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE buyer_id=$1 AND idempotency_key=$2`, buyerID, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, false, nil
	}
	if err != nil {
		return Order{}, false, err
	}
	return o, true, nil
}

// UpdateStatus is the compare-and-swap transition. Zero rows affected means
// the order is gone or its status already moved away from `from`; callers
// must treat that as a conflict and never re-read-then-write.
func (r *Repo) UpdateStatus(ctx context.Context, orderID string, from, to Status) (int64, error) {
	ct, err := r.DB.Exec(ctx, `
		UPDATE orders SET status=$3, updated_at=now()
		WHERE id=$1 AND status=$2
	`, orderID, string(from), string(to))
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

// UpdateStatusCanceled is the cancel variant of the CAS; it records who
// canceled and when in the same conditional update.
func (r *Repo) UpdateStatusCanceled(ctx context.Context, orderID string, from Status, by CanceledBy) (int64, error) {
	ct, err := r.DB.Exec(ctx, `
		UPDATE orders SET status=$3, canceled_by=$4, canceled_at=now(), updated_at=now()
		WHERE id=$1 AND status=$2
	`, orderID, string(from), string(StatusCanceled), string(by))
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

// ListFilter narrows a paginated order listing. Zero values mean "no filter".
type ListFilter struct {
	BuyerID  string
	SellerID string
	Status   Status
}

func (r *Repo) List(ctx context.Context, f ListFilter, page, pageSize int) (PageResult, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 10
	}

	where := make([]string, 0, 3)
	args := make([]any, 0, 5)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.BuyerID != "" {
		add("buyer_id=$%d", f.BuyerID)
	}
	if f.SellerID != "" {
		add("seller_id=$%d", f.SellerID)
	}
	if f.Status != "" {
		add("status=$%d", string(f.Status))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int64
	if err := r.DB.QueryRow(ctx, `SELECT COUNT(*) FROM orders`+clause, args...).Scan(&total); err != nil {
		return PageResult{}, err
	}

	args = append(args, pageSize, (page-1)*pageSize)
	rows, err := r.DB.Query(ctx, `SELECT `+orderColumns+` FROM orders`+clause+
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args)), args...)
	if err != nil {
		return PageResult{}, err
	}
	defer rows.Close()

	list := make([]Order, 0, pageSize)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return PageResult{}, err
		}
		list = append(list, o)
	}
	if err := rows.Err(); err != nil {
		return PageResult{}, err
	}
	return PageResult{Page: page, PageSize: pageSize, Total: total, List: list}, nil
}

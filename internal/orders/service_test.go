package orders

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/cqu-marketplace/order-service/internal/apperr"
	"github.com/cqu-marketplace/order-service/internal/catalog"
	"github.com/cqu-marketplace/order-service/internal/idempotency"
)

// fakeCatalog mimics the ledger's atomic conditional updates behind a mutex,
// which is enough to exercise the orchestrator's concurrency properties
// in-process.
type fakeCatalog struct {
	mu        sync.Mutex
	products  map[string]*catalog.Snapshot
	decErr    error
	incErr    error
	decreases int
	increases int
}

func newFakeCatalog(products ...catalog.Snapshot) *fakeCatalog {
	fc := &fakeCatalog{products: make(map[string]*catalog.Snapshot)}
	for _, p := range products {
		cp := p
		fc.products[p.ID] = &cp
	}
	return fc
}

func (f *fakeCatalog) Snapshot(_ context.Context, productID string) (catalog.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.products[productID]
	if !ok {
		return catalog.Snapshot{}, catalog.ErrNotFound
	}
	return *p, nil
}

func (f *fakeCatalog) DecreaseStock(_ context.Context, productID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.decErr != nil {
		return f.decErr
	}
	p, ok := f.products[productID]
	if !ok {
		return catalog.ErrNotFound
	}
	if p.Stock <= 0 || p.Status != "ON_SALE" {
		return catalog.ErrConflict
	}
	p.Stock--
	if p.Stock == 0 {
		p.Status = "SOLD"
	}
	f.decreases++
	return nil
}

func (f *fakeCatalog) IncreaseStock(_ context.Context, productID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.incErr != nil {
		return f.incErr
	}
	p, ok := f.products[productID]
	if !ok {
		return catalog.ErrNotFound
	}
	if p.Status == "DELETED" {
		return catalog.ErrConflict
	}
	p.Stock++
	p.Status = "ON_SALE"
	f.increases++
	return nil
}

func (f *fakeCatalog) stock(productID string) (int, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.products[productID]
	return p.Stock, p.Status
}

// fakeStore keeps orders in memory with the same uniqueness and CAS semantics
// as the Postgres repo.
type fakeStore struct {
	mu        sync.Mutex
	orders    map[string]*Order
	byIdemKey map[string]string // buyer:key -> order id
	insertErr error
	seq       int
}

func newFakeStore() *fakeStore {
	return &fakeStore{orders: make(map[string]*Order), byIdemKey: make(map[string]string)}
}

func idemIndexKey(buyerID, key string) string { return buyerID + ":" + key }

func (f *fakeStore) Insert(_ context.Context, o *Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	ik := idemIndexKey(o.BuyerID, o.IdempotencyKey)
	if _, exists := f.byIdemKey[ik]; exists {
		return ErrDuplicateKey
	}
	f.seq++
	o.ID = fmt.Sprintf("order-%d", f.seq)
	o.Status = StatusCreated
	cp := *o
	f.orders[o.ID] = &cp
	f.byIdemKey[ik] = o.ID
	return nil
}

func (f *fakeStore) GetByID(_ context.Context, orderID string) (Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok {
		return Order{}, ErrNotFound
	}
	return *o, nil
}

func (f *fakeStore) FindByIdempotencyKey(_ context.Context, buyerID, key string) (Order, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byIdemKey[idemIndexKey(buyerID, key)]
	if !ok {
		return Order{}, false, nil
	}
	return *f.orders[id], true, nil
}

func (f *fakeStore) UpdateStatus(_ context.Context, orderID string, from, to Status) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok || o.Status != from {
		return 0, nil
	}
	o.Status = to
	return 1, nil
}

func (f *fakeStore) UpdateStatusCanceled(_ context.Context, orderID string, from Status, by CanceledBy) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok || o.Status != from {
		return 0, nil
	}
	o.Status = StatusCanceled
	o.CanceledBy = &by
	return 1, nil
}

func (f *fakeStore) List(_ context.Context, fl ListFilter, page, pageSize int) (PageResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := make([]Order, 0)
	for _, o := range f.orders {
		if fl.BuyerID != "" && o.BuyerID != fl.BuyerID {
			continue
		}
		if fl.SellerID != "" && o.SellerID != fl.SellerID {
			continue
		}
		if fl.Status != "" && o.Status != fl.Status {
			continue
		}
		list = append(list, *o)
	}
	return PageResult{Page: page, PageSize: pageSize, Total: int64(len(list)), List: list}, nil
}

type captureProducer struct {
	mu       sync.Mutex
	messages [][]byte
}

func (c *captureProducer) Publish(_, value []byte, _ ...kafkago.Header) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, value)
}

func (c *captureProducer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

func onSaleProduct(id, sellerID string, stock int) catalog.Snapshot {
	return catalog.Snapshot{
		ID:         id,
		SellerID:   sellerID,
		Name:       "mechanics textbook",
		PriceCents: 2500,
		ImageURL:   "https://img.example/p1.jpg",
		Stock:      stock,
		Status:     "ON_SALE",
	}
}

type fixture struct {
	svc     *Service
	cat     *fakeCatalog
	store   *fakeStore
	release *captureProducer
}

func newFixture(products ...catalog.Snapshot) *fixture {
	cat := newFakeCatalog(products...)
	store := newFakeStore()
	release := &captureProducer{}
	return &fixture{
		svc: &Service{
			Guard:           idempotency.NewMemoryGuard(),
			Catalog:         cat,
			Store:           store,
			ProducerRelease: release,
			ServiceName:     "order-service-test",
			Logger:          zap.NewNop(),
		},
		cat:     cat,
		store:   store,
		release: release,
	}
}

func wantKind(t *testing.T, err error, status int) {
	t.Helper()
	if err == nil {
		t.Fatal("expected an error")
	}
	if got := apperr.StatusOf(err); got != status {
		t.Fatalf("got status %d (%v), want %d", got, err, status)
	}
}

func TestCreateCopiesSnapshotAndDecrementsStock(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(onSaleProduct("p1", "seller-1", 2))

	orderID, err := fx.svc.Create(ctx, "buyer-1", "p1", "k1")
	if err != nil {
		t.Fatal(err)
	}

	o, err := fx.store.GetByID(ctx, orderID)
	if err != nil {
		t.Fatal(err)
	}
	if o.Status != StatusCreated {
		t.Fatalf("status = %s, want CREATED", o.Status)
	}
	if o.SellerID != "seller-1" || o.PriceCents != 2500 || o.ProductName != "mechanics textbook" || o.ProductImage != "https://img.example/p1.jpg" {
		t.Fatalf("snapshot fields not copied verbatim: %+v", o)
	}
	if stock, _ := fx.cat.stock("p1"); stock != 1 {
		t.Fatalf("stock = %d, want 1", stock)
	}
}

func TestCreateReplaySequentialSameKey(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(onSaleProduct("p1", "seller-1", 5))

	first, err := fx.svc.Create(ctx, "buyer-1", "p1", "k1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := fx.svc.Create(ctx, "buyer-1", "p1", "k1")
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Fatalf("replay returned %s, want %s", second, first)
	}
	if fx.cat.decreases != 1 {
		t.Fatalf("stock decremented %d times, want 1", fx.cat.decreases)
	}
}

func TestCreateDurableBackstopWhenGuardLosesKey(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(onSaleProduct("p1", "seller-1", 5))

	first, err := fx.svc.Create(ctx, "buyer-1", "p1", "k1")
	if err != nil {
		t.Fatal(err)
	}

	// Simulate the ephemeral store losing the resolved key.
	if err := fx.svc.Guard.Release(ctx, "buyer-1", "k1"); err != nil {
		t.Fatal(err)
	}

	second, err := fx.svc.Create(ctx, "buyer-1", "p1", "k1")
	if err != nil {
		t.Fatal(err)
	}
	if second != first {
		t.Fatalf("backstop returned %s, want %s", second, first)
	}
	if fx.cat.decreases != 1 {
		t.Fatalf("stock decremented %d times, want 1", fx.cat.decreases)
	}
}

func TestCreateBusyWhilePending(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(onSaleProduct("p1", "seller-1", 5))

	// Hold the pending key as an in-flight sibling request would.
	if _, err := fx.svc.Guard.Acquire(ctx, "buyer-1", "k1"); err != nil {
		t.Fatal(err)
	}

	_, err := fx.svc.Create(ctx, "buyer-1", "p1", "k1")
	wantKind(t, err, http.StatusConflict)
	if fx.cat.decreases != 0 {
		t.Fatal("busy request must not touch stock")
	}
}

func TestCreateSelfPurchaseRejectedBeforeStock(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(onSaleProduct("p1", "buyer-1", 5))

	_, err := fx.svc.Create(ctx, "buyer-1", "p1", "k1")
	wantKind(t, err, http.StatusConflict)
	if fx.cat.decreases != 0 {
		t.Fatal("self-purchase must never reserve stock")
	}

	// The guard key must have been released so a retry is not wedged.
	out, err := fx.svc.Guard.Acquire(ctx, "buyer-1", "k1")
	if err != nil {
		t.Fatal(err)
	}
	if out.State != idempotency.StateAcquired {
		t.Fatalf("guard not released after failure: %v", out.State)
	}
}

func TestCreateProductNotFound(t *testing.T) {
	fx := newFixture()
	_, err := fx.svc.Create(context.Background(), "buyer-1", "missing", "k1")
	wantKind(t, err, http.StatusNotFound)
}

func TestCreateProductNotOnSale(t *testing.T) {
	p := onSaleProduct("p1", "seller-1", 5)
	p.Status = "DELETED"
	fx := newFixture(p)

	_, err := fx.svc.Create(context.Background(), "buyer-1", "p1", "k1")
	wantKind(t, err, http.StatusConflict)
}

func TestCreateOutOfStockReleasesGuard(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(onSaleProduct("p1", "seller-1", 0))

	_, err := fx.svc.Create(ctx, "buyer-1", "p1", "k1")
	wantKind(t, err, http.StatusConflict)

	out, err := fx.svc.Guard.Acquire(ctx, "buyer-1", "k1")
	if err != nil {
		t.Fatal(err)
	}
	if out.State != idempotency.StateAcquired {
		t.Fatalf("guard not released after out-of-stock: %v", out.State)
	}
}

func TestCreateInsertFailureReleasesReservedStock(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(onSaleProduct("p1", "seller-1", 1))
	fx.store.insertErr = errors.New("db down")

	_, err := fx.svc.Create(ctx, "buyer-1", "p1", "k1")
	wantKind(t, err, http.StatusInternalServerError)

	if stock, status := fx.cat.stock("p1"); stock != 1 || status != "ON_SALE" {
		t.Fatalf("reserved unit not returned: stock=%d status=%s", stock, status)
	}
}

func TestCreateInsertFailureQueuesCompensationWhenReleaseFails(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(onSaleProduct("p1", "seller-1", 1))
	fx.store.insertErr = errors.New("db down")
	fx.cat.incErr = errors.New("ledger down")

	_, err := fx.svc.Create(ctx, "buyer-1", "p1", "k1")
	wantKind(t, err, http.StatusInternalServerError)

	if fx.release.count() != 1 {
		t.Fatalf("expected 1 compensation event, got %d", fx.release.count())
	}
}

func TestCreateConcurrentSameKeyYieldsOneOrder(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(onSaleProduct("p1", "seller-1", 100))

	const n = 32
	var wg sync.WaitGroup
	ids := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if id, err := fx.svc.Create(ctx, "buyer-1", "p1", "same-key"); err == nil {
				ids <- id
			}
		}()
	}
	wg.Wait()
	close(ids)

	distinct := map[string]bool{}
	for id := range ids {
		distinct[id] = true
	}
	if len(distinct) != 1 {
		t.Fatalf("got %d distinct order ids, want exactly 1", len(distinct))
	}
	if fx.cat.decreases != 1 {
		t.Fatalf("stock decremented %d times, want exactly 1", fx.cat.decreases)
	}
}

func TestCreateNoOversell(t *testing.T) {
	ctx := context.Background()
	const stock = 3
	const attempts = 20
	fx := newFixture(onSaleProduct("p1", "seller-1", stock))

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, conflicts := 0, 0
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			buyer := fmt.Sprintf("buyer-%d", i)
			_, err := fx.svc.Create(ctx, buyer, "p1", fmt.Sprintf("key-%d", i))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case apperr.KindOf(err) == apperr.KindConflict:
				conflicts++
			default:
				t.Errorf("unexpected error kind: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if succeeded != stock {
		t.Fatalf("%d creates succeeded, want exactly %d", succeeded, stock)
	}
	if conflicts != attempts-stock {
		t.Fatalf("%d conflicts, want %d", conflicts, attempts-stock)
	}
	if got, status := fx.cat.stock("p1"); got != 0 || status != "SOLD" {
		t.Fatalf("final stock=%d status=%s, want 0/SOLD", got, status)
	}
}

func TestCancelByBuyerRestoresStock(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(onSaleProduct("p1", "seller-1", 1))

	orderID, err := fx.svc.Create(ctx, "buyer-1", "p1", "k1")
	if err != nil {
		t.Fatal(err)
	}
	if stock, status := fx.cat.stock("p1"); stock != 0 || status != "SOLD" {
		t.Fatalf("precondition: stock=%d status=%s", stock, status)
	}

	if err := fx.svc.Cancel(ctx, orderID, "buyer-1"); err != nil {
		t.Fatal(err)
	}

	o, _ := fx.store.GetByID(ctx, orderID)
	if o.Status != StatusCanceled {
		t.Fatalf("status = %s, want CANCELED", o.Status)
	}
	if o.CanceledBy == nil || *o.CanceledBy != CanceledByBuyer {
		t.Fatalf("canceled_by = %v, want BUYER", o.CanceledBy)
	}
	if stock, status := fx.cat.stock("p1"); stock != 1 || status != "ON_SALE" {
		t.Fatalf("stock=%d status=%s, want 1/ON_SALE", stock, status)
	}
}

func TestCancelBySellerAttribution(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(onSaleProduct("p1", "seller-1", 1))

	orderID, err := fx.svc.Create(ctx, "buyer-1", "p1", "k1")
	if err != nil {
		t.Fatal(err)
	}
	if err := fx.svc.Cancel(ctx, orderID, "seller-1"); err != nil {
		t.Fatal(err)
	}
	o, _ := fx.store.GetByID(ctx, orderID)
	if o.CanceledBy == nil || *o.CanceledBy != CanceledBySeller {
		t.Fatalf("canceled_by = %v, want SELLER", o.CanceledBy)
	}
}

func TestCancelByStrangerForbidden(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(onSaleProduct("p1", "seller-1", 1))

	orderID, err := fx.svc.Create(ctx, "buyer-1", "p1", "k1")
	if err != nil {
		t.Fatal(err)
	}
	err = fx.svc.Cancel(ctx, orderID, "someone-else")
	wantKind(t, err, http.StatusForbidden)
}

func TestCancelShippedOrderConflicts(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(onSaleProduct("p1", "seller-1", 1))

	orderID, err := fx.svc.Create(ctx, "buyer-1", "p1", "k1")
	if err != nil {
		t.Fatal(err)
	}
	if err := fx.svc.Ship(ctx, orderID, "seller-1"); err != nil {
		t.Fatal(err)
	}
	err = fx.svc.Cancel(ctx, orderID, "buyer-1")
	wantKind(t, err, http.StatusConflict)
}

func TestCancelReleaseFailureIsNotSurfaced(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(onSaleProduct("p1", "seller-1", 1))

	orderID, err := fx.svc.Create(ctx, "buyer-1", "p1", "k1")
	if err != nil {
		t.Fatal(err)
	}
	fx.cat.incErr = errors.New("ledger down")

	if err := fx.svc.Cancel(ctx, orderID, "buyer-1"); err != nil {
		t.Fatalf("cancel must succeed despite release failure, got %v", err)
	}
	o, _ := fx.store.GetByID(ctx, orderID)
	if o.Status != StatusCanceled {
		t.Fatalf("status = %s, want CANCELED", o.Status)
	}
	if fx.release.count() != 1 {
		t.Fatalf("expected 1 compensation event, got %d", fx.release.count())
	}
}

func TestShipPermissionsAndState(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(onSaleProduct("p1", "seller-1", 2))

	orderID, err := fx.svc.Create(ctx, "buyer-1", "p1", "k1")
	if err != nil {
		t.Fatal(err)
	}

	wantKind(t, fx.svc.Ship(ctx, orderID, "buyer-1"), http.StatusForbidden)

	if err := fx.svc.Ship(ctx, orderID, "seller-1"); err != nil {
		t.Fatal(err)
	}
	// Second ship: status already moved away from CREATED.
	wantKind(t, fx.svc.Ship(ctx, orderID, "seller-1"), http.StatusConflict)
}

func TestReceivePermissionsAndState(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(onSaleProduct("p1", "seller-1", 2))

	orderID, err := fx.svc.Create(ctx, "buyer-1", "p1", "k1")
	if err != nil {
		t.Fatal(err)
	}

	// Not shipped yet.
	wantKind(t, fx.svc.Receive(ctx, orderID, "buyer-1"), http.StatusConflict)

	if err := fx.svc.Ship(ctx, orderID, "seller-1"); err != nil {
		t.Fatal(err)
	}
	wantKind(t, fx.svc.Receive(ctx, orderID, "seller-1"), http.StatusForbidden)

	if err := fx.svc.Receive(ctx, orderID, "buyer-1"); err != nil {
		t.Fatal(err)
	}
}

func TestMarkReviewedRequiresReceived(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(onSaleProduct("p1", "seller-1", 2))

	orderID, err := fx.svc.Create(ctx, "buyer-1", "p1", "k1")
	if err != nil {
		t.Fatal(err)
	}
	wantKind(t, fx.svc.MarkReviewed(ctx, orderID), http.StatusConflict)

	_ = fx.svc.Ship(ctx, orderID, "seller-1")
	_ = fx.svc.Receive(ctx, orderID, "buyer-1")
	if err := fx.svc.MarkReviewed(ctx, orderID); err != nil {
		t.Fatal(err)
	}
}

func TestAdminCanCancelShippedOrder(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(onSaleProduct("p1", "seller-1", 1))

	orderID, err := fx.svc.Create(ctx, "buyer-1", "p1", "k1")
	if err != nil {
		t.Fatal(err)
	}
	if err := fx.svc.Ship(ctx, orderID, "seller-1"); err != nil {
		t.Fatal(err)
	}

	if err := fx.svc.AdminUpdateStatus(ctx, orderID, StatusCanceled); err != nil {
		t.Fatal(err)
	}
	o, _ := fx.store.GetByID(ctx, orderID)
	if o.Status != StatusCanceled || o.CanceledBy == nil {
		t.Fatalf("admin cancel: %+v", o)
	}
	if stock, _ := fx.cat.stock("p1"); stock != 1 {
		t.Fatalf("admin cancel must release stock, got %d", stock)
	}
}

func TestAdminRejectsIllegalTransition(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(onSaleProduct("p1", "seller-1", 1))

	orderID, err := fx.svc.Create(ctx, "buyer-1", "p1", "k1")
	if err != nil {
		t.Fatal(err)
	}
	wantKind(t, fx.svc.AdminUpdateStatus(ctx, orderID, StatusReceived), http.StatusConflict)
	wantKind(t, fx.svc.AdminUpdateStatus(ctx, orderID, StatusReviewed), http.StatusConflict)
}

func TestGetInfoProjection(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(onSaleProduct("p1", "seller-1", 1))

	orderID, err := fx.svc.Create(ctx, "buyer-1", "p1", "k1")
	if err != nil {
		t.Fatal(err)
	}
	info, err := fx.svc.GetInfo(ctx, orderID)
	if err != nil {
		t.Fatal(err)
	}
	if info.BuyerID != "buyer-1" || info.SellerID != "seller-1" || info.Status != StatusCreated {
		t.Fatalf("unexpected info: %+v", info)
	}

	_, err = fx.svc.GetInfo(ctx, "nope")
	wantKind(t, err, http.StatusNotFound)
}

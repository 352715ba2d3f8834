package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Acteus/Store-Manager-sub001/internal/cache"
	"github.com/Acteus/Store-Manager-sub001/internal/domain"
	"github.com/Acteus/Store-Manager-sub001/internal/events"
	"github.com/Acteus/Store-Manager-sub001/internal/money"
	"github.com/Acteus/Store-Manager-sub001/internal/store"
	"github.com/Acteus/Store-Manager-sub001/internal/store/memory"
)

func newTestService() *Service {
	calc := money.NewCalculator(1200, "₱")
	repo := memory.New(calc)
	return New(repo, cache.NewMemory(128), events.NewBus(64), calc, 5*time.Second, 50)
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: domain.RoleAdmin})
}

func mustCreate(t *testing.T, svc *Service, req domain.ProductCreateRequest) domain.Product {
	t.Helper()
	product, err := svc.CreateProduct(context.Background(), req)
	if err != nil {
		t.Fatalf("create product failed: %v", err)
	}
	return product
}

func TestCreateProductValidation(t *testing.T) {
	svc := newTestService()

	cases := []domain.ProductCreateRequest{
		{Name: "", Barcode: "4800000000011", PriceCents: 100, Category: "grocery"},
		{Name: "Soap", Barcode: "not-a-barcode", PriceCents: 100, Category: "household"},
		{Name: "Soap", Barcode: "1234567", PriceCents: 100, Category: "household"},
		{Name: "Soap", Barcode: "4800000000011", PriceCents: -1, Category: "household"},
		{Name: "Soap", Barcode: "4800000000011", PriceCents: 100, Category: ""},
		{Name: "Soap", Barcode: "4800000000011", PriceCents: 100, Category: "household", InitialStock: -1},
	}
	for i, req := range cases {
		if _, err := svc.CreateProduct(context.Background(), req); !errors.Is(err, store.ErrValidation) {
			t.Fatalf("case %d: expected ErrValidation, got %v", i, err)
		}
	}
}

func TestCommitSaleRecomputesTotals(t *testing.T) {
	svc := newTestService()
	product := mustCreate(t, svc, domain.ProductCreateRequest{
		Name: "Soap", Barcode: "4800000000011", PriceCents: 5000, Category: "household", InitialStock: 10,
	})

	resp, err := svc.CommitSale(adminCtx(), domain.SaleCommitRequest{
		Items: []domain.SaleLineRequest{{ProductID: product.ID, Qty: 2}},
	})
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if resp.Duplicate {
		t.Fatalf("first commit must not be a duplicate")
	}
	if resp.Sale.SubtotalCents != 10000 || resp.Sale.TaxCents != 1200 || resp.Sale.TotalCents != 11200 {
		t.Fatalf("unexpected totals: subtotal=%d tax=%d total=%d",
			resp.Sale.SubtotalCents, resp.Sale.TaxCents, resp.Sale.TotalCents)
	}
	if resp.Sale.CashierUsername != "admin" {
		t.Fatalf("expected cashier from actor context, got %q", resp.Sale.CashierUsername)
	}
	if resp.Sale.IdempotencyKey == "" {
		t.Fatalf("expected a generated idempotency key")
	}

	after, err := svc.GetProduct(context.Background(), product.ID)
	if err != nil {
		t.Fatalf("get product failed: %v", err)
	}
	if after.StockQty != 8 {
		t.Fatalf("expected stock 8 after sale, got %d", after.StockQty)
	}
}

func TestCommitSaleDuplicateKey(t *testing.T) {
	svc := newTestService()
	product := mustCreate(t, svc, domain.ProductCreateRequest{
		Name: "Soap", Barcode: "4800000000011", PriceCents: 1000, Category: "household", InitialStock: 5,
	})

	req := domain.SaleCommitRequest{
		IdempotencyKey: "idem-dup",
		Items:          []domain.SaleLineRequest{{ProductID: product.ID, Qty: 2}},
	}

	first, err := svc.CommitSale(adminCtx(), req)
	if err != nil {
		t.Fatalf("first commit failed: %v", err)
	}
	second, err := svc.CommitSale(adminCtx(), req)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if !second.Duplicate {
		t.Fatalf("replay must report duplicate")
	}
	if second.Sale.ID != first.Sale.ID {
		t.Fatalf("replay must return the original sale")
	}

	after, _ := svc.GetProduct(context.Background(), product.ID)
	if after.StockQty != 3 {
		t.Fatalf("stock must be decremented exactly once, got %d", after.StockQty)
	}
}

func TestConcurrentCommitsSellLastUnitOnce(t *testing.T) {
	svc := newTestService()
	product := mustCreate(t, svc, domain.ProductCreateRequest{
		Name: "Last Loaf", Barcode: "4800000000011", PriceCents: 6200, Category: "bakery", InitialStock: 1,
	})

	const attempts = 8
	results := make(chan error, attempts)

	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := svc.CommitSale(adminCtx(), domain.SaleCommitRequest{
				IdempotencyKey: fmt.Sprintf("idem-race-%d", n),
				Items:          []domain.SaleLineRequest{{ProductID: product.ID, Qty: 1}},
			})
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	won, lost := 0, 0
	for err := range results {
		switch {
		case err == nil:
			won++
		case errors.Is(err, store.ErrInsufficientStock):
			lost++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if won != 1 || lost != attempts-1 {
		t.Fatalf("expected exactly one winner, got %d winners and %d losers", won, lost)
	}

	after, _ := svc.GetProduct(context.Background(), product.ID)
	if after.StockQty != 0 {
		t.Fatalf("expected stock 0, got %d", after.StockQty)
	}
}

func TestCommitSaleValidation(t *testing.T) {
	svc := newTestService()
	product := mustCreate(t, svc, domain.ProductCreateRequest{
		Name: "Soap", Barcode: "4800000000011", PriceCents: 1000, Category: "household", InitialStock: 5,
	})

	if _, err := svc.CommitSale(adminCtx(), domain.SaleCommitRequest{}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("empty cart: expected ErrValidation, got %v", err)
	}
	if _, err := svc.CommitSale(adminCtx(), domain.SaleCommitRequest{
		PaymentMethod: "barter",
		Items:         []domain.SaleLineRequest{{ProductID: product.ID, Qty: 1}},
	}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("bad payment method: expected ErrValidation, got %v", err)
	}
	if _, err := svc.CommitSale(adminCtx(), domain.SaleCommitRequest{
		Items: []domain.SaleLineRequest{{ProductID: product.ID, Qty: 0}},
	}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("zero qty: expected ErrValidation, got %v", err)
	}
}

func TestCountVarianceWorkflow(t *testing.T) {
	svc := newTestService()
	product := mustCreate(t, svc, domain.ProductCreateRequest{
		Name: "Soap", Barcode: "4800000000011", PriceCents: 1000, Category: "household", InitialStock: 10,
	})

	count, err := svc.RecordCount(adminCtx(), domain.CountRecordRequest{
		ProductID:     product.ID,
		PhysicalCount: 7,
		Notes:         "weekly count",
	})
	if err != nil {
		t.Fatalf("record count failed: %v", err)
	}
	if count.SystemCount != 10 || count.Variance != -3 {
		t.Fatalf("expected system 10 variance -3, got %d and %d", count.SystemCount, count.Variance)
	}
	if count.CountedBy != "admin" {
		t.Fatalf("expected counted_by from actor context, got %q", count.CountedBy)
	}

	mid, _ := svc.GetProduct(context.Background(), product.ID)
	if mid.StockQty != 10 {
		t.Fatalf("recording must not move stock, got %d", mid.StockQty)
	}

	applied, err := svc.ApplyAdjustment(adminCtx(), count.ID)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if !applied.Applied {
		t.Fatalf("expected applied flag set")
	}

	after, _ := svc.GetProduct(context.Background(), product.ID)
	if after.StockQty != 7 {
		t.Fatalf("expected stock 7 after adjustment, got %d", after.StockQty)
	}

	if _, err := svc.ApplyAdjustment(adminCtx(), count.ID); !errors.Is(err, store.ErrAlreadyApplied) {
		t.Fatalf("expected ErrAlreadyApplied on second apply, got %v", err)
	}
}

func TestRecordCountRequiresActor(t *testing.T) {
	svc := newTestService()
	product := mustCreate(t, svc, domain.ProductCreateRequest{
		Name: "Soap", Barcode: "4800000000011", PriceCents: 1000, Category: "household", InitialStock: 10,
	})

	_, err := svc.RecordCount(context.Background(), domain.CountRecordRequest{
		ProductID:     product.ID,
		PhysicalCount: 9,
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected ErrValidation without an actor, got %v", err)
	}
}

func TestReadYourWritesAfterUpdate(t *testing.T) {
	svc := newTestService()
	product := mustCreate(t, svc, domain.ProductCreateRequest{
		Name: "Soap", Barcode: "4800000000011", PriceCents: 1000, Category: "household", InitialStock: 10,
	})

	// Warm every cached view of the product.
	if _, err := svc.GetProduct(context.Background(), product.ID); err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if _, err := svc.GetProductByBarcode(context.Background(), "4800000000011"); err != nil {
		t.Fatalf("get by barcode failed: %v", err)
	}
	if _, err := svc.ListProducts(context.Background(), "household"); err != nil {
		t.Fatalf("list failed: %v", err)
	}

	newName := "Premium Soap"
	newBarcode := "4800000000028"
	if _, err := svc.UpdateProduct(context.Background(), product.ID, domain.ProductUpdateRequest{
		Name:    &newName,
		Barcode: &newBarcode,
	}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	got, err := svc.GetProduct(context.Background(), product.ID)
	if err != nil {
		t.Fatalf("get after update failed: %v", err)
	}
	if got.Name != newName || got.Barcode != newBarcode {
		t.Fatalf("stale read after update: %+v", got)
	}

	if _, err := svc.GetProductByBarcode(context.Background(), "4800000000011"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("retired barcode must not resolve, got %v", err)
	}
	byNew, err := svc.GetProductByBarcode(context.Background(), newBarcode)
	if err != nil || byNew.ID != product.ID {
		t.Fatalf("lookup by new barcode failed: %v", err)
	}

	listed, err := svc.ListProducts(context.Background(), "household")
	if err != nil {
		t.Fatalf("list after update failed: %v", err)
	}
	if len(listed) != 1 || listed[0].Name != newName {
		t.Fatalf("stale list after update: %+v", listed)
	}
}

type failingCache struct{}

func (failingCache) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("cache down")
}

func (failingCache) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("cache down")
}

func (failingCache) Delete(context.Context, ...string) error {
	return errors.New("cache down")
}

func (failingCache) DeletePrefix(context.Context, string) error {
	return errors.New("cache down")
}

func TestCacheFailuresDegradeToStoreReads(t *testing.T) {
	calc := money.NewCalculator(1200, "₱")
	repo := memory.New(calc)
	svc := New(repo, failingCache{}, events.NewBus(8), calc, 5*time.Second, 50)

	product := mustCreate(t, svc, domain.ProductCreateRequest{
		Name: "Soap", Barcode: "4800000000011", PriceCents: 1000, Category: "household", InitialStock: 10,
	})

	got, err := svc.GetProduct(context.Background(), product.ID)
	if err != nil {
		t.Fatalf("get must survive a broken cache: %v", err)
	}
	if got.Name != "Soap" {
		t.Fatalf("unexpected product: %+v", got)
	}

	if _, err := svc.GetProductByBarcode(context.Background(), "4800000000011"); err != nil {
		t.Fatalf("barcode lookup must survive a broken cache: %v", err)
	}
	if _, err := svc.ListProducts(context.Background(), "household"); err != nil {
		t.Fatalf("list must survive a broken cache: %v", err)
	}

	newName := "Premium Soap"
	if _, err := svc.UpdateProduct(context.Background(), product.ID, domain.ProductUpdateRequest{Name: &newName}); err != nil {
		t.Fatalf("update must survive failed invalidation: %v", err)
	}
	after, err := svc.GetProduct(context.Background(), product.ID)
	if err != nil || after.Name != newName {
		t.Fatalf("read after update failed: %v %+v", err, after)
	}

	if _, err := svc.CommitSale(adminCtx(), domain.SaleCommitRequest{
		IdempotencyKey: "idem-cache-down",
		Items:          []domain.SaleLineRequest{{ProductID: product.ID, Qty: 1}},
	}); err != nil {
		t.Fatalf("commit must survive a broken cache: %v", err)
	}
}

func TestLowStockEventReportsOutOfStock(t *testing.T) {
	calc := money.NewCalculator(1200, "₱")
	repo := memory.New(calc)
	bus := events.NewBus(8)
	svc := New(repo, cache.NewMemory(16), bus, calc, 5*time.Second, 50)

	lowStock := make(chan events.Event, 8)
	bus.Subscribe(func(evt events.Event) {
		if evt.Type == events.TypeProductLowStock {
			lowStock <- evt
		}
	})

	product := mustCreate(t, svc, domain.ProductCreateRequest{
		Name: "Last Loaf", Barcode: "4800000000011", PriceCents: 6200, Category: "bakery", InitialStock: 1,
	})

	if _, err := svc.CommitSale(adminCtx(), domain.SaleCommitRequest{
		IdempotencyKey: "idem-last-loaf",
		Items:          []domain.SaleLineRequest{{ProductID: product.ID, Qty: 1}},
	}); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-lowStock:
			if evt.Detail["stock_qty"] != 0 {
				continue
			}
			if evt.Detail["out_of_stock"] != true {
				t.Fatalf("expected out_of_stock true at zero stock, detail: %+v", evt.Detail)
			}
			return
		case <-deadline:
			t.Fatalf("timed out waiting for the zero-stock event")
		}
	}
}

func TestListSalesWindow(t *testing.T) {
	svc := newTestService()
	product := mustCreate(t, svc, domain.ProductCreateRequest{
		Name: "Soap", Barcode: "4800000000011", PriceCents: 1000, Category: "household", InitialStock: 50,
	})

	for i := 0; i < 3; i++ {
		if _, err := svc.CommitSale(adminCtx(), domain.SaleCommitRequest{
			IdempotencyKey: fmt.Sprintf("idem-window-%d", i),
			Items:          []domain.SaleLineRequest{{ProductID: product.ID, Qty: 1}},
		}); err != nil {
			t.Fatalf("commit %d failed: %v", i, err)
		}
	}

	resp, err := svc.ListSales(context.Background(), domain.SaleListFilter{Limit: 2})
	if err != nil {
		t.Fatalf("list sales failed: %v", err)
	}
	if len(resp.Sales) != 2 {
		t.Fatalf("expected 2 sales on the first page, got %d", len(resp.Sales))
	}

	rest, err := svc.ListSales(context.Background(), domain.SaleListFilter{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("list sales offset failed: %v", err)
	}
	if len(rest.Sales) != 1 {
		t.Fatalf("expected 1 sale on the second page, got %d", len(rest.Sales))
	}

	empty, err := svc.ListSales(context.Background(), domain.SaleListFilter{
		From: time.Now().UTC().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("list sales window failed: %v", err)
	}
	if len(empty.Sales) != 0 {
		t.Fatalf("expected empty window, got %d sales", len(empty.Sales))
	}
}

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/Acteus/Store-Manager-sub001/internal/domain"
)

var (
	ErrValidation        = errors.New("invalid input")
	ErrConflict          = errors.New("conflict")
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrAlreadyApplied    = errors.New("count adjustment already applied")
)

// StockError names the offending product when an adjustment would drive
// stock negative. It matches ErrInsufficientStock under errors.Is.
type StockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *StockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d", e.ProductID, e.Requested, e.Available)
}

func (e *StockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// TxError wraps a store-level failure (connection loss, timeout, constraint
// machinery) with enough context for the caller to decide on retry.
type TxError struct {
	Op  string
	ID  string
	Err error
}

func (e *TxError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("store operation %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store operation %s failed for %s: %v", e.Op, e.ID, e.Err)
}

func (e *TxError) Unwrap() error {
	return e.Err
}

// Repository is the durable-store contract the service depends on. Both the
// postgres adapter and the in-memory store implement it. Every stock
// mutation an implementation performs must run inside an atomic transaction
// with row-level locking or an equivalent guarded update; callers never do
// read-modify-write arithmetic on stock.
type Repository interface {
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	GetProductByBarcode(ctx context.Context, barcode string) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	DeleteProduct(ctx context.Context, id string) error
	ListProducts(ctx context.Context, category string) ([]domain.Product, error)
	SearchProducts(ctx context.Context, query string, limit int) ([]domain.Product, error)
	AdjustStock(ctx context.Context, id string, delta int) (*domain.Product, error)

	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, bool, error)
	GetSale(ctx context.Context, id string) (*domain.Sale, error)
	ListSales(ctx context.Context, filter domain.SaleListFilter) ([]domain.Sale, error)

	CreateCount(ctx context.Context, count domain.InventoryCount) (*domain.InventoryCount, error)
	GetCount(ctx context.Context, id string) (*domain.InventoryCount, error)
	ApplyCount(ctx context.Context, id string) (*domain.InventoryCount, error)
	ListVariances(ctx context.Context, filter domain.VarianceFilter) ([]domain.InventoryCount, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	GetUser(ctx context.Context, username string) (*domain.UserAccount, error)
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
}

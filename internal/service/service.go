package service

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/Acteus/Store-Manager-sub001/internal/cache"
	"github.com/Acteus/Store-Manager-sub001/internal/domain"
	"github.com/Acteus/Store-Manager-sub001/internal/events"
	"github.com/Acteus/Store-Manager-sub001/internal/money"
	"github.com/Acteus/Store-Manager-sub001/internal/store"
	"github.com/Acteus/Store-Manager-sub001/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

var barcodePattern = regexp.MustCompile(`^[0-9]{8,13}$`)

type Service struct {
	repo     store.Repository
	cache    cache.Cache
	bus      *events.Bus
	calc     money.Calculator
	cacheTTL time.Duration
	pageSize int
}

func New(repo store.Repository, c cache.Cache, bus *events.Bus, calc money.Calculator, cacheTTL time.Duration, pageSize int) *Service {
	if c == nil {
		c = cache.Noop{}
	}
	if bus == nil {
		bus = events.NewBus(16)
	}
	if cacheTTL <= 0 {
		cacheTTL = 60 * time.Second
	}
	if pageSize < 1 {
		pageSize = 50
	}
	return &Service{
		repo:     repo,
		cache:    c,
		bus:      bus,
		calc:     calc,
		cacheTTL: cacheTTL,
		pageSize: pageSize,
	}
}

func (s *Service) Money() money.Calculator {
	return s.calc
}

// ---- products ----

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Barcode = strings.TrimSpace(req.Barcode)
	req.Category = strings.TrimSpace(req.Category)

	if req.Name == "" || req.Category == "" {
		return domain.Product{}, store.ErrValidation
	}
	if !barcodePattern.MatchString(req.Barcode) {
		return domain.Product{}, store.ErrValidation
	}
	if req.PriceCents < 0 || req.InitialStock < 0 {
		return domain.Product{}, store.ErrValidation
	}

	minStock := domain.DefaultMinStock
	if req.MinStock != nil {
		if *req.MinStock < 0 {
			return domain.Product{}, store.ErrValidation
		}
		minStock = *req.MinStock
	}

	product := domain.Product{
		Name:        req.Name,
		Barcode:     req.Barcode,
		PriceCents:  req.PriceCents,
		Category:    req.Category,
		Description: strings.TrimSpace(req.Description),
		StockQty:    req.InitialStock,
		MinStock:    minStock,
	}

	created, err := s.repo.CreateProduct(ctx, product)
	if err != nil {
		return domain.Product{}, err
	}

	s.invalidateProduct(ctx, created.ID, created.Barcode)
	s.emitLowStock(*created)

	return *created, nil
}

func (s *Service) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	if id == "" {
		return domain.Product{}, store.ErrValidation
	}

	var cached domain.Product
	if s.cacheLoad(ctx, cache.ProductKey(id), &cached) {
		return cached, nil
	}

	product, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}

	s.cacheStore(ctx, cache.ProductKey(id), product)
	return *product, nil
}

func (s *Service) GetProductByBarcode(ctx context.Context, barcode string) (domain.Product, error) {
	barcode = strings.TrimSpace(barcode)
	if barcode == "" {
		return domain.Product{}, store.ErrValidation
	}

	var cached domain.Product
	if s.cacheLoad(ctx, cache.ProductBarcodeKey(barcode), &cached) {
		return cached, nil
	}

	product, err := s.repo.GetProductByBarcode(ctx, barcode)
	if err != nil {
		return domain.Product{}, err
	}

	s.cacheStore(ctx, cache.ProductBarcodeKey(barcode), product)
	return *product, nil
}

func (s *Service) UpdateProduct(ctx context.Context, id string, req domain.ProductUpdateRequest) (domain.Product, error) {
	if id == "" {
		return domain.Product{}, store.ErrValidation
	}

	existing, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}

	updated := *existing
	oldBarcode := existing.Barcode
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.Product{}, store.ErrValidation
		}
		updated.Name = name
	}
	if req.Barcode != nil {
		barcode := strings.TrimSpace(*req.Barcode)
		if !barcodePattern.MatchString(barcode) {
			return domain.Product{}, store.ErrValidation
		}
		updated.Barcode = barcode
	}
	if req.PriceCents != nil {
		if *req.PriceCents < 0 {
			return domain.Product{}, store.ErrValidation
		}
		updated.PriceCents = *req.PriceCents
	}
	if req.Category != nil {
		category := strings.TrimSpace(*req.Category)
		if category == "" {
			return domain.Product{}, store.ErrValidation
		}
		updated.Category = category
	}
	if req.Description != nil {
		updated.Description = strings.TrimSpace(*req.Description)
	}
	if req.MinStock != nil {
		if *req.MinStock < 0 {
			return domain.Product{}, store.ErrValidation
		}
		updated.MinStock = *req.MinStock
	}

	saved, err := s.repo.UpdateProduct(ctx, updated)
	if err != nil {
		return domain.Product{}, err
	}

	// Invalidate under both barcodes so a stale lookup cannot resolve the
	// retired code to the updated record.
	s.invalidateProduct(ctx, saved.ID, oldBarcode, saved.Barcode)

	return *saved, nil
}

func (s *Service) DeleteProduct(ctx context.Context, id string) error {
	if id == "" {
		return store.ErrValidation
	}

	existing, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteProduct(ctx, id); err != nil {
		return err
	}

	// Historical sale items keep their denormalized copy of this product, so
	// deletion cannot corrupt receipts; only the caches and search views need
	// to forget it.
	s.invalidateProduct(ctx, id, existing.Barcode)
	return nil
}

func (s *Service) ListProducts(ctx context.Context, category string) ([]domain.Product, error) {
	category = strings.TrimSpace(category)

	var cached []domain.Product
	if s.cacheLoad(ctx, cache.ProductListKey(category), &cached) {
		return cached, nil
	}

	products, err := s.repo.ListProducts(ctx, category)
	if err != nil {
		return nil, err
	}

	s.cacheStore(ctx, cache.ProductListKey(category), products)
	return products, nil
}

func (s *Service) SearchProducts(ctx context.Context, query string, limit int) ([]domain.Product, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []domain.Product{}, nil
	}
	if limit < 1 {
		limit = 50
	}

	var cached []domain.Product
	if s.cacheLoad(ctx, cache.SearchKey(query, limit), &cached) {
		return cached, nil
	}

	products, err := s.repo.SearchProducts(ctx, query, limit)
	if err != nil {
		return nil, err
	}

	s.cacheStore(ctx, cache.SearchKey(query, limit), products)
	return products, nil
}

// AdjustStock is the single synchronization point for stock mutation. The
// store performs the increment atomically; callers that would drive stock
// negative get a StockError and an unchanged quantity.
func (s *Service) AdjustStock(ctx context.Context, id string, delta int) (domain.Product, error) {
	if id == "" || delta == 0 {
		return domain.Product{}, store.ErrValidation
	}

	adjusted, err := s.repo.AdjustStock(ctx, id, delta)
	if err != nil {
		return domain.Product{}, err
	}

	s.invalidateProduct(ctx, adjusted.ID, adjusted.Barcode)
	s.emitLowStock(*adjusted)

	return *adjusted, nil
}

// ---- sales ----

func (s *Service) CommitSale(ctx context.Context, req domain.SaleCommitRequest) (domain.SaleCommitResponse, error) {
	if len(req.Items) == 0 {
		return domain.SaleCommitResponse{}, store.ErrValidation
	}
	if req.PaymentMethod == "" {
		req.PaymentMethod = domain.PaymentMethodCash
	}
	if !domain.SupportedPaymentMethod(req.PaymentMethod) {
		return domain.SaleCommitResponse{}, store.ErrValidation
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = xid.New("idem")
	}

	items := make([]domain.SaleItem, 0, len(req.Items))
	for _, line := range req.Items {
		if line.ProductID == "" || line.Qty < 1 {
			return domain.SaleCommitResponse{}, store.ErrValidation
		}
		items = append(items, domain.SaleItem{ProductID: line.ProductID, Qty: line.Qty})
	}

	cashier := ""
	if actor, ok := ActorFromContext(ctx); ok {
		cashier = actor.Username
	}

	// Totals and denormalized item fields are recomputed by the store inside
	// the commit transaction; nothing the caller supplies is trusted.
	sale := domain.Sale{
		Items:           items,
		CustomerName:    strings.TrimSpace(req.CustomerName),
		PaymentMethod:   req.PaymentMethod,
		CashierUsername: cashier,
		IdempotencyKey:  req.IdempotencyKey,
	}

	committed, duplicate, err := s.repo.CreateSale(ctx, sale)
	if err != nil {
		return domain.SaleCommitResponse{}, err
	}

	if !duplicate {
		productIDs := make([]string, 0, len(committed.Items))
		barcodes := make([]string, 0, len(committed.Items))
		for _, item := range committed.Items {
			productIDs = append(productIDs, item.ProductID)
			barcodes = append(barcodes, item.Barcode)
		}
		keys, prefixes := cache.SaleWriteKeys(productIDs, barcodes)
		s.invalidate(ctx, keys, prefixes)

		s.bus.Publish(events.Event{
			Type:     events.TypeSaleCommitted,
			EntityID: committed.ID,
			Detail: map[string]any{
				"total_cents": committed.TotalCents,
				"items":       len(committed.Items),
				"total":       s.calc.Format(committed.TotalCents),
			},
		})
		for _, productID := range productIDs {
			if product, err := s.repo.GetProduct(ctx, productID); err == nil {
				s.emitLowStock(*product)
			}
		}
	}

	return domain.SaleCommitResponse{Sale: *committed, Duplicate: duplicate}, nil
}

func (s *Service) GetSale(ctx context.Context, id string) (domain.Sale, error) {
	if id == "" {
		return domain.Sale{}, store.ErrValidation
	}

	var cached domain.Sale
	if s.cacheLoad(ctx, cache.SaleKey(id), &cached) {
		return cached, nil
	}

	sale, err := s.repo.GetSale(ctx, id)
	if err != nil {
		return domain.Sale{}, err
	}

	// Committed sales are immutable, so this entry never needs write
	// invalidation; TTL alone bounds memory.
	s.cacheStore(ctx, cache.SaleKey(id), sale)
	return *sale, nil
}

func (s *Service) ListSales(ctx context.Context, filter domain.SaleListFilter) (domain.SaleListResponse, error) {
	if filter.Limit < 1 {
		filter.Limit = s.pageSize
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	key := cache.SalesPageKey(filter.From.UnixMilli(), filter.To.UnixMilli(), filter.Limit, filter.Offset)
	var cached []domain.Sale
	if s.cacheLoad(ctx, key, &cached) {
		return domain.SaleListResponse{Sales: cached, Limit: filter.Limit, Offset: filter.Offset}, nil
	}

	sales, err := s.repo.ListSales(ctx, filter)
	if err != nil {
		return domain.SaleListResponse{}, err
	}

	s.cacheStore(ctx, key, sales)
	return domain.SaleListResponse{Sales: sales, Limit: filter.Limit, Offset: filter.Offset}, nil
}

// ---- inventory counts ----

// RecordCount persists one physical-count line. The system count is read by
// the store inside the insert transaction and stock is left untouched;
// applying the variance is a separate supervisor step.
func (s *Service) RecordCount(ctx context.Context, req domain.CountRecordRequest) (domain.InventoryCount, error) {
	if req.ProductID == "" || req.PhysicalCount < 0 {
		return domain.InventoryCount{}, store.ErrValidation
	}

	countedBy := ""
	if actor, ok := ActorFromContext(ctx); ok {
		countedBy = actor.Username
	}
	if countedBy == "" {
		return domain.InventoryCount{}, store.ErrValidation
	}

	count := domain.InventoryCount{
		ProductID:     req.ProductID,
		PhysicalCount: req.PhysicalCount,
		CountedBy:     countedBy,
		Notes:         strings.TrimSpace(req.Notes),
	}

	created, err := s.repo.CreateCount(ctx, count)
	if err != nil {
		return domain.InventoryCount{}, err
	}

	keys, prefixes := cache.CountWriteKeys(created.ProductID, created.Barcode)
	s.invalidate(ctx, keys, prefixes)

	if created.Variance != 0 {
		s.bus.Publish(events.Event{
			Type:     events.TypeCountVarianceDetected,
			EntityID: created.ID,
			Detail: map[string]any{
				"product_id": created.ProductID,
				"variance":   created.Variance,
			},
		})
	}

	return *created, nil
}

func (s *Service) GetCount(ctx context.Context, id string) (domain.InventoryCount, error) {
	if id == "" {
		return domain.InventoryCount{}, store.ErrValidation
	}
	count, err := s.repo.GetCount(ctx, id)
	if err != nil {
		return domain.InventoryCount{}, err
	}
	return *count, nil
}

// ApplyAdjustment folds a recorded variance into live stock. Re-applying an
// already-applied count fails with ErrAlreadyApplied instead of adjusting
// twice.
func (s *Service) ApplyAdjustment(ctx context.Context, countID string) (domain.InventoryCount, error) {
	if countID == "" {
		return domain.InventoryCount{}, store.ErrValidation
	}

	applied, err := s.repo.ApplyCount(ctx, countID)
	if err != nil {
		return domain.InventoryCount{}, err
	}

	keys, prefixes := cache.CountWriteKeys(applied.ProductID, applied.Barcode)
	s.invalidate(ctx, keys, prefixes)

	if product, err := s.repo.GetProduct(ctx, applied.ProductID); err == nil {
		s.emitLowStock(*product)
	}

	return *applied, nil
}

func (s *Service) ListVariances(ctx context.Context, filter domain.VarianceFilter) ([]domain.InventoryCount, error) {
	if filter.Limit < 1 {
		filter.Limit = 100
	}

	key := cache.VariancesKey(filter.MinAbsVariance, filter.Limit)
	var cached []domain.InventoryCount
	if s.cacheLoad(ctx, key, &cached) {
		return cached, nil
	}

	counts, err := s.repo.ListVariances(ctx, filter)
	if err != nil {
		return nil, err
	}

	s.cacheStore(ctx, key, counts)
	return counts, nil
}

// ---- cache plumbing ----

// cacheLoad reads and unmarshals a cached entry. Any cache failure degrades
// to a miss; the durable store stays authoritative.
func (s *Service) cacheLoad(ctx context.Context, key string, out any) bool {
	payload, hit, err := s.cache.Get(ctx, key)
	if err != nil {
		log.Printf("[service] WARN: cache get %s: %v", key, err)
		return false
	}
	if !hit {
		return false
	}
	if err := json.Unmarshal(payload, out); err != nil {
		log.Printf("[service] WARN: cache decode %s: %v", key, err)
		return false
	}
	return true
}

func (s *Service) cacheStore(ctx context.Context, key string, value any) {
	payload, err := json.Marshal(value)
	if err != nil {
		log.Printf("[service] WARN: cache encode %s: %v", key, err)
		return
	}
	if err := s.cache.Set(ctx, key, payload, s.cacheTTL); err != nil {
		log.Printf("[service] WARN: cache set %s: %v", key, err)
	}
}

func (s *Service) invalidateProduct(ctx context.Context, id string, barcodes ...string) {
	keys, prefixes := cache.ProductWriteKeys(id, barcodes...)
	s.invalidate(ctx, keys, prefixes)
}

// invalidate runs before a mutating call returns success so the caller that
// issued the write reads its own write afterwards.
func (s *Service) invalidate(ctx context.Context, keys []string, prefixes []string) {
	if err := s.cache.Delete(ctx, keys...); err != nil {
		log.Printf("[service] WARN: cache invalidate keys: %v", err)
	}
	for _, prefix := range prefixes {
		if err := s.cache.DeletePrefix(ctx, prefix); err != nil {
			log.Printf("[service] WARN: cache invalidate prefix %s: %v", prefix, err)
		}
	}
}

func (s *Service) emitLowStock(product domain.Product) {
	if !product.LowStock() {
		return
	}
	s.bus.Publish(events.Event{
		Type:     events.TypeProductLowStock,
		EntityID: product.ID,
		Detail: map[string]any{
			"name":         product.Name,
			"stock_qty":    product.StockQty,
			"min_stock":    product.MinStock,
			"out_of_stock": product.OutOfStock(),
		},
	})
}

// IsRetryable reports whether an error is a store-level transaction failure
// that a read-only caller may safely retry.
func IsRetryable(err error) bool {
	var txErr *store.TxError
	return errors.As(err, &txErr)
}

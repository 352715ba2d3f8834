package memory

import (
	"context"
	"log"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/Acteus/Store-Manager-sub001/internal/domain"
	"github.com/Acteus/Store-Manager-sub001/internal/money"
	"github.com/Acteus/Store-Manager-sub001/internal/store"
	"github.com/Acteus/Store-Manager-sub001/internal/xid"
)

// Store is an in-process implementation of store.Repository. It backs
// offline-first operation when no DATABASE_URL is configured and doubles as
// the repository for service tests. A single mutex makes every multi-step
// mutation atomic, which is the in-process equivalent of the row locks the
// postgres adapter takes.
type Store struct {
	mu              sync.Mutex
	calc            money.Calculator
	products        map[string]domain.Product
	productByCode   map[string]string
	salesByID       map[string]*domain.Sale
	salesByIdem     map[string]*domain.Sale
	saleOrder       []string
	countsByID      map[string]domain.InventoryCount
	countOrder      []string
	usersByUsername map[string]domain.UserAccount
}

func New(calc money.Calculator) *Store {
	return &Store{
		calc:            calc,
		products:        make(map[string]domain.Product),
		productByCode:   make(map[string]string),
		salesByID:       make(map[string]*domain.Sale),
		salesByIdem:     make(map[string]*domain.Sale),
		saleOrder:       make([]string, 0, 64),
		countsByID:      make(map[string]domain.InventoryCount),
		countOrder:      make([]string, 0, 64),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

// NewSeeded builds a store with demo products and dev credentials for
// offline-first operation.
func NewSeeded(calc money.Calculator) *Store {
	s := New(calc)

	now := time.Now().UTC()
	seed := []domain.Product{
		{ID: "prod-seed-01", Name: "Instant Noodles", Barcode: "4800016641003", PriceCents: 1250, Category: "grocery", StockQty: 120, MinStock: 10},
		{ID: "prod-seed-02", Name: "Canned Sardines", Barcode: "4800194118340", PriceCents: 2475, Category: "grocery", StockQty: 80, MinStock: 10},
		{ID: "prod-seed-03", Name: "3-in-1 Coffee Sachet", Barcode: "4800361413480", PriceCents: 850, Category: "beverage", StockQty: 200, MinStock: 20},
		{ID: "prod-seed-04", Name: "Bottled Water 500ml", Barcode: "4801981112234", PriceCents: 1500, Category: "beverage", StockQty: 150, MinStock: 12},
		{ID: "prod-seed-05", Name: "Laundry Soap Bar", Barcode: "4800888151617", PriceCents: 1825, Category: "household", StockQty: 60, MinStock: 5},
		{ID: "prod-seed-06", Name: "White Bread Loaf", Barcode: "74801234", PriceCents: 6200, Category: "bakery", StockQty: 25, MinStock: 5},
	}
	for _, p := range seed {
		p.CreatedAt = now
		p.UpdatedAt = now
		s.products[p.ID] = p
		s.productByCode[p.Barcode] = p.ID
	}
	s.usersByUsername = seedUsers()
	return s
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials come from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD; if
// unset, hardcoded dev defaults are used with a warning.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"cashier", cashierPwd, domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.productByCode[product.Barcode]; exists {
		return nil, store.ErrConflict
	}
	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	if _, exists := s.products[product.ID]; exists {
		return nil, store.ErrConflict
	}

	now := time.Now().UTC()
	if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}
	product.UpdatedAt = now

	s.products[product.ID] = product
	s.productByCode[product.Barcode] = product.ID
	created := product
	return &created, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getProductLocked(id)
}

func (s *Store) getProductLocked(id string) (*domain.Product, error) {
	product, exists := s.products[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copied := product
	return &copied, nil
}

func (s *Store) GetProductByBarcode(_ context.Context, barcode string) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, exists := s.productByCode[barcode]
	if !exists {
		return nil, store.ErrNotFound
	}
	return s.getProductLocked(id)
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.products[product.ID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if product.Barcode != existing.Barcode {
		if _, taken := s.productByCode[product.Barcode]; taken {
			return nil, store.ErrConflict
		}
		delete(s.productByCode, existing.Barcode)
		s.productByCode[product.Barcode] = product.ID
	}

	product.StockQty = existing.StockQty
	product.CreatedAt = existing.CreatedAt
	product.UpdatedAt = time.Now().UTC()
	s.products[product.ID] = product

	updated := product
	return &updated, nil
}

func (s *Store) DeleteProduct(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	product, exists := s.products[id]
	if !exists {
		return store.ErrNotFound
	}
	delete(s.products, id)
	delete(s.productByCode, product.Barcode)
	return nil
}

func (s *Store) ListProducts(_ context.Context, category string) ([]domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if category != "" && p.Category != category {
			continue
		}
		products = append(products, p)
	}

	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Category == b.Category {
			return strings.Compare(a.Name, b.Name)
		}
		return strings.Compare(a.Category, b.Category)
	})

	return products, nil
}

func (s *Store) SearchProducts(_ context.Context, query string, limit int) ([]domain.Product, error) {
	if limit < 1 {
		limit = 50
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return []domain.Product{}, nil
	}
	lowered := strings.ToLower(query)

	s.mu.Lock()
	defer s.mu.Unlock()

	type ranked struct {
		product domain.Product
		rank    int
	}
	matches := make([]ranked, 0, 16)
	for _, p := range s.products {
		nameMatch := strings.Contains(strings.ToLower(p.Name), lowered)
		codeMatch := strings.Contains(p.Barcode, query)
		if !nameMatch && !codeMatch {
			continue
		}
		rank := 2
		if p.Barcode == query {
			rank = 0
		} else if strings.HasPrefix(strings.ToLower(p.Name), lowered) {
			rank = 1
		}
		matches = append(matches, ranked{product: p, rank: rank})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].rank != matches[j].rank {
			return matches[i].rank < matches[j].rank
		}
		return matches[i].product.Name < matches[j].product.Name
	})

	if len(matches) > limit {
		matches = matches[:limit]
	}
	products := make([]domain.Product, 0, len(matches))
	for _, m := range matches {
		products = append(products, m.product)
	}
	return products, nil
}

func (s *Store) AdjustStock(_ context.Context, id string, delta int) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adjustStockLocked(id, delta)
}

func (s *Store) adjustStockLocked(id string, delta int) (*domain.Product, error) {
	product, exists := s.products[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	if product.StockQty+delta < 0 {
		return nil, &store.StockError{ProductID: id, Requested: -delta, Available: product.StockQty}
	}
	product.StockQty += delta
	product.UpdatedAt = time.Now().UTC()
	s.products[id] = product

	adjusted := product
	return &adjusted, nil
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale) (*domain.Sale, bool, error) {
	if sale.IdempotencyKey == "" || len(sale.Items) == 0 {
		return nil, false, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.salesByIdem[sale.IdempotencyKey]; ok {
		copied := *existing
		return &copied, true, nil
	}

	// Validate the whole cart against live stock before mutating anything so
	// a failure rolls back to an untouched state.
	requested := make(map[string]int, len(sale.Items))
	for _, item := range sale.Items {
		if item.Qty < 1 {
			return nil, false, store.ErrValidation
		}
		requested[item.ProductID] += item.Qty
	}
	for productID, qty := range requested {
		product, exists := s.products[productID]
		if !exists {
			return nil, false, store.ErrNotFound
		}
		if product.StockQty < qty {
			return nil, false, &store.StockError{ProductID: productID, Requested: qty, Available: product.StockQty}
		}
	}

	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}

	subtotalCents := int64(0)
	committedItems := make([]domain.SaleItem, 0, len(sale.Items))
	for _, item := range sale.Items {
		product := s.products[item.ProductID]
		lineTotal := product.PriceCents * int64(item.Qty)
		committedItems = append(committedItems, domain.SaleItem{
			ID:             xid.New("item"),
			SaleID:         sale.ID,
			ProductID:      item.ProductID,
			Name:           product.Name,
			Barcode:        product.Barcode,
			UnitPriceCents: product.PriceCents,
			Qty:            item.Qty,
			TotalCents:     lineTotal,
		})
		subtotalCents += lineTotal
	}

	for productID, qty := range requested {
		if _, err := s.adjustStockLocked(productID, -qty); err != nil {
			// Unreachable after the pre-check; kept so a future change
			// cannot silently leave stock half-decremented.
			return nil, false, err
		}
	}

	taxCents, err := s.calc.TaxOnNet(subtotalCents)
	if err != nil {
		return nil, false, store.ErrValidation
	}

	sale.Items = committedItems
	sale.SubtotalCents = subtotalCents
	sale.TaxCents = taxCents
	sale.TotalCents = subtotalCents + taxCents

	stored := sale
	s.salesByID[sale.ID] = &stored
	s.salesByIdem[sale.IdempotencyKey] = &stored
	s.saleOrder = append(s.saleOrder, sale.ID)

	copied := stored
	return &copied, false, nil
}

func (s *Store) GetSale(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, exists := s.salesByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copied := *sale
	return &copied, nil
}

func (s *Store) ListSales(_ context.Context, filter domain.SaleListFilter) ([]domain.Sale, error) {
	if filter.Limit < 1 {
		filter.Limit = 50
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]domain.Sale, 0, len(s.saleOrder))
	for _, id := range s.saleOrder {
		sale := s.salesByID[id]
		if !filter.From.IsZero() && sale.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && sale.CreatedAt.After(filter.To) {
			continue
		}
		matched = append(matched, *sale)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if filter.Offset >= len(matched) {
		return []domain.Sale{}, nil
	}
	matched = matched[filter.Offset:]
	if len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (s *Store) CreateCount(_ context.Context, count domain.InventoryCount) (*domain.InventoryCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	product, exists := s.products[count.ProductID]
	if !exists {
		return nil, store.ErrNotFound
	}

	if count.ID == "" {
		count.ID = xid.New("count")
	}
	if count.CountedAt.IsZero() {
		count.CountedAt = time.Now().UTC()
	}
	count.Name = product.Name
	count.Barcode = product.Barcode
	count.SystemCount = product.StockQty
	count.Variance = count.PhysicalCount - count.SystemCount
	count.Applied = false
	count.AppliedAt = nil

	s.countsByID[count.ID] = count
	s.countOrder = append(s.countOrder, count.ID)

	created := count
	return &created, nil
}

func (s *Store) GetCount(_ context.Context, id string) (*domain.InventoryCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count, exists := s.countsByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copied := count
	return &copied, nil
}

func (s *Store) ApplyCount(_ context.Context, id string) (*domain.InventoryCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count, exists := s.countsByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	if count.Applied {
		return nil, store.ErrAlreadyApplied
	}

	if count.Variance != 0 {
		if _, err := s.adjustStockLocked(count.ProductID, count.Variance); err != nil {
			return nil, err
		}
	}

	appliedAt := time.Now().UTC()
	count.Applied = true
	count.AppliedAt = &appliedAt
	s.countsByID[id] = count

	applied := count
	return &applied, nil
}

func (s *Store) ListVariances(_ context.Context, filter domain.VarianceFilter) ([]domain.InventoryCount, error) {
	if filter.Limit < 1 {
		filter.Limit = 100
	}
	minAbs := filter.MinAbsVariance
	if minAbs < 1 {
		minAbs = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make([]domain.InventoryCount, 0, len(s.countOrder))
	for _, id := range s.countOrder {
		count := s.countsByID[id]
		if absInt(count.Variance) < minAbs {
			continue
		}
		counts = append(counts, count)
	}

	sort.Slice(counts, func(i, j int) bool {
		ai, aj := absInt(counts[i].Variance), absInt(counts[j].Variance)
		if ai != aj {
			return ai > aj
		}
		return counts[i].CountedAt.After(counts[j].CountedAt)
	})

	if len(counts) > filter.Limit {
		counts = counts[:filter.Limit]
	}
	return counts, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.usersByUsername[user.Username]; exists {
		return store.ErrConflict
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) GetUser(_ context.Context, username string) (*domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.usersByUsername[username]
	if !exists {
		return nil, store.ErrNotFound
	}
	copied := user
	return &copied, nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

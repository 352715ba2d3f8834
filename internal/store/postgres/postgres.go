package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/Acteus/Store-Manager-sub001/internal/domain"
	"github.com/Acteus/Store-Manager-sub001/internal/money"
	"github.com/Acteus/Store-Manager-sub001/internal/store"
	"github.com/Acteus/Store-Manager-sub001/internal/xid"
)

// txTimeout bounds every mutating transaction so a wedged store surfaces as
// a TxError instead of an indefinite stall.
const txTimeout = 5 * time.Second

type Store struct {
	db   *sql.DB
	calc money.Calculator
}

func New(ctx context.Context, databaseURL string, calc money.Calculator) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db, calc: calc}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS products (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			barcode TEXT NOT NULL UNIQUE,
			price_cents BIGINT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			stock_qty INT NOT NULL DEFAULT 0,
			min_stock INT NOT NULL DEFAULT 5,
			created_at_ms BIGINT NOT NULL,
			updated_at_ms BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sales (
			id TEXT PRIMARY KEY,
			subtotal_cents BIGINT NOT NULL,
			tax_cents BIGINT NOT NULL,
			total_cents BIGINT NOT NULL,
			customer_name TEXT NOT NULL DEFAULT '',
			payment_method TEXT NOT NULL,
			cashier_username TEXT NOT NULL DEFAULT '',
			idempotency_key TEXT NOT NULL UNIQUE,
			created_at_ms BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sale_items (
			id TEXT PRIMARY KEY,
			sale_id TEXT NOT NULL REFERENCES sales(id),
			product_id TEXT NOT NULL,
			name TEXT NOT NULL,
			barcode TEXT NOT NULL,
			unit_price_cents BIGINT NOT NULL,
			qty INT NOT NULL,
			total_cents BIGINT NOT NULL,
			line_no INT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS inventory_counts (
			id TEXT PRIMARY KEY,
			product_id TEXT NOT NULL,
			name TEXT NOT NULL,
			barcode TEXT NOT NULL,
			system_count INT NOT NULL,
			physical_count INT NOT NULL,
			variance INT NOT NULL,
			counted_by TEXT NOT NULL DEFAULT '',
			notes TEXT NOT NULL DEFAULT '',
			counted_at_ms BIGINT NOT NULL,
			applied BOOLEAN NOT NULL DEFAULT FALSE,
			applied_at_ms BIGINT
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			username TEXT PRIMARY KEY,
			password TEXT NOT NULL,
			role TEXT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at_ms BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sales_created_at ON sales (created_at_ms DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_sale_items_sale ON sale_items (sale_id, line_no)`,
		`CREATE INDEX IF NOT EXISTS idx_counts_variance ON inventory_counts (variance)`,
		`CREATE INDEX IF NOT EXISTS idx_products_category ON products (category)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return &store.TxError{Op: "migrate", Err: err}
		}
	}
	return nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	now := time.Now().UTC()
	if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}
	product.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, name, barcode, price_cents, category, description, stock_qty, min_stock, created_at_ms, updated_at_ms)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, product.ID, product.Name, product.Barcode, product.PriceCents, product.Category, product.Description,
		product.StockQty, product.MinStock, toMillis(product.CreatedAt), toMillis(product.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, &store.TxError{Op: "create_product", ID: product.ID, Err: err}
	}

	created := product
	return &created, nil
}

const productColumns = `id, name, barcode, price_cents, category, description, stock_qty, min_stock, created_at_ms, updated_at_ms`

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	return s.getProductBy(ctx, "id", id)
}

func (s *Store) GetProductByBarcode(ctx context.Context, barcode string) (*domain.Product, error) {
	return s.getProductBy(ctx, "barcode", barcode)
}

func (s *Store) getProductBy(ctx context.Context, column string, value string) (*domain.Product, error) {
	if column != "id" && column != "barcode" {
		return nil, store.ErrValidation
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE `+column+` = $1
	`, value)

	product, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, &store.TxError{Op: "get_product", ID: value, Err: err}
	}
	return product, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	product.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET name = $2, barcode = $3, price_cents = $4, category = $5, description = $6, min_stock = $7, updated_at_ms = $8
		WHERE id = $1
	`, product.ID, product.Name, product.Barcode, product.PriceCents, product.Category, product.Description,
		product.MinStock, toMillis(product.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, &store.TxError{Op: "update_product", ID: product.ID, Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, &store.TxError{Op: "update_product", ID: product.ID, Err: err}
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}

	return s.GetProduct(ctx, product.ID)
}

func (s *Store) DeleteProduct(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		return &store.TxError{Op: "delete_product", ID: id, Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return &store.TxError{Op: "delete_product", ID: id, Err: err}
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListProducts(ctx context.Context, category string) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE ($1 = '' OR category = $1)
		ORDER BY category, name
	`, category)
	if err != nil {
		return nil, &store.TxError{Op: "list_products", Err: err}
	}
	defer rows.Close()

	return collectProducts(rows)
}

// SearchProducts matches name substrings and barcode substrings, ordered by
// relevance (exact barcode, then name prefix, then the rest) and name.
func (s *Store) SearchProducts(ctx context.Context, query string, limit int) ([]domain.Product, error) {
	if limit < 1 {
		limit = 50
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return []domain.Product{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE name ILIKE '%' || $1 || '%' OR barcode LIKE '%' || $1 || '%'
		ORDER BY
			CASE
				WHEN barcode = $1 THEN 0
				WHEN name ILIKE $1 || '%' THEN 1
				ELSE 2
			END,
			name
		LIMIT $2
	`, query, limit)
	if err != nil {
		return nil, &store.TxError{Op: "search_products", Err: err}
	}
	defer rows.Close()

	return collectProducts(rows)
}

// AdjustStock applies the delta with a single guarded update so two
// concurrent adjustments can never both read the same stale quantity. The
// WHERE clause refuses any update that would drive stock negative.
func (s *Store) AdjustStock(ctx context.Context, id string, delta int) (*domain.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, txTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		UPDATE products
		SET stock_qty = stock_qty + $2, updated_at_ms = $3
		WHERE id = $1 AND stock_qty + $2 >= 0
		RETURNING `+productColumns+`
	`, id, delta, toMillis(time.Now().UTC()))

	product, err := scanProduct(row)
	if err == nil {
		return product, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, &store.TxError{Op: "adjust_stock", ID: id, Err: err}
	}

	// The guarded update matched nothing: either the product is missing or
	// the delta would go negative.
	existing, lookupErr := s.GetProduct(ctx, id)
	if lookupErr != nil {
		return nil, lookupErr
	}
	return nil, &store.StockError{ProductID: id, Requested: -delta, Available: existing.StockQty}
}

// CreateSale commits the sale header, its items and the stock decrements as
// one serializable transaction. Prices and stock are re-read under row locks
// inside the transaction; caller-supplied totals are ignored. A duplicate
// idempotency key returns the originally committed sale.
func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, bool, error) {
	if sale.IdempotencyKey == "" || len(sale.Items) == 0 {
		return nil, false, store.ErrValidation
	}

	if existing, err := s.findSaleByIdempotency(ctx, sale.IdempotencyKey); err == nil {
		return existing, true, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	ctx, cancel := context.WithTimeout(ctx, txTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, false, &store.TxError{Op: "create_sale", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	productIDs := uniqueProductIDs(sale.Items)
	rows, err := tx.QueryContext(ctx, `
		SELECT id, name, barcode, price_cents, stock_qty
		FROM products
		WHERE id = ANY($1)
		FOR UPDATE
	`, productIDs)
	if err != nil {
		return nil, false, &store.TxError{Op: "create_sale", Err: err}
	}
	type lockedProduct struct {
		name       string
		barcode    string
		priceCents int64
		stockQty   int
	}
	locked := make(map[string]lockedProduct, len(productIDs))
	for rows.Next() {
		var id string
		var p lockedProduct
		if err := rows.Scan(&id, &p.name, &p.barcode, &p.priceCents, &p.stockQty); err != nil {
			_ = rows.Close()
			return nil, false, &store.TxError{Op: "create_sale", Err: err}
		}
		locked[id] = p
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, false, &store.TxError{Op: "create_sale", Err: err}
	}
	_ = rows.Close()

	// Coalesce quantities per product before the stock check so a cart with
	// the same product on two lines cannot oversell.
	requested := make(map[string]int, len(productIDs))
	for _, item := range sale.Items {
		if item.Qty < 1 {
			return nil, false, store.ErrValidation
		}
		requested[item.ProductID] += item.Qty
	}
	for productID, qty := range requested {
		p, exists := locked[productID]
		if !exists {
			return nil, false, store.ErrNotFound
		}
		if p.stockQty < qty {
			return nil, false, &store.StockError{ProductID: productID, Requested: qty, Available: p.stockQty}
		}
	}

	subtotalCents := int64(0)
	committedItems := make([]domain.SaleItem, 0, len(sale.Items))
	for _, item := range sale.Items {
		p := locked[item.ProductID]
		lineTotal := p.priceCents * int64(item.Qty)
		committedItems = append(committedItems, domain.SaleItem{
			ID:             xid.New("item"),
			ProductID:      item.ProductID,
			Name:           p.name,
			Barcode:        p.barcode,
			UnitPriceCents: p.priceCents,
			Qty:            item.Qty,
			TotalCents:     lineTotal,
		})
		subtotalCents += lineTotal
	}

	for productID, qty := range requested {
		if _, err := tx.ExecContext(ctx, `
			UPDATE products
			SET stock_qty = stock_qty - $2, updated_at_ms = $3
			WHERE id = $1
		`, productID, qty, toMillis(time.Now().UTC())); err != nil {
			return nil, false, &store.TxError{Op: "create_sale", ID: productID, Err: err}
		}
	}

	taxCents, err := s.calc.TaxOnNet(subtotalCents)
	if err != nil {
		return nil, false, store.ErrValidation
	}

	sale.SubtotalCents = subtotalCents
	sale.TaxCents = taxCents
	sale.TotalCents = subtotalCents + taxCents
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sales (id, subtotal_cents, tax_cents, total_cents, customer_name, payment_method, cashier_username, idempotency_key, created_at_ms)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, sale.ID, sale.SubtotalCents, sale.TaxCents, sale.TotalCents, sale.CustomerName, sale.PaymentMethod,
		sale.CashierUsername, sale.IdempotencyKey, toMillis(sale.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			existing, lookupErr := s.findSaleByIdempotency(ctx, sale.IdempotencyKey)
			if lookupErr == nil {
				return existing, true, nil
			}
		}
		return nil, false, &store.TxError{Op: "create_sale", ID: sale.ID, Err: err}
	}

	for lineNo, item := range committedItems {
		item.SaleID = sale.ID
		committedItems[lineNo] = item
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sale_items (id, sale_id, product_id, name, barcode, unit_price_cents, qty, total_cents, line_no)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, item.ID, item.SaleID, item.ProductID, item.Name, item.Barcode, item.UnitPriceCents, item.Qty, item.TotalCents, lineNo); err != nil {
			return nil, false, &store.TxError{Op: "create_sale", ID: sale.ID, Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, &store.TxError{Op: "create_sale", ID: sale.ID, Err: err}
	}

	sale.Items = committedItems
	return &sale, false, nil
}

func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	return s.findSale(ctx, "id", id)
}

func (s *Store) findSaleByIdempotency(ctx context.Context, key string) (*domain.Sale, error) {
	return s.findSale(ctx, "idempotency_key", key)
}

func (s *Store) findSale(ctx context.Context, column string, value string) (*domain.Sale, error) {
	if column != "id" && column != "idempotency_key" {
		return nil, store.ErrValidation
	}

	var sale domain.Sale
	var createdMs int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, subtotal_cents, tax_cents, total_cents, customer_name, payment_method, cashier_username, idempotency_key, created_at_ms
		FROM sales
		WHERE `+column+` = $1
	`, value).Scan(&sale.ID, &sale.SubtotalCents, &sale.TaxCents, &sale.TotalCents, &sale.CustomerName,
		&sale.PaymentMethod, &sale.CashierUsername, &sale.IdempotencyKey, &createdMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, &store.TxError{Op: "get_sale", ID: value, Err: err}
	}
	sale.CreatedAt = fromMillis(createdMs)

	items, err := s.loadSaleItems(ctx, []string{sale.ID})
	if err != nil {
		return nil, err
	}
	sale.Items = items[sale.ID]
	return &sale, nil
}

func (s *Store) ListSales(ctx context.Context, filter domain.SaleListFilter) ([]domain.Sale, error) {
	if filter.Limit < 1 {
		filter.Limit = 50
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	fromMs := int64(0)
	if !filter.From.IsZero() {
		fromMs = toMillis(filter.From)
	}
	toMs := int64(1<<62 - 1)
	if !filter.To.IsZero() {
		toMs = toMillis(filter.To)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subtotal_cents, tax_cents, total_cents, customer_name, payment_method, cashier_username, idempotency_key, created_at_ms
		FROM sales
		WHERE created_at_ms >= $1 AND created_at_ms <= $2
		ORDER BY created_at_ms DESC
		LIMIT $3 OFFSET $4
	`, fromMs, toMs, filter.Limit, filter.Offset)
	if err != nil {
		return nil, &store.TxError{Op: "list_sales", Err: err}
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, filter.Limit)
	saleIDs := make([]string, 0, filter.Limit)
	for rows.Next() {
		var sale domain.Sale
		var createdMs int64
		if err := rows.Scan(&sale.ID, &sale.SubtotalCents, &sale.TaxCents, &sale.TotalCents, &sale.CustomerName,
			&sale.PaymentMethod, &sale.CashierUsername, &sale.IdempotencyKey, &createdMs); err != nil {
			return nil, &store.TxError{Op: "list_sales", Err: err}
		}
		sale.CreatedAt = fromMillis(createdMs)
		sales = append(sales, sale)
		saleIDs = append(saleIDs, sale.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, &store.TxError{Op: "list_sales", Err: err}
	}

	items, err := s.loadSaleItems(ctx, saleIDs)
	if err != nil {
		return nil, err
	}
	for i := range sales {
		sales[i].Items = items[sales[i].ID]
	}
	return sales, nil
}

func (s *Store) loadSaleItems(ctx context.Context, saleIDs []string) (map[string][]domain.SaleItem, error) {
	result := make(map[string][]domain.SaleItem, len(saleIDs))
	if len(saleIDs) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sale_id, product_id, name, barcode, unit_price_cents, qty, total_cents
		FROM sale_items
		WHERE sale_id = ANY($1)
		ORDER BY sale_id, line_no
	`, saleIDs)
	if err != nil {
		return nil, &store.TxError{Op: "load_sale_items", Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		var item domain.SaleItem
		if err := rows.Scan(&item.ID, &item.SaleID, &item.ProductID, &item.Name, &item.Barcode,
			&item.UnitPriceCents, &item.Qty, &item.TotalCents); err != nil {
			return nil, &store.TxError{Op: "load_sale_items", Err: err}
		}
		result[item.SaleID] = append(result[item.SaleID], item)
	}
	if err := rows.Err(); err != nil {
		return nil, &store.TxError{Op: "load_sale_items", Err: err}
	}
	return result, nil
}

// CreateCount reads the live stock quantity inside the same transaction as
// the insert so a concurrent sale cannot slip between the read and the
// record. Variance is recomputed here; any caller-supplied value is ignored.
func (s *Store) CreateCount(ctx context.Context, count domain.InventoryCount) (*domain.InventoryCount, error) {
	ctx, cancel := context.WithTimeout(ctx, txTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, &store.TxError{Op: "create_count", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	var name, barcode string
	var stockQty int
	err = tx.QueryRowContext(ctx, `
		SELECT name, barcode, stock_qty
		FROM products
		WHERE id = $1
		FOR UPDATE
	`, count.ProductID).Scan(&name, &barcode, &stockQty)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, &store.TxError{Op: "create_count", ID: count.ProductID, Err: err}
	}

	if count.ID == "" {
		count.ID = xid.New("count")
	}
	if count.CountedAt.IsZero() {
		count.CountedAt = time.Now().UTC()
	}
	count.Name = name
	count.Barcode = barcode
	count.SystemCount = stockQty
	count.Variance = count.PhysicalCount - count.SystemCount
	count.Applied = false
	count.AppliedAt = nil

	_, err = tx.ExecContext(ctx, `
		INSERT INTO inventory_counts (id, product_id, name, barcode, system_count, physical_count, variance, counted_by, notes, counted_at_ms, applied, applied_at_ms)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,FALSE,NULL)
	`, count.ID, count.ProductID, count.Name, count.Barcode, count.SystemCount, count.PhysicalCount,
		count.Variance, count.CountedBy, count.Notes, toMillis(count.CountedAt))
	if err != nil {
		return nil, &store.TxError{Op: "create_count", ID: count.ID, Err: err}
	}

	if err := tx.Commit(); err != nil {
		return nil, &store.TxError{Op: "create_count", ID: count.ID, Err: err}
	}

	created := count
	return &created, nil
}

const countColumns = `id, product_id, name, barcode, system_count, physical_count, variance, counted_by, notes, counted_at_ms, applied, applied_at_ms`

func (s *Store) GetCount(ctx context.Context, id string) (*domain.InventoryCount, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+countColumns+`
		FROM inventory_counts
		WHERE id = $1
	`, id)

	count, err := scanCount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, &store.TxError{Op: "get_count", ID: id, Err: err}
	}
	return count, nil
}

// ApplyCount adjusts the referenced product's stock by the stored variance
// and flips the applied flag in one transaction. Re-applying fails rather
// than double-adjusting.
func (s *Store) ApplyCount(ctx context.Context, id string) (*domain.InventoryCount, error) {
	ctx, cancel := context.WithTimeout(ctx, txTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, &store.TxError{Op: "apply_count", ID: id, Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT `+countColumns+`
		FROM inventory_counts
		WHERE id = $1
		FOR UPDATE
	`, id)
	count, err := scanCount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, &store.TxError{Op: "apply_count", ID: id, Err: err}
	}
	if count.Applied {
		return nil, store.ErrAlreadyApplied
	}

	if count.Variance != 0 {
		res, err := tx.ExecContext(ctx, `
			UPDATE products
			SET stock_qty = stock_qty + $2, updated_at_ms = $3
			WHERE id = $1 AND stock_qty + $2 >= 0
		`, count.ProductID, count.Variance, toMillis(time.Now().UTC()))
		if err != nil {
			return nil, &store.TxError{Op: "apply_count", ID: id, Err: err}
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, &store.TxError{Op: "apply_count", ID: id, Err: err}
		}
		if affected == 0 {
			var available int
			lookupErr := tx.QueryRowContext(ctx, `SELECT stock_qty FROM products WHERE id = $1`, count.ProductID).Scan(&available)
			if errors.Is(lookupErr, sql.ErrNoRows) {
				return nil, store.ErrNotFound
			}
			if lookupErr != nil {
				return nil, &store.TxError{Op: "apply_count", ID: id, Err: lookupErr}
			}
			return nil, &store.StockError{ProductID: count.ProductID, Requested: -count.Variance, Available: available}
		}
	}

	appliedAt := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE inventory_counts
		SET applied = TRUE, applied_at_ms = $2
		WHERE id = $1
	`, id, toMillis(appliedAt)); err != nil {
		return nil, &store.TxError{Op: "apply_count", ID: id, Err: err}
	}

	if err := tx.Commit(); err != nil {
		return nil, &store.TxError{Op: "apply_count", ID: id, Err: err}
	}

	count.Applied = true
	count.AppliedAt = &appliedAt
	return count, nil
}

func (s *Store) ListVariances(ctx context.Context, filter domain.VarianceFilter) ([]domain.InventoryCount, error) {
	if filter.Limit < 1 {
		filter.Limit = 100
	}
	minAbs := filter.MinAbsVariance
	if minAbs < 1 {
		minAbs = 1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+countColumns+`
		FROM inventory_counts
		WHERE ABS(variance) >= $1
		ORDER BY ABS(variance) DESC, counted_at_ms DESC
		LIMIT $2
	`, minAbs, filter.Limit)
	if err != nil {
		return nil, &store.TxError{Op: "list_variances", Err: err}
	}
	defer rows.Close()

	counts := make([]domain.InventoryCount, 0, filter.Limit)
	for rows.Next() {
		count, err := scanCount(rows)
		if err != nil {
			return nil, &store.TxError{Op: "list_variances", Err: err}
		}
		counts = append(counts, *count)
	}
	if err := rows.Err(); err != nil {
		return nil, &store.TxError{Op: "list_variances", Err: err}
	}
	return counts, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role, active, created_at_ms)
		VALUES ($1,$2,$3,$4,$5)
	`, user.Username, user.Password, user.Role, user.Active, toMillis(user.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return &store.TxError{Op: "create_user", ID: user.Username, Err: err}
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, username string) (*domain.UserAccount, error) {
	var user domain.UserAccount
	var createdMs int64
	err := s.db.QueryRowContext(ctx, `
		SELECT username, password, role, active, created_at_ms
		FROM users
		WHERE username = $1
	`, username).Scan(&user.Username, &user.Password, &user.Role, &user.Active, &createdMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, &store.TxError{Op: "get_user", ID: username, Err: err}
	}
	user.CreatedAt = fromMillis(createdMs)
	return &user, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at_ms
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, &store.TxError{Op: "list_users", Err: err}
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		var createdMs int64
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &createdMs); err != nil {
			return nil, &store.TxError{Op: "list_users", Err: err}
		}
		user.CreatedAt = fromMillis(createdMs)
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, &store.TxError{Op: "list_users", Err: err}
	}
	return users, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (*domain.Product, error) {
	var p domain.Product
	var createdMs, updatedMs int64
	if err := row.Scan(&p.ID, &p.Name, &p.Barcode, &p.PriceCents, &p.Category, &p.Description,
		&p.StockQty, &p.MinStock, &createdMs, &updatedMs); err != nil {
		return nil, err
	}
	p.CreatedAt = fromMillis(createdMs)
	p.UpdatedAt = fromMillis(updatedMs)
	return &p, nil
}

func collectProducts(rows *sql.Rows) ([]domain.Product, error) {
	products := make([]domain.Product, 0, 64)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, &store.TxError{Op: "scan_product", Err: err}
		}
		products = append(products, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, &store.TxError{Op: "scan_product", Err: err}
	}
	return products, nil
}

func scanCount(row rowScanner) (*domain.InventoryCount, error) {
	var c domain.InventoryCount
	var countedMs int64
	var appliedMs sql.NullInt64
	if err := row.Scan(&c.ID, &c.ProductID, &c.Name, &c.Barcode, &c.SystemCount, &c.PhysicalCount,
		&c.Variance, &c.CountedBy, &c.Notes, &countedMs, &c.Applied, &appliedMs); err != nil {
		return nil, err
	}
	c.CountedAt = fromMillis(countedMs)
	if appliedMs.Valid {
		at := fromMillis(appliedMs.Int64)
		c.AppliedAt = &at
	}
	return &c, nil
}

func uniqueProductIDs(items []domain.SaleItem) []string {
	seen := make(map[string]struct{}, len(items))
	ids := make([]string, 0, len(items))
	for _, item := range items {
		if _, ok := seen[item.ProductID]; ok {
			continue
		}
		seen[item.ProductID] = struct{}{}
		ids = append(ids, item.ProductID)
	}
	return ids
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

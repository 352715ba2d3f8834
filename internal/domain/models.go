package domain

import "time"

type Product struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Barcode     string    `json:"barcode"`
	PriceCents  int64     `json:"price_cents"`
	Category    string    `json:"category"`
	Description string    `json:"description,omitempty"`
	StockQty    int       `json:"stock_qty"`
	MinStock    int       `json:"min_stock"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// LowStock reports whether the product is at or below its reorder threshold.
func (p Product) LowStock() bool {
	return p.StockQty <= p.MinStock
}

func (p Product) OutOfStock() bool {
	return p.StockQty <= 0
}

type ProductCreateRequest struct {
	Name         string `json:"name"`
	Barcode      string `json:"barcode"`
	PriceCents   int64  `json:"price_cents"`
	Category     string `json:"category"`
	Description  string `json:"description,omitempty"`
	InitialStock int    `json:"initial_stock"`
	MinStock     *int   `json:"min_stock,omitempty"`
}

type ProductUpdateRequest struct {
	Name        *string `json:"name,omitempty"`
	Barcode     *string `json:"barcode,omitempty"`
	PriceCents  *int64  `json:"price_cents,omitempty"`
	Category    *string `json:"category,omitempty"`
	Description *string `json:"description,omitempty"`
	MinStock    *int    `json:"min_stock,omitempty"`
}

// SaleItem carries a denormalized copy of the product's name, barcode and
// unit price at the time of sale. Later product edits must never alter a
// historical receipt, so these fields are resolved once at commit and never
// re-joined against the live product row.
type SaleItem struct {
	ID             string `json:"id"`
	SaleID         string `json:"sale_id"`
	ProductID      string `json:"product_id"`
	Name           string `json:"name"`
	Barcode        string `json:"barcode"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	Qty            int    `json:"qty"`
	TotalCents     int64  `json:"total_cents"`
}

type Sale struct {
	ID              string     `json:"id"`
	Items           []SaleItem `json:"items"`
	SubtotalCents   int64      `json:"subtotal_cents"`
	TaxCents        int64      `json:"tax_cents"`
	TotalCents      int64      `json:"total_cents"`
	CustomerName    string     `json:"customer_name,omitempty"`
	PaymentMethod   string     `json:"payment_method"`
	CashierUsername string     `json:"cashier_username,omitempty"`
	IdempotencyKey  string     `json:"idempotency_key,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

type SaleLineRequest struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

type SaleCommitRequest struct {
	Items          []SaleLineRequest `json:"items"`
	PaymentMethod  string            `json:"payment_method"`
	CustomerName   string            `json:"customer_name,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
}

type SaleCommitResponse struct {
	Sale      Sale `json:"sale"`
	Duplicate bool `json:"duplicate"`
}

type SaleListFilter struct {
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}

type SaleListResponse struct {
	Sales  []Sale `json:"sales"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}

// InventoryCount is a historical record of one physical-count line. Variance
// is always PhysicalCount - SystemCount, recomputed at record time; applying
// it to live stock is a separate explicit step.
type InventoryCount struct {
	ID            string     `json:"id"`
	ProductID     string     `json:"product_id"`
	Name          string     `json:"name"`
	Barcode       string     `json:"barcode"`
	SystemCount   int        `json:"system_count"`
	PhysicalCount int        `json:"physical_count"`
	Variance      int        `json:"variance"`
	CountedBy     string     `json:"counted_by"`
	Notes         string     `json:"notes,omitempty"`
	CountedAt     time.Time  `json:"counted_at"`
	Applied       bool       `json:"applied"`
	AppliedAt     *time.Time `json:"applied_at,omitempty"`
}

type CountRecordRequest struct {
	ProductID     string `json:"product_id"`
	PhysicalCount int    `json:"physical_count"`
	Notes         string `json:"notes,omitempty"`
}

type VarianceFilter struct {
	MinAbsVariance int
	Limit          int
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type CashierCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// UserAccount is the persistence model for auth credentials. The password
// hash never serializes to JSON.
type UserAccount struct {
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	PaymentMethodCash    = "cash"
	PaymentMethodCard    = "card"
	PaymentMethodEwallet = "ewallet"
)

// SupportedPaymentMethod reports whether the method belongs to the fixed set
// accepted at commit time.
func SupportedPaymentMethod(method string) bool {
	switch method {
	case PaymentMethodCash, PaymentMethodCard, PaymentMethodEwallet:
		return true
	}
	return false
}

const (
	RoleAdmin   = "admin"
	RoleCashier = "cashier"
)

// DefaultMinStock is the reorder threshold applied when a product is created
// without an explicit one.
const DefaultMinStock = 5

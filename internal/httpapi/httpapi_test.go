package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Acteus/Store-Manager-sub001/internal/cache"
	"github.com/Acteus/Store-Manager-sub001/internal/domain"
	"github.com/Acteus/Store-Manager-sub001/internal/events"
	"github.com/Acteus/Store-Manager-sub001/internal/money"
	"github.com/Acteus/Store-Manager-sub001/internal/service"
	"github.com/Acteus/Store-Manager-sub001/internal/store"
	"github.com/Acteus/Store-Manager-sub001/internal/store/memory"
)

func newTestAPI(t *testing.T) http.Handler {
	t.Helper()
	t.Setenv("SEED_ADMIN_PASSWORD", "test-admin-pass")
	t.Setenv("SEED_CASHIER_PASSWORD", "test-cashier-pass")

	calc := money.NewCalculator(1200, "₱")
	repo := memory.NewSeeded(calc)
	svc := service.New(repo, cache.NewMemory(128), events.NewBus(64), calc, 5*time.Second, 50)
	auth := NewAuthManager("unit-test-secret", time.Hour, repo)
	return New(svc, auth, "http://127.0.0.1:3000").Handler()
}

func doJSON(t *testing.T, handler http.Handler, method string, path string, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func login(t *testing.T, handler http.Handler, username string, password string) string {
	t.Helper()
	rec := doJSON(t, handler, http.MethodPost, "/api/auth/login", "", domain.LoginRequest{
		Username: username,
		Password: password,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login failed with status %d: %s", rec.Code, rec.Body.String())
	}
	var resp domain.LoginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return resp.AccessToken
}

func TestHealthz(t *testing.T) {
	handler := newTestAPI(t)
	rec := doJSON(t, handler, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestRequestsWithoutTokenAreRejected(t *testing.T) {
	handler := newTestAPI(t)
	rec := doJSON(t, handler, http.MethodGet, "/api/products", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestCashierCannotCreateProducts(t *testing.T) {
	handler := newTestAPI(t)
	token := login(t, handler, "cashier", "test-cashier-pass")

	rec := doJSON(t, handler, http.MethodPost, "/api/products", token, domain.ProductCreateRequest{
		Name: "Soap", Barcode: "4800000000011", PriceCents: 1000, Category: "household",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestProductLifecycleOverHTTP(t *testing.T) {
	handler := newTestAPI(t)
	token := login(t, handler, "admin", "test-admin-pass")

	rec := doJSON(t, handler, http.MethodPost, "/api/products", token, domain.ProductCreateRequest{
		Name: "Test Soap", Barcode: "4800999900011", PriceCents: 1850, Category: "household", InitialStock: 12,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create failed with status %d: %s", rec.Code, rec.Body.String())
	}
	var created struct {
		Product domain.Product `json:"product"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.Product.ID == "" || created.Product.StockQty != 12 {
		t.Fatalf("unexpected created product: %+v", created.Product)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/products/barcode/4800999900011", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("barcode lookup failed with status %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/products/prod-does-not-exist", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown product, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodDelete, "/api/products/"+created.Product.ID, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete failed with status %d", rec.Code)
	}
}

func TestListUsersOverHTTP(t *testing.T) {
	handler := newTestAPI(t)

	cashierToken := login(t, handler, "cashier", "test-cashier-pass")
	rec := doJSON(t, handler, http.MethodGet, "/api/auth/users", cashierToken, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cashier, got %d", rec.Code)
	}

	adminToken := login(t, handler, "admin", "test-admin-pass")
	rec = doJSON(t, handler, http.MethodGet, "/api/auth/users", adminToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list users failed with status %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Users []domain.UserAccount `json:"users"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode users response: %v", err)
	}
	seen := make(map[string]string, len(resp.Users))
	for _, user := range resp.Users {
		seen[user.Username] = user.Role
	}
	if seen["admin"] != domain.RoleAdmin || seen["cashier"] != domain.RoleCashier {
		t.Fatalf("expected seeded accounts, got %+v", resp.Users)
	}
	if strings.Contains(rec.Body.String(), "$2a$") || strings.Contains(rec.Body.String(), "$2b$") {
		t.Fatalf("password hash leaked into response: %s", rec.Body.String())
	}
}

func TestStatusForError(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{store.ErrValidation, http.StatusBadRequest},
		{store.ErrNotFound, http.StatusNotFound},
		{store.ErrConflict, http.StatusConflict},
		{&store.StockError{ProductID: "p", Requested: 2, Available: 1}, http.StatusConflict},
		{store.ErrAlreadyApplied, http.StatusConflict},
		{&store.TxError{Op: "create_sale", Err: errors.New("connection reset")}, http.StatusBadGateway},
		{errors.New("anything else"), http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		if got := statusForError(tc.err); got != tc.want {
			t.Fatalf("statusForError(%v): expected %d, got %d", tc.err, tc.want, got)
		}
	}
}

func TestCommitSaleOverHTTP(t *testing.T) {
	handler := newTestAPI(t)
	token := login(t, handler, "cashier", "test-cashier-pass")

	commit := domain.SaleCommitRequest{
		IdempotencyKey: "idem-http",
		PaymentMethod:  domain.PaymentMethodCash,
		Items:          []domain.SaleLineRequest{{ProductID: "prod-seed-01", Qty: 2}},
	}

	rec := doJSON(t, handler, http.MethodPost, "/api/sales", token, commit)
	if rec.Code != http.StatusCreated {
		t.Fatalf("commit failed with status %d: %s", rec.Code, rec.Body.String())
	}
	var resp domain.SaleCommitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode commit response: %v", err)
	}
	if resp.Sale.TotalCents != 2800 {
		t.Fatalf("expected total 2800 for 2x1250 plus 12%% VAT, got %d", resp.Sale.TotalCents)
	}
	if resp.Sale.CashierUsername != "cashier" {
		t.Fatalf("expected cashier from token, got %q", resp.Sale.CashierUsername)
	}

	// Replaying the same idempotency key returns the original with 200.
	rec = doJSON(t, handler, http.MethodPost, "/api/sales", token, commit)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for duplicate commit, got %d", rec.Code)
	}

	// Overselling the remaining stock maps to a conflict.
	rec = doJSON(t, handler, http.MethodPost, "/api/sales", token, domain.SaleCommitRequest{
		IdempotencyKey: "idem-http-oversell",
		Items:          []domain.SaleLineRequest{{ProductID: "prod-seed-01", Qty: 100000}},
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for oversell, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCountEndpointsOverHTTP(t *testing.T) {
	handler := newTestAPI(t)
	token := login(t, handler, "admin", "test-admin-pass")

	rec := doJSON(t, handler, http.MethodPost, "/api/counts", token, domain.CountRecordRequest{
		ProductID:     "prod-seed-06",
		PhysicalCount: 22,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("record count failed with status %d: %s", rec.Code, rec.Body.String())
	}
	var created struct {
		Count domain.InventoryCount `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode count response: %v", err)
	}
	if created.Count.Variance != -3 {
		t.Fatalf("expected variance -3 against seeded stock 25, got %d", created.Count.Variance)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/counts/"+created.Count.ID+"/apply", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("apply failed with status %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/counts/"+created.Count.ID+"/apply", token, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for re-apply, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/counts/variances?min=1", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("variances failed with status %d", rec.Code)
	}
}

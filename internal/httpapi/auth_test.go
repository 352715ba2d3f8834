package httpapi

import (
	"context"
	"testing"
	"time"

	"github.com/Acteus/Store-Manager-sub001/internal/domain"
	"github.com/Acteus/Store-Manager-sub001/internal/money"
	"github.com/Acteus/Store-Manager-sub001/internal/store/memory"
)

func newTestAuth(t *testing.T) *AuthManager {
	t.Helper()
	t.Setenv("SEED_ADMIN_PASSWORD", "test-admin-pass")
	t.Setenv("SEED_CASHIER_PASSWORD", "test-cashier-pass")
	repo := memory.NewSeeded(money.NewCalculator(1200, "₱"))
	return NewAuthManager("unit-test-secret", time.Hour, repo)
}

func TestLoginAndParseToken(t *testing.T) {
	auth := newTestAuth(t)

	resp, err := auth.Login(context.Background(), domain.LoginRequest{
		Username: "Admin",
		Password: "test-admin-pass",
	})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if resp.Role != domain.RoleAdmin {
		t.Fatalf("expected admin role, got %s", resp.Role)
	}
	if resp.AccessToken == "" {
		t.Fatalf("expected a token")
	}

	actor, err := auth.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token failed: %v", err)
	}
	if actor.Username != "admin" || actor.Role != domain.RoleAdmin {
		t.Fatalf("unexpected actor: %+v", actor)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	auth := newTestAuth(t)

	if _, err := auth.Login(context.Background(), domain.LoginRequest{
		Username: "admin", Password: "wrong",
	}); err == nil {
		t.Fatalf("expected login to fail with wrong password")
	}
	if _, err := auth.Login(context.Background(), domain.LoginRequest{
		Username: "nobody", Password: "whatever",
	}); err == nil {
		t.Fatalf("expected login to fail for unknown user")
	}
}

func TestParseTokenRejectsGarbage(t *testing.T) {
	auth := newTestAuth(t)

	if _, err := auth.ParseToken("not.a.token"); err == nil {
		t.Fatalf("expected parse to fail")
	}

	other := NewAuthManager("a-different-secret", time.Hour, nil)
	resp, err := auth.Login(context.Background(), domain.LoginRequest{
		Username: "admin", Password: "test-admin-pass",
	})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if _, err := other.ParseToken(resp.AccessToken); err == nil {
		t.Fatalf("expected token signed with another secret to be rejected")
	}
}

func TestCreateCashier(t *testing.T) {
	auth := newTestAuth(t)

	user, err := auth.CreateCashier(context.Background(), domain.CashierCreateRequest{
		Username: "Kasir01",
		Password: "secret-pw",
	})
	if err != nil {
		t.Fatalf("create cashier failed: %v", err)
	}
	if user.Username != "kasir01" || user.Role != domain.RoleCashier {
		t.Fatalf("unexpected user: %+v", user)
	}
	if user.Password != "" {
		t.Fatalf("password hash must not be returned")
	}

	resp, err := auth.Login(context.Background(), domain.LoginRequest{
		Username: "kasir01", Password: "secret-pw",
	})
	if err != nil {
		t.Fatalf("login as new cashier failed: %v", err)
	}
	if resp.Role != domain.RoleCashier {
		t.Fatalf("expected cashier role, got %s", resp.Role)
	}
}

func TestCreateCashierValidation(t *testing.T) {
	auth := newTestAuth(t)

	if _, err := auth.CreateCashier(context.Background(), domain.CashierCreateRequest{
		Username: "ab", Password: "secret-pw",
	}); err == nil {
		t.Fatalf("expected short username to be rejected")
	}
	if _, err := auth.CreateCashier(context.Background(), domain.CashierCreateRequest{
		Username: "kasir01", Password: "12345",
	}); err == nil {
		t.Fatalf("expected short password to be rejected")
	}
}

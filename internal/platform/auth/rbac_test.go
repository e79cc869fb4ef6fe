package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func roleContext(roles ...string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	ctx := context.WithValue(req.Context(), UserRolesKey, roles)
	return e.NewContext(req.WithContext(ctx), httptest.NewRecorder())
}

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func TestRequireRole_Allowed(t *testing.T) {
	c := roleContext("doctor")
	if err := RequireRole(RoleDoctor, RoleClinicAdmin)(okHandler)(c); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if c.Response().Status != http.StatusOK {
		t.Errorf("expected 200, got %d", c.Response().Status)
	}
}

func TestRequireRole_Denied(t *testing.T) {
	err := RequireRole(RoleDoctor, RoleClinicAdmin)(okHandler)(roleContext("patient"))
	assertStatus(t, err, http.StatusForbidden)
}

func TestRequireRole_NoRoles(t *testing.T) {
	err := RequireRole(RoleAIService)(okHandler)(roleContext())
	assertStatus(t, err, http.StatusForbidden)
}

func TestRequireRole_AdminBypass(t *testing.T) {
	if err := RequireRole(RoleAIService)(okHandler)(roleContext("admin")); err != nil {
		t.Error("admin should bypass role checks")
	}
}

func TestHasRole(t *testing.T) {
	tests := []struct {
		roles    []string
		required []string
		want     bool
	}{
		{[]string{"doctor"}, []string{"doctor"}, true},
		{[]string{"Doctor"}, []string{"doctor"}, true},
		{[]string{"patient"}, []string{"doctor", "clinic_admin"}, false},
		{[]string{"admin"}, []string{"ai_service"}, true},
		{nil, []string{"doctor"}, false},
		{[]string{"doctor"}, nil, false},
	}
	for _, tt := range tests {
		if got := HasRole(tt.roles, tt.required...); got != tt.want {
			t.Errorf("HasRole(%v, %v) = %v, want %v", tt.roles, tt.required, got, tt.want)
		}
	}
}

func TestUserIDFromContext(t *testing.T) {
	ctx := WithIdentity(context.Background(), "user-123", nil, "")
	if uid := UserIDFromContext(ctx); uid != "user-123" {
		t.Errorf("expected user-123, got %s", uid)
	}
	if ClinicIDFromContext(ctx) != "" {
		t.Error("expected no clinic when none was given")
	}
	if empty := UserIDFromContext(context.Background()); empty != "" {
		t.Errorf("expected empty string, got %s", empty)
	}
}

func TestCanAccessClinic(t *testing.T) {
	clinic := "6f1c2a8e-9a51-4c1e-8a0f-3b9d2e7c4a10"
	tests := []struct {
		name   string
		roles  []string
		own    string
		target string
		want   bool
	}{
		{"same clinic", []string{RoleDoctor}, clinic, clinic, true},
		{"other clinic", []string{RoleDoctor}, clinic, "2b68a1d0-0000-4000-8000-000000000001", false},
		{"no clinic claim", []string{RoleClinicAdmin}, "", clinic, false},
		{"admin", []string{RoleAdmin}, "", clinic, true},
		{"unbound ai service", []string{RoleAIService}, "", clinic, true},
		{"bound ai service elsewhere", []string{RoleAIService}, "2b68a1d0-0000-4000-8000-000000000001", clinic, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := WithIdentity(context.Background(), "u", tt.roles, tt.own)
			if got := CanAccessClinic(ctx, tt.target); got != tt.want {
				t.Errorf("CanAccessClinic() = %v, want %v", got, tt.want)
			}
		})
	}
}

package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func runWithRoles(roles []string, required ...string) (*httptest.ResponseRecorder, error) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(context.WithValue(req.Context(), UserRolesKey, roles))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	return rec, RequireRole(required...)(okHandler)(c)
}

func TestRequireRole_Allowed(t *testing.T) {
	rec, err := runWithRoles([]string{RoleParamedic}, RoleOperator, RoleParamedic)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestRequireRole_Denied(t *testing.T) {
	_, err := runWithRoles([]string{RolePatient}, RoleOperator)
	expectStatus(t, err, http.StatusForbidden)
}

func TestRequireRole_NoRoles(t *testing.T) {
	_, err := runWithRoles(nil, RoleOperator)
	expectStatus(t, err, http.StatusForbidden)
}

func TestRequireRole_AdminBypass(t *testing.T) {
	if _, err := runWithRoles([]string{RoleAdmin}, RoleHealthCenter); err != nil {
		t.Error("admin should bypass role checks")
	}
}

func TestHasRole(t *testing.T) {
	roles := []string{RoleOperator, RoleAdmin}
	if !HasRole(roles, RoleOperator) {
		t.Error("expected operator")
	}
	if HasRole(roles, RoleParamedic) {
		t.Error("admin must not imply paramedic in HasRole")
	}
	if HasRole(nil, RoleOperator) {
		t.Error("nil roles hold nothing")
	}
}

func TestCallerFromContext(t *testing.T) {
	ctx := WithIdentity(context.Background(), "u-7", []string{RoleParamedic})
	c := CallerFromContext(ctx)
	if c.ID != "u-7" || !c.HasRole(RoleParamedic) || c.HasRole(RoleAdmin) {
		t.Errorf("unexpected caller %+v", c)
	}
	if empty := CallerFromContext(context.Background()); empty.ID != "" || len(empty.Roles) != 0 {
		t.Errorf("expected empty caller, got %+v", empty)
	}
}

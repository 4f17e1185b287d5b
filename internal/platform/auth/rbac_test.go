package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func newContextWithRoles(roles []string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/clinicians/x/week", nil)
	req = req.WithContext(WithUser(req.Context(), "user-1", roles))
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name  string
		roles []string
		allow bool
	}{
		{"clinician", []string{"clinician"}, true},
		{"staff", []string{"front-desk", "staff"}, true},
		{"admin bypass", []string{"admin"}, true},
		{"client denied", []string{"client"}, false},
		{"no roles", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, rec := newContextWithRoles(tt.roles)
			err := RequireRole("clinician", "staff")(func(c echo.Context) error {
				return c.String(http.StatusOK, "ok")
			})(c)

			if tt.allow {
				if err != nil {
					t.Errorf("expected access, got %v", err)
				}
				if rec.Code != http.StatusOK {
					t.Errorf("expected 200, got %d", rec.Code)
				}
				return
			}
			httpErr, ok := err.(*echo.HTTPError)
			if !ok || httpErr.Code != http.StatusForbidden {
				t.Errorf("expected 403, got %v", err)
			}
		})
	}
}

func TestUserIDFromContext(t *testing.T) {
	ctx := context.WithValue(context.Background(), UserIDKey, "user-123")
	if uid := UserIDFromContext(ctx); uid != "user-123" {
		t.Errorf("expected user-123, got %s", uid)
	}
	if empty := UserIDFromContext(context.Background()); empty != "" {
		t.Errorf("expected empty string, got %s", empty)
	}
}

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func createTestToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func validClaims(subject string, roles ...string) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Roles: roles,
	}
}

func runJWT(t *testing.T, cfg JWTConfig, target, authHeader string, handler echo.HandlerFunc) error {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	c := e.NewContext(req, httptest.NewRecorder())
	if handler == nil {
		handler = func(c echo.Context) error { return c.NoContent(http.StatusOK) }
	}
	return JWTMiddleware(cfg)(handler)(c)
}

func expectUnauthorized(t *testing.T, err error) {
	t.Helper()
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", httpErr.Code)
	}
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	expectUnauthorized(t, runJWT(t, JWTConfig{SigningKey: testSigningKey}, "/", "", nil))
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	for _, header := range []string{"Token abc123", "Bearer", "Bearer ", "Basic dXNlcjpwYXNz"} {
		t.Run(header, func(t *testing.T) {
			expectUnauthorized(t, runJWT(t, JWTConfig{SigningKey: testSigningKey}, "/", header, nil))
		})
	}
}

func TestJWTMiddleware_ClaimsExtraction(t *testing.T) {
	tokenStr := createTestToken(t, validClaims("7d1c0b2e-0000-4000-8000-000000000001", "clinician"), testSigningKey)

	called := false
	err := runJWT(t, JWTConfig{SigningKey: testSigningKey}, "/", "Bearer "+tokenStr, func(c echo.Context) error {
		called = true
		ctx := c.Request().Context()
		if uid := UserIDFromContext(ctx); uid != "7d1c0b2e-0000-4000-8000-000000000001" {
			t.Errorf("unexpected user id %s", uid)
		}
		if roles := RolesFromContext(ctx); len(roles) != 1 || roles[0] != "clinician" {
			t.Errorf("expected [clinician], got %v", roles)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("handler was not called")
	}
}

func TestJWTMiddleware_QueryToken(t *testing.T) {
	tokenStr := createTestToken(t, validClaims("staff-1", "staff"), testSigningKey)
	if err := runJWT(t, JWTConfig{SigningKey: testSigningKey}, "/ws?access_token="+tokenStr, "", nil); err != nil {
		t.Fatalf("expected query token to authenticate, got %v", err)
	}
}

func TestJWTMiddleware_ExpiredToken(t *testing.T) {
	claims := validClaims("user-123")
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	tokenStr := createTestToken(t, claims, testSigningKey)
	expectUnauthorized(t, runJWT(t, JWTConfig{SigningKey: testSigningKey}, "/", "Bearer "+tokenStr, nil))
}

func TestJWTMiddleware_WrongKey(t *testing.T) {
	tokenStr := createTestToken(t, validClaims("user-123"), []byte("another-secret-key-of-enough-length"))
	expectUnauthorized(t, runJWT(t, JWTConfig{SigningKey: testSigningKey}, "/", "Bearer "+tokenStr, nil))
}

func TestJWTMiddleware_IssuerAndAudience(t *testing.T) {
	claims := validClaims("user-123")
	claims.Issuer = "https://id.example.com"
	claims.Audience = jwt.ClaimStrings{"portal"}
	tokenStr := createTestToken(t, claims, testSigningKey)

	cfg := JWTConfig{SigningKey: testSigningKey, Issuer: "https://id.example.com", Audience: "portal"}
	if err := runJWT(t, cfg, "/", "Bearer "+tokenStr, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cfg.Audience = "billing"
	expectUnauthorized(t, runJWT(t, cfg, "/", "Bearer "+tokenStr, nil))
}

func TestDevAuthMiddleware_Defaults(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())

	err := DevAuthMiddleware(nil)(func(c echo.Context) error {
		ctx := c.Request().Context()
		if uid := UserIDFromContext(ctx); uid != "dev-user" {
			t.Errorf("expected dev-user, got %s", uid)
		}
		if roles := RolesFromContext(ctx); len(roles) != 1 || roles[0] != "admin" {
			t.Errorf("expected [admin], got %v", roles)
		}
		return nil
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDevAuthMiddleware_UserOverride(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(DevUserHeader, "clinician-42")
	c := e.NewContext(req, httptest.NewRecorder())

	DevAuthMiddleware(nil)(func(c echo.Context) error {
		if uid := UserIDFromContext(c.Request().Context()); uid != "clinician-42" {
			t.Errorf("expected clinician-42, got %s", uid)
		}
		return nil
	})(c)
}

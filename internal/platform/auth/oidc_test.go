package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func generateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate RSA key: %v", err)
	}
	return key
}

// rsaPublicKeyToJWK converts an RSA private key to a JWKSKey for testing.
func rsaPublicKeyToJWK(privateKey *rsa.PrivateKey, kid string) JWKSKey {
	pub := &privateKey.PublicKey
	return JWKSKey{
		Kty: "RSA",
		Kid: kid,
		Use: "sig",
		Alg: "RS256",
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

// jwksServer serves keys and counts fetches.
func jwksServer(t *testing.T, keys func(call int32) []JWKSKey) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(JWKSResponse{Keys: keys(n)})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func discoveryServer(t *testing.T, doc map[string]interface{}) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/openid-configuration" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(doc)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOIDCProvider_Discovery(t *testing.T) {
	srv := discoveryServer(t, map[string]interface{}{
		"issuer":                                "https://id.example.com",
		"authorization_endpoint":                "https://id.example.com/authorize",
		"token_endpoint":                        "https://id.example.com/token",
		"jwks_uri":                              "https://id.example.com/jwks",
		"id_token_signing_alg_values_supported": []string{"RS256"},
	})

	provider, err := NewOIDCProvider(srv.URL + "/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if provider.JWKSURI != "https://id.example.com/jwks" {
		t.Errorf("unexpected jwks_uri %s", provider.JWKSURI)
	}
	if provider.TokenEndpoint != "https://id.example.com/token" {
		t.Errorf("unexpected token_endpoint %s", provider.TokenEndpoint)
	}
	if len(provider.SigningAlgs) != 1 || provider.SigningAlgs[0] != "RS256" {
		t.Errorf("unexpected signing algs %v", provider.SigningAlgs)
	}
	if provider.JWKSKeyFunc() == nil {
		t.Error("JWKSKeyFunc returned nil")
	}
}

func TestOIDCProvider_Errors(t *testing.T) {
	notFound := httptest.NewServer(http.NotFoundHandler())
	defer notFound.Close()
	if _, err := NewOIDCProvider(notFound.URL); err == nil {
		t.Error("expected error for 404 discovery")
	}
	if _, err := NewOIDCProvider("http://127.0.0.1:1"); err == nil {
		t.Error("expected error for unreachable issuer")
	}
	missing := discoveryServer(t, map[string]interface{}{"issuer": "https://id.example.com"})
	if _, err := NewOIDCProvider(missing.URL); err == nil {
		t.Error("expected error for missing jwks_uri")
	}
}

func TestJWKSCache_FetchAndHit(t *testing.T) {
	key := generateKey(t)
	srv, calls := jwksServer(t, func(int32) []JWKSKey {
		return []JWKSKey{rsaPublicKeyToJWK(key, "k1"), {Kty: "EC", Kid: "ec"}}
	})
	cache := NewJWKSCache(srv.URL, 5*time.Minute)

	got, err := cache.GetKey("k1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.N.Cmp(key.PublicKey.N) != 0 || got.E != key.PublicKey.E {
		t.Error("fetched key does not match original")
	}
	if _, err := cache.GetKey("k1"); err != nil {
		t.Fatalf("unexpected error on cache hit: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 fetch, got %d", calls.Load())
	}
	if _, err := cache.GetKey("ec"); err == nil {
		t.Error("non-RSA keys must be ignored")
	}
}

func TestJWKSCache_KeyRotation(t *testing.T) {
	k1, k2 := generateKey(t), generateKey(t)
	srv, calls := jwksServer(t, func(n int32) []JWKSKey {
		if n == 1 {
			return []JWKSKey{rsaPublicKeyToJWK(k1, "k1")}
		}
		return []JWKSKey{rsaPublicKeyToJWK(k1, "k1"), rsaPublicKeyToJWK(k2, "k2")}
	})
	cache := NewJWKSCache(srv.URL, 5*time.Minute)

	if _, err := cache.GetKey("k1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := cache.GetKey("k2")
	if err != nil {
		t.Fatalf("expected unknown kid to trigger a refetch, got %v", err)
	}
	if got.N.Cmp(k2.PublicKey.N) != 0 {
		t.Error("rotated key modulus does not match")
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 fetches, got %d", calls.Load())
	}
}

func TestJWKSCache_TTL(t *testing.T) {
	key := generateKey(t)
	srv, calls := jwksServer(t, func(int32) []JWKSKey { return []JWKSKey{rsaPublicKeyToJWK(key, "k1")} })
	cache := NewJWKSCache(srv.URL, time.Millisecond)

	cache.GetKey("k1")
	time.Sleep(5 * time.Millisecond)
	cache.GetKey("k1")
	if calls.Load() < 2 {
		t.Error("expected additional fetch after TTL expiry")
	}
}

func TestJWKSCache_Failures(t *testing.T) {
	key := generateKey(t)
	srv, _ := jwksServer(t, func(int32) []JWKSKey { return []JWKSKey{rsaPublicKeyToJWK(key, "existing")} })
	if _, err := NewJWKSCache(srv.URL, time.Minute).GetKey("missing"); err == nil {
		t.Error("expected error for unknown kid")
	}

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()
	if _, err := NewJWKSCache(broken.URL, time.Minute).GetKey("any"); err == nil {
		t.Error("expected error for server error response")
	}
}

func TestParseRSAPublicKey_Invalid(t *testing.T) {
	if _, err := parseRSAPublicKey(JWKSKey{Kty: "RSA", N: "!!!", E: "AQAB"}); err == nil {
		t.Error("expected error for invalid modulus")
	}
	n := base64.RawURLEncoding.EncodeToString(big.NewInt(12345).Bytes())
	if _, err := parseRSAPublicKey(JWKSKey{Kty: "RSA", N: n, E: "!!!"}); err == nil {
		t.Error("expected error for invalid exponent")
	}
}

func TestJwksKeyFunc_NoKidHeader(t *testing.T) {
	keyFunc := jwksKeyFunc("http://127.0.0.1:1")
	_, err := keyFunc(&jwt.Token{Header: map[string]interface{}{}})
	if err == nil || err.Error() != "token has no kid header" {
		t.Errorf("unexpected error: %v", err)
	}
}

func signRS256(t *testing.T, key *rsa.PrivateKey, kid string, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	s, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestJWTMiddleware_JWKS(t *testing.T) {
	key := generateKey(t)
	srv, _ := jwksServer(t, func(int32) []JWKSKey { return []JWKSKey{rsaPublicKeyToJWK(key, "k1")} })
	tokenStr := signRS256(t, key, "k1", validClaims("clinician-1", "clinician"))

	if err := runJWT(t, JWTConfig{JWKSURL: srv.URL}, "/", "Bearer "+tokenStr, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	hmacToken := createTestToken(t, validClaims("clinician-1"), testSigningKey)
	expectUnauthorized(t, runJWT(t, JWTConfig{JWKSURL: srv.URL}, "/", "Bearer "+hmacToken, nil))
}

func TestJWTMiddleware_LazyIssuerDiscovery(t *testing.T) {
	key := generateKey(t)
	keys, _ := jwksServer(t, func(int32) []JWKSKey { return []JWKSKey{rsaPublicKeyToJWK(key, "k1")} })
	issuer := discoveryServer(t, map[string]interface{}{"jwks_uri": keys.URL})

	claims := validClaims("clinician-1")
	claims.Issuer = issuer.URL
	tokenStr := signRS256(t, key, "k1", claims)

	if err := runJWT(t, JWTConfig{Issuer: issuer.URL}, "/", "Bearer "+tokenStr, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

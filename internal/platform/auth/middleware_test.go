package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
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

// runMiddleware passes one request through mw and reports what the next
// handler saw.
func runMiddleware(t *testing.T, mw echo.MiddlewareFunc, header string) (userID string, roles []string, err error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	c := e.NewContext(req, httptest.NewRecorder())
	err = mw(func(c echo.Context) error {
		userID = UserIDFromContext(c.Request().Context())
		roles = RolesFromContext(c.Request().Context())
		return nil
	})(c)
	return userID, roles, err
}

func assertStatus(t *testing.T, err error, code int) {
	t.Helper()
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	_, _, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "")
	assertStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", "Token abc123"},
		{"missing token", "Bearer"},
		{"empty value", "Bearer "},
		{"basic auth", "Basic dXNlcjpwYXNz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), tt.header)
			assertStatus(t, err, http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	tok := createTestToken(t, validClaims("reviewer-7", "reviewer"), testSigningKey)
	uid, roles, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "Bearer "+tok)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if uid != "reviewer-7" || len(roles) != 1 || roles[0] != "reviewer" {
		t.Errorf("unexpected identity %q %v", uid, roles)
	}
}

func TestJWTMiddleware_Rejects(t *testing.T) {
	expired := validClaims("u1", "admin")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))

	wrongIssuer := validClaims("u1", "admin")
	wrongIssuer.Issuer = "https://elsewhere.example"

	tests := []struct {
		name  string
		token string
	}{
		{"wrong key", createTestToken(t, validClaims("u1"), []byte("another-key"))},
		{"expired", createTestToken(t, expired, testSigningKey)},
		{"wrong issuer", createTestToken(t, wrongIssuer, testSigningKey)},
		{"garbage", "not.a.jwt"},
	}
	cfg := JWTConfig{SigningKey: testSigningKey, Issuer: "https://auth.example"}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := runMiddleware(t, JWTMiddleware(cfg), "Bearer "+tt.token)
			assertStatus(t, err, http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_Skipper(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetPath("/health")

	called := false
	mw := JWTMiddleware(JWTConfig{SigningKey: testSigningKey, Skipper: AuthSkipper})
	if err := mw(func(echo.Context) error { called = true; return nil })(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected public path to skip auth")
	}
}

func TestJWTMiddleware_JWKS(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(JWKSResponse{Keys: []JWKSKey{{
			Kty: "RSA",
			Kid: "k1",
			Alg: "RS256",
			N:   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}}})
	}))
	defer srv.Close()

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, validClaims("integration-1", "integration"))
	tok.Header["kid"] = "k1"
	signed, err := tok.SignedString(key)
	if err != nil {
		t.Fatal(err)
	}

	uid, roles, err := runMiddleware(t, JWTMiddleware(JWTConfig{JWKSURL: srv.URL}), "Bearer "+signed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if uid != "integration-1" || roles[0] != "integration" {
		t.Errorf("unexpected identity %q %v", uid, roles)
	}

	tok.Header["kid"] = "unknown"
	signed, _ = tok.SignedString(key)
	_, _, err = runMiddleware(t, JWTMiddleware(JWTConfig{JWKSURL: srv.URL}), "Bearer "+signed)
	assertStatus(t, err, http.StatusUnauthorized)
}

func TestDevAuthMiddleware(t *testing.T) {
	uid, roles, err := runMiddleware(t, DevAuthMiddleware(), "")
	if err != nil {
		t.Fatal(err)
	}
	if uid != "dev-user" || len(roles) != 1 || roles[0] != "admin" {
		t.Errorf("unexpected dev identity %q %v", uid, roles)
	}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Dev-Roles", "integration, physician")
	c := e.NewContext(req, httptest.NewRecorder())
	DevAuthMiddleware()(func(c echo.Context) error {
		roles = RolesFromContext(c.Request().Context())
		return nil
	})(c)
	if len(roles) != 2 || roles[0] != "integration" || roles[1] != "physician" {
		t.Errorf("expected roles from header, got %v", roles)
	}
}

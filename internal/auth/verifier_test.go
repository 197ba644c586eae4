package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret-key"

func signHS256(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func signRS256(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	s, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":    "operator-1",
		"roles":  []string{RoleController},
		"scopes": []string{ScopeRead, ScopeControl},
		"exp":    time.Now().Add(time.Hour).Unix(),
	}
}

func generateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func publicKeyPEM(t *testing.T, key *rsa.PrivateKey) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func jwkFor(key *rsa.PrivateKey, kid string) JWK {
	return JWK{
		Kty: "RSA",
		Kid: kid,
		Use: "sig",
		Alg: AlgRS256,
		N:   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}
}

// jwksServer serves a key set that tests can swap and counts fetches.
type jwksServer struct {
	*httptest.Server
	keys    atomic.Value
	fetches atomic.Int32
}

func newJWKSServer(t *testing.T, keys ...JWK) *jwksServer {
	t.Helper()
	s := &jwksServer{}
	s.keys.Store(keys)
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.fetches.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(JWKSet{Keys: s.keys.Load().([]JWK)})
	}))
	t.Cleanup(s.Close)
	return s
}

func TestNewVerifier(t *testing.T) {
	key := generateKey(t)

	tests := []struct {
		name    string
		config  VerifierConfig
		wantErr bool
	}{
		{"HS256", VerifierConfig{Algorithm: AlgHS256, SecretKey: testSecret}, false},
		{"HS256 without secret", VerifierConfig{Algorithm: AlgHS256}, true},
		{"RS256 with PEM", VerifierConfig{Algorithm: AlgRS256, PublicKeyPEM: publicKeyPEM(t, key)}, false},
		{"RS256 with bad PEM", VerifierConfig{Algorithm: AlgRS256, PublicKeyPEM: "not a key"}, true},
		{"RS256 without keys", VerifierConfig{Algorithm: AlgRS256}, true},
		{"RS256 with unreachable JWKS", VerifierConfig{Algorithm: AlgRS256, JWKSURL: "http://127.0.0.1:1/jwks"}, true},
		{"unsupported algorithm", VerifierConfig{Algorithm: "ES256"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := NewVerifier(context.Background(), tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewVerifier() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && v == nil {
				t.Fatal("nil verifier")
			}
		})
	}
}

func TestVerifyHS256Token(t *testing.T) {
	v, err := NewVerifier(context.Background(), VerifierConfig{Algorithm: AlgHS256, SecretKey: testSecret})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	claims, err := v.VerifyToken(context.Background(), signHS256(t, validClaims()))
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if claims.Subject != "operator-1" {
		t.Errorf("Subject = %q", claims.Subject)
	}
	if !HasScopes(claims, ScopeRead, ScopeControl) || HasScopes(claims, ScopeTelemetry) {
		t.Errorf("Scopes = %v", claims.Scopes)
	}
}

func TestVerifyTokenRejects(t *testing.T) {
	v, err := NewVerifier(context.Background(), VerifierConfig{
		Algorithm: AlgHS256,
		SecretKey: testSecret,
		Issuer:    "mosaic-idp",
		Audience:  "mosaicd",
	})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	with := func(mutate func(jwt.MapClaims)) string {
		c := validClaims()
		c["iss"] = "mosaic-idp"
		c["aud"] = "mosaicd"
		mutate(c)
		return signHS256(t, c)
	}

	wrongKey, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims()).SignedString([]byte("other"))

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not.a.jwt"},
		{"wrong key", wrongKey},
		{"expired", with(func(c jwt.MapClaims) { c["exp"] = time.Now().Add(-time.Minute).Unix() })},
		{"wrong issuer", with(func(c jwt.MapClaims) { c["iss"] = "elsewhere" })},
		{"wrong audience", with(func(c jwt.MapClaims) { c["aud"] = "other-service" })},
		{"missing subject", with(func(c jwt.MapClaims) { delete(c, "sub") })},
		{"missing scopes", with(func(c jwt.MapClaims) { delete(c, "scopes") })},
		{"unknown scope", with(func(c jwt.MapClaims) { c["scopes"] = []string{"admin"} })},
		{"unknown role", with(func(c jwt.MapClaims) { c["roles"] = []string{"root"} })},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.VerifyToken(context.Background(), tt.token); err == nil {
				t.Fatal("expected rejection")
			}
		})
	}

	if _, err := v.VerifyToken(context.Background(), with(func(jwt.MapClaims) {})); err != nil {
		t.Fatalf("valid token rejected: %v", err)
	}
}

func TestVerifyRejectsAlgorithmSwitch(t *testing.T) {
	key := generateKey(t)
	v, err := NewVerifier(context.Background(), VerifierConfig{Algorithm: AlgRS256, PublicKeyPEM: publicKeyPEM(t, key)})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	// An HS256 token signed with the public key bytes must not verify.
	forged, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims()).SignedString([]byte(publicKeyPEM(t, key)))
	if _, err := v.VerifyToken(context.Background(), forged); err == nil {
		t.Fatal("HS256 token accepted by RS256 verifier")
	}

	if _, err := v.VerifyToken(context.Background(), signRS256(t, key, "", validClaims())); err != nil {
		t.Fatalf("RS256 token rejected: %v", err)
	}
}

func TestVerifyWithJWKS(t *testing.T) {
	key := generateKey(t)
	srv := newJWKSServer(t, jwkFor(key, "k1"))

	v, err := NewVerifier(context.Background(), VerifierConfig{Algorithm: AlgRS256, JWKSURL: srv.URL})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	claims, err := v.VerifyToken(context.Background(), signRS256(t, key, "k1", validClaims()))
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if claims.Subject != "operator-1" {
		t.Errorf("Subject = %q", claims.Subject)
	}

	if _, err := v.VerifyToken(context.Background(), signRS256(t, key, "", validClaims())); err == nil {
		t.Error("token without kid accepted with no static key")
	}
}

func TestJWKSRotation(t *testing.T) {
	oldKey, newKey := generateKey(t), generateKey(t)
	srv := newJWKSServer(t, jwkFor(oldKey, "old"))

	v, err := NewVerifier(context.Background(), VerifierConfig{
		Algorithm:           AlgRS256,
		JWKSURL:             srv.URL,
		JWKSRefreshInterval: time.Nanosecond,
	})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	srv.keys.Store([]JWK{jwkFor(newKey, "new")})
	time.Sleep(time.Millisecond)

	if _, err := v.VerifyToken(context.Background(), signRS256(t, newKey, "new", validClaims())); err != nil {
		t.Fatalf("rotated key rejected: %v", err)
	}
	if srv.fetches.Load() != 2 {
		t.Errorf("fetches = %d, want 2", srv.fetches.Load())
	}
}

func TestJWKSRefreshRateLimited(t *testing.T) {
	key := generateKey(t)
	srv := newJWKSServer(t, jwkFor(key, "k1"))

	v, err := NewVerifier(context.Background(), VerifierConfig{
		Algorithm:           AlgRS256,
		JWKSURL:             srv.URL,
		JWKSRefreshInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := v.VerifyToken(context.Background(), signRS256(t, key, "unknown", validClaims())); err == nil {
			t.Fatal("unknown kid accepted")
		}
	}
	if srv.fetches.Load() != 1 {
		t.Errorf("fetches = %d, want only the initial one", srv.fetches.Load())
	}
}

func TestJWKSSkipsUnusableKeys(t *testing.T) {
	key := generateKey(t)
	enc := jwkFor(key, "enc")
	enc.Use = "enc"
	srv := newJWKSServer(t, enc, JWK{Kty: "EC", Kid: "ec"})

	if _, err := NewVerifier(context.Background(), VerifierConfig{Algorithm: AlgRS256, JWKSURL: srv.URL}); err == nil {
		t.Fatal("expected error for a key set with no signing keys")
	}
}

func TestBase64URLDecode(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"AQAB", "\x01\x00\x01"},
		{"YQ", "a"},
		{"YQ==", "a"},
		{"YWI", "ab"},
		{"YWI=", "ab"},
		{"_-8", "\xff\xef"},
	}
	for _, tt := range tests {
		got, err := base64URLDecode(tt.in)
		if err != nil {
			t.Errorf("base64URLDecode(%q): %v", tt.in, err)
			continue
		}
		if string(got) != tt.want {
			t.Errorf("base64URLDecode(%q) = %x, want %x", tt.in, got, tt.want)
		}
	}
}

package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

// Signing algorithms.
const (
	AlgHS256 = "HS256"
	AlgRS256 = "RS256"
)

// VerifierConfig holds configuration for JWT verification.
type VerifierConfig struct {
	Algorithm string

	// HS256
	SecretKey string

	// RS256: a static key, a JWKS endpoint, or both.
	PublicKeyPEM        string
	JWKSURL             string
	JWKSRefreshInterval time.Duration
	JWKSCacheTimeout    time.Duration

	// Optional registered claim checks.
	Issuer   string
	Audience string

	HTTPClient *http.Client
}

// JWK represents a JSON Web Key.
type JWK struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKSet represents a JSON Web Key Set.
type JWKSet struct {
	Keys []JWK `json:"keys"`
}

type cachedKey struct {
	key     *rsa.PublicKey
	fetched time.Time
}

// tokenClaims is the wire shape of an access token.
type tokenClaims struct {
	jwt.RegisteredClaims
	Roles  []string `json:"roles,omitempty"`
	Scopes []string `json:"scopes"`
}

// Verifier checks bearer tokens for the control API.
type Verifier struct {
	config    VerifierConfig
	parser    *jwt.Parser
	secret    []byte
	publicKey *rsa.PublicKey

	mu        sync.RWMutex
	jwks      map[string]cachedKey
	lastFetch time.Time
	refresh   singleflight.Group
	client    *http.Client
}

// NewVerifier creates a verifier. With a JWKS URL the key set is fetched
// once up front so misconfiguration fails at startup.
func NewVerifier(ctx context.Context, config VerifierConfig) (*Verifier, error) {
	if config.JWKSRefreshInterval <= 0 {
		config.JWKSRefreshInterval = 5 * time.Minute
	}
	if config.JWKSCacheTimeout <= 0 {
		config.JWKSCacheTimeout = time.Hour
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{config.Algorithm})}
	if config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(config.Issuer))
	}
	if config.Audience != "" {
		opts = append(opts, jwt.WithAudience(config.Audience))
	}

	v := &Verifier{
		config: config,
		parser: jwt.NewParser(opts...),
		jwks:   make(map[string]cachedKey),
		client: config.HTTPClient,
	}
	if v.client == nil {
		v.client = &http.Client{Timeout: 10 * time.Second}
	}

	switch config.Algorithm {
	case AlgHS256:
		if config.SecretKey == "" {
			return nil, fmt.Errorf("HS256 requires secret key")
		}
		v.secret = []byte(config.SecretKey)
	case AlgRS256:
		if config.PublicKeyPEM == "" && config.JWKSURL == "" {
			return nil, fmt.Errorf("RS256 requires a public key or JWKS URL")
		}
		if config.PublicKeyPEM != "" {
			key, err := parsePublicKeyPEM(config.PublicKeyPEM)
			if err != nil {
				return nil, fmt.Errorf("failed to load public key from PEM: %w", err)
			}
			v.publicKey = key
		}
		if config.JWKSURL != "" {
			if err := v.fetchJWKS(ctx); err != nil {
				return nil, fmt.Errorf("failed to fetch initial JWKS: %w", err)
			}
		}
	default:
		return nil, fmt.Errorf("unsupported algorithm: %q", config.Algorithm)
	}
	return v, nil
}

// VerifyToken validates tokenString and returns its claims.
func (v *Verifier) VerifyToken(ctx context.Context, tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("token cannot be empty")
	}

	var tc tokenClaims
	_, err := v.parser.ParseWithClaims(tokenString, &tc, func(token *jwt.Token) (any, error) {
		return v.keyFor(ctx, token)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if tc.Subject == "" {
		return nil, fmt.Errorf("missing 'sub' claim")
	}
	if len(tc.Scopes) == 0 {
		return nil, fmt.Errorf("missing 'scopes' claim")
	}
	for _, s := range tc.Scopes {
		if !validScope(s) {
			return nil, fmt.Errorf("invalid scope %q", s)
		}
	}
	for _, r := range tc.Roles {
		if r != RoleViewer && r != RoleController {
			return nil, fmt.Errorf("invalid role %q", r)
		}
	}

	return &Claims{Subject: tc.Subject, Roles: tc.Roles, Scopes: tc.Scopes}, nil
}

func validScope(s string) bool {
	switch s {
	case ScopeRead, ScopeControl, ScopeTelemetry:
		return true
	}
	return false
}

func (v *Verifier) keyFor(ctx context.Context, token *jwt.Token) (any, error) {
	if v.secret != nil {
		return v.secret, nil
	}

	kid, ok := token.Header["kid"].(string)
	if !ok || kid == "" {
		if v.publicKey == nil {
			return nil, fmt.Errorf("token has no kid and no static key is configured")
		}
		return v.publicKey, nil
	}
	return v.jwksKey(ctx, kid)
}

// jwksKey returns the key for kid, refreshing the set when the cached key
// is missing or stale and the refresh interval allows it.
func (v *Verifier) jwksKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if v.config.JWKSURL == "" {
		return nil, fmt.Errorf("key not found: %s", kid)
	}

	v.mu.RLock()
	entry, ok := v.jwks[kid]
	canRefresh := time.Since(v.lastFetch) > v.config.JWKSRefreshInterval
	v.mu.RUnlock()

	if ok && time.Since(entry.fetched) < v.config.JWKSCacheTimeout {
		return entry.key, nil
	}
	if !canRefresh {
		if ok {
			return entry.key, nil
		}
		return nil, fmt.Errorf("key not found: %s", kid)
	}

	_, err, _ := v.refresh.Do("jwks", func() (any, error) {
		return nil, v.fetchJWKS(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to refresh JWKS: %w", err)
	}

	v.mu.RLock()
	entry, ok = v.jwks[kid]
	v.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("key not found: %s", kid)
	}
	return entry.key, nil
}

// fetchJWKS replaces the cached key set.
func (v *Verifier) fetchJWKS(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.config.JWKSURL, nil)
	if err != nil {
		return err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS fetch failed with status: %d", resp.StatusCode)
	}

	var set JWKSet
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&set); err != nil {
		return fmt.Errorf("failed to parse JWKS: %w", err)
	}

	now := time.Now()
	keys := make(map[string]cachedKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kty != "RSA" || (k.Use != "" && k.Use != "sig") || (k.Alg != "" && k.Alg != AlgRS256) {
			continue
		}
		pub, err := jwkToRSAPublicKey(k)
		if err != nil {
			continue
		}
		keys[k.Kid] = cachedKey{key: pub, fetched: now}
	}
	if len(keys) == 0 {
		return errors.New("JWKS contains no usable RS256 keys")
	}

	v.mu.Lock()
	v.jwks = keys
	v.lastFetch = now
	v.mu.Unlock()
	return nil
}

func parsePublicKeyPEM(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}
	return rsaPub, nil
}

func jwkToRSAPublicKey(k JWK) (*rsa.PublicKey, error) {
	n, err := base64URLDecode(k.N)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	e, err := base64URLDecode(k.E)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}
	if len(n) == 0 || len(e) == 0 || len(e) > 4 {
		return nil, fmt.Errorf("invalid RSA key parameters")
	}

	var exp int
	for _, b := range e {
		exp = exp<<8 | int(b)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: exp}, nil
}

// base64URLDecode accepts both padded and unpadded base64url.
func base64URLDecode(data string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
}

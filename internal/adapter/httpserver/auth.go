// Package httpserver contains HTTP handlers and middleware.
//
// The package follows clean architecture principles and provides
// a clear separation between HTTP concerns and business logic.
package httpserver

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/crypto/argon2"

	"github.com/scrapctl/dispatcher/internal/domain"
)

// Argon2Params defines parameters for Argon2id password hashing, used to
// hash Client.APIKeyHash.
type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLen     uint32
	KeyLen      uint32
}

var defaultArgon2Params = Argon2Params{
	Memory:      64 * 1024, // 64 MB
	Iterations:  3,
	Parallelism: 2,
	SaltLen:     16,
	KeyLen:      32,
}

// HashPassword creates an Argon2id hash of the password.
func HashPassword(password string, params Argon2Params) (string, error) {
	salt := make([]byte, params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey([]byte(password), salt, params.Iterations, params.Memory, params.Parallelism, params.KeyLen)

	// Format: argon2id$iterations$memory$parallelism$salt$hash (base64 encoded)
	encoded := fmt.Sprintf("argon2id$%d$%d$%d$%s$%s",
		params.Iterations,
		params.Memory,
		params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	)

	return encoded, nil
}

// VerifyPassword verifies a password (here, an API key) against its
// Argon2id hash.
func VerifyPassword(password, encodedHash string) bool {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[0] != "argon2id" {
		return false
	}
	iters64, err1 := parseUint32(parts[1])
	mem64, err2 := parseUint32(parts[2])
	par64, err3 := parseUint32(parts[3])
	if err1 != nil || err2 != nil || err3 != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	expectedHash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}

	var par uint8
	if par64 > math.MaxUint8 {
		par = math.MaxUint8
	} else {
		par = uint8(par64)
	}
	keyLen := defaultArgon2Params.KeyLen
	actualHash := argon2.IDKey([]byte(password), salt, iters64, mem64, par, keyLen)
	return subtle.ConstantTimeCompare(actualHash, expectedHash) == 1
}

// parseUint32 parses a decimal string into uint32; returns error on failure.
func parseUint32(s string) (uint32, error) {
	x, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse")
	}
	if x > math.MaxUint32 {
		return 0, fmt.Errorf("parse")
	}
	return uint32(x), nil
}

// Claims is the JWT payload minted by POST /api/auth/login and verified on
// every Bearer-authenticated request.
type Claims struct {
	ClientID string   `json:"client_id"`
	Scopes   []string `json:"scopes"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies the HS256 JWTs used by the Bearer-token
// auth path.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenIssuer constructs a TokenIssuer over the configured JWT secret.
func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenIssuer{secret: []byte(secret), ttl: ttl}
}

// Issue mints a signed JWT carrying clientID and scopes, expiring after
// the issuer's configured TTL (spec default: +1h).
func (t *TokenIssuer) Issue(clientID string, scopes []string) (string, error) {
	now := time.Now()
	claims := Claims{
		ClientID: clientID,
		Scopes:   scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(t.secret)
}

// Verify parses and validates token, returning its Claims on success.
func (t *TokenIssuer) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	return claims, nil
}

// AuthClient is the resolved identity of an authenticated request,
// regardless of which precedence tier (§4.6) resolved it.
type AuthClient struct {
	ClientID string
	Scopes   []string
}

// HasScope reports whether the client carries the named scope.
func (c AuthClient) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// apiClientEntry is one row of the configured X-Api-Key + X-Client-Id
// client table (API_CLIENTS_JSON).
type apiClientEntry struct {
	ClientID string   `json:"client_id"`
	KeyHash  string   `json:"key_hash"`
	Scopes   []string `json:"scopes"`
	RPM      int      `json:"rpm"`
}

type authCtxKey struct{}

// ContextWithAuthClient attaches the resolved AuthClient to ctx.
func ContextWithAuthClient(ctx context.Context, c AuthClient) context.Context {
	return context.WithValue(ctx, authCtxKey{}, c)
}

// AuthClientFromContext retrieves the AuthClient attached by the auth
// chain middleware.
func AuthClientFromContext(ctx context.Context) (AuthClient, bool) {
	c, ok := ctx.Value(authCtxKey{}).(AuthClient)
	return c, ok
}

// authenticate implements spec §4.6's three-tier precedence chain:
//  1. Authorization: Bearer <jwt> — verified against the issuer, Client
//     looked up by claims.client_id must be active.
//  2. X-Api-Key + X-Client-Id — checked against the configured client
//     table.
//  3. X-Api-Key alone — checked against the single shared secret,
//     resolving to client_id "default" with the full scope set.
func (s *Server) authenticate(ctx context.Context, r *http.Request) (AuthClient, error) {
	if authz := strings.TrimSpace(r.Header.Get("Authorization")); strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		token := strings.TrimSpace(authz[len("Bearer "):])
		claims, err := s.Tokens.Verify(token)
		if err != nil {
			return AuthClient{}, domain.ErrUnauthorized
		}
		client, err := s.Store.GetClient(ctx, claims.ClientID)
		if err != nil || client.Status != domain.ClientActive {
			return AuthClient{}, domain.ErrForbidden
		}
		return AuthClient{ClientID: claims.ClientID, Scopes: claims.Scopes}, nil
	}

	apiKey := strings.TrimSpace(r.Header.Get("X-Api-Key"))
	if apiKey == "" {
		return AuthClient{}, domain.ErrUnauthorized
	}

	if clientID := strings.TrimSpace(r.Header.Get("X-Client-Id")); clientID != "" {
		entry, ok := s.apiClients[clientID]
		if !ok || !VerifyPassword(apiKey, entry.KeyHash) {
			return AuthClient{}, domain.ErrUnauthorized
		}
		return AuthClient{ClientID: clientID, Scopes: entry.Scopes}, nil
	}

	if s.Cfg.APISharedSecret != "" && subtle.ConstantTimeCompare([]byte(apiKey), []byte(s.Cfg.APISharedSecret)) == 1 {
		return AuthClient{ClientID: "default", Scopes: []string{"fetch", "analyze", "send"}}, nil
	}
	return AuthClient{}, domain.ErrUnauthorized
}

// requireScope enforces that client carries scope, returning
// domain.ErrForbidden otherwise.
func requireScope(client AuthClient, scope string) error {
	if !client.HasScope(scope) {
		return domain.ErrForbidden
	}
	return nil
}

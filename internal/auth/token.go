// Package auth implements session authentication for the Heimdall gateway:
// signed JWT access tokens paired with a double-submit CSRF token, token
// revocation through the policy cache, and TOTP second factors.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	gateway "github.com/eugener/heimdall/internal"
	"github.com/eugener/heimdall/internal/cache"
)

// revokeAll is the per-user blanket revocation key prefix; the stored value
// is the unix time before which every token of that user is invalid.
const revokeAllPrefix = "user:"

// Claims is the JWT payload minted at login. CSRF carries the pairing value
// that must be echoed back through the X-CSRF-Token header on mutating
// requests.
type Claims struct {
	Role     string          `json:"role"`
	Groups   []string        `json:"groups,omitempty"`
	Accesses map[string]bool `json:"accesses,omitempty"`
	CSRF     string          `json:"csrf"`
	jwt.RegisteredClaims
}

// TokenService mints and verifies session tokens. Verification accepts the
// signing secret plus any configured rotation secrets; signing uses the
// primary secret, or the RSA key when one is configured.
type TokenService struct {
	secrets [][]byte        // HS256; secrets[0] signs unless an RSA key is set
	rsaKey  *rsa.PrivateKey // RS256 signing key, optional
	ttl     time.Duration
	cache   cache.Cache
}

// NewTokenService creates a TokenService. The first secret signs new tokens;
// the rest are accepted for verification only.
func NewTokenService(secrets []string, ttl time.Duration, c cache.Cache) (*TokenService, error) {
	if len(secrets) == 0 || secrets[0] == "" {
		return nil, fmt.Errorf("auth: signing secret is required")
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	bs := make([][]byte, 0, len(secrets))
	for _, s := range secrets {
		if s != "" {
			bs = append(bs, []byte(s))
		}
	}
	return &TokenService{secrets: bs, ttl: ttl, cache: c}, nil
}

// UseRSAKey switches signing to RS256 with a PEM-encoded private key. The
// HS256 secrets stay accepted for verification, so sessions minted before a
// key rollover remain valid until they expire.
func (s *TokenService) UseRSAKey(pemKey []byte) error {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemKey)
	if err != nil {
		return fmt.Errorf("auth: parse RSA signing key: %w", err)
	}
	s.rsaKey = key
	return nil
}

// TTL returns the configured token lifetime.
func (s *TokenService) TTL() time.Duration { return s.ttl }

// Session is a minted token pair: the signed JWT plus the CSRF value that the
// client must present separately.
type Session struct {
	Token     string
	CSRF      string
	JTI       string
	ExpiresAt time.Time
}

// Mint issues a session for an authenticated user.
func (s *TokenService) Mint(user *gateway.User, role *gateway.Role) (*Session, error) {
	now := time.Now()
	csrf, err := randomToken()
	if err != nil {
		return nil, err
	}
	jti := uuid.Must(uuid.NewV7()).String()

	var accesses map[string]bool
	if role != nil {
		accesses = role.Accesses
	}
	claims := Claims{
		Role:     user.Role,
		Groups:   user.Groups,
		Accesses: accesses,
		CSRF:     csrf,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.Username,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	var (
		method jwt.SigningMethod = jwt.SigningMethodHS256
		key    any               = s.secrets[0]
	)
	if s.rsaKey != nil {
		method, key = jwt.SigningMethodRS256, s.rsaKey
	}
	signed, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	return &Session{Token: signed, CSRF: csrf, JTI: jti, ExpiresAt: claims.ExpiresAt.Time}, nil
}

// Verify parses and validates a token, checks revocation, and returns the
// caller identity plus the embedded CSRF value. The signing algorithm is
// pinned to the HS256/RS256 whitelist; tokens declaring any other alg are
// rejected outright.
func (s *TokenService) Verify(ctx context.Context, raw string) (*gateway.Identity, string, error) {
	keys := make([]any, 0, len(s.secrets)+1)
	if s.rsaKey != nil {
		keys = append(keys, &s.rsaKey.PublicKey)
	}
	for _, secret := range s.secrets {
		keys = append(keys, secret)
	}

	var claims Claims
	var lastErr error
	verified := false
	for _, key := range keys {
		claims = Claims{}
		_, err := jwt.ParseWithClaims(raw, &claims,
			func(*jwt.Token) (any, error) { return key, nil },
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodRS256.Alg()}),
			jwt.WithExpirationRequired(),
		)
		if err == nil {
			verified = true
			break
		}
		lastErr = err
	}
	if !verified {
		return nil, "", gateway.Wrap(gateway.ErrTokenInvalid, lastErr)
	}

	if s.revoked(ctx, claims.Subject, claims.ID, claims.IssuedAt) {
		return nil, "", gateway.ErrTokenInvalid
	}

	id := &gateway.Identity{
		Username: claims.Subject,
		Role:     claims.Role,
		Groups:   claims.Groups,
		Accesses: claims.Accesses,
		JTI:      claims.ID,
	}
	return id, claims.CSRF, nil
}

// CheckCSRF compares the CSRF value embedded in the token against the value
// presented in the request header.
func CheckCSRF(tokenCSRF, presented string) error {
	if tokenCSRF == "" || presented == "" ||
		subtle.ConstantTimeCompare([]byte(tokenCSRF), []byte(presented)) != 1 {
		return gateway.ErrCSRFMismatch
	}
	return nil
}

// Revoke invalidates a single token by jti. The entry lives for the token
// TTL; after that the token has expired on its own.
func (s *TokenService) Revoke(ctx context.Context, jti string) {
	s.cache.Set(ctx, cache.NSRevocation, jti, []byte("1"), s.ttl)
}

// RevokeAll invalidates every token of a user issued before now. Used when
// credentials change or an account is deactivated.
func (s *TokenService) RevokeAll(ctx context.Context, username string) {
	now := fmt.Sprintf("%d", time.Now().Unix())
	s.cache.Set(ctx, cache.NSRevocation, revokeAllPrefix+username, []byte(now), s.ttl)
}

func (s *TokenService) revoked(ctx context.Context, username, jti string, issuedAt *jwt.NumericDate) bool {
	if _, ok := s.cache.Get(ctx, cache.NSRevocation, jti); ok {
		return true
	}
	if b, ok := s.cache.Get(ctx, cache.NSRevocation, revokeAllPrefix+username); ok {
		var cutoff int64
		fmt.Sscanf(string(b), "%d", &cutoff) //nolint:errcheck
		if issuedAt == nil || issuedAt.Unix() <= cutoff {
			return true
		}
	}
	return false
}

// randomToken returns 32 hex-encoded random bytes.
func randomToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("auth: random token: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

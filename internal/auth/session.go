package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	gateway "github.com/eugener/heimdall/internal"
	"github.com/eugener/heimdall/internal/registry"
	"github.com/eugener/heimdall/internal/store"
)

// Cookie names of the session pair. The access token cookie is HttpOnly; the
// CSRF cookie is intentionally script-readable so the client can echo it in
// the X-CSRF-Token header.
const (
	CookieToken = "heimdall_token"
	CookieCSRF  = "heimdall_csrf"
)

// CSRFHeader is the request header carrying the echoed CSRF value.
const CSRFHeader = "X-CSRF-Token"

// CookiePolicy holds deployment-wide cookie attributes.
type CookiePolicy struct {
	SameSite http.SameSite
	Secure   bool
	Domain   string
}

// ParseSameSite maps a config string onto http.SameSite, defaulting to Strict.
func ParseSameSite(s string) http.SameSite {
	switch strings.ToLower(s) {
	case "lax":
		return http.SameSiteLaxMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteStrictMode
	}
}

// SetSession writes the session cookie pair onto the response.
func (p CookiePolicy) SetSession(w http.ResponseWriter, sess *Session) {
	http.SetCookie(w, &http.Cookie{
		Name: CookieToken, Value: sess.Token, Path: "/",
		Expires: sess.ExpiresAt, HttpOnly: true,
		Secure: p.Secure, SameSite: p.SameSite, Domain: p.Domain,
	})
	http.SetCookie(w, &http.Cookie{
		Name: CookieCSRF, Value: sess.CSRF, Path: "/",
		Expires: sess.ExpiresAt, HttpOnly: false,
		Secure: p.Secure, SameSite: p.SameSite, Domain: p.Domain,
	})
}

// ClearSession expires both session cookies.
func (p CookiePolicy) ClearSession(w http.ResponseWriter) {
	for _, name := range []string{CookieToken, CookieCSRF} {
		http.SetCookie(w, &http.Cookie{
			Name: name, Value: "", Path: "/", MaxAge: -1,
			HttpOnly: name == CookieToken,
			Secure:   p.Secure, SameSite: p.SameSite, Domain: p.Domain,
		})
	}
}

// TokenFromRequest extracts the raw access token from the session cookie or,
// for non-browser clients, a Bearer Authorization header.
func TokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(CookieToken); err == nil && c.Value != "" {
		return c.Value
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// Login verifies credentials and mints sessions.
type Login struct {
	registry *registry.Resolver
	tokens   *TokenService
	mfa      *MFAService
}

// NewLogin creates the login flow over the resolver and token services.
func NewLogin(r *registry.Resolver, tokens *TokenService, mfa *MFAService) *Login {
	return &Login{registry: r, tokens: tokens, mfa: mfa}
}

// Authenticate verifies a username/password pair, enforcing the second factor
// when the account has one enrolled, and returns a minted session.
func (l *Login) Authenticate(ctx context.Context, username, password, mfaCode string) (*Session, *gateway.User, error) {
	// The password hash is excluded from the JSON document form; read the
	// raw document rather than the cached decoded user.
	doc, err := l.registry.Store().FindOne(ctx, store.CollUsers, store.Filter{"username": username})
	if err != nil {
		return nil, nil, gateway.ErrTokenInvalid
	}
	var user gateway.User
	if err := store.Decode(doc, &user); err != nil {
		return nil, nil, gateway.Wrap(gateway.ErrInternal, err)
	}
	if !user.Active {
		return nil, nil, gateway.ErrTokenInvalid
	}

	hash, _ := doc["password_hash"].(string)
	if hash == "" || subtle.ConstantTimeCompare([]byte(hash), []byte(gateway.HashPassword(password))) != 1 {
		return nil, nil, gateway.ErrTokenInvalid
	}

	if user.MFAEnabled {
		if err := l.mfa.VerifyCode(ctx, username, mfaCode); err != nil {
			return nil, nil, err
		}
	}

	role, err := l.registry.Role(ctx, user.Role)
	if err != nil {
		role = nil
	}
	sess, err := l.tokens.Mint(&user, role)
	if err != nil {
		return nil, nil, gateway.Wrap(gateway.ErrInternal, err)
	}
	return sess, &user, nil
}

// Logout revokes the presented token by jti.
func (l *Login) Logout(ctx context.Context, id *gateway.Identity) {
	if id != nil && id.JTI != "" {
		l.tokens.Revoke(ctx, id.JTI)
	}
}

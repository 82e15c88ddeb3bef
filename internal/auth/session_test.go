package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gateway "github.com/eugener/heimdall/internal"
	"github.com/eugener/heimdall/internal/cache"
	"github.com/eugener/heimdall/internal/registry"
	"github.com/eugener/heimdall/internal/store"
)

func newLogin(t *testing.T) (*Login, *registry.Resolver, *TokenService) {
	t.Helper()
	st, err := store.NewMemory("", "")
	if err != nil {
		t.Fatal(err)
	}
	r := registry.New(st, cache.NewMemory(100))
	tokens, err := NewTokenService([]string{"unit-test-signing-secret"}, time.Minute, r.Cache())
	if err != nil {
		t.Fatal(err)
	}
	return NewLogin(r, tokens, NewMFAService(r, "Heimdall")), r, tokens
}

func seedAccount(t *testing.T, r *registry.Resolver, username, password string, active bool) {
	t.Helper()
	doc, err := store.Encode(&gateway.User{Username: username, Role: "default", Active: active})
	if err != nil {
		t.Fatal(err)
	}
	doc["password_hash"] = gateway.HashPassword(password)
	if err := r.Store().InsertOne(context.Background(), store.CollUsers, doc); err != nil {
		t.Fatal(err)
	}
}

func TestLogin_PasswordFlow(t *testing.T) {
	t.Parallel()
	l, r, tokens := newLogin(t)
	ctx := context.Background()
	seedAccount(t, r, "bob", "correct horse battery", true)

	sess, user, err := l.Authenticate(ctx, "bob", "correct horse battery", "")
	if err != nil {
		t.Fatal(err)
	}
	if user.Username != "bob" {
		t.Errorf("user = %+v", user)
	}
	if _, _, err := tokens.Verify(ctx, sess.Token); err != nil {
		t.Errorf("minted token does not verify: %v", err)
	}

	// Wrong password, unknown user and inactive account all map to the same
	// credential error.
	seedAccount(t, r, "carol", "pw-for-carol-acct", false)
	for _, tc := range []struct{ user, pass string }{
		{"bob", "wrong"},
		{"nobody", "whatever"},
		{"carol", "pw-for-carol-acct"},
	} {
		if _, _, err := l.Authenticate(ctx, tc.user, tc.pass, ""); !errors.Is(err, gateway.ErrTokenInvalid) {
			t.Errorf("Authenticate(%s) err = %v, want ErrTokenInvalid", tc.user, err)
		}
	}
}

func TestLogin_Logout(t *testing.T) {
	t.Parallel()
	l, r, tokens := newLogin(t)
	ctx := context.Background()
	seedAccount(t, r, "bob", "correct horse battery", true)

	sess, _, err := l.Authenticate(ctx, "bob", "correct horse battery", "")
	if err != nil {
		t.Fatal(err)
	}
	id, _, err := tokens.Verify(ctx, sess.Token)
	if err != nil {
		t.Fatal(err)
	}

	l.Logout(ctx, id)
	if _, _, err := tokens.Verify(ctx, sess.Token); !errors.Is(err, gateway.ErrTokenInvalid) {
		t.Errorf("err = %v, want ErrTokenInvalid after logout", err)
	}
}

func TestCookiePolicy_SetAndClear(t *testing.T) {
	t.Parallel()
	p := CookiePolicy{SameSite: http.SameSiteStrictMode, Secure: true}
	sess := &Session{Token: "tok", CSRF: "csrf", ExpiresAt: time.Now().Add(time.Minute)}

	rec := httptest.NewRecorder()
	p.SetSession(rec, sess)
	cookies := rec.Result().Cookies()
	if len(cookies) != 2 {
		t.Fatalf("cookies = %d, want 2", len(cookies))
	}
	byName := map[string]*http.Cookie{}
	for _, c := range cookies {
		byName[c.Name] = c
	}
	if tok := byName[CookieToken]; tok == nil || !tok.HttpOnly || !tok.Secure {
		t.Errorf("token cookie = %+v, want HttpOnly+Secure", tok)
	}
	if csrf := byName[CookieCSRF]; csrf == nil || csrf.HttpOnly {
		t.Errorf("csrf cookie = %+v, must be script-readable", csrf)
	}

	rec = httptest.NewRecorder()
	p.ClearSession(rec)
	for _, c := range rec.Result().Cookies() {
		if c.MaxAge != -1 {
			t.Errorf("cookie %s not expired on clear", c.Name)
		}
	}
}

func TestTokenFromRequest(t *testing.T) {
	t.Parallel()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if TokenFromRequest(r) != "" {
		t.Error("empty request yielded a token")
	}

	r.Header.Set("Authorization", "Bearer header-token")
	if got := TokenFromRequest(r); got != "header-token" {
		t.Errorf("bearer token = %q", got)
	}

	// Cookie wins over the header.
	r.AddCookie(&http.Cookie{Name: CookieToken, Value: "cookie-token"})
	if got := TokenFromRequest(r); got != "cookie-token" {
		t.Errorf("token = %q, want cookie-token", got)
	}
}

func TestParseSameSite(t *testing.T) {
	t.Parallel()
	cases := map[string]http.SameSite{
		"strict": http.SameSiteStrictMode,
		"lax":    http.SameSiteLaxMode,
		"none":   http.SameSiteNoneMode,
		"":       http.SameSiteStrictMode,
	}
	for in, want := range cases {
		if got := ParseSameSite(in); got != want {
			t.Errorf("ParseSameSite(%q) = %v, want %v", in, got, want)
		}
	}
}

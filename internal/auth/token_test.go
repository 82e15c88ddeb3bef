package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	gateway "github.com/eugener/heimdall/internal"
	"github.com/eugener/heimdall/internal/cache"
)

func newTokens(t *testing.T, secrets ...string) *TokenService {
	t.Helper()
	if len(secrets) == 0 {
		secrets = []string{"unit-test-signing-secret"}
	}
	svc, err := NewTokenService(secrets, time.Minute, cache.NewMemory(100))
	if err != nil {
		t.Fatal(err)
	}
	return svc
}

func testUser() *gateway.User {
	return &gateway.User{Username: "bob", Role: "default", Groups: []string{"ALL"}, Active: true}
}

func TestToken_MintVerifyRoundTrip(t *testing.T) {
	t.Parallel()
	svc := newTokens(t)
	ctx := context.Background()

	sess, err := svc.Mint(testUser(), &gateway.Role{Name: "default", Accesses: map[string]bool{"view_logs": true}})
	if err != nil {
		t.Fatal(err)
	}

	id, csrf, err := svc.Verify(ctx, sess.Token)
	if err != nil {
		t.Fatal(err)
	}
	if id.Username != "bob" || id.Role != "default" || id.JTI != sess.JTI {
		t.Errorf("identity = %+v", id)
	}
	if !id.Can("view_logs") {
		t.Error("accesses claim not carried")
	}
	if csrf != sess.CSRF {
		t.Error("embedded CSRF differs from minted CSRF")
	}
}

func TestToken_RejectsForgedAndExpired(t *testing.T) {
	t.Parallel()
	svc := newTokens(t)
	ctx := context.Background()

	// Signed with the wrong secret.
	forged, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "bob",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("some-other-secret"))
	if _, _, err := svc.Verify(ctx, forged); !errors.Is(err, gateway.ErrTokenInvalid) {
		t.Errorf("forged token: err = %v, want ErrTokenInvalid", err)
	}

	// Correct secret, alg switched to none.
	unsigned, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "bob",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if _, _, err := svc.Verify(ctx, unsigned); !errors.Is(err, gateway.ErrTokenInvalid) {
		t.Errorf("alg=none token: err = %v, want ErrTokenInvalid", err)
	}

	// Expired.
	expired, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "bob",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}).SignedString([]byte("unit-test-signing-secret"))
	if _, _, err := svc.Verify(ctx, expired); !errors.Is(err, gateway.ErrTokenInvalid) {
		t.Errorf("expired token: err = %v, want ErrTokenInvalid", err)
	}
}

func TestToken_RotationSecrets(t *testing.T) {
	t.Parallel()
	old := newTokens(t, "old-secret-for-rotation")
	sess, err := old.Mint(testUser(), nil)
	if err != nil {
		t.Fatal(err)
	}

	// New service signs with a fresh secret but still accepts the old one.
	rotated := newTokens(t, "new-secret-after-rotation", "old-secret-for-rotation")
	if _, _, err := rotated.Verify(context.Background(), sess.Token); err != nil {
		t.Errorf("rotated verify failed: %v", err)
	}
}

func TestToken_RSASigning(t *testing.T) {
	t.Parallel()
	svc := newTokens(t)
	ctx := context.Background()

	// Minted before the rollover, verified after it.
	before, err := svc.Mint(testUser(), nil)
	if err != nil {
		t.Fatal(err)
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	pemKey := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := svc.UseRSAKey(pemKey); err != nil {
		t.Fatal(err)
	}

	sess, err := svc.Mint(testUser(), nil)
	if err != nil {
		t.Fatal(err)
	}
	tok, _, err := jwt.NewParser().ParseUnverified(sess.Token, jwt.MapClaims{})
	if err != nil {
		t.Fatal(err)
	}
	if alg := tok.Method.Alg(); alg != jwt.SigningMethodRS256.Alg() {
		t.Errorf("alg = %s, want RS256", alg)
	}

	if _, _, err := svc.Verify(ctx, sess.Token); err != nil {
		t.Errorf("RS256 token rejected: %v", err)
	}
	if _, _, err := svc.Verify(ctx, before.Token); err != nil {
		t.Errorf("pre-rollover HS256 token rejected: %v", err)
	}

	if err := svc.UseRSAKey([]byte("not a pem key")); err == nil {
		t.Error("garbage key accepted")
	}
}

func TestToken_Revocation(t *testing.T) {
	t.Parallel()
	svc := newTokens(t)
	ctx := context.Background()

	sess, _ := svc.Mint(testUser(), nil)
	if _, _, err := svc.Verify(ctx, sess.Token); err != nil {
		t.Fatal(err)
	}

	svc.Revoke(ctx, sess.JTI)
	if _, _, err := svc.Verify(ctx, sess.Token); !errors.Is(err, gateway.ErrTokenInvalid) {
		t.Errorf("revoked token: err = %v, want ErrTokenInvalid", err)
	}
}

func TestToken_RevokeAll(t *testing.T) {
	t.Parallel()
	svc := newTokens(t)
	ctx := context.Background()

	sess, _ := svc.Mint(testUser(), nil)
	svc.RevokeAll(ctx, "bob")
	if _, _, err := svc.Verify(ctx, sess.Token); !errors.Is(err, gateway.ErrTokenInvalid) {
		t.Errorf("err = %v, want ErrTokenInvalid after blanket revocation", err)
	}

	// Other users are unaffected.
	other, _ := svc.Mint(&gateway.User{Username: "alice", Active: true}, nil)
	if _, _, err := svc.Verify(ctx, other.Token); err != nil {
		t.Errorf("unrelated user revoked: %v", err)
	}
}

func TestCheckCSRF(t *testing.T) {
	t.Parallel()
	if err := CheckCSRF("abc", "abc"); err != nil {
		t.Errorf("matching CSRF rejected: %v", err)
	}
	for _, presented := range []string{"", "wrong"} {
		if err := CheckCSRF("abc", presented); !errors.Is(err, gateway.ErrCSRFMismatch) {
			t.Errorf("CheckCSRF(abc, %q) = %v, want ErrCSRFMismatch", presented, err)
		}
	}
	if err := CheckCSRF("", ""); !errors.Is(err, gateway.ErrCSRFMismatch) {
		t.Error("empty pair must not pass")
	}
}

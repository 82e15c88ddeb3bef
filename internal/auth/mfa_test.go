package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"

	gateway "github.com/eugener/heimdall/internal"
	"github.com/eugener/heimdall/internal/cache"
	"github.com/eugener/heimdall/internal/registry"
	"github.com/eugener/heimdall/internal/store"
)

func newMFA(t *testing.T) (*MFAService, *registry.Resolver) {
	t.Helper()
	st, err := store.NewMemory("", "")
	if err != nil {
		t.Fatal(err)
	}
	r := registry.New(st, cache.NewMemory(100))
	return NewMFAService(r, "Heimdall"), r
}

func TestMFA_SetupConfirmVerify(t *testing.T) {
	t.Parallel()
	m, r := newMFA(t)
	ctx := context.Background()

	doc, _ := store.Encode(&gateway.User{Username: "bob", Active: true})
	r.Store().InsertOne(ctx, store.CollUsers, doc) //nolint:errcheck

	setup, err := m.BeginSetup(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(setup.URI, "otpauth://totp/") {
		t.Errorf("uri = %q", setup.URI)
	}
	if !strings.HasPrefix(setup.QRSVG, "<svg") || !strings.HasSuffix(setup.QRSVG, "</svg>") {
		t.Error("QR provisioning image must be a self-contained SVG")
	}

	// A wrong code must not enable MFA.
	if err := m.ConfirmSetup(ctx, "bob", "000000"); err == nil {
		t.Fatal("wrong code accepted")
	}

	code, err := totp.GenerateCode(setup.Secret, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if err := m.ConfirmSetup(ctx, "bob", code); err != nil {
		t.Fatal(err)
	}

	user, err := r.User(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if !user.MFAEnabled {
		t.Error("mfa_enabled not persisted")
	}

	// Login-time verification accepts a current code and rejects garbage.
	code, _ = totp.GenerateCode(setup.Secret, time.Now())
	if err := m.VerifyCode(ctx, "bob", code); err != nil {
		t.Errorf("valid code rejected: %v", err)
	}
	if err := m.VerifyCode(ctx, "bob", "123456"); err == nil {
		t.Error("bogus code accepted")
	}
}

func TestMFA_ClockDrift(t *testing.T) {
	t.Parallel()
	m, r := newMFA(t)
	ctx := context.Background()

	doc, _ := store.Encode(&gateway.User{Username: "bob", Active: true})
	r.Store().InsertOne(ctx, store.CollUsers, doc) //nolint:errcheck

	setup, err := m.BeginSetup(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}

	// One step behind is within the accepted skew.
	stale, err := totp.GenerateCode(setup.Secret, time.Now().Add(-30*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if err := m.ConfirmSetup(ctx, "bob", stale); err != nil {
		t.Errorf("one-step-old code rejected: %v", err)
	}
}

func TestMFA_NoPendingSetup(t *testing.T) {
	t.Parallel()
	m, _ := newMFA(t)
	if err := m.ConfirmSetup(context.Background(), "nobody", "123456"); !errors.Is(err, gateway.ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

package auth

import (
	"context"
	"fmt"
	"image/color"
	"strings"
	"time"

	"github.com/boombuler/barcode/qr"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	gateway "github.com/eugener/heimdall/internal"
	"github.com/eugener/heimdall/internal/cache"
	"github.com/eugener/heimdall/internal/registry"
	"github.com/eugener/heimdall/internal/store"
)

// mfaSetupTTL bounds how long a generated secret stays pending before the
// user confirms it with a valid code.
var mfaSetupTTL = cache.TTLFor(cache.NSMFASetup)

// MFAService manages TOTP enrollment and verification. A generated secret is
// parked in the cache until the user proves possession by submitting a valid
// code; only then is it persisted on the account.
type MFAService struct {
	registry *registry.Resolver
	issuer   string
}

// NewMFAService creates an MFAService. issuer labels the otpauth URI shown in
// authenticator apps.
func NewMFAService(r *registry.Resolver, issuer string) *MFAService {
	if issuer == "" {
		issuer = "Heimdall"
	}
	return &MFAService{registry: r, issuer: issuer}
}

// Setup holds a pending enrollment returned to the client.
type Setup struct {
	Secret string `json:"secret"`
	URI    string `json:"uri"`
	QRSVG  string `json:"qr_svg"`
}

// BeginSetup generates a fresh TOTP secret for the user and parks it pending
// confirmation. Repeated calls replace the pending secret.
func (m *MFAService) BeginSetup(ctx context.Context, username string) (*Setup, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      m.issuer,
		AccountName: username,
	})
	if err != nil {
		return nil, fmt.Errorf("generate totp secret: %w", err)
	}

	svg, err := qrSVG(key.URL())
	if err != nil {
		return nil, err
	}

	m.registry.Cache().Set(ctx, cache.NSMFASetup, username, []byte(key.Secret()), mfaSetupTTL)
	return &Setup{Secret: key.Secret(), URI: key.URL(), QRSVG: svg}, nil
}

// ConfirmSetup validates a code against the pending secret and, on success,
// persists the secret and flips mfa_enabled on the account.
func (m *MFAService) ConfirmSetup(ctx context.Context, username, code string) error {
	b, ok := m.registry.Cache().Get(ctx, cache.NSMFASetup, username)
	if !ok {
		return gateway.Errf(gateway.ErrValidation, "no pending MFA setup")
	}
	secret := string(b)

	if !validateCode(secret, code) {
		return gateway.Errf(gateway.ErrTokenInvalid, "invalid MFA code")
	}

	err := m.registry.UpdateWithInvalidate(ctx, store.CollUsers,
		store.Filter{"username": username},
		store.Update{"$set": {"mfa_enabled": true, "mfa_secret": secret}},
		cache.NSUser, username)
	if err != nil {
		return err
	}
	m.registry.Cache().Delete(ctx, cache.NSMFASetup, username)
	return nil
}

// VerifyCode checks a login-time TOTP code against the user's enrolled
// secret. The secret is excluded from the JSON document form, so it is read
// from the raw store document.
func (m *MFAService) VerifyCode(ctx context.Context, username, code string) error {
	doc, err := m.registry.Store().FindOne(ctx, store.CollUsers, store.Filter{"username": username})
	if err != nil {
		return gateway.ErrUserNotFound
	}
	secret, _ := doc["mfa_secret"].(string)
	if secret == "" || !validateCode(secret, code) {
		return gateway.Errf(gateway.ErrTokenInvalid, "invalid MFA code")
	}
	return nil
}

// validateCode accepts one 30s step of clock drift in either direction.
func validateCode(secret, code string) bool {
	ok, err := totp.ValidateCustom(code, secret, time.Now(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

// qrSVG renders the otpauth URI as a self-contained SVG: one rect per dark
// module, so no raster encoder or font is involved.
func qrSVG(uri string) (string, error) {
	code, err := qr.Encode(uri, qr.M, qr.Auto)
	if err != nil {
		return "", fmt.Errorf("encode qr: %w", err)
	}

	bounds := code.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	var b strings.Builder
	fmt.Fprintf(&b,
		`<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 %d %d" shape-rendering="crispEdges">`, w, h)
	b.WriteString(`<rect width="100%" height="100%" fill="#fff"/>`)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			if isDark(code.At(x, y)) {
				fmt.Fprintf(&b, `<rect x="%d" y="%d" width="1" height="1"/>`, x-bounds.Min.X, y-bounds.Min.Y)
			}
		}
	}
	b.WriteString(`</svg>`)
	return b.String(), nil
}

func isDark(c color.Color) bool {
	r, g, bl, _ := c.RGBA()
	return r+g+bl < 3*0x8000
}

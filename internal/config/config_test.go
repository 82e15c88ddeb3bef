package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	gateway "github.com/eugener/heimdall/internal"
	"github.com/eugener/heimdall/internal/store"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Store.Backend != "memory" || cfg.Cache.Backend != "memory" {
		t.Errorf("backends = %q/%q, want memory/memory", cfg.Store.Backend, cfg.Cache.Backend)
	}
	if cfg.Breaker.Threshold != 5 {
		t.Errorf("breaker threshold = %d", cfg.Breaker.Threshold)
	}
}

func TestLoad_FileWithEnvExpansion(t *testing.T) {
	t.Setenv("TEST_HEIMDALL_SECRET", "file-secret-value")

	path := filepath.Join(t.TempDir(), "heimdall.yaml")
	data := `
auth:
  jwt_secret: ${TEST_HEIMDALL_SECRET}
  cookie_samesite: lax
server:
  addr: ":9090"
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Auth.JWTSecret != "file-secret-value" {
		t.Errorf("jwt_secret = %q, want expanded env value", cfg.Auth.JWTSecret)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET_KEY", "env-secret")
	t.Setenv("MEM_OR_EXTERNAL", "gateway.db")
	t.Setenv("HTTP_RETRY_COUNT", "3")
	t.Setenv("HTTP_CONNECT_TIMEOUT", "2500")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("STRICT_OPTIONS_405", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Auth.JWTSecret != "env-secret" {
		t.Errorf("jwt_secret = %q", cfg.Auth.JWTSecret)
	}
	if cfg.Store.Backend != "sqlite" || cfg.Store.DSN != "gateway.db" {
		t.Errorf("store = %q %q, want sqlite gateway.db", cfg.Store.Backend, cfg.Store.DSN)
	}
	if cfg.Upstream.RetryCount != 3 {
		t.Errorf("retry count = %d", cfg.Upstream.RetryCount)
	}
	if got := cfg.Upstream.ConnectTimeout.Milliseconds(); got != 2500 {
		t.Errorf("connect timeout = %dms", got)
	}
	if len(cfg.CORS.AllowedOrigins) != 2 || cfg.CORS.AllowedOrigins[1] != "https://b.example" {
		t.Errorf("origins = %v", cfg.CORS.AllowedOrigins)
	}
	if !cfg.Server.StrictOptions405 {
		t.Error("STRICT_OPTIONS_405 not applied")
	}
}

func TestLoad_EnvAliases(t *testing.T) {
	t.Setenv("HTTP_TIMEOUT", "9000")
	t.Setenv("HTTP_RETRY_BASE_DELAY", "250")
	t.Setenv("HTTP_RETRY_MAX_DELAY", "4000")
	t.Setenv("CIRCUIT_BREAKER_TIMEOUT", "1500")
	t.Setenv("HTTPS_ONLY", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.Upstream.ReadTimeout.Milliseconds(); got != 9000 {
		t.Errorf("read timeout = %dms", got)
	}
	if got := cfg.Upstream.RetryBackoff.Milliseconds(); got != 250 {
		t.Errorf("retry backoff = %dms", got)
	}
	if got := cfg.Upstream.RetryBackoffCap.Milliseconds(); got != 4000 {
		t.Errorf("retry backoff cap = %dms", got)
	}
	if got := cfg.Breaker.Cooldown.Milliseconds(); got != 1500 {
		t.Errorf("breaker cooldown = %dms", got)
	}
	if !cfg.Server.HTTPSEnabled {
		t.Error("HTTPS_ONLY not applied")
	}

	// The specific name wins when both are set.
	t.Setenv("HTTP_READ_TIMEOUT", "100")
	cfg, err = Load("")
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.Upstream.ReadTimeout.Milliseconds(); got != 100 {
		t.Errorf("read timeout with both names = %dms, want 100", got)
	}
}

func TestLoad_RejectsShortEncryptionKey(t *testing.T) {
	t.Setenv("MEM_DUMP_PATH", "/tmp/state.dmp")
	t.Setenv("MEM_ENCRYPTION_KEY", "too-short")

	if _, err := Load(""); err == nil {
		t.Error("expected validation error for short encryption key")
	}
}

func TestVerificationSecrets(t *testing.T) {
	t.Parallel()
	a := AuthConfig{JWTSecret: "primary", JWTKeys: "old-1, old-2, primary"}
	got := a.VerificationSecrets()
	want := []string{"primary", "old-1", "old-2"}
	if len(got) != len(want) {
		t.Fatalf("secrets = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("secrets[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestBootstrap_SeedsOnce(t *testing.T) {
	t.Parallel()
	st, err := store.NewMemory("", "")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := Bootstrap(ctx, st, "bootstrap-password"); err != nil {
		t.Fatal(err)
	}

	admin, err := st.FindOne(ctx, store.CollUsers, store.Filter{"username": gateway.SuperAdmin})
	if err != nil {
		t.Fatal(err)
	}
	if admin["password_hash"] != gateway.HashPassword("bootstrap-password") {
		t.Error("admin password hash mismatch")
	}
	if _, err := st.FindOne(ctx, store.CollRoles, store.Filter{"role_name": "admin"}); err != nil {
		t.Errorf("admin role missing: %v", err)
	}
	if _, err := st.FindOne(ctx, store.CollGroups, store.Filter{"group_name": gateway.GroupAll}); err != nil {
		t.Errorf("ALL group missing: %v", err)
	}

	// A second run must not duplicate or reset anything.
	if err := Bootstrap(ctx, st, "different-password"); err != nil {
		t.Fatal(err)
	}
	n, _ := st.Count(ctx, store.CollUsers, store.Filter{"username": gateway.SuperAdmin})
	if n != 1 {
		t.Errorf("admin count = %d, want 1", n)
	}
	again, _ := st.FindOne(ctx, store.CollUsers, store.Filter{"username": gateway.SuperAdmin})
	if again["password_hash"] != admin["password_hash"] {
		t.Error("second bootstrap overwrote the admin password")
	}
}

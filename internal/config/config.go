// Package config handles YAML configuration loading with environment variable
// expansion, plus first-run seeding of the document store.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Cache     CacheConfig     `yaml:"cache"`
	Auth      AuthConfig      `yaml:"auth"`
	CORS      CORSConfig      `yaml:"cors"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Breaker   BreakerConfig   `yaml:"circuit_breaker"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// HTTPSEnabled switches cookie Secure flags and scheme checks; TLS
	// itself usually terminates in front of the gateway.
	HTTPSEnabled bool   `yaml:"https_enabled"`
	CertFile     string `yaml:"cert_file"`
	KeyFile      string `yaml:"key_file"`

	// StrictEnvelope wraps every response in the uniform JSON envelope even
	// for passthrough upstream bodies.
	StrictEnvelope bool `yaml:"strict_response_envelope"`
	// StrictOptions405 rejects non-preflight OPTIONS with 405.
	StrictOptions405 bool `yaml:"strict_options_405"`

	LocalhostIPBypass bool `yaml:"localhost_ip_bypass"`
}

// StoreConfig selects and configures the document store backend.
type StoreConfig struct {
	// Backend is "memory" or "sqlite".
	Backend string `yaml:"backend"`
	DSN     string `yaml:"dsn"` // sqlite file path or ":memory:"

	// DumpPath and EncryptionKey enable encrypted snapshots of the memory
	// backend. The key must be at least 16 characters.
	DumpPath      string        `yaml:"dump_path"`
	EncryptionKey string        `yaml:"encryption_key"`
	DumpInterval  time.Duration `yaml:"dump_interval"`
}

// CacheConfig selects the policy cache backend.
type CacheConfig struct {
	// Backend is "memory" or "redis".
	Backend   string `yaml:"backend"`
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`
	RedisPass string `yaml:"redis_password"`
	MaxSize   int    `yaml:"max_size"` // per-namespace entry bound, memory backend
}

// AuthConfig holds token and cookie settings.
type AuthConfig struct {
	// JWTSecret signs HS256 tokens. JWTKeys, when set, lists additional
	// accepted verification secrets (comma separated) for key rotation.
	// JWTRSAKey, when set, is a PEM-encoded RSA private key that switches
	// signing to RS256; HS256 secrets stay accepted for verification.
	JWTSecret string        `yaml:"jwt_secret"`
	JWTKeys   string        `yaml:"jwt_keys"`
	JWTRSAKey string        `yaml:"jwt_rsa_key"`
	TokenTTL  time.Duration `yaml:"token_ttl"`

	// CookieSameSite is "strict", "lax" or "none".
	CookieSameSite string `yaml:"cookie_samesite"`
	CookieDomain   string `yaml:"cookie_domain"`
}

// CORSConfig holds the global CORS defaults applied when an API carries no
// policy of its own.
type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowed_origins"`
	AllowMethods     []string `yaml:"allow_methods"`
	AllowHeaders     []string `yaml:"allow_headers"`
	AllowCredentials bool     `yaml:"allow_credentials"`
	// Strict rejects requests whose Origin matches no allowed origin
	// instead of just omitting the CORS headers.
	Strict bool `yaml:"strict"`
}

// UpstreamConfig holds invoker defaults; per-API values override these.
type UpstreamConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`

	RetryCount      int           `yaml:"retry_count"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	RetryBackoffCap time.Duration `yaml:"retry_backoff_cap"`
}

// BreakerConfig holds circuit breaker settings.
type BreakerConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Threshold int           `yaml:"threshold"` // consecutive failures to open
	Cooldown  time.Duration `yaml:"cooldown"`  // open duration before a probe
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Store: StoreConfig{
			Backend:      "memory",
			DSN:          "heimdall.db",
			DumpInterval: 5 * time.Minute,
		},
		Cache: CacheConfig{
			Backend: "memory",
			MaxSize: 10_000,
		},
		Auth: AuthConfig{
			TokenTTL:       30 * time.Minute,
			CookieSameSite: "strict",
		},
		Upstream: UpstreamConfig{
			ConnectTimeout:  5 * time.Second,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			RetryCount:      0,
			RetryBackoff:    100 * time.Millisecond,
			RetryBackoffCap: 2 * time.Second,
		},
		Breaker: BreakerConfig{
			Enabled:   true,
			Threshold: 5,
			Cooldown:  30 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Metrics: MetricsConfig{Enabled: true},
			Tracing: TracingConfig{SampleRate: 0.1},
		},
	}
}

// Load reads a YAML config file, expanding environment variables, then applies
// environment overrides on top. An empty path loads defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(expandEnv(data), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, cfg.validate()
}

// applyEnv maps documented environment variables onto the config. Environment
// values win over the file so containerized deployments need no YAML at all.
func (c *Config) applyEnv() {
	envStr(&c.Auth.JWTSecret, "JWT_SECRET_KEY")
	envStr(&c.Auth.JWTKeys, "JWT_KEYS")
	envStr(&c.Auth.JWTRSAKey, "JWT_RSA_PRIVATE_KEY")
	envStr(&c.Auth.CookieSameSite, "COOKIE_SAMESITE")

	envBool(&c.Server.HTTPSEnabled, "HTTPS_ONLY")
	envBool(&c.Server.HTTPSEnabled, "HTTPS_ENABLED")
	envStr(&c.Server.CertFile, "HTTPS_CERT_FILE")
	envStr(&c.Server.KeyFile, "HTTPS_KEY_FILE")
	envBool(&c.Server.StrictEnvelope, "STRICT_RESPONSE_ENVELOPE")
	envBool(&c.Server.StrictOptions405, "STRICT_OPTIONS_405")
	envBool(&c.Server.LocalhostIPBypass, "LOCAL_HOST_IP_BYPASS")

	envList(&c.CORS.AllowedOrigins, "ALLOWED_ORIGINS")
	envList(&c.CORS.AllowMethods, "ALLOW_METHODS")
	envList(&c.CORS.AllowHeaders, "ALLOW_HEADERS")
	envBool(&c.CORS.AllowCredentials, "ALLOW_CREDENTIALS")
	envBool(&c.CORS.Strict, "CORS_STRICT")

	if v := os.Getenv("MEM_OR_EXTERNAL"); v != "" {
		// Historical switch: "MEM" selects the in-process store, anything
		// else names the sqlite DSN.
		if strings.EqualFold(v, "MEM") {
			c.Store.Backend = "memory"
		} else {
			c.Store.Backend = "sqlite"
			c.Store.DSN = v
		}
	}
	envStr(&c.Store.EncryptionKey, "MEM_ENCRYPTION_KEY")
	envStr(&c.Store.DumpPath, "MEM_DUMP_PATH")

	// The first name of each pair is the historical alias; the specific
	// name wins when both are set.
	envMs(&c.Upstream.ConnectTimeout, "HTTP_CONNECT_TIMEOUT")
	envMs(&c.Upstream.ReadTimeout, "HTTP_TIMEOUT")
	envMs(&c.Upstream.ReadTimeout, "HTTP_READ_TIMEOUT")
	envMs(&c.Upstream.WriteTimeout, "HTTP_WRITE_TIMEOUT")
	envInt(&c.Upstream.RetryCount, "HTTP_RETRY_COUNT")
	envMs(&c.Upstream.RetryBackoff, "HTTP_RETRY_BASE_DELAY")
	envMs(&c.Upstream.RetryBackoff, "HTTP_RETRY_BACKOFF")
	envMs(&c.Upstream.RetryBackoffCap, "HTTP_RETRY_MAX_DELAY")
	envMs(&c.Upstream.RetryBackoffCap, "HTTP_RETRY_BACKOFF_CAP")

	envBool(&c.Breaker.Enabled, "CIRCUIT_BREAKER_ENABLED")
	envInt(&c.Breaker.Threshold, "CIRCUIT_BREAKER_THRESHOLD")
	envMs(&c.Breaker.Cooldown, "CIRCUIT_BREAKER_TIMEOUT")
	envMs(&c.Breaker.Cooldown, "CIRCUIT_BREAKER_COOLDOWN")
}

func (c *Config) validate() error {
	switch strings.ToLower(c.Auth.CookieSameSite) {
	case "", "strict", "lax", "none":
	default:
		return fmt.Errorf("config: invalid cookie_samesite %q", c.Auth.CookieSameSite)
	}
	switch c.Store.Backend {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: unknown cache backend %q", c.Cache.Backend)
	}
	if c.Store.DumpPath != "" && len(c.Store.EncryptionKey) < 16 {
		return fmt.Errorf("config: MEM_ENCRYPTION_KEY must be at least 16 characters when MEM_DUMP_PATH is set")
	}
	if c.Breaker.Threshold <= 0 {
		c.Breaker.Threshold = 5
	}
	return nil
}

// VerificationSecrets returns every secret accepted for token verification:
// the signing secret first, then any rotation keys.
func (c *AuthConfig) VerificationSecrets() []string {
	out := []string{c.JWTSecret}
	for _, k := range strings.Split(c.JWTKeys, ",") {
		if k = strings.TrimSpace(k); k != "" && k != c.JWTSecret {
			out = append(out, k)
		}
	}
	return out
}

func envStr(dst *string, name string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envBool(dst *bool, name string) {
	if v := os.Getenv(name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envInt(dst *int, name string) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// envMs parses a millisecond count into a duration.
func envMs(dst *time.Duration, name string) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			*dst = time.Duration(n) * time.Millisecond
		}
	}
}

func envList(dst *[]string, name string) {
	if v := os.Getenv(name); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	}
}

package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jonwraymond/pagecache/auth"
	"github.com/jonwraymond/pagecache/cachekey"
	"github.com/jonwraymond/pagecache/observe"
	"github.com/jonwraymond/pagecache/resilience"
	"github.com/jonwraymond/pagecache/security"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// Config is the pagecached configuration file.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Cache     CacheConfig     `yaml:"cache"`
	Security  SecurityConfig  `yaml:"security"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Auth      AuthConfig      `yaml:"auth"`
	Routes    []RouteConfig   `yaml:"routes"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Default: ":8080"
	Addr string `yaml:"addr"`

	// Default: 5s
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`

	// ShutdownTimeout bounds graceful shutdown, including the lock drain.
	// Default: 15s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Default: "info"
	Level string `yaml:"level"`

	// Default: "json"
	Format string `yaml:"format"`
}

// TelemetryConfig configures tracing and metrics exporters.
type TelemetryConfig struct {
	// Default: "pagecached"
	ServiceName string `yaml:"service_name"`

	Tracing struct {
		Enabled   bool    `yaml:"enabled"`
		Exporter  string  `yaml:"exporter"`
		SamplePct float64 `yaml:"sample_pct"`
	} `yaml:"tracing"`

	Metrics struct {
		Enabled  bool   `yaml:"enabled"`
		Exporter string `yaml:"exporter"`
	} `yaml:"metrics"`
}

// CacheConfig configures storage and key derivation.
type CacheConfig struct {
	// Default: "PageCache:"
	Prefix string `yaml:"prefix"`

	// Backend selects the storage: "memory" or "sqlite".
	// Default: "memory"
	Backend string `yaml:"backend"`

	// SQLiteDSN is the database for the sqlite backend.
	// Default: a private in-memory database.
	SQLiteDSN string `yaml:"sqlite_dsn"`

	// MaxBytes is the byte quota of the memory backend and the budget the
	// health check reports against.
	// Default: 64 MiB
	MaxBytes int64 `yaml:"max_bytes"`

	// MaxEntryBytes rejects larger pages before scanning.
	// Default: 4 MiB
	MaxEntryBytes int64 `yaml:"max_entry_bytes"`

	// Default: 5s
	LockTimeout time.Duration `yaml:"lock_timeout"`

	// MaxDuration clamps every route's duration.
	// Default: 24h
	MaxDuration time.Duration `yaml:"max_duration"`

	VaryByLocale bool `yaml:"vary_by_locale"`

	// Default: cachekey.DefaultIgnoredQueryParams
	IgnoredQueryParams []string `yaml:"ignored_query_params"`

	// Circuit guards the storage backend.
	Circuit struct {
		// Default: 5
		MaxFailures int `yaml:"max_failures"`
		// Default: 30s
		ResetTimeout time.Duration `yaml:"reset_timeout"`
	} `yaml:"circuit"`
}

// SecurityConfig configures content scanning.
type SecurityConfig struct {
	// RejectAt is the threshold of routes that do not set their own.
	// Default: low
	RejectAt security.Severity `yaml:"reject_at"`

	// Default: 25ms
	DetectorTimeout time.Duration `yaml:"detector_timeout"`

	// Default: 20
	MaxScriptTags int `yaml:"max_script_tags"`

	AllowScriptElements bool     `yaml:"allow_script_elements"`
	Disabled            []string `yaml:"disabled"`
}

// Limit is a sliding window allowance.
type Limit struct {
	Max    int           `yaml:"max"`
	Window time.Duration `yaml:"window"`
}

// RateLimitConfig configures per-client limits.
type RateLimitConfig struct {
	// Populate limits cache misses a client may trigger.
	// Default: 60 per minute
	Populate Limit `yaml:"populate"`

	// Admin limits admin API calls.
	// Default: 10 per minute
	Admin Limit `yaml:"admin"`
}

// AuthConfig configures request authentication. Secret values accept
// secretref:env:NAME and secretref:file:/path references.
type AuthConfig struct {
	JWT struct {
		Secret   string `yaml:"secret"`
		Issuer   string `yaml:"issuer"`
		Audience string `yaml:"audience"`
	} `yaml:"jwt"`

	APIKeys []APIKey `yaml:"api_keys"`

	// AdminRole grants access to the admin API.
	// Default: "cache-admin"
	AdminRole string `yaml:"admin_role"`
}

// APIKey is a static API key.
type APIKey struct {
	ID        string   `yaml:"id"`
	Key       string   `yaml:"key"`
	Principal string   `yaml:"principal"`
	Roles     []string `yaml:"roles"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads, expands and validates the configuration file at path.
func Load(ctx context.Context, path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(ctx, data)
}

// Parse expands environment variables in data, decodes it, applies
// defaults, resolves secret references and validates the result. Unknown
// fields are errors.
func Parse(ctx context.Context, data []byte) (*Config, error) {
	expanded, err := ExpandEnvStrict(string(data))
	if err != nil {
		return nil, err
	}

	c := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	c.applyDefaults()

	if err := c.resolveSecrets(ctx, NewSecretResolver()); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReadHeaderTimeout <= 0 {
		c.Server.ReadHeaderTimeout = 5 * time.Second
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "pagecached"
	}
	if c.Cache.Prefix == "" {
		c.Cache.Prefix = "PageCache:"
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = BackendMemory
	}
	if c.Cache.MaxBytes <= 0 {
		c.Cache.MaxBytes = 64 << 20
	}
	if c.Cache.MaxEntryBytes <= 0 {
		c.Cache.MaxEntryBytes = 4 << 20
	}
	if c.Cache.LockTimeout <= 0 {
		c.Cache.LockTimeout = 5 * time.Second
	}
	if c.Cache.MaxDuration <= 0 {
		c.Cache.MaxDuration = 24 * time.Hour
	}
	if c.Cache.IgnoredQueryParams == nil {
		c.Cache.IgnoredQueryParams = slices.Clone(cachekey.DefaultIgnoredQueryParams)
	}
	if c.Cache.Circuit.MaxFailures <= 0 {
		c.Cache.Circuit.MaxFailures = 5
	}
	if c.Cache.Circuit.ResetTimeout <= 0 {
		c.Cache.Circuit.ResetTimeout = 30 * time.Second
	}
	if c.Security.RejectAt == security.SeverityNone {
		c.Security.RejectAt = security.SeverityLow
	}
	if c.Security.DetectorTimeout <= 0 {
		c.Security.DetectorTimeout = 25 * time.Millisecond
	}
	if c.Security.MaxScriptTags <= 0 {
		c.Security.MaxScriptTags = 20
	}
	if c.RateLimit.Populate == (Limit{}) {
		c.RateLimit.Populate = Limit{Max: 60, Window: time.Minute}
	}
	if c.RateLimit.Admin == (Limit{}) {
		c.RateLimit.Admin = Limit{Max: 10, Window: time.Minute}
	}
	if c.Auth.AdminRole == "" {
		c.Auth.AdminRole = "cache-admin"
	}
}

func (c *Config) resolveSecrets(ctx context.Context, r *SecretResolver) error {
	var err error
	if c.Auth.JWT.Secret, err = r.Resolve(ctx, c.Auth.JWT.Secret); err != nil {
		return fmt.Errorf("config: auth.jwt.secret: %w", err)
	}
	for i := range c.Auth.APIKeys {
		if c.Auth.APIKeys[i].Key, err = r.Resolve(ctx, c.Auth.APIKeys[i].Key); err != nil {
			return fmt.Errorf("config: auth.api_keys[%d].key: %w", i, err)
		}
	}
	return nil
}

// Validate reports every problem in c at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	oc := c.ObserveConfig()
	if err := oc.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Cache.Backend != BackendMemory && c.Cache.Backend != BackendSQLite {
		add("cache.backend: unknown backend %q", c.Cache.Backend)
	}
	if c.Cache.MaxEntryBytes > c.Cache.MaxBytes {
		add("cache.max_entry_bytes %d exceeds cache.max_bytes %d", c.Cache.MaxEntryBytes, c.Cache.MaxBytes)
	}
	if err := cachekey.ValidateOrFail(c.Cache.Prefix + "/"); err != nil {
		add("cache.prefix: %w", err)
	}
	for name, l := range map[string]Limit{"populate": c.RateLimit.Populate, "admin": c.RateLimit.Admin} {
		if l.Max <= 0 || l.Window <= 0 {
			add("rate_limit.%s: max and window must be positive", name)
		}
	}
	seen := make(map[string]int, len(c.Auth.APIKeys))
	for i, k := range c.Auth.APIKeys {
		if k.Key == "" || k.Principal == "" {
			add("auth.api_keys[%d]: key and principal are required", i)
			continue
		}
		if j, dup := seen[k.Key]; dup {
			add("auth.api_keys[%d]: same key as auth.api_keys[%d]", i, j)
		}
		seen[k.Key] = i
	}
	for i, r := range c.Routes {
		if err := r.validate(); err != nil {
			add("routes[%d]: %w", i, err)
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// ObserveConfig converts the logging and telemetry sections.
func (c *Config) ObserveConfig() observe.Config {
	return observe.Config{
		ServiceName: c.Telemetry.ServiceName,
		Tracing: observe.TracingConfig{
			Enabled:   c.Telemetry.Tracing.Enabled,
			Exporter:  c.Telemetry.Tracing.Exporter,
			SamplePct: c.Telemetry.Tracing.SamplePct,
		},
		Metrics: observe.MetricsConfig{
			Enabled:  c.Telemetry.Metrics.Enabled,
			Exporter: c.Telemetry.Metrics.Exporter,
		},
		Logging: observe.LoggingConfig{
			Enabled: true,
			Level:   c.Log.Level,
			Format:  c.Log.Format,
		},
	}
}

// KeyerConfig converts the key derivation settings.
func (c *Config) KeyerConfig() cachekey.KeyerConfig {
	return cachekey.KeyerConfig{
		Prefix:             c.Cache.Prefix,
		IgnoredQueryParams: c.Cache.IgnoredQueryParams,
		VaryByLocale:       c.Cache.VaryByLocale,
	}
}

// HTMLConfig converts the content scanning settings.
func (c *Config) HTMLConfig() security.HTMLConfig {
	return security.HTMLConfig{
		DetectorTimeout:     c.Security.DetectorTimeout,
		MaxScriptTags:       c.Security.MaxScriptTags,
		AllowScriptElements: c.Security.AllowScriptElements,
		Disabled:            c.Security.Disabled,
	}
}

// CircuitBreakerConfig converts the storage circuit settings.
func (c *Config) CircuitBreakerConfig() resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{
		MaxFailures:  c.Cache.Circuit.MaxFailures,
		ResetTimeout: c.Cache.Circuit.ResetTimeout,
	}
}

// Authenticators builds the configured authenticators: JWT when a secret
// is set, API keys when any are listed. The result may be empty.
func (c *Config) Authenticators() auth.Chain {
	var chain auth.Chain
	if c.Auth.JWT.Secret != "" {
		chain = append(chain, auth.NewJWTAuthenticator(auth.JWTConfig{
			Issuer:   c.Auth.JWT.Issuer,
			Audience: c.Auth.JWT.Audience,
		}, auth.StaticKey(c.Auth.JWT.Secret)))
	}
	if len(c.Auth.APIKeys) > 0 {
		store := auth.NewMemoryKeyStore()
		for _, k := range c.Auth.APIKeys {
			id := k.ID
			if id == "" {
				id = k.Principal
			}
			// Validate has rejected shared secrets already.
			_ = store.Put(&auth.APIKey{
				ID:        id,
				Hash:      auth.HashKey(k.Key),
				Principal: k.Principal,
				Roles:     k.Roles,
			})
		}
		chain = append(chain, auth.NewAPIKeyAuthenticator(auth.APIKeyConfig{}, store))
	}
	return chain
}

// Policies builds the route policy table.
func (c *Config) Policies() *PolicyTable {
	return NewPolicyTable(c.Routes, c.Security.RejectAt)
}

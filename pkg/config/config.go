package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/platinummonkey/lexgate/pkg/observability"
	"github.com/spf13/cast"
)

// ErrConfiguration is returned when the environment cannot produce a runnable configuration
var ErrConfiguration = errors.New("configuration error")

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Primary       PrimaryConfig
	Fallback      FallbackConfig
	Cache         CacheConfig
	Authz         AuthzConfig
	Auth          AuthConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64

	// MutationRateLimit caps admin writes per caller per minute; 0 disables it
	MutationRateLimit int
}

// PrimaryConfig configures the relational primary backend
type PrimaryConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Timeout         time.Duration
	RunMigrations   bool
}

// Enabled reports whether a primary backend is configured
func (p PrimaryConfig) Enabled() bool {
	return p.URL != ""
}

// FallbackConfig configures the tabular REST fallback backend
type FallbackConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	Tables  TableIDs
}

// Enabled reports whether a fallback backend is configured
func (f FallbackConfig) Enabled() bool {
	return f.BaseURL != ""
}

// TableIDs maps each entity to its table id in the tabular API
type TableIDs struct {
	Users            int64
	Roles            int64
	Permissions      int64
	Menus            int64
	RolePermissions  int64
	UserRoles        int64
	FeatureOverrides int64
}

// CacheConfig holds cache settings
type CacheConfig struct {
	Backend   string // memory or redis
	TTL       time.Duration
	Size      int
	RedisURL  string
	KeyPrefix string
}

// AuthzConfig holds permission resolution settings
type AuthzConfig struct {
	GlobalAdminInstitutionID int64
	// PrimaryDomains lists the domains served by the primary backend first
	PrimaryDomains []string
}

// PrimaryEnabledFor reports whether the domain switch routes domain to the primary backend
func (a AuthzConfig) PrimaryEnabledFor(domain string) bool {
	for _, d := range a.PrimaryDomains {
		if strings.EqualFold(d, domain) {
			return true
		}
	}
	return false
}

// AuthConfig configures how the caller principal is established
type AuthConfig struct {
	OIDCIssuer         string
	OIDCClientID       string
	InstitutionClaim   string
	TrustGatewayHeader bool
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel observability.LogLevel

	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
	OTelSampleRatio    float64
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Primary:       loadPrimaryConfig(),
		Fallback:      loadFallbackConfig(),
		Cache:         loadCacheConfig(),
		Authz:         loadAuthzConfig(),
		Auth:          loadAuthConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("LEXGATE_HOST", "0.0.0.0"),
		Port:            getEnv("LEXGATE_PORT", "8080"),
		ReadTimeout:     getEnvDuration("LEXGATE_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("LEXGATE_WRITE_TIMEOUT", 60*time.Second),
		IdleTimeout:     getEnvDuration("LEXGATE_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("LEXGATE_SHUTDOWN_TIMEOUT", 30*time.Second),
		MaxBodyBytes:    getEnvInt64("LEXGATE_MAX_BODY_BYTES", 1<<20),

		MutationRateLimit: getEnvInt("LEXGATE_MUTATION_RATE_LIMIT", 60),
	}
}

func loadPrimaryConfig() PrimaryConfig {
	return PrimaryConfig{
		URL:             getEnv("LEXGATE_POSTGRES_URL", ""),
		MaxOpenConns:    getEnvInt("LEXGATE_POSTGRES_MAX_CONNS", 20),
		MaxIdleConns:    getEnvInt("LEXGATE_POSTGRES_MIN_CONNS", 5),
		ConnMaxLifetime: getEnvDuration("LEXGATE_POSTGRES_CONN_LIFETIME", 5*time.Minute),
		Timeout:         getEnvDuration("LEXGATE_POSTGRES_TIMEOUT", 15*time.Second),
		RunMigrations:   getEnvBool("LEXGATE_POSTGRES_MIGRATE", true),
	}
}

func loadFallbackConfig() FallbackConfig {
	return FallbackConfig{
		BaseURL: strings.TrimRight(getEnv("LEXGATE_TABULAR_URL", ""), "/"),
		Token:   getEnv("LEXGATE_TABULAR_TOKEN", ""),
		Timeout: getEnvDuration("LEXGATE_TABULAR_TIMEOUT", 30*time.Second),
		Tables: TableIDs{
			Users:            getEnvInt64("LEXGATE_TABULAR_TABLE_USERS", 0),
			Roles:            getEnvInt64("LEXGATE_TABULAR_TABLE_ROLES", 0),
			Permissions:      getEnvInt64("LEXGATE_TABULAR_TABLE_PERMISSIONS", 0),
			Menus:            getEnvInt64("LEXGATE_TABULAR_TABLE_MENUS", 0),
			RolePermissions:  getEnvInt64("LEXGATE_TABULAR_TABLE_ROLE_PERMISSIONS", 0),
			UserRoles:        getEnvInt64("LEXGATE_TABULAR_TABLE_USER_ROLES", 0),
			FeatureOverrides: getEnvInt64("LEXGATE_TABULAR_TABLE_FEATURE_OVERRIDES", 0),
		},
	}
}

func loadCacheConfig() CacheConfig {
	return CacheConfig{
		Backend:   strings.ToLower(getEnv("LEXGATE_CACHE_BACKEND", "memory")),
		TTL:       getEnvDuration("LEXGATE_CACHE_TTL", 10*time.Minute),
		Size:      getEnvInt("LEXGATE_CACHE_SIZE", 10000),
		RedisURL:  getEnv("LEXGATE_REDIS_URL", ""),
		KeyPrefix: getEnv("LEXGATE_CACHE_PREFIX", "lexgate:"),
	}
}

func loadAuthzConfig() AuthzConfig {
	return AuthzConfig{
		GlobalAdminInstitutionID: getEnvInt64("LEXGATE_GLOBAL_ADMIN_INSTITUTION_ID", 4),
		PrimaryDomains:           getEnvList("LEXGATE_PRIMARY_DOMAINS", []string{"permissions"}),
	}
}

func loadAuthConfig() AuthConfig {
	return AuthConfig{
		OIDCIssuer:         getEnv("LEXGATE_OIDC_ISSUER", ""),
		OIDCClientID:       getEnv("LEXGATE_OIDC_CLIENT_ID", ""),
		InstitutionClaim:   getEnv("LEXGATE_OIDC_INSTITUTION_CLAIM", "institution_id"),
		TrustGatewayHeader: getEnvBool("LEXGATE_TRUST_GATEWAY_HEADERS", true),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("LEXGATE_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("LEXGATE_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("LEXGATE_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("LEXGATE_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("LEXGATE_OTEL_SERVICE_NAME", "lexgate"),
		OTelServiceVersion: getEnv("LEXGATE_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("LEXGATE_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("LEXGATE_OTEL_SAMPLE_RATIO", 1),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("%w: server port is required", ErrConfiguration)
	}

	if !c.Primary.Enabled() && !c.Fallback.Enabled() {
		return fmt.Errorf("%w: at least one of LEXGATE_POSTGRES_URL or LEXGATE_TABULAR_URL is required", ErrConfiguration)
	}

	if c.Fallback.Enabled() {
		if c.Fallback.Token == "" {
			return fmt.Errorf("%w: LEXGATE_TABULAR_TOKEN is required with a tabular backend", ErrConfiguration)
		}
		if missing := c.Fallback.Tables.missing(); len(missing) > 0 {
			return fmt.Errorf("%w: tabular table ids not set: %s", ErrConfiguration, strings.Join(missing, ", "))
		}
	}

	switch c.Cache.Backend {
	case "memory":
		if c.Cache.Size <= 0 {
			return fmt.Errorf("%w: cache size must be positive", ErrConfiguration)
		}
	case "redis":
		if c.Cache.RedisURL == "" {
			return fmt.Errorf("%w: LEXGATE_REDIS_URL is required for the redis cache", ErrConfiguration)
		}
	default:
		return fmt.Errorf("%w: invalid cache backend: %s (must be memory or redis)", ErrConfiguration, c.Cache.Backend)
	}
	if c.Server.MutationRateLimit < 0 {
		return fmt.Errorf("%w: mutation rate limit cannot be negative", ErrConfiguration)
	}

	if c.Cache.TTL <= 0 {
		return fmt.Errorf("%w: cache TTL must be positive", ErrConfiguration)
	}

	if c.Auth.OIDCIssuer != "" && c.Auth.OIDCClientID == "" {
		return fmt.Errorf("%w: LEXGATE_OIDC_CLIENT_ID is required with an OIDC issuer", ErrConfiguration)
	}
	if c.Auth.OIDCIssuer == "" && !c.Auth.TrustGatewayHeader {
		return fmt.Errorf("%w: no principal source: enable gateway headers or configure OIDC", ErrConfiguration)
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("%w: OpenTelemetry endpoint is required when OTel is enabled", ErrConfiguration)
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("%w: OpenTelemetry service name is required when OTel is enabled", ErrConfiguration)
		}
		if c.Observability.OTelSampleRatio < 0 || c.Observability.OTelSampleRatio > 1 {
			return fmt.Errorf("%w: LEXGATE_OTEL_SAMPLE_RATIO must be within [0, 1]", ErrConfiguration)
		}
	}

	return nil
}

func (t TableIDs) missing() []string {
	var missing []string
	check := func(name string, id int64) {
		if id <= 0 {
			missing = append(missing, name)
		}
	}
	check("users", t.Users)
	check("roles", t.Roles)
	check("permissions", t.Permissions)
	check("menus", t.Menus)
	check("role_permissions", t.RolePermissions)
	check("user_roles", t.UserRoles)
	check("feature_overrides", t.FeatureOverrides)
	return missing
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAs converts a set variable with conv. Unparseable values fall back to
// the default.
func getEnvAs[T any](key string, defaultValue T, conv func(interface{}) (T, error)) T {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parsed, err := conv(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvBool(key string, defaultValue bool) bool {
	return getEnvAs(key, defaultValue, cast.ToBoolE)
}

func getEnvInt(key string, defaultValue int) int {
	return getEnvAs(key, defaultValue, cast.ToIntE)
}

func getEnvInt64(key string, defaultValue int64) int64 {
	return getEnvAs(key, defaultValue, cast.ToInt64E)
}

func getEnvFloat(key string, defaultValue float64) float64 {
	return getEnvAs(key, defaultValue, cast.ToFloat64E)
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	return getEnvAs(key, defaultValue, cast.ToDurationE)
}

// getEnvList returns a comma-separated environment variable or a default.
// Set the variable to "-" for an explicitly empty list.
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if value == "-" {
		return []string{}
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

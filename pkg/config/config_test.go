package config

import (
	"errors"
	"testing"
	"time"

	"github.com/platinummonkey/lexgate/pkg/observability"
)

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TEST_STR", "custom")
	t.Setenv("TEST_BOOL", "TRUE")
	t.Setenv("TEST_BOOL_ONE", "1")
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_INT_BAD", "forty-two")
	t.Setenv("TEST_INT64", "9223372036854775807")
	t.Setenv("TEST_DURATION", "90s")
	t.Setenv("TEST_FLOAT", "0.25")
	t.Setenv("TEST_BOOL_BAD", "maybe")
	t.Setenv("TEST_LIST", " permissions , users ,,")
	t.Setenv("TEST_LIST_EMPTY", "-")

	if got := getEnv("TEST_STR", "default"); got != "custom" {
		t.Errorf("getEnv() = %q, want custom", got)
	}
	if got := getEnv("TEST_STR_NOT_SET", "default"); got != "default" {
		t.Errorf("getEnv() = %q, want default", got)
	}
	if !getEnvBool("TEST_BOOL", false) || !getEnvBool("TEST_BOOL_ONE", false) {
		t.Error("getEnvBool() should accept TRUE and 1")
	}
	if !getEnvBool("TEST_BOOL_BAD", true) {
		t.Error("getEnvBool() should keep the default for unparseable values")
	}
	if got := getEnvFloat("TEST_FLOAT", 1); got != 0.25 {
		t.Errorf("getEnvFloat() = %v, want 0.25", got)
	}
	if got := getEnvInt("TEST_INT", 10); got != 42 {
		t.Errorf("getEnvInt() = %d, want 42", got)
	}
	if got := getEnvInt("TEST_INT_BAD", 10); got != 10 {
		t.Errorf("getEnvInt() = %d, want default 10", got)
	}
	if got := getEnvInt64("TEST_INT64", 0); got != 9223372036854775807 {
		t.Errorf("getEnvInt64() = %d", got)
	}
	if got := getEnvDuration("TEST_DURATION", time.Second); got != 90*time.Second {
		t.Errorf("getEnvDuration() = %v, want 90s", got)
	}

	list := getEnvList("TEST_LIST", nil)
	if len(list) != 2 || list[0] != "permissions" || list[1] != "users" {
		t.Errorf("getEnvList() = %v", list)
	}
	if got := getEnvList("TEST_LIST_EMPTY", []string{"permissions"}); len(got) != 0 {
		t.Errorf("getEnvList(-) = %v, want empty", got)
	}
	if got := getEnvList("TEST_LIST_NOT_SET", []string{"permissions"}); len(got) != 1 {
		t.Errorf("getEnvList() default = %v", got)
	}
}

func setFallbackEnv(t *testing.T) {
	t.Helper()
	t.Setenv("LEXGATE_TABULAR_URL", "https://tables.example.com/")
	t.Setenv("LEXGATE_TABULAR_TOKEN", "secret")
	for i, key := range []string{"USERS", "ROLES", "PERMISSIONS", "MENUS", "ROLE_PERMISSIONS", "USER_ROLES", "FEATURE_OVERRIDES"} {
		t.Setenv("LEXGATE_TABULAR_TABLE_"+key, string(rune('1'+i)))
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	setFallbackEnv(t)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("Server.Port = %q, want 8080", cfg.Server.Port)
	}
	if cfg.Fallback.BaseURL != "https://tables.example.com" {
		t.Errorf("Fallback.BaseURL = %q, trailing slash should be trimmed", cfg.Fallback.BaseURL)
	}
	if cfg.Fallback.Tables.Users != 1 || cfg.Fallback.Tables.FeatureOverrides != 7 {
		t.Errorf("Fallback.Tables = %+v", cfg.Fallback.Tables)
	}
	if cfg.Fallback.Timeout != 30*time.Second {
		t.Errorf("Fallback.Timeout = %v, want 30s", cfg.Fallback.Timeout)
	}
	if cfg.Primary.Enabled() {
		t.Error("Primary should be disabled without a URL")
	}
	if cfg.Primary.Timeout != 15*time.Second {
		t.Errorf("Primary.Timeout = %v, want 15s", cfg.Primary.Timeout)
	}
	if cfg.Authz.GlobalAdminInstitutionID != 4 {
		t.Errorf("GlobalAdminInstitutionID = %d, want 4", cfg.Authz.GlobalAdminInstitutionID)
	}
	if !cfg.Authz.PrimaryEnabledFor("Permissions") {
		t.Error("permissions domain should be enabled by default")
	}
	if cfg.Cache.TTL != 10*time.Minute || cfg.Cache.Backend != "memory" {
		t.Errorf("Cache = %+v", cfg.Cache)
	}
	if cfg.Observability.LogLevel != observability.InfoLevel {
		t.Errorf("LogLevel = %v, want INFO", cfg.Observability.LogLevel)
	}
}

func TestLoadConfig_PrimaryOnly(t *testing.T) {
	t.Setenv("LEXGATE_POSTGRES_URL", "postgres://localhost/lexgate")
	t.Setenv("LEXGATE_PRIMARY_DOMAINS", "-")
	t.Setenv("LEXGATE_LOG_LEVEL", "debug")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if !cfg.Primary.Enabled() || cfg.Fallback.Enabled() {
		t.Errorf("unexpected backends: primary=%v fallback=%v", cfg.Primary.Enabled(), cfg.Fallback.Enabled())
	}
	if cfg.Authz.PrimaryEnabledFor("permissions") {
		t.Error("domain switch should be off")
	}
	if cfg.Observability.LogLevel != observability.DebugLevel {
		t.Errorf("LogLevel = %v, want DEBUG", cfg.Observability.LogLevel)
	}
}

func TestConfigValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Server:  ServerConfig{Port: "8080"},
			Primary: PrimaryConfig{URL: "postgres://localhost/lexgate"},
			Cache:   CacheConfig{Backend: "memory", Size: 10, TTL: time.Minute},
			Auth:    AuthConfig{TrustGatewayHeader: true},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "missing port", mutate: func(c *Config) { c.Server.Port = "" }, wantErr: true},
		{name: "no backend", mutate: func(c *Config) { c.Primary.URL = "" }, wantErr: true},
		{name: "fallback without token", mutate: func(c *Config) { c.Fallback.BaseURL = "https://x" }, wantErr: true},
		{name: "fallback without tables", mutate: func(c *Config) {
			c.Fallback.BaseURL = "https://x"
			c.Fallback.Token = "t"
		}, wantErr: true},
		{name: "redis without url", mutate: func(c *Config) { c.Cache.Backend = "redis" }, wantErr: true},
		{name: "unknown cache", mutate: func(c *Config) { c.Cache.Backend = "memcached" }, wantErr: true},
		{name: "zero ttl", mutate: func(c *Config) { c.Cache.TTL = 0 }, wantErr: true},
		{name: "oidc without client", mutate: func(c *Config) { c.Auth.OIDCIssuer = "https://idp" }, wantErr: true},
		{name: "no principal source", mutate: func(c *Config) { c.Auth.TrustGatewayHeader = false }, wantErr: true},
		{name: "otel sample ratio above one", mutate: func(c *Config) {
			c.Observability.OTelEnabled = true
			c.Observability.OTelServiceName = "lexgate"
			c.Observability.OTelEndpoint = "localhost:4317"
			c.Observability.OTelSampleRatio = 1.5
		}, wantErr: true},
		{name: "otel without endpoint", mutate: func(c *Config) {
			c.Observability.OTelEnabled = true
			c.Observability.OTelServiceName = "lexgate"
		}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrConfiguration) {
				t.Errorf("Validate() error should wrap ErrConfiguration, got %v", err)
			}
		})
	}
}

// Package config provides application configuration management from environment variables.
//
// # Configuration Structure
//
// Server settings:
//
//	LEXGATE_HOST="0.0.0.0"
//	LEXGATE_PORT="8080"
//
// Primary backend (optional when a tabular backend is configured):
//
//	LEXGATE_POSTGRES_URL="postgres://localhost/lexgate?sslmode=disable"
//	LEXGATE_POSTGRES_TIMEOUT="15s"
//
// Fallback tabular backend:
//
//	LEXGATE_TABULAR_URL="https://tables.example.com"
//	LEXGATE_TABULAR_TOKEN="..."
//	LEXGATE_TABULAR_TABLE_USERS="711"   # one id per entity table
//	LEXGATE_TABULAR_TIMEOUT="30s"
//
// Resolution and cache:
//
//	LEXGATE_GLOBAL_ADMIN_INSTITUTION_ID="4"
//	LEXGATE_PRIMARY_DOMAINS="permissions"   # "-" routes everything to the fallback
//	LEXGATE_CACHE_BACKEND="memory"          # memory or redis
//	LEXGATE_CACHE_TTL="10m"
//
// Principal extraction:
//
//	LEXGATE_TRUST_GATEWAY_HEADERS="true"
//	LEXGATE_OIDC_ISSUER="https://idp.example.com"
//	LEXGATE_OIDC_CLIENT_ID="lexgate"
//
// Server limits and tracing:
//
//	LEXGATE_MAX_BODY_BYTES="1048576"
//	LEXGATE_MUTATION_RATE_LIMIT="60"        # per caller per minute, 0 disables
//	LEXGATE_OTEL_ENABLED="false"
//	LEXGATE_OTEL_SAMPLE_RATIO="1"
//
// Any failure to build a runnable configuration wraps ErrConfiguration.
package config

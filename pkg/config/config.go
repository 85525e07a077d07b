// Package config loads process configuration from environment variables.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	// RedisAddr is the distributed cache tier. Empty disables the tier and
	// the store runs on the process-local copy alone.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// PolicyPath is the policy document (YAML) location.
	PolicyPath string

	// SupplierURL is the supplier aggregator base URL. Empty falls back to
	// the SupplierFixture file, for development.
	SupplierURL     string
	SupplierFixture string

	// SigningKeyPath is the PEM-encoded ECDSA private key used to seal
	// capsules. Empty generates an ephemeral key, which is a development
	// convenience only.
	SigningKeyPath string
	SigningKeyID   string

	// SessionDSN is the Postgres DSN for session persistence. Empty selects
	// the in-memory store.
	SessionDSN string

	// CapsuleDBPath is the sqlite file backing the capsule store.
	CapsuleDBPath string

	// OTLPEndpoint receives metrics and traces. Empty disables export.
	OTLPEndpoint string

	// SessionTTL is how long an open session survives without activity.
	SessionTTL time.Duration

	// RateLimitRPS bounds per-client request rate at the HTTP boundary.
	RateLimitRPS   float64
	RateLimitBurst int
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:            getenv("PORT", "8086"),
		LogLevel:        getenv("LOG_LEVEL", "INFO"),
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
		RedisDB:         getint("REDIS_DB", 0),
		PolicyPath:      getenv("POLICY_PATH", "policies/active.yaml"),
		SupplierURL:     os.Getenv("SUPPLIER_URL"),
		SupplierFixture: getenv("SUPPLIER_FIXTURE", "testdata/suppliers.json"),
		SigningKeyPath:  os.Getenv("SIGNING_KEY_PATH"),
		SigningKeyID:    getenv("SIGNING_KEY_ID", "bargain-signer-1"),
		SessionDSN:      os.Getenv("SESSION_DSN"),
		CapsuleDBPath:   getenv("CAPSULE_DB_PATH", "capsules.db"),
		OTLPEndpoint:    os.Getenv("OTLP_ENDPOINT"),
		SessionTTL:      getduration("SESSION_TTL", 30*time.Minute),
		RateLimitRPS:    getfloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst:  getint("RATE_LIMIT_BURST", 40),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getint(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getfloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getduration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

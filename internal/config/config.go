// Package config holds the runtime settings of photovaultd.
package config

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"strings"
	"time"
)

const (
	StorageMemory = "memory"
	StorageGCS    = "gcs"

	defaultListenAddr        = ":8080"
	defaultGRPCListenAddr    = ":9090"
	defaultDatabaseURL       = "sqlite:///tmp/photovault.db"
	defaultAllowedOrigin     = "http://localhost:8000"
	defaultSessionIssuer     = "tauth"
	defaultSessionCookie     = "app_session"
	defaultStorageBackend    = StorageMemory
	defaultSignedURLTTL      = 24 * time.Hour
	defaultMaxUploadBytes    = 10 << 20
	defaultGenerationTimeout = 90 * time.Second
	defaultMaxCount          = 20
	defaultConcurrency       = 10
	defaultLockTTL           = 30 * time.Second
	defaultShutdownTimeout   = 5 * time.Second
	defaultRecoveryAge       = 15 * time.Minute
	defaultRecoveryInterval  = 5 * time.Minute

	objectLinkKeyLabel = "photovault/object-links"
)

// Config aggregates runtime settings for the serve command.
type Config struct {
	ListenAddr      string
	GRPCListenAddr  string
	DatabaseURL     string
	AllowedOrigins  []string
	PublicOrigin    string
	ShutdownTimeout time.Duration

	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string

	// ObjectSigningKey signs memory-backend object links. Derived from SessionSigningKey when empty.
	ObjectSigningKey string

	StorageBackend     string
	GCSBucket          string
	GCSCredentialsFile string
	SignedURLTTL       time.Duration
	MaxUploadBytes     int64

	GeminiAPIKey          string
	GeminiModel           string
	GenerationTimeout     time.Duration
	GenerationMaxCount    int
	GenerationConcurrency int

	StripeSecretKey     string
	StripeWebhookSecret string

	RedisAddr string
	LockTTL   time.Duration

	RecoveryAge      time.Duration
	RecoveryInterval time.Duration

	CatalogPath string
}

// Validate fills defaults and ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	cfg.GRPCListenAddr = defaultIfEmpty(cfg.GRPCListenAddr, defaultGRPCListenAddr)
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.PublicOrigin = strings.TrimRight(defaultIfEmpty(cfg.PublicOrigin, cfg.AllowedOrigins[0]), "/")
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	cfg.StorageBackend = strings.ToLower(defaultIfEmpty(cfg.StorageBackend, defaultStorageBackend))
	if cfg.SignedURLTTL <= 0 {
		cfg.SignedURLTTL = defaultSignedURLTTL
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = defaultGenerationTimeout
	}
	if cfg.GenerationMaxCount <= 0 {
		cfg.GenerationMaxCount = defaultMaxCount
	}
	if cfg.GenerationConcurrency <= 0 {
		cfg.GenerationConcurrency = defaultConcurrency
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	if cfg.RecoveryAge <= 0 {
		cfg.RecoveryAge = defaultRecoveryAge
	}
	if cfg.RecoveryInterval <= 0 {
		cfg.RecoveryInterval = defaultRecoveryInterval
	}

	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("jwt signing key is required")
	}
	if cfg.ObjectSigningKey != "" && cfg.ObjectSigningKey == cfg.SessionSigningKey {
		return fmt.Errorf("object signing key must differ from the jwt signing key")
	}
	if bound := cfg.GenerationBound(); cfg.RecoveryAge <= bound {
		return fmt.Errorf("recovery age %s must exceed the longest generation %s", cfg.RecoveryAge, bound)
	}
	switch cfg.StorageBackend {
	case StorageMemory:
	case StorageGCS:
		if strings.TrimSpace(cfg.GCSBucket) == "" {
			return fmt.Errorf("gcs bucket is required for the gcs storage backend")
		}
	default:
		return fmt.Errorf("unsupported storage backend %q", cfg.StorageBackend)
	}
	if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
		return fmt.Errorf("gemini api key is required")
	}
	if strings.TrimSpace(cfg.StripeWebhookSecret) == "" {
		return fmt.Errorf("stripe webhook secret is required")
	}
	return nil
}

// GenerationBound is the longest a request can hold its reservation: one provider timeout per wave of concurrent calls.
func (cfg Config) GenerationBound() time.Duration {
	waves := (cfg.GenerationMaxCount + cfg.GenerationConcurrency - 1) / cfg.GenerationConcurrency
	return time.Duration(waves) * cfg.GenerationTimeout
}

// ObjectLinkKey returns the key for signed object links, never the session key itself.
func (cfg Config) ObjectLinkKey() []byte {
	if cfg.ObjectSigningKey != "" {
		return []byte(cfg.ObjectSigningKey)
	}
	mac := hmac.New(sha256.New, []byte(cfg.SessionSigningKey))
	mac.Write([]byte(objectLinkKeyLabel))
	return mac.Sum(nil)
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}

// DefaultDatabaseURL is used by commands that only need the database.
func DefaultDatabaseURL() string {
	return defaultDatabaseURL
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}

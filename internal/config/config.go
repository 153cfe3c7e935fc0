// Package config loads the client's runtime configuration from .env
// files and the environment, the way the teacher server does, trimmed
// to the settings an E2EE session client actually needs.
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every runtime setting the session engine and its
// transport/storage adapters read at startup.
type Config struct {
	// StorageRoot is where the vault file, session records, and the
	// one-time-prekey ledger live.
	StorageRoot string

	// BundleServiceURL is the static base URL of the bundle service.
	// Empty means resolve it via Consul instead (see ConsulAddr).
	BundleServiceURL string
	// StreamEndpointURL is the static WebSocket streaming endpoint.
	// Empty means resolve it via Consul instead.
	StreamEndpointURL string
	ConsulAddr        string

	// VaultAddr/VaultToken/VaultTransitKeyName configure the optional
	// HashiCorp Vault transit-backed wrapping key source. Empty
	// VaultAddr means use the normative Argon2id password source.
	VaultAddr             string
	VaultToken            string
	VaultTransitMountPath string
	VaultTransitKeyName   string

	// Argon2Time/Argon2MemoryKiB/Argon2Threads override the vault's
	// Argon2id cost parameters; zero means use the package defaults.
	Argon2Time      uint32
	Argon2MemoryKiB uint32
	Argon2Threads   uint8

	// OneTimePrekeyPoolSize/OneTimePrekeyRefillThreshold are loaded
	// from the environment but read nowhere else: keystore.New always
	// generates keystore.DefaultOneTimePrekeyCount one-time prekeys and
	// nothing refills the pool automatically.
	OneTimePrekeyPoolSize        int
	OneTimePrekeyRefillThreshold int

	// MaxSkippedMessageKeys is loaded from the environment (default
	// 1000) but read nowhere else: the ratchet always bounds skipped
	// keys at its ratchet.MaxSkip constant.
	MaxSkippedMessageKeys int

	// SignedPrekeyRotationInterval is loaded from the environment;
	// nothing in this module rotates the signed prekey on a schedule.
	SignedPrekeyRotationInterval time.Duration

	// RedisURL, if set, makes the agent keep session records in a
	// Redis-backed session store instead of the normative file store;
	// the two are not layered.
	RedisURL string
}

// loadEnvFiles loads environment files in the order the teacher does:
// base .env, then an environment-specific override, then local
// overrides, each optional.
func loadEnvFiles() {
	_ = godotenv.Load()
	if env := os.Getenv("APP_ENV"); env != "" {
		_ = godotenv.Load(".env." + env)
	}
	_ = godotenv.Load(".env.local")
}

// Load reads configuration from .env files and the environment,
// falling back to sensible client defaults for anything unset.
func Load() *Config {
	loadEnvFiles()

	home, err := os.UserHomeDir()
	if err != nil {
		log.Printf("warning: could not determine home directory, defaulting storage root to .: %v", err)
		home = "."
	}

	return &Config{
		StorageRoot:       getEnv("WHISPERLINK_STORAGE_ROOT", home+"/.whisperlink"),
		BundleServiceURL:  getEnv("WHISPERLINK_BUNDLE_SERVICE_URL", ""),
		StreamEndpointURL: getEnv("WHISPERLINK_STREAM_ENDPOINT_URL", ""),
		ConsulAddr:        getEnv("WHISPERLINK_CONSUL_ADDR", ""),

		VaultAddr:             getEnv("WHISPERLINK_VAULT_ADDR", ""),
		VaultToken:            getEnv("WHISPERLINK_VAULT_TOKEN", ""),
		VaultTransitMountPath: getEnv("WHISPERLINK_VAULT_TRANSIT_MOUNT", "transit"),
		VaultTransitKeyName:   getEnv("WHISPERLINK_VAULT_TRANSIT_KEY", "whisperlink-vault"),

		Argon2Time:      uint32(getEnvInt64("WHISPERLINK_ARGON2_TIME", 3)),
		Argon2MemoryKiB: uint32(getEnvInt64("WHISPERLINK_ARGON2_MEMORY_KIB", 64*1024)),
		Argon2Threads:   uint8(getEnvInt64("WHISPERLINK_ARGON2_THREADS", 4)),

		OneTimePrekeyPoolSize:        int(getEnvInt64("WHISPERLINK_OPK_POOL_SIZE", 100)),
		OneTimePrekeyRefillThreshold: int(getEnvInt64("WHISPERLINK_OPK_REFILL_THRESHOLD", 20)),

		MaxSkippedMessageKeys: int(getEnvInt64("WHISPERLINK_MAX_SKIPPED_KEYS", 1000)),

		SignedPrekeyRotationInterval: time.Duration(getEnvInt64("WHISPERLINK_SIGNED_PREKEY_ROTATION_HOURS", 7*24)) * time.Hour,

		RedisURL: getEnv("WHISPERLINK_REDIS_URL", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// UsesVaultTransit reports whether the configuration names a Vault
// transit key source rather than the normative password-derived one.
func (c *Config) UsesVaultTransit() bool {
	return c.VaultAddr != ""
}

// UsesConsul reports whether endpoint resolution should go through
// Consul rather than a pinned static URL.
func (c *Config) UsesConsul() bool {
	return c.ConsulAddr != "" && (c.BundleServiceURL == "" || c.StreamEndpointURL == "")
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultAppName         = "CoinCustody"
	defaultAppEnv          = "development"
	defaultPort            = "8080"
	defaultLogLevel        = "info"
	defaultShutdownDelay   = 10 * time.Second
	defaultIdempotencyTTL  = 24 * time.Hour
	defaultAccessTokenTTL  = 15 * time.Minute
	defaultRefreshTokenTTL = 7 * 24 * time.Hour
	defaultNetwork         = "mainnet"
	defaultURIScheme       = "bitcoin"
	defaultLockBackend     = LockBackendMemory
	defaultLockTTL         = 30 * time.Second
	defaultPendingExpiry   = 24 * time.Hour
	defaultSweepInterval   = time.Minute
	defaultConnectTimeout  = 5 * time.Second
	idemTTLSecondsEnvVar   = "IDEMPOTENCY_TTL_SECONDS"
	idemTTLDurEnvVar       = "IDEMPOTENCY_TTL"
	shutdownSecondsEnvVar  = "SHUTDOWN_TIMEOUT_SECONDS"
	shutdownDurationEnvVar = "SHUTDOWN_TIMEOUT"
)

// Lock backends guarding per-transaction transitions.
const (
	LockBackendMemory = "memory"
	LockBackendRedis  = "redis"
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName        string
	Env            string
	Port           string
	LogLevel       string
	DatabaseURL    string
	RedisURL       string
	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration

	// DBMaxConns caps the Postgres pool; zero keeps the pgxpool default.
	DBMaxConns     int32
	ConnectTimeout time.Duration

	JWTSecret       string
	RefreshSecret   string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	Bitcoin   BitcoinConfig
	URIScheme string

	LockBackend   string
	LockTTL       time.Duration
	PendingExpiry time.Duration
	SweepInterval time.Duration

	// AdminEmail and AdminPassword seed an ADMIN account at startup when both are set.
	AdminEmail    string
	AdminPassword string
}

// BitcoinConfig points at a bitcoind-compatible JSON-RPC endpoint. An empty
// Host selects the static development chain.
type BitcoinConfig struct {
	Host       string
	User       string
	Pass       string
	Network    string
	DisableTLS bool
}

// Load reads configuration values from the environment and populates a Config
// instance. A .env file in the working directory is applied first when present.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		AppName:        getEnv("APP_NAME", defaultAppName),
		Env:            getEnv("APP_ENV", defaultAppEnv),
		Port:           getEnv("PORT", defaultPort),
		LogLevel:       strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		RedisURL:       os.Getenv("REDIS_URL"),
		ShutdownPeriod: defaultShutdownDelay,
		IdempotencyTTL: defaultIdempotencyTTL,
		JWTSecret:      os.Getenv("JWT_SECRET"),
		RefreshSecret:  os.Getenv("JWT_REFRESH_SECRET"),
		Bitcoin: BitcoinConfig{
			Host:    os.Getenv("BITCOIN_RPC_HOST"),
			User:    os.Getenv("BITCOIN_RPC_USER"),
			Pass:    os.Getenv("BITCOIN_RPC_PASS"),
			Network: getEnv("BITCOIN_NETWORK", defaultNetwork),
		},
		URIScheme:     getEnv("PAYMENT_URI_SCHEME", defaultURIScheme),
		LockBackend:   strings.ToLower(getEnv("LOCK_BACKEND", defaultLockBackend)),
		AdminEmail:    os.Getenv("ADMIN_EMAIL"),
		AdminPassword: os.Getenv("ADMIN_PASSWORD"),
	}

	if v := os.Getenv(shutdownSecondsEnvVar); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", shutdownSecondsEnvVar, err)
		}
		cfg.ShutdownPeriod = time.Duration(seconds) * time.Second
	} else if v := os.Getenv(shutdownDurationEnvVar); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", shutdownDurationEnvVar, err)
		}
		cfg.ShutdownPeriod = d
	}

	if v := os.Getenv(idemTTLSecondsEnvVar); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", idemTTLSecondsEnvVar, err)
		}
		cfg.IdempotencyTTL = time.Duration(seconds) * time.Second
	} else if v := os.Getenv(idemTTLDurEnvVar); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", idemTTLDurEnvVar, err)
		}
		cfg.IdempotencyTTL = d
	}

	durations := []struct {
		key      string
		fallback time.Duration
		dst      *time.Duration
	}{
		{"ACCESS_TOKEN_TTL", defaultAccessTokenTTL, &cfg.AccessTokenTTL},
		{"REFRESH_TOKEN_TTL", defaultRefreshTokenTTL, &cfg.RefreshTokenTTL},
		{"LOCK_TTL", defaultLockTTL, &cfg.LockTTL},
		{"PENDING_EXPIRY", defaultPendingExpiry, &cfg.PendingExpiry},
		{"SWEEP_INTERVAL", defaultSweepInterval, &cfg.SweepInterval},
		{"CONNECT_TIMEOUT", defaultConnectTimeout, &cfg.ConnectTimeout},
	}
	for _, d := range durations {
		v, err := getDuration(d.key, d.fallback)
		if err != nil {
			return Config{}, err
		}
		*d.dst = v
	}

	if v := os.Getenv("DB_MAX_CONNS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil || n < 0 {
			return Config{}, fmt.Errorf("invalid DB_MAX_CONNS %q", v)
		}
		cfg.DBMaxConns = int32(n)
	}

	if v := os.Getenv("BITCOIN_RPC_TLS"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid BITCOIN_RPC_TLS: %w", err)
		}
		cfg.Bitcoin.DisableTLS = !enabled
	} else {
		cfg.Bitcoin.DisableTLS = true
	}

	switch cfg.LockBackend {
	case LockBackendMemory, LockBackendRedis:
	default:
		return Config{}, fmt.Errorf("invalid LOCK_BACKEND %q", cfg.LockBackend)
	}

	if cfg.IsDev() {
		if cfg.JWTSecret == "" {
			cfg.JWTSecret = "dev-access-secret"
		}
		if cfg.RefreshSecret == "" {
			cfg.RefreshSecret = "dev-refresh-secret"
		}
		return cfg, nil
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL must be set")
	}
	if cfg.RedisURL == "" {
		return Config{}, fmt.Errorf("REDIS_URL must be set")
	}
	if cfg.JWTSecret == "" || cfg.RefreshSecret == "" {
		return Config{}, fmt.Errorf("JWT_SECRET and JWT_REFRESH_SECRET must be set")
	}

	return cfg, nil
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

// IsDev reports whether the service runs in a local development environment
// where postgres and redis are optional.
func (c Config) IsDev() bool {
	switch strings.ToLower(c.Env) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

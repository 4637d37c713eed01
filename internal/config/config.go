package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config contains runtime configuration values grouped per concern.
type Config struct {
	Environment string `env:"APP_ENV" envDefault:"development"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"keystash"`
	// Issuer overrides the request-derived issuer URL when set.
	Issuer string `env:"ISSUER"`

	HTTP        HTTP
	Persistence Persistence
	Signing     Signing
	Tokens      Tokens
	Cache       Cache
	Telemetry   Telemetry
}

// HTTP configures the transport adapter.
type HTTP struct {
	Port                 string   `env:"HTTP_PORT" envDefault:"8080"`
	RateLimitRPM         int      `env:"RATE_LIMIT_RPM" envDefault:"600"`
	CORSAllowedOrigins   []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`
	CORSAllowedMethods   []string `env:"CORS_ALLOWED_METHODS" envSeparator:"," envDefault:"GET,POST,OPTIONS"`
	CORSAllowedHeaders   []string `env:"CORS_ALLOWED_HEADERS" envSeparator:"," envDefault:"Authorization,Content-Type"`
	CORSAllowCredentials bool     `env:"CORS_ALLOW_CREDENTIALS" envDefault:"false"`
	LoginURL             string   `env:"LOGIN_URL" envDefault:"/login"`
	SessionCookie        string   `env:"SESSION_COOKIE" envDefault:"ks_session"`
}

// Persistence configures the PostgreSQL collaborator.
type Persistence struct {
	DatabaseURL string        `env:"DATABASE_URL"`
	ConnTimeout time.Duration `env:"DATABASE_CONNECT_TIMEOUT" envDefault:"10s"`
	Migrate     bool          `env:"DATABASE_MIGRATE" envDefault:"true"`
}

// Signing configures key material and rotation.
type Signing struct {
	Algorithm        string        `env:"SIGNING_ALGORITHM" envDefault:"RS256"`
	RotationInterval time.Duration `env:"SIGNING_ROTATION_INTERVAL" envDefault:"0s"`
	PassiveRetention time.Duration `env:"SIGNING_PASSIVE_RETENTION" envDefault:"168h"`
	SweepInterval    time.Duration `env:"SIGNING_SWEEP_INTERVAL" envDefault:"1h"`
	NodeID           int64         `env:"SNOWFLAKE_NODE" envDefault:"1"`
}

// Tokens configures token lifetimes.
type Tokens struct {
	AccessTokenTTL       time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"1h"`
	IDTokenTTL           time.Duration `env:"ID_TOKEN_TTL" envDefault:"1h"`
	RefreshTokenTTL      time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"720h"`
	AuthorizationCodeTTL time.Duration `env:"AUTHORIZATION_CODE_TTL" envDefault:"10m"`
	NonceTTL             time.Duration `env:"NONCE_TTL" envDefault:"10m"`
	SessionTTL           time.Duration `env:"SESSION_TTL" envDefault:"12h"`
	DefaultScopes        []string      `env:"DEFAULT_SCOPES" envSeparator:" " envDefault:"openid"`
}

// Cache selects and configures the token cache backend.
type Cache struct {
	Backend       string        `env:"CACHE_BACKEND" envDefault:"memory"`
	SweepInterval time.Duration `env:"CACHE_SWEEP_INTERVAL" envDefault:"1m"`
	RedisAddr     string        `env:"REDIS_ADDR" envDefault:"127.0.0.1:6379"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB" envDefault:"0"`
	KeyPrefix     string        `env:"CACHE_KEY_PREFIX" envDefault:"keystash:"`
}

// Telemetry configures OpenTelemetry tracing.
type Telemetry struct {
	Endpoint    string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Insecure    bool    `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`
	SampleRatio float64 `env:"OTEL_TRACES_SAMPLE_RATIO" envDefault:"1"`
}

// Cache backends.
const (
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
)

// Load reads configuration from the environment, after loading an optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that struct tags cannot express.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Persistence.DatabaseURL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	switch c.Signing.Algorithm {
	case "HS256", "RS256", "ES256":
	default:
		return fmt.Errorf("SIGNING_ALGORITHM %q is not supported", c.Signing.Algorithm)
	}
	c.Cache.Backend = strings.ToLower(strings.TrimSpace(c.Cache.Backend))
	switch c.Cache.Backend {
	case CacheBackendMemory, CacheBackendRedis:
	default:
		return fmt.Errorf("CACHE_BACKEND %q is not supported", c.Cache.Backend)
	}
	if c.Tokens.AccessTokenTTL <= 0 || c.Tokens.IDTokenTTL <= 0 || c.Tokens.RefreshTokenTTL <= 0 || c.Tokens.SessionTTL <= 0 {
		return fmt.Errorf("token TTLs must be positive")
	}
	if c.Signing.NodeID < 0 || c.Signing.NodeID > 1023 {
		return fmt.Errorf("SNOWFLAKE_NODE must be between 0 and 1023")
	}
	return nil
}

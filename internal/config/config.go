package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// AuthMode determines how the server identifies the project owner.
type AuthMode string

const (
	// AuthModeClerk verifies Clerk session tokens and uses the subject as owner id.
	AuthModeClerk AuthMode = "clerk"
	// AuthModeNone trusts every request as DefaultOwnerID. Good for self-hosting.
	AuthModeNone AuthMode = "none"
)

type Config struct {
	// Server
	Port            string        `env:"PORT" envDefault:"8080"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Store
	// STORE_DRIVER: "postgres" (default) or "memory"
	StoreDriver string `env:"STORE_DRIVER" envDefault:"postgres"`
	DatabaseURL string `env:"DATABASE_URL"`
	AutoMigrate bool   `env:"AUTO_MIGRATE" envDefault:"true"`

	// NATS relay. Leave NATS_URL empty and NATS_EMBEDDED false for a single instance.
	NatsURL           string `env:"NATS_URL"`
	NatsEmbedded      bool   `env:"NATS_EMBEDDED" envDefault:"false"`
	NatsEmbeddedPort  int    `env:"NATS_EMBEDDED_PORT" envDefault:"4222"`
	NatsSubjectPrefix string `env:"NATS_SUBJECT_PREFIX" envDefault:"genflow.projects"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
	LogFile   string `env:"LOG_FILE"`

	// Authentication
	AuthMode       AuthMode `env:"AUTH_MODE" envDefault:"clerk"`
	ClerkSecretKey string   `env:"CLERK_SECRET_KEY"`
	DefaultOwnerID string   `env:"DEFAULT_OWNER_ID" envDefault:"owner_default"`

	// CORS
	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000,http://localhost:5173"`

	// Generation
	ProjectBaseDir    string        `env:"PROJECT_BASE_DIR" envDefault:"./projects"`
	PreviewBaseURL    string        `env:"PREVIEW_BASE_URL" envDefault:"http://localhost:3000"`
	EngineMode        string        `env:"ENGINE_MODE" envDefault:"stub"`
	EngineConfigPath  string        `env:"ENGINE_CONFIG_PATH" envDefault:"engine.yaml"`
	EngineTimeout     time.Duration `env:"ENGINE_TIMEOUT" envDefault:"0s"`
	// Reload ENGINE_CONFIG_PATH when it changes (command mode only)
	EngineConfigWatch bool          `env:"ENGINE_CONFIG_WATCH" envDefault:"false"`
	// How long a project may stay Generating before it is recovered. 0 never recovers.
	OperationLease    time.Duration `env:"OPERATION_LEASE" envDefault:"30m"`

	// Live connections
	WSMaxMessageSize int64 `env:"WS_MAX_MESSAGE_SIZE" envDefault:"4096"`

	// Rate limiting per owner
	RateLimitPerSecond float64 `env:"RATE_LIMIT_PER_SECOND" envDefault:"10"`
	RateLimitBurst     int     `env:"RATE_LIMIT_BURST" envDefault:"20"`
}

// RunTimeout bounds a single engine run. Runs end well inside the operation
// lease so a live run never looks stale.
func (c *Config) RunTimeout() time.Duration {
	if c.OperationLease <= 0 {
		return c.EngineTimeout
	}
	limit := c.OperationLease - c.OperationLease/10
	if c.EngineTimeout <= 0 || c.EngineTimeout > limit {
		return limit
	}
	return c.EngineTimeout
}

// IsSelfHosted returns true if running without Clerk.
func (c *Config) IsSelfHosted() bool {
	return c.AuthMode == AuthModeNone
}

// RelayEnabled reports whether events go through NATS.
func (c *Config) RelayEnabled() bool {
	return c.NatsEmbedded || c.NatsURL != ""
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks combinations the struct tags cannot express.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}

	switch c.AuthMode {
	case AuthModeClerk:
		if c.ClerkSecretKey == "" {
			return fmt.Errorf("CLERK_SECRET_KEY is required when AUTH_MODE=clerk")
		}
	case AuthModeNone:
	default:
		return fmt.Errorf("unknown AUTH_MODE %q", c.AuthMode)
	}

	switch c.EngineMode {
	case "stub", "command":
	default:
		return fmt.Errorf("unknown ENGINE_MODE %q", c.EngineMode)
	}

	if c.OperationLease < 0 {
		return fmt.Errorf("OPERATION_LEASE must not be negative")
	}
	return nil
}

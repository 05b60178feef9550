package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/layer-3/custodian/encryption"
	"github.com/layer-3/custodian/keyderiv"
)

const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
)

// Config is the process configuration, read from CUSTODIAN_* variables
type Config struct {
	Env      string `env:"CUSTODIAN_ENV"       envDefault:"production"`
	HTTPAddr string `env:"CUSTODIAN_HTTP_ADDR" envDefault:":9000"`

	DatabaseURL string `env:"CUSTODIAN_DATABASE_URL"`
	RedisURL    string `env:"CUSTODIAN_REDIS_URL"`

	MasterKey    string `env:"CUSTODIAN_ENCRYPTION_MASTER_KEY"`
	Salt         string `env:"CUSTODIAN_ENCRYPTION_SALT"       envDefault:"custodian-accounts-v1"`
	Iterations   int    `env:"CUSTODIAN_ENCRYPTION_ITERATIONS" envDefault:"210000"`
	ServerSecret string `env:"CUSTODIAN_SERVER_SECRET"`
	KeyScheme    string `env:"CUSTODIAN_KEY_SCHEME"            envDefault:"secp256k1"`

	Session  SessionConfig
	Recovery RecoveryConfig
	WebAuthn WebAuthnConfig
	Log      LogConfig

	ChallengeTTL    time.Duration `env:"CUSTODIAN_CHALLENGE_TTL"    envDefault:"5m"`
	VerifierTimeout time.Duration `env:"CUSTODIAN_VERIFIER_TIMEOUT" envDefault:"5s"`
	NotifierTimeout time.Duration `env:"CUSTODIAN_NOTIFIER_TIMEOUT" envDefault:"10s"`
}

type SessionConfig struct {
	SigningKey  string        `env:"CUSTODIAN_SESSION_SIGNING_KEY"`
	TTL         time.Duration `env:"CUSTODIAN_SESSION_TTL"          envDefault:"168h"`
	IdleTimeout time.Duration `env:"CUSTODIAN_SESSION_IDLE_TIMEOUT" envDefault:"24h"`
}

type RecoveryConfig struct {
	TokenTTL      time.Duration `env:"CUSTODIAN_RECOVERY_TOKEN_TTL"      envDefault:"1h"`
	CodeCount     int           `env:"CUSTODIAN_RECOVERY_CODE_COUNT"     envDefault:"10"`
	MaxFailures   int           `env:"CUSTODIAN_RECOVERY_MAX_FAILURES"   envDefault:"5"`
	FailureWindow time.Duration `env:"CUSTODIAN_RECOVERY_FAILURE_WINDOW" envDefault:"1h"`
}

// WebAuthnConfig controls relying party settings
type WebAuthnConfig struct {
	RPID          string   `env:"CUSTODIAN_WEBAUTHN_RP_ID"           envDefault:"localhost"`
	RPDisplayName string   `env:"CUSTODIAN_WEBAUTHN_RP_DISPLAY_NAME" envDefault:"Custodian"`
	RPOrigins     []string `env:"CUSTODIAN_WEBAUTHN_RP_ORIGINS"      envDefault:"http://localhost:5173" envSeparator:","`
}

type LogConfig struct {
	Level string `env:"CUSTODIAN_LOG_LEVEL" envDefault:"info"`
	Dev   bool   `env:"CUSTODIAN_LOG_DEV"   envDefault:"false"`
}

// Load reads an optional .env file, then the environment
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Development reports whether the process runs in development mode
func (c *Config) Development() bool {
	return c.Env == EnvDevelopment
}

// Validate checks the configuration. Production refuses to start without
// its secrets and backing services.
func (c *Config) Validate() error {
	var errs []error

	switch c.Env {
	case EnvProduction, EnvDevelopment:
	default:
		errs = append(errs, fmt.Errorf("CUSTODIAN_ENV: unknown environment %q", c.Env))
	}
	if _, err := keyderiv.SchemeByName(c.KeyScheme); err != nil {
		errs = append(errs, fmt.Errorf("CUSTODIAN_KEY_SCHEME: %w", err))
	}
	if c.Iterations < encryption.MinIterations {
		errs = append(errs, fmt.Errorf("CUSTODIAN_ENCRYPTION_ITERATIONS: must be at least %d", encryption.MinIterations))
	}
	if c.Recovery.CodeCount <= 0 || c.Recovery.MaxFailures <= 0 {
		errs = append(errs, errors.New("CUSTODIAN_RECOVERY_CODE_COUNT and CUSTODIAN_RECOVERY_MAX_FAILURES must be positive"))
	}
	if c.ServerSecret != "" && len(c.ServerSecret) < keyderiv.MinSecretSize {
		errs = append(errs, fmt.Errorf("CUSTODIAN_SERVER_SECRET: must be at least %d bytes", keyderiv.MinSecretSize))
	}

	if c.Env == EnvProduction {
		required := []struct {
			name  string
			value string
		}{
			{"CUSTODIAN_ENCRYPTION_MASTER_KEY", c.MasterKey},
			{"CUSTODIAN_SERVER_SECRET", c.ServerSecret},
			{"CUSTODIAN_SESSION_SIGNING_KEY", c.Session.SigningKey},
			{"CUSTODIAN_DATABASE_URL", c.DatabaseURL},
			{"CUSTODIAN_REDIS_URL", c.RedisURL},
		}
		for _, r := range required {
			if r.value == "" {
				errs = append(errs, fmt.Errorf("%s is required in production", r.name))
			}
		}
	}

	return errors.Join(errs...)
}

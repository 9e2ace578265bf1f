package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Executor ExecutorConfig `yaml:"executor"`
	Session  SessionConfig  `yaml:"session"`
	Validate ValidateConfig `yaml:"validate"`
	Audit    AuditConfig    `yaml:"audit"`
	Auth     AuthConfig     `yaml:"auth"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
	// RatePerSecond bounds the execute endpoints; 0 disables limiting.
	RatePerSecond float64 `yaml:"rate_per_second"`
	RateBurst     int     `yaml:"rate_burst"`
}

type ExecutorConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	MaxTimeout     time.Duration `yaml:"max_timeout"`
	GracePeriod    time.Duration `yaml:"grace_period"`
}

type SessionConfig struct {
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	AbsoluteTimeout time.Duration `yaml:"absolute_timeout"`
	ReapInterval    time.Duration `yaml:"reap_interval"`
	MaxSessions     int           `yaml:"max_sessions"`
}

type ValidateConfig struct {
	// RulesFile points at a YAML deny-rule list; watched for changes.
	RulesFile         string   `yaml:"rules_file"`
	MaxScriptBytes    int64    `yaml:"max_script_bytes"`
	MaxBundleBytes    int64    `yaml:"max_bundle_bytes"`
	AllowedExtensions []string `yaml:"allowed_extensions"`
}

type AuditConfig struct {
	LocalPath  string `yaml:"local_path"`
	SharedPath string `yaml:"shared_path"`
}

type AuthConfig struct {
	// SecretFile holds the bcrypt hash of the elevation secret.
	SecretFile string `yaml:"secret_file"`
	// JWTKey verifies bearer tokens from the identity layer (HS256).
	JWTKey string `yaml:"jwt_key"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:          "127.0.0.1:8787",
			RatePerSecond: 10,
			RateBurst:     20,
		},
		Executor: ExecutorConfig{
			DefaultTimeout: 30 * time.Second,
			MaxTimeout:     30 * time.Minute,
			GracePeriod:    2 * time.Second,
		},
		Session: SessionConfig{
			IdleTimeout:     10 * time.Minute,
			AbsoluteTimeout: 60 * time.Minute,
			ReapInterval:    30 * time.Second,
			MaxSessions:     32,
		},
		Validate: ValidateConfig{
			MaxScriptBytes:    100 << 20,
			MaxBundleBytes:    1 << 30,
			AllowedExtensions: []string{".sh", ".bash", ".py", ".rb", ".pl"},
		},
		Audit: AuditConfig{
			LocalPath:  "shellgate-audit.db",
			SharedPath: "shellgate-shared.db",
		},
		Auth: AuthConfig{
			SecretFile: "shellgate-secret",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a file, layering it over defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Override with environment variables if present
	if addr := os.Getenv("SHELLGATE_ADDR"); addr != "" {
		cfg.Server.Addr = addr
	}
	if key := os.Getenv("SHELLGATE_JWT_KEY"); key != "" {
		cfg.Auth.JWTKey = key
	}
	if secret := os.Getenv("SHELLGATE_SECRET_FILE"); secret != "" {
		cfg.Auth.SecretFile = secret
	}

	if err := cfg.Check(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Check reports whether the configuration is usable.
func (c *Config) Check() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Executor.DefaultTimeout < time.Second {
		return fmt.Errorf("executor.default_timeout must be at least 1s")
	}
	if c.Executor.MaxTimeout < c.Executor.DefaultTimeout {
		return fmt.Errorf("executor.max_timeout must be >= executor.default_timeout")
	}
	if c.Session.IdleTimeout <= 0 {
		return fmt.Errorf("session.idle_timeout must be positive")
	}
	if c.Session.AbsoluteTimeout < c.Session.IdleTimeout {
		return fmt.Errorf("session.absolute_timeout must be >= session.idle_timeout")
	}
	if c.Session.MaxSessions < 1 {
		return fmt.Errorf("session.max_sessions must be at least 1")
	}
	if c.Audit.LocalPath == "" {
		return fmt.Errorf("audit.local_path is required")
	}
	return nil
}

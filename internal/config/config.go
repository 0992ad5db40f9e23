// Package config loads and validates the YAML configuration for one
// replication endpoint process, following the flat dotted key table of
// the module's external interfaces.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"

	"replicore/pkg/types"
)

// Config is the root configuration document, unmarshaled from YAML with
// dotted top-level sections mirroring the endpoint.* / log.* key table.
type Config struct {
	Endpoint EndpointConfig `yaml:"endpoint" validate:"required"`
	Log      LogConfig      `yaml:"log"`
	Admin    AdminConfig    `yaml:"admin"`
	Logger   LoggerConfig   `yaml:"logger"`
	Auth     AuthConfig     `yaml:"auth"`
}

// EndpointConfig covers endpoint identity and its replication peers.
// Each entry in Connections has the form "remote-endpoint-id@host:port": the
// remote's own endpoint id must be known upfront, since both sides derive
// the same log_id from it and a wire-learned id could disagree with what
// this endpoint already used to label the link.
type EndpointConfig struct {
	ID            string   `yaml:"id" validate:"required"`
	ListenAddress string   `yaml:"listen-address"`
	Connections   []string `yaml:"connections"`
	Application   struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"application"`
}

// LogConfig covers per-batch sizing, timeouts, and the replication
// sub-tree of retry and failure-detection tuning.
type LogConfig struct {
	WriteBatchSize int           `yaml:"write-batch-size" validate:"min=1"`
	WriteTimeout   time.Duration `yaml:"write-timeout" validate:"min=0"`
	ReadTimeout    time.Duration `yaml:"read-timeout" validate:"min=0"`
	Replication    struct {
		RemoteReadTimeout     time.Duration `yaml:"remote-read-timeout" validate:"min=0"`
		RemoteScanLimit       int           `yaml:"remote-scan-limit" validate:"min=1"`
		RetryDelay            time.Duration `yaml:"retry-delay" validate:"min=0"`
		FailureDetectionLimit time.Duration `yaml:"failure-detection-limit" validate:"min=0"`
	} `yaml:"replication"`
}

// AdminConfig covers the observability/admin HTTP surface.
type AdminConfig struct {
	ListenAddress string `yaml:"listen-address"`
}

// LoggerConfig selects slog output shape.
type LoggerConfig struct {
	JSON  bool   `yaml:"json"`
	Level string `yaml:"level"`
}

// AuthConfig turns on JWT peer authentication when Secret is non-empty.
type AuthConfig struct {
	Secret   string        `yaml:"secret"`
	TokenTTL time.Duration `yaml:"token-ttl"`
}

// Default returns the baseline configuration used when no file is found,
// with every duration and batch size matching spec.md's stated defaults.
func Default() Config {
	var cfg Config
	cfg.Endpoint.ListenAddress = "0.0.0.0:7000"
	cfg.Endpoint.Application.Name = "default"
	cfg.Endpoint.Application.Version = types.DefaultApplicationVersion().String()
	cfg.Log.WriteBatchSize = 100
	cfg.Log.WriteTimeout = 5 * time.Second
	cfg.Log.ReadTimeout = 5 * time.Second
	cfg.Log.Replication.RemoteReadTimeout = 5 * time.Second
	cfg.Log.Replication.RemoteScanLimit = 1000
	cfg.Log.Replication.RetryDelay = time.Second
	cfg.Log.Replication.FailureDetectionLimit = 10 * time.Second
	cfg.Admin.ListenAddress = "127.0.0.1:8090"
	cfg.Logger.Level = "info"
	return cfg
}

var validate = validator.New()

// Load reads path as YAML and validates the result. A missing file falls
// back to Default() rather than erroring, matching the teacher's
// forgiving bootstrap behavior.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %q: %w", path, err)
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate applies struct-tag validation plus the one cross-field
// invariant the tags can't express: failure_detection_limit must be at
// least remote_read_timeout + retry_delay (§4.4).
func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	minLimit := cfg.Log.Replication.RemoteReadTimeout + cfg.Log.Replication.RetryDelay
	if cfg.Log.Replication.FailureDetectionLimit < minLimit {
		return fmt.Errorf("invalid config: log.replication.failure-detection-limit (%s) must be >= remote-read-timeout+retry-delay (%s)",
			cfg.Log.Replication.FailureDetectionLimit, minLimit)
	}
	return nil
}

// ApplicationVersion parses Endpoint.Application.Version, falling back to
// the default version on a blank field.
func (c Config) ApplicationVersion() (types.ApplicationVersion, error) {
	if c.Endpoint.Application.Version == "" {
		return types.DefaultApplicationVersion(), nil
	}
	return types.ParseApplicationVersion(c.Endpoint.Application.Version)
}

// ApplicationName returns Endpoint.Application.Name, defaulting to "default".
func (c Config) ApplicationName() types.ApplicationName {
	if c.Endpoint.Application.Name == "" {
		return "default"
	}
	return types.ApplicationName(c.Endpoint.Application.Name)
}

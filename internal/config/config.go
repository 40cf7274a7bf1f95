package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultRegion      = "us-west-004"
	DefaultListenAddr  = "0.0.0.0:9000"
	DefaultLogFormat   = "text"
	DefaultMaxBody     = int64(5 * 1024 * 1024 * 1024)
	DefaultMaxHeader   = 1 << 20 // 1 MiB
	DefaultHealthLive  = "/healthz"
	DefaultHealthReady = "/readyz"
	DefaultTLSMode     = "self_signed"

	// Environment variables overriding the backend credential fields so
	// secrets can stay out of the config file.
	EnvKeyID          = "B2_KEY_ID"
	EnvApplicationKey = "B2_APP_KEY"
)

var allowedTLSModes = map[string]struct{}{
	"self_signed": {},
	"manual":      {},
}

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Backend   BackendConfig   `yaml:"backend"`
	Multipart MultipartConfig `yaml:"multipart"`
	TLS       TLSConfig       `yaml:"tls"`
	Health    HealthConfig    `yaml:"health"`
}

type ServerConfig struct {
	ListenAddress  string `yaml:"listen_address"`
	Region         string `yaml:"region"`
	ServiceHost    string `yaml:"service_host"`
	LogFormat      string `yaml:"log_format"`
	MaxBodyBytes   int64  `yaml:"max_body_bytes"`
	MaxHeaderBytes int    `yaml:"max_header_bytes"`
}

type AuthConfig struct {
	AuthorizationFile string `yaml:"authorization_file"`
}

// BackendConfig carries the account credential for the storage backend and
// the knobs around talking to it.
type BackendConfig struct {
	KeyID          string `yaml:"key_id"`
	ApplicationKey string `yaml:"application_key"`
	// AuthorizeURL overrides the production authorize endpoint; tests point
	// it at a local server.
	AuthorizeURL string `yaml:"authorize_url"`

	BucketCacheTTLSeconds int `yaml:"bucket_cache_ttl_seconds"`

	Retry RetryConfig `yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts       int `yaml:"max_attempts"`
	InitialIntervalMS int `yaml:"initial_interval_ms"`
	MaxIntervalMS     int `yaml:"max_interval_ms"`
}

type MultipartConfig struct {
	SessionTTLSeconds    int   `yaml:"session_ttl_seconds"`
	SweepIntervalSeconds int   `yaml:"sweep_interval_seconds"`
	MinPartSizeBytes     int64 `yaml:"min_part_size_bytes"`
}

type TLSConfig struct {
	Enabled bool   `yaml:"enabled"`
	Mode    string `yaml:"mode"`

	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`

	SelfSigned TLSSelfSignedConfig `yaml:"self_signed"`
}

type TLSSelfSignedConfig struct {
	CommonName string `yaml:"common_name"`
	ValidDays  int    `yaml:"valid_days"`
}

type HealthConfig struct {
	Enabled   bool   `yaml:"enabled"`
	PathLive  string `yaml:"path_live"`
	PathReady string `yaml:"path_ready"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddress:  DefaultListenAddr,
			Region:         DefaultRegion,
			LogFormat:      DefaultLogFormat,
			MaxBodyBytes:   DefaultMaxBody,
			MaxHeaderBytes: DefaultMaxHeader,
		},
		Backend: BackendConfig{
			BucketCacheTTLSeconds: 60,
			Retry: RetryConfig{
				MaxAttempts:       3,
				InitialIntervalMS: 200,
				MaxIntervalMS:     2000,
			},
		},
		Multipart: MultipartConfig{
			SessionTTLSeconds:    86400,
			SweepIntervalSeconds: 300,
		},
		TLS: TLSConfig{
			Mode: DefaultTLSMode,
			SelfSigned: TLSSelfSignedConfig{
				CommonName: "localhost",
				ValidDays:  365,
			},
		},
		Health: HealthConfig{
			Enabled:   true,
			PathLive:  DefaultHealthLive,
			PathReady: DefaultHealthReady,
		},
	}
}

func LoadFile(path string) (Config, error) {
	cfg := Default()

	content, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", path, err)
	}

	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file %q: %w", path, err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(EnvKeyID); v != "" {
		c.Backend.KeyID = v
	}
	if v := os.Getenv(EnvApplicationKey); v != "" {
		c.Backend.ApplicationKey = v
	}
}

func (c Config) Validate() error {
	var errs []error

	if c.Server.ListenAddress == "" {
		errs = append(errs, errors.New("config validation: server.listen_address is required"))
	}
	if c.Server.Region == "" {
		errs = append(errs, errors.New("config validation: server.region is required"))
	}
	if c.Server.LogFormat != "text" && c.Server.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("config validation: server.log_format must be one of [text json], got %q", c.Server.LogFormat))
	}
	if c.Server.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("config validation: server.max_body_bytes must be > 0"))
	}
	if c.Server.MaxHeaderBytes <= 0 {
		errs = append(errs, errors.New("config validation: server.max_header_bytes must be > 0"))
	}
	if c.Auth.AuthorizationFile == "" {
		errs = append(errs, errors.New("config validation: auth.authorization_file is required"))
	}
	if c.Backend.KeyID == "" {
		errs = append(errs, fmt.Errorf("config validation: backend.key_id is required (or set %s)", EnvKeyID))
	}
	if c.Backend.ApplicationKey == "" {
		errs = append(errs, fmt.Errorf("config validation: backend.application_key is required (or set %s)", EnvApplicationKey))
	}
	if c.Backend.BucketCacheTTLSeconds <= 0 {
		errs = append(errs, errors.New("config validation: backend.bucket_cache_ttl_seconds must be > 0"))
	}
	if c.Backend.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("config validation: backend.retry.max_attempts must be >= 1"))
	}
	if c.Backend.Retry.InitialIntervalMS <= 0 {
		errs = append(errs, errors.New("config validation: backend.retry.initial_interval_ms must be > 0"))
	}
	if c.Backend.Retry.MaxIntervalMS < c.Backend.Retry.InitialIntervalMS {
		errs = append(errs, errors.New("config validation: backend.retry.max_interval_ms must be >= backend.retry.initial_interval_ms"))
	}
	if c.Multipart.SessionTTLSeconds <= 0 {
		errs = append(errs, errors.New("config validation: multipart.session_ttl_seconds must be > 0"))
	}
	if c.Multipart.SweepIntervalSeconds <= 0 {
		errs = append(errs, errors.New("config validation: multipart.sweep_interval_seconds must be > 0"))
	}
	if c.Multipart.MinPartSizeBytes < 0 {
		errs = append(errs, errors.New("config validation: multipart.min_part_size_bytes must be >= 0"))
	}

	errs = append(errs, c.validateTLS()...)
	errs = append(errs, c.validateHealth()...)

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func (c Config) validateTLS() []error {
	var errs []error
	if !c.TLS.Enabled {
		return errs
	}

	if _, ok := allowedTLSModes[c.TLS.Mode]; !ok {
		errs = append(errs, fmt.Errorf("config validation: tls.mode must be one of [self_signed manual], got %q", c.TLS.Mode))
		return errs
	}

	switch c.TLS.Mode {
	case "manual":
		if c.TLS.CertFile == "" {
			errs = append(errs, errors.New("config validation: tls.cert_file is required when tls.mode=manual"))
		}
		if c.TLS.KeyFile == "" {
			errs = append(errs, errors.New("config validation: tls.key_file is required when tls.mode=manual"))
		}
		if c.TLS.CertFile != "" {
			if statErr := validateReadableFile(c.TLS.CertFile); statErr != nil {
				errs = append(errs, fmt.Errorf("config validation: tls.cert_file: %w", statErr))
			}
		}
		if c.TLS.KeyFile != "" {
			if statErr := validateReadableFile(c.TLS.KeyFile); statErr != nil {
				errs = append(errs, fmt.Errorf("config validation: tls.key_file: %w", statErr))
			}
		}
	case "self_signed":
		if c.TLS.SelfSigned.CommonName == "" {
			errs = append(errs, errors.New("config validation: tls.self_signed.common_name is required when tls.mode=self_signed"))
		}
		if c.TLS.SelfSigned.ValidDays <= 0 {
			errs = append(errs, errors.New("config validation: tls.self_signed.valid_days must be > 0 when tls.mode=self_signed"))
		}
	}

	return errs
}

func (c Config) validateHealth() []error {
	if !c.Health.Enabled {
		return nil
	}
	var errs []error
	if !strings.HasPrefix(c.Health.PathLive, "/") {
		errs = append(errs, errors.New("config validation: health.path_live must start with '/'"))
	}
	if !strings.HasPrefix(c.Health.PathReady, "/") {
		errs = append(errs, errors.New("config validation: health.path_ready must start with '/'"))
	}
	if c.Health.PathLive == c.Health.PathReady {
		errs = append(errs, errors.New("config validation: health.path_live and health.path_ready must be different"))
	}
	return errs
}

func validateReadableFile(path string) error {
	cleaned := filepath.Clean(path)
	info, err := os.Stat(cleaned)
	if err != nil {
		return fmt.Errorf("%q is not readable: %w", cleaned, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%q points to a directory", cleaned)
	}
	return nil
}

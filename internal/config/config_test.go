package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const minimalConfig = `auth:
  authorization_file: ./authorization.yaml
backend:
  key_id: "0001234"
  application_key: "K000secret"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return cfgPath
}

func validConfig() Config {
	cfg := Default()
	cfg.Auth.AuthorizationFile = "./authorization.yaml"
	cfg.Backend.KeyID = "0001234"
	cfg.Backend.ApplicationKey = "K000secret"
	return cfg
}

func TestLoadFileAppliesDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := LoadFile(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("LoadFile returned error: %v", err)
	}

	if cfg.Server.Region != DefaultRegion {
		t.Fatalf("unexpected region default: %q", cfg.Server.Region)
	}
	if cfg.Health.PathLive != DefaultHealthLive {
		t.Fatalf("unexpected liveness default: %q", cfg.Health.PathLive)
	}
	if cfg.Server.MaxHeaderBytes != DefaultMaxHeader {
		t.Fatalf("unexpected max_header_bytes default: %d", cfg.Server.MaxHeaderBytes)
	}
	if cfg.Server.MaxBodyBytes != DefaultMaxBody {
		t.Fatalf("unexpected max_body_bytes default: %d", cfg.Server.MaxBodyBytes)
	}
	if cfg.Backend.BucketCacheTTLSeconds != 60 {
		t.Fatalf("unexpected bucket cache ttl default: %d", cfg.Backend.BucketCacheTTLSeconds)
	}
	if cfg.Backend.Retry.MaxAttempts != 3 {
		t.Fatalf("unexpected retry attempts default: %d", cfg.Backend.Retry.MaxAttempts)
	}
	if cfg.Multipart.SessionTTLSeconds != 86400 {
		t.Fatalf("unexpected session ttl default: %d", cfg.Multipart.SessionTTLSeconds)
	}
	if cfg.Multipart.SweepIntervalSeconds != 300 {
		t.Fatalf("unexpected sweep interval default: %d", cfg.Multipart.SweepIntervalSeconds)
	}
}

func TestLoadFileEnvOverridesCredentials(t *testing.T) {
	t.Setenv(EnvKeyID, "env-key-id")
	t.Setenv(EnvApplicationKey, "env-app-key")

	cfg, err := LoadFile(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("LoadFile returned error: %v", err)
	}
	if cfg.Backend.KeyID != "env-key-id" || cfg.Backend.ApplicationKey != "env-app-key" {
		t.Fatalf("environment overrides not applied: %+v", cfg.Backend)
	}
}

func TestValidateRequiresCredentials(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Backend.KeyID = ""
	cfg.Backend.ApplicationKey = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "backend.key_id") {
		t.Fatalf("expected key_id error, got: %v", err)
	}
	if !strings.Contains(err.Error(), "backend.application_key") {
		t.Fatalf("expected application_key error, got: %v", err)
	}
}

func TestValidateManualTLSRequiresExistingFiles(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.TLS.Enabled = true
	cfg.TLS.Mode = "manual"
	cfg.TLS.CertFile = "missing.crt"
	cfg.TLS.KeyFile = "missing.key"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "tls.cert_file") {
		t.Fatalf("expected tls.cert_file error, got: %v", err)
	}
}

func TestValidateRejectsUnknownTLSMode(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.TLS.Enabled = true
	cfg.TLS.Mode = "acme_dns"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "tls.mode") {
		t.Fatalf("expected tls.mode error, got: %v", err)
	}
}

func TestValidateRejectsInvalidMaxHeader(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Server.MaxHeaderBytes = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "max_header_bytes") {
		t.Fatalf("expected max_header_bytes error, got: %v", err)
	}
}

func TestValidateRejectsInvalidRetrySettings(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Backend.Retry.MaxAttempts = 0
	cfg.Backend.Retry.InitialIntervalMS = 500
	cfg.Backend.Retry.MaxIntervalMS = 100

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "backend.retry.max_attempts") {
		t.Fatalf("expected max_attempts error, got: %v", err)
	}
	if !strings.Contains(err.Error(), "backend.retry.max_interval_ms") {
		t.Fatalf("expected max_interval_ms error, got: %v", err)
	}
}

func TestValidateRejectsInvalidMultipartSettings(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Multipart.SessionTTLSeconds = 0
	cfg.Multipart.SweepIntervalSeconds = -1

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "multipart.session_ttl_seconds") {
		t.Fatalf("expected session ttl error, got: %v", err)
	}
	if !strings.Contains(err.Error(), "multipart.sweep_interval_seconds") {
		t.Fatalf("expected sweep interval error, got: %v", err)
	}
}

func TestValidateHealthPaths(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Health.PathLive = "healthz"
	cfg.Health.PathReady = "healthz"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "health.path_live") {
		t.Fatalf("expected path_live error, got: %v", err)
	}
	if !strings.Contains(err.Error(), "must be different") {
		t.Fatalf("expected distinct-paths error, got: %v", err)
	}
}

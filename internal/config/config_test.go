package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileFallsBackToDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Log.WriteBatchSize != Default().Log.WriteBatchSize {
		t.Fatalf("expected default write batch size, got %d", cfg.Log.WriteBatchSize)
	}
}

func TestLoadParsesAndValidates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := `
endpoint:
  id: node-a
  connections:
    - "node-b@127.0.0.1:7000"
  application:
    name: orders-service
    version: "2.1.0"
log:
  write-batch-size: 50
  replication:
    remote-read-timeout: 2s
    retry-delay: 500ms
    failure-detection-limit: 5s
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Endpoint.ID != "node-a" {
		t.Fatalf("endpoint id = %q, want node-a", cfg.Endpoint.ID)
	}
	if cfg.Log.WriteBatchSize != 50 {
		t.Fatalf("write batch size = %d, want 50", cfg.Log.WriteBatchSize)
	}
	version, err := cfg.ApplicationVersion()
	if err != nil {
		t.Fatalf("application version: %v", err)
	}
	if version.String() != "2.1.0" {
		t.Fatalf("application version = %q, want 2.1.0", version.String())
	}
}

func TestValidateRejectsMissingEndpointID(t *testing.T) {
	cfg := Default()
	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation failure for missing endpoint.id")
	}
}

func TestValidateRejectsInsufficientFailureDetectionLimit(t *testing.T) {
	cfg := Default()
	cfg.Endpoint.ID = "node-a"
	cfg.Log.Replication.RemoteReadTimeout = 5 * time.Second
	cfg.Log.Replication.RetryDelay = 5 * time.Second
	cfg.Log.Replication.FailureDetectionLimit = time.Second
	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation failure: failure-detection-limit below remote-read-timeout+retry-delay")
	}
}

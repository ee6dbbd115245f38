package docflow

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	raw := `
listen: ":9090"
db_path: /tmp/docflow.db
primary_ocr_provider: google
default_chunk_pages: 5
max_concurrent_runs: 2
gateway:
  endpoint: http://models.internal:8200
  token: secret
  call_timeout: 90s
datasets:
  - name: invoices
    model_prompt: extract invoice fields
    max_pages_per_chunk: 10
    processing_options:
      enable_summary: false
`
	path := filepath.Join(t.TempDir(), "docflow.yaml")
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen != ":9090" || cfg.PrimaryOCRProvider != "google" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Gateway.CallTimeout != 90*time.Second {
		t.Errorf("call_timeout = %v", cfg.Gateway.CallTimeout)
	}
	// Defaults fill what the file omits.
	if cfg.Queue.BatchSize != DefaultConfig().Queue.BatchSize {
		t.Errorf("queue batch size = %d", cfg.Queue.BatchSize)
	}
	if len(cfg.Datasets) != 1 || cfg.Datasets[0].Name != "invoices" {
		t.Fatalf("datasets = %+v", cfg.Datasets)
	}
	opt := cfg.Datasets[0].Options.EnableSummary
	if opt == nil || *opt {
		t.Error("enable_summary override lost in YAML round-trip")
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Error("missing gateway endpoint accepted")
	}
	cfg.Gateway.Endpoint = "http://models.internal:8200"
	if err := cfg.Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
	cfg.MaxConcurrentRuns = 0
	if err := cfg.Validate(); err == nil {
		t.Error("zero max_concurrent_runs accepted")
	}
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ASSEMBLYAI_API_KEY", "test-key")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Provider.APIKey != "test-key" {
		t.Fatalf("expected api key from environment")
	}
	if cfg.Poller.Interval() != 3*time.Second {
		t.Fatalf("expected 3s poll interval, got %s", cfg.Poller.Interval())
	}
	if cfg.STT.DefaultLanguage != "English" {
		t.Fatalf("expected English default language, got %q", cfg.STT.DefaultLanguage)
	}
	if cfg.Relay.MaxRetries != 0 {
		t.Fatalf("expected relay retries disabled by default")
	}
}

func TestMissingAPIKey(t *testing.T) {
	t.Setenv("ASSEMBLYAI_API_KEY", "")
	t.Setenv("LOQA_PROVIDER_API_KEY", "")

	_, err := Load("")
	if err == nil || !strings.Contains(err.Error(), "provider.api_key") {
		t.Fatalf("expected api key validation error, got %v", err)
	}

	t.Setenv("LOQA_STT_MODE", "mock")
	if _, err := Load(""); err != nil {
		t.Fatalf("mock mode should not need an api key: %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ASSEMBLYAI_API_KEY", "from-env")
	t.Setenv("LOQA_HTTP_PORT", "8088")
	t.Setenv("LOQA_HTTP_ALLOWED_ORIGINS", "http://a.test, http://b.test")
	t.Setenv("LOQA_PROVIDER_BASE_URL", "http://provider.test")
	t.Setenv("LOQA_RELAY_MAX_RETRIES", "2")
	t.Setenv("LOQA_POLLER_INTERVAL_MS", "250")
	t.Setenv("LOQA_POLLER_MAX_ATTEMPTS", "12")
	t.Setenv("LOQA_POLLER_MAX_WAIT_MS", "5000")
	t.Setenv("LOQA_BUS_ENABLED", "true")
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_DAYS", "7")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTP.Port != 8088 {
		t.Fatalf("expected port override, got %d", cfg.HTTP.Port)
	}
	if len(cfg.HTTP.AllowedOrigins) != 2 || cfg.HTTP.AllowedOrigins[1] != "http://b.test" {
		t.Fatalf("expected allowed origins override, got %v", cfg.HTTP.AllowedOrigins)
	}
	if cfg.Provider.BaseURL != "http://provider.test" {
		t.Fatalf("expected base url override")
	}
	if cfg.Relay.MaxRetries != 2 {
		t.Fatalf("expected relay retries override")
	}
	if cfg.Poller.Interval() != 250*time.Millisecond || cfg.Poller.MaxAttempts != 12 || cfg.Poller.MaxWait() != 5*time.Second {
		t.Fatalf("expected poller overrides, got %+v", cfg.Poller)
	}
	if !cfg.Bus.Enabled || len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected bus overrides, got %+v", cfg.Bus)
	}
	if cfg.EventStore.RetentionMode != "persistent" || cfg.EventStore.RetentionDays != 7 {
		t.Fatalf("expected event store overrides")
	}
}

func TestLoadFile(t *testing.T) {
	t.Setenv("ASSEMBLYAI_API_KEY", "test-key")
	path := filepath.Join(t.TempDir(), "transcribe.yaml")
	yamlDoc := `runtime_name: relay-test
poller:
  interval_ms: 1000
  max_attempts: 5
  max_wait_ms: 60000
relay:
  max_retries: 3
`
	if err := os.WriteFile(path, []byte(yamlDoc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RuntimeName != "relay-test" {
		t.Fatalf("expected runtime name from file, got %q", cfg.RuntimeName)
	}
	if cfg.Poller.MaxAttempts != 5 || cfg.Relay.MaxRetries != 3 {
		t.Fatalf("unexpected values %+v %+v", cfg.Poller, cfg.Relay)
	}
	if cfg.Provider.BaseURL != "https://api.assemblyai.com" {
		t.Fatalf("expected untouched defaults to survive, got %q", cfg.Provider.BaseURL)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidateBounds(t *testing.T) {
	cases := map[string]func(*Config){
		"retries above cap":   func(c *Config) { c.Relay.MaxRetries = 4 },
		"negative retries":    func(c *Config) { c.Relay.MaxRetries = -1 },
		"zero poll interval":  func(c *Config) { c.Poller.IntervalMS = 0 },
		"unbounded attempts":  func(c *Config) { c.Poller.MaxAttempts = 0 },
		"unbounded wait":      func(c *Config) { c.Poller.MaxWaitMS = 0 },
		"unknown stt mode":    func(c *Config) { c.STT.Mode = "whisper" },
		"unknown log level":   func(c *Config) { c.Telemetry.LogLevel = "loud" },
		"bad retention":       func(c *Config) { c.EventStore.RetentionMode = "forever" },
		"no inflight permits": func(c *Config) { c.HTTP.MaxInflight = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			cfg.Provider.APIKey = "k"
			mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

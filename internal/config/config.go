package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	TraceStdout  bool   `yaml:"trace_stdout"`
}

type HTTPConfig struct {
	Bind           string   `yaml:"bind"`
	Port           int      `yaml:"port"`
	MaxUploadMB    int      `yaml:"max_upload_mb"`
	MaxInflight    int      `yaml:"max_inflight"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	SpoolDir       string   `yaml:"spool_dir"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Provider    ProviderConfig   `yaml:"provider"`
	Relay       RelayConfig      `yaml:"relay"`
	Poller      PollerConfig     `yaml:"poller"`
	STT         STTConfig        `yaml:"stt"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
}

// ProviderConfig describes the remote speech-to-text API. APIKey is normally
// supplied through ASSEMBLYAI_API_KEY rather than the YAML file.
type ProviderConfig struct {
	BaseURL          string `yaml:"base_url"`
	APIKey           string `yaml:"api_key"`
	UploadTimeoutMS  int    `yaml:"upload_timeout_ms"`
	RequestTimeoutMS int    `yaml:"request_timeout_ms"`
}

type RelayConfig struct {
	MaxRetries             int `yaml:"max_retries"`
	RetryInitialIntervalMS int `yaml:"retry_initial_interval_ms"`
}

type PollerConfig struct {
	IntervalMS  int `yaml:"interval_ms"`
	MaxAttempts int `yaml:"max_attempts"`
	MaxWaitMS   int `yaml:"max_wait_ms"`
}

type STTConfig struct {
	Mode            string `yaml:"mode"` // provider, mock
	DefaultLanguage string `yaml:"default_language"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
	PrivacyScope  string `yaml:"privacy_scope"`
}

// MaxRelayRetries caps relay.max_retries.
const MaxRelayRetries = 3

func Default() Config {
	return Config{
		RuntimeName: "loqa-transcribe",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:           "0.0.0.0",
			Port:           5000,
			MaxUploadMB:    512,
			MaxInflight:    32,
			AllowedOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPInsecure: true,
		},
		Provider: ProviderConfig{
			BaseURL:          "https://api.assemblyai.com",
			UploadTimeoutMS:  300000,
			RequestTimeoutMS: 15000,
		},
		Relay: RelayConfig{
			MaxRetries:             0,
			RetryInitialIntervalMS: 500,
		},
		Poller: PollerConfig{
			IntervalMS:  3000,
			MaxAttempts: 200,
			MaxWaitMS:   600000,
		},
		STT: STTConfig{
			Mode:            "provider",
			DefaultLanguage: "English",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/transcribe-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
			PrivacyScope:  "internal",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideInt(&cfg.HTTP.MaxUploadMB, "LOQA_HTTP_MAX_UPLOAD_MB")
	overrideInt(&cfg.HTTP.MaxInflight, "LOQA_HTTP_MAX_INFLIGHT")
	overrideStringSlice(&cfg.HTTP.AllowedOrigins, "LOQA_HTTP_ALLOWED_ORIGINS")
	overrideString(&cfg.HTTP.SpoolDir, "LOQA_HTTP_SPOOL_DIR")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.TraceStdout, "LOQA_TELEMETRY_TRACE_STDOUT")
	overrideString(&cfg.Provider.BaseURL, "LOQA_PROVIDER_BASE_URL")
	overrideString(&cfg.Provider.APIKey, "ASSEMBLYAI_API_KEY")
	overrideString(&cfg.Provider.APIKey, "LOQA_PROVIDER_API_KEY")
	overrideInt(&cfg.Provider.UploadTimeoutMS, "LOQA_PROVIDER_UPLOAD_TIMEOUT_MS")
	overrideInt(&cfg.Provider.RequestTimeoutMS, "LOQA_PROVIDER_REQUEST_TIMEOUT_MS")
	overrideInt(&cfg.Relay.MaxRetries, "LOQA_RELAY_MAX_RETRIES")
	overrideInt(&cfg.Relay.RetryInitialIntervalMS, "LOQA_RELAY_RETRY_INITIAL_INTERVAL_MS")
	overrideInt(&cfg.Poller.IntervalMS, "LOQA_POLLER_INTERVAL_MS")
	overrideInt(&cfg.Poller.MaxAttempts, "LOQA_POLLER_MAX_ATTEMPTS")
	overrideInt(&cfg.Poller.MaxWaitMS, "LOQA_POLLER_MAX_WAIT_MS")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.DefaultLanguage, "LOQA_STT_DEFAULT_LANGUAGE")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.EventStore.PrivacyScope, "LOQA_EVENT_STORE_PRIVACY_SCOPE")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.HTTP.MaxUploadMB <= 0 {
		return errors.New("http.max_upload_mb must be positive")
	}
	if cfg.HTTP.MaxInflight <= 0 {
		return errors.New("http.max_inflight must be >= 1")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	switch cfg.STT.Mode {
	case "provider":
		if strings.TrimSpace(cfg.Provider.APIKey) == "" {
			return errors.New("provider.api_key must be set (ASSEMBLYAI_API_KEY) when stt.mode=provider")
		}
		if cfg.Provider.BaseURL == "" {
			return errors.New("provider.base_url must not be empty")
		}
	case "mock":
	default:
		return errors.New("stt.mode must be one of provider|mock")
	}
	if cfg.Provider.UploadTimeoutMS <= 0 || cfg.Provider.RequestTimeoutMS <= 0 {
		return errors.New("provider timeouts must be positive")
	}
	if cfg.Relay.MaxRetries < 0 || cfg.Relay.MaxRetries > MaxRelayRetries {
		return fmt.Errorf("relay.max_retries must be between 0 and %d", MaxRelayRetries)
	}
	if cfg.Relay.MaxRetries > 0 && cfg.Relay.RetryInitialIntervalMS <= 0 {
		return errors.New("relay.retry_initial_interval_ms must be positive when retries are enabled")
	}
	if cfg.Poller.IntervalMS <= 0 {
		return errors.New("poller.interval_ms must be positive")
	}
	if cfg.Poller.MaxAttempts <= 0 {
		return errors.New("poller.max_attempts must be >= 1")
	}
	if cfg.Poller.MaxWaitMS <= 0 {
		return errors.New("poller.max_wait_ms must be positive")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	return nil
}

// Duration helpers keep millisecond fields readable in YAML.

func (c ProviderConfig) UploadTimeout() time.Duration {
	return time.Duration(c.UploadTimeoutMS) * time.Millisecond
}

func (c ProviderConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

func (c RelayConfig) RetryInitialInterval() time.Duration {
	return time.Duration(c.RetryInitialIntervalMS) * time.Millisecond
}

func (c PollerConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMS) * time.Millisecond
}

func (c PollerConfig) MaxWait() time.Duration {
	return time.Duration(c.MaxWaitMS) * time.Millisecond
}

func (c HTTPConfig) MaxUploadBytes() int64 {
	return int64(c.MaxUploadMB) << 20
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string  `yaml:"log_level"`
	Traces         string  `yaml:"traces"` // none, stdout, otlp
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	OTLPInsecure   bool    `yaml:"otlp_insecure"`
	SampleRatio    float64 `yaml:"sample_ratio"`
	PrometheusBind string  `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Audio       AudioConfig      `yaml:"audio"`
	Transcribe  TranscribeConfig `yaml:"transcribe"`
	STT         STTConfig        `yaml:"stt"`
	Models      ModelsConfig     `yaml:"models"`
	Paste       PasteConfig      `yaml:"paste"`
	Settings    SettingsConfig   `yaml:"settings"`
	Notify      NotifyConfig     `yaml:"notify"`
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
	// MaxReconnects of -1 retries forever.
	MaxReconnects   int `yaml:"max_reconnects"`
	ReconnectWaitMS int `yaml:"reconnect_wait_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxEntries    int    `yaml:"max_entries"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// AudioConfig controls microphone capture and scratch files.
type AudioConfig struct {
	Source  string `yaml:"source"` // portaudio, silent
	TempDir string `yaml:"temp_dir"`
}

// TranscribeConfig controls the supervised transcription server.
type TranscribeConfig struct {
	Command          string `yaml:"command"`
	RequestTimeoutMS int    `yaml:"request_timeout_ms"`
	ShutdownGraceMS  int    `yaml:"shutdown_grace_ms"`
	PreloadOnStart   bool   `yaml:"preload_on_start"`
}

// STTConfig selects the engine used when running as a transcription server.
type STTConfig struct {
	Engine          string `yaml:"engine"` // mock, exec, openai, whisper
	Command         string `yaml:"command"`
	DefaultLanguage string `yaml:"default_language"`
	OpenAIBaseURL   string `yaml:"openai_base_url"`
	OpenAIAPIKey    string `yaml:"openai_api_key"`
	OpenAIModel     string `yaml:"openai_model"`
	Threads         int    `yaml:"threads"`
}

type ModelsConfig struct {
	Dir            string `yaml:"dir"`
	BaseURL        string `yaml:"base_url"`
	StallTimeoutMS int    `yaml:"stall_timeout_ms"`
	MaxAttempts    int    `yaml:"max_attempts"`
}

type PasteConfig struct {
	Mode           string `yaml:"mode"` // auto, clipboard, disabled
	WaylandCommand string `yaml:"wayland_command"`
	SettleDelayMS  int    `yaml:"settle_delay_ms"`
}

type SettingsConfig struct {
	Path               string `yaml:"path"`
	DefaultModel       string `yaml:"default_model"`
	DefaultLanguage    string `yaml:"default_language"`
	FreeTranscriptions int    `yaml:"free_transcriptions"`
}

type NotifyConfig struct {
	Enabled bool   `yaml:"enabled"`
	Title   string `yaml:"title"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-dictate",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8089,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			Traces:         "none",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			SampleRatio:    1,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:         true,
			Embedded:        true,
			Port:            4223,
			StoreDir:        "./data/nats",
			Servers:         []string{"nats://localhost:4223"},
			ConnectTimeout:  2000,
			MaxReconnects:   -1,
			ReconnectWaitMS: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-dictations.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxEntries:    5000,
		},
		Audio: AudioConfig{
			Source: "portaudio",
		},
		Transcribe: TranscribeConfig{
			ShutdownGraceMS: 2000,
			PreloadOnStart:  true,
		},
		STT: STTConfig{
			Engine:          "whisper",
			DefaultLanguage: "en",
			OpenAIModel:     "whisper-1",
		},
		Models: ModelsConfig{
			Dir:            "./data/models",
			BaseURL:        "https://huggingface.co/ggerganov/whisper.cpp/resolve/main",
			StallTimeoutMS: 30000,
			MaxAttempts:    3,
		},
		Paste: PasteConfig{
			Mode:           "auto",
			WaylandCommand: "wtype -M ctrl -k v -m ctrl",
			SettleDelayMS:  80,
		},
		Settings: SettingsConfig{
			Path:               "./data/settings.yaml",
			DefaultModel:       "base",
			DefaultLanguage:    "en",
			FreeTranscriptions: 50,
		},
		Notify: NotifyConfig{
			Enabled: false,
			Title:   "Loqa Dictate",
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

	if err := loadDotEnv(); err != nil {
		return cfg, err
	}
	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// loadDotEnv fills unset variables from LOQA_ENV_FILE or ./.env when present.
func loadDotEnv() error {
	path := ".env"
	if value, ok := os.LookupEnv("LOQA_ENV_FILE"); ok && strings.TrimSpace(value) != "" {
		path = value
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat env file: %w", err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.Traces, "LOQA_TELEMETRY_TRACES")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideFloat(&cfg.Telemetry.SampleRatio, "LOQA_TELEMETRY_SAMPLE_RATIO")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
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
	overrideInt(&cfg.Bus.MaxReconnects, "LOQA_BUS_MAX_RECONNECTS")
	overrideInt(&cfg.Bus.ReconnectWaitMS, "LOQA_BUS_RECONNECT_WAIT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxEntries, "LOQA_EVENT_STORE_MAX_ENTRIES")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Audio.Source, "LOQA_AUDIO_SOURCE")
	overrideString(&cfg.Audio.TempDir, "LOQA_AUDIO_TEMP_DIR")
	overrideString(&cfg.Transcribe.Command, "LOQA_TRANSCRIBE_COMMAND")
	overrideInt(&cfg.Transcribe.RequestTimeoutMS, "LOQA_TRANSCRIBE_REQUEST_TIMEOUT_MS")
	overrideInt(&cfg.Transcribe.ShutdownGraceMS, "LOQA_TRANSCRIBE_SHUTDOWN_GRACE_MS")
	overrideBool(&cfg.Transcribe.PreloadOnStart, "LOQA_TRANSCRIBE_PRELOAD_ON_START")
	overrideString(&cfg.STT.Engine, "LOQA_STT_ENGINE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.DefaultLanguage, "LOQA_STT_DEFAULT_LANGUAGE")
	overrideString(&cfg.STT.OpenAIBaseURL, "LOQA_STT_OPENAI_BASE_URL")
	overrideString(&cfg.STT.OpenAIAPIKey, "LOQA_STT_OPENAI_API_KEY")
	overrideString(&cfg.STT.OpenAIModel, "LOQA_STT_OPENAI_MODEL")
	overrideInt(&cfg.STT.Threads, "LOQA_STT_THREADS")
	overrideString(&cfg.Models.Dir, "LOQA_MODELS_DIR")
	overrideString(&cfg.Models.BaseURL, "LOQA_MODELS_BASE_URL")
	overrideInt(&cfg.Models.StallTimeoutMS, "LOQA_MODELS_STALL_TIMEOUT_MS")
	overrideInt(&cfg.Models.MaxAttempts, "LOQA_MODELS_MAX_ATTEMPTS")
	overrideString(&cfg.Paste.Mode, "LOQA_PASTE_MODE")
	overrideString(&cfg.Paste.WaylandCommand, "LOQA_PASTE_WAYLAND_COMMAND")
	overrideInt(&cfg.Paste.SettleDelayMS, "LOQA_PASTE_SETTLE_DELAY_MS")
	overrideString(&cfg.Settings.Path, "LOQA_SETTINGS_PATH")
	overrideString(&cfg.Settings.DefaultModel, "LOQA_SETTINGS_DEFAULT_MODEL")
	overrideString(&cfg.Settings.DefaultLanguage, "LOQA_SETTINGS_DEFAULT_LANGUAGE")
	overrideInt(&cfg.Settings.FreeTranscriptions, "LOQA_SETTINGS_FREE_TRANSCRIPTIONS")
	overrideBool(&cfg.Notify.Enabled, "LOQA_NOTIFY_ENABLED")
	overrideString(&cfg.Notify.Title, "LOQA_NOTIFY_TITLE")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
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
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch cfg.Telemetry.Traces {
	case "none", "stdout":
	case "otlp":
		if strings.TrimSpace(cfg.Telemetry.OTLPEndpoint) == "" {
			return errors.New("telemetry.otlp_endpoint must be set when traces=otlp")
		}
	default:
		return errors.New("telemetry.traces must be one of none|stdout|otlp")
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return errors.New("telemetry.sample_ratio must be between 0 and 1")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Audio.Source {
	case "portaudio", "silent":
	default:
		return errors.New("audio.source must be one of portaudio|silent")
	}
	if cfg.Transcribe.RequestTimeoutMS < 0 {
		return errors.New("transcribe.request_timeout_ms must be >= 0")
	}
	if cfg.Transcribe.ShutdownGraceMS < 0 {
		return errors.New("transcribe.shutdown_grace_ms must be >= 0")
	}
	switch cfg.STT.Engine {
	case "mock", "exec", "openai", "whisper":
	default:
		return errors.New("stt.engine must be one of mock|exec|openai|whisper")
	}
	if cfg.STT.Engine == "exec" && cfg.STT.Command == "" {
		return errors.New("stt.command must be set when engine=exec")
	}
	if cfg.Models.MaxAttempts <= 0 {
		return errors.New("models.max_attempts must be >= 1")
	}
	if cfg.Models.StallTimeoutMS <= 0 {
		return errors.New("models.stall_timeout_ms must be positive")
	}
	switch cfg.Paste.Mode {
	case "auto", "clipboard", "disabled":
	default:
		return errors.New("paste.mode must be one of auto|clipboard|disabled")
	}
	if cfg.Settings.Path == "" {
		return errors.New("settings.path must not be empty")
	}
	if cfg.Settings.DefaultModel == "" {
		return errors.New("settings.default_model must not be empty")
	}
	if cfg.Settings.FreeTranscriptions < 0 {
		return errors.New("settings.free_transcriptions must be >= 0")
	}
	return nil
}

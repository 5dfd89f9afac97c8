package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4223" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Transcribe.RequestTimeoutMS != 0 {
		t.Fatalf("expected no request timeout by default, got %d", cfg.Transcribe.RequestTimeoutMS)
	}
	if cfg.Settings.DefaultModel != "base" {
		t.Fatalf("expected base default model, got %q", cfg.Settings.DefaultModel)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dictate.yaml")
	data := []byte(`
stt:
  engine: exec
  command: "whisper-cli --json"
transcribe:
  request_timeout_ms: 15000
paste:
  mode: clipboard
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.STT.Engine != "exec" || cfg.STT.Command != "whisper-cli --json" {
		t.Fatalf("expected exec engine from file, got %+v", cfg.STT)
	}
	if cfg.Transcribe.RequestTimeoutMS != 15000 {
		t.Fatalf("expected request timeout 15000, got %d", cfg.Transcribe.RequestTimeoutMS)
	}
	if cfg.Paste.Mode != "clipboard" {
		t.Fatalf("expected clipboard paste mode, got %q", cfg.Paste.Mode)
	}
	if cfg.Models.MaxAttempts != 3 {
		t.Fatalf("expected defaults kept for unset fields, got %d", cfg.Models.MaxAttempts)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("LOQA_EVENT_STORE_MAX_ENTRIES", "123")
	t.Setenv("LOQA_EVENT_STORE_VACUUM_ON_START", "true")
	t.Setenv("LOQA_STT_ENGINE", "mock")
	t.Setenv("LOQA_TRANSCRIBE_COMMAND", "/usr/bin/fake-server --model")
	t.Setenv("LOQA_SETTINGS_FREE_TRANSCRIPTIONS", "3")
	t.Setenv("LOQA_TELEMETRY_SAMPLE_RATIO", "0.25")
	t.Setenv("LOQA_BUS_MAX_RECONNECTS", "5")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.EventStore.Path != "./tmp.db" {
		t.Fatalf("expected event store path override")
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store retention mode override")
	}
	if cfg.EventStore.RetentionDays != 7 {
		t.Fatalf("expected event store retention days override")
	}
	if cfg.EventStore.MaxEntries != 123 {
		t.Fatalf("expected event store max entries override")
	}
	if !cfg.EventStore.VacuumOnStart {
		t.Fatalf("expected event store vacuum flag override")
	}
	if cfg.STT.Engine != "mock" {
		t.Fatalf("expected stt engine override, got %q", cfg.STT.Engine)
	}
	if cfg.Transcribe.Command != "/usr/bin/fake-server --model" {
		t.Fatalf("expected transcribe command override, got %q", cfg.Transcribe.Command)
	}
	if cfg.Settings.FreeTranscriptions != 3 {
		t.Fatalf("expected free transcriptions override, got %d", cfg.Settings.FreeTranscriptions)
	}
	if cfg.Telemetry.SampleRatio != 0.25 {
		t.Fatalf("expected sample ratio override, got %v", cfg.Telemetry.SampleRatio)
	}
	if cfg.Bus.MaxReconnects != 5 {
		t.Fatalf("expected max reconnects override, got %d", cfg.Bus.MaxReconnects)
	}
}

func TestDotEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dictate.env")
	if err := os.WriteFile(path, []byte("LOQA_HTTP_PORT=9911\n"), 0o644); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("LOQA_ENV_FILE", path)
	// Registered so t.Setenv restores the variable godotenv sets.
	t.Setenv("LOQA_HTTP_PORT", "")
	os.Unsetenv("LOQA_HTTP_PORT")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Port != 9911 {
		t.Fatalf("expected port from env file, got %d", cfg.HTTP.Port)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"stt engine":      func(c *Config) { c.STT.Engine = "cloud" },
		"exec command":    func(c *Config) { c.STT.Engine = "exec"; c.STT.Command = "" },
		"paste mode":      func(c *Config) { c.Paste.Mode = "type" },
		"audio source":    func(c *Config) { c.Audio.Source = "alsa" },
		"request timeout": func(c *Config) { c.Transcribe.RequestTimeoutMS = -1 },
		"model attempts":  func(c *Config) { c.Models.MaxAttempts = 0 },
		"settings path":   func(c *Config) { c.Settings.Path = "" },
		"traces":          func(c *Config) { c.Telemetry.Traces = "jaeger" },
		"otlp endpoint":   func(c *Config) { c.Telemetry.Traces = "otlp" },
		"sample ratio":    func(c *Config) { c.Telemetry.SampleRatio = 1.5 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

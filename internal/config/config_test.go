package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:    "0.0.0.0",
			Port:       8080,
			PublicHost: "calls.example.com",
		},
		Sessions: SessionsConfig{
			MaxConcurrent:      16,
			IdleTimeoutSeconds: 120,
			Greeting:           "Thanks for calling, how can I help?",
		},
		Segmenter: SegmenterConfig{
			SilenceTimeoutMs:    600,
			GracePeriodMs:       400,
			MaxUtteranceSeconds: 30,
			VoiceThreshold:      500,
		},
		Understanding: UnderstandingConfig{
			APIKey:         "test-key",
			Model:          "gpt-4o-mini",
			TimeoutSeconds: 10,
		},
		Transcription: TranscriptionConfig{
			APIKey: "test-key",
			Model:  "nova-3",
		},
		Synthesis: SynthesisConfig{
			APIKey:     "test-key",
			Voice:      "aura-2-asteria-en",
			SampleRate: 24000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Config)
		errorMsg string
	}{
		{
			name:   "valid configuration",
			mutate: func(*Config) {},
		},
		{
			name:     "invalid server port",
			mutate:   func(c *Config) { c.Server.Port = 0 },
			errorMsg: "port must be between",
		},
		{
			name:     "missing public host",
			mutate:   func(c *Config) { c.Server.PublicHost = "" },
			errorMsg: "public_host cannot be empty",
		},
		{
			name:     "zero session capacity",
			mutate:   func(c *Config) { c.Sessions.MaxConcurrent = 0 },
			errorMsg: "max_concurrent must be at least 1",
		},
		{
			name:     "silence timeout too small",
			mutate:   func(c *Config) { c.Segmenter.SilenceTimeoutMs = 50 },
			errorMsg: "silence_timeout_ms must be at least 100",
		},
		{
			name:     "negative grace period",
			mutate:   func(c *Config) { c.Segmenter.GracePeriodMs = -1 },
			errorMsg: "grace_period_ms cannot be negative",
		},
		{
			name:     "understanding timeout missing",
			mutate:   func(c *Config) { c.Understanding.TimeoutSeconds = 0 },
			errorMsg: "timeout_seconds must be at least 1",
		},
		{
			name:     "unsupported synthesis rate",
			mutate:   func(c *Config) { c.Synthesis.SampleRate = 44100 },
			errorMsg: "sample_rate must be one of",
		},
		{
			name: "notify enabled without credentials",
			mutate: func(c *Config) {
				c.Notify = NotifyConfig{Enabled: true, From: "+155500", To: "+155501"}
			},
			errorMsg: "account_sid and auth_token are required",
		},
		{
			name: "notify dry run needs no credentials",
			mutate: func(c *Config) {
				c.Notify = NotifyConfig{Enabled: true, DryRun: true}
			},
		},
		{
			name:     "unknown log level",
			mutate:   func(c *Config) { c.Logging.Level = "verbose" },
			errorMsg: "level must be one of",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig()
			tt.mutate(&config)

			err := config.Validate()
			if tt.errorMsg == "" {
				if err != nil {
					t.Fatalf("expected valid config, got: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("expected error containing %q, got: %v", tt.errorMsg, err)
			}
		})
	}
}

func TestLoadParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  address: 0.0.0.0
  port: 9090
  public_host: calls.example.com
sessions:
  max_concurrent: 8
  idle_timeout_seconds: 90
  greeting: "Hello!"
segmenter:
  silence_timeout_ms: 500
  grace_period_ms: 300
  max_utterance_seconds: 20
  voice_threshold: 400
understanding:
  api_key: sk-test
  model: gpt-4o-mini
  timeout_seconds: 8
transcription:
  api_key: dg-test
synthesis:
  api_key: dg-test
  sample_rate: 24000
logging:
  level: debug
  format: text
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	config, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if config.Server.Port != 9090 {
		t.Errorf("expected port 9090, got %d", config.Server.Port)
	}
	if config.Sessions.IdleTimeout() != 90*time.Second {
		t.Errorf("expected a 90s idle timeout, got %v", config.Sessions.IdleTimeout())
	}
	if config.Segmenter.SilenceTimeout() != 500*time.Millisecond {
		t.Errorf("expected a 500ms silence timeout, got %v", config.Segmenter.SilenceTimeout())
	}
	if config.Segmenter.MaxUtterance() != 20*time.Second {
		t.Errorf("expected a 20s utterance bound, got %v", config.Segmenter.MaxUtterance())
	}
	if config.Understanding.Timeout() != 8*time.Second {
		t.Errorf("expected an 8s understanding timeout, got %v", config.Understanding.Timeout())
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: -1\n"), 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected a validation error")
	}
}

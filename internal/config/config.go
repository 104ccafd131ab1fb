package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete service configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Sessions      SessionsConfig      `yaml:"sessions"`
	Segmenter     SegmenterConfig     `yaml:"segmenter"`
	Understanding UnderstandingConfig `yaml:"understanding"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Synthesis     SynthesisConfig     `yaml:"synthesis"`
	Storage       StorageConfig       `yaml:"storage"`
	Notify        NotifyConfig        `yaml:"notify"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig contains the HTTP server configuration.
type ServerConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
	// PublicHost is the externally reachable host used in the TwiML stream
	// URL handed to the telephony provider, e.g. "calls.example.com".
	PublicHost string `yaml:"public_host"`
}

// SessionsConfig bounds concurrent calls and their lifetime.
type SessionsConfig struct {
	MaxConcurrent      int    `yaml:"max_concurrent"`
	IdleTimeoutSeconds int    `yaml:"idle_timeout_seconds"`
	Greeting           string `yaml:"greeting"`
}

// SegmenterConfig tunes utterance boundary detection.
type SegmenterConfig struct {
	SilenceTimeoutMs    int `yaml:"silence_timeout_ms"`
	GracePeriodMs       int `yaml:"grace_period_ms"`
	MaxUtteranceSeconds int `yaml:"max_utterance_seconds"`
	VoiceThreshold      int `yaml:"voice_threshold"`
}

// UnderstandingConfig configures the language-model collaborator.
type UnderstandingConfig struct {
	APIKey          string `yaml:"api_key"`
	Model           string `yaml:"model"`
	BaseURL         string `yaml:"base_url"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
	BusinessContext string `yaml:"business_context"`
}

// TranscriptionConfig configures the speech-to-text collaborator.
type TranscriptionConfig struct {
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	Language string `yaml:"language"`
}

// SynthesisConfig configures the text-to-speech collaborator.
type SynthesisConfig struct {
	APIKey     string `yaml:"api_key"`
	Voice      string `yaml:"voice"`
	SampleRate int    `yaml:"sample_rate"`
}

// StorageConfig locates the on-disk stores.
type StorageConfig struct {
	BookingsDir string `yaml:"bookings_dir"`
	CallLogDir  string `yaml:"calllog_dir"`
}

// NotifyConfig configures outbound WhatsApp notifications.
type NotifyConfig struct {
	Enabled    bool   `yaml:"enabled"`
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
	From       string `yaml:"from"`
	To         string `yaml:"to"`
	// DryRun logs messages instead of sending them.
	DryRun bool `yaml:"dry_run"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	// References like ${OPENAI_API_KEY} are expanded before parsing, so
	// secrets can stay out of the file.
	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Sessions.Validate(); err != nil {
		return fmt.Errorf("sessions config: %w", err)
	}

	if err := c.Segmenter.Validate(); err != nil {
		return fmt.Errorf("segmenter config: %w", err)
	}

	if err := c.Understanding.Validate(); err != nil {
		return fmt.Errorf("understanding config: %w", err)
	}

	if err := c.Synthesis.Validate(); err != nil {
		return fmt.Errorf("synthesis config: %w", err)
	}

	if err := c.Notify.Validate(); err != nil {
		return fmt.Errorf("notify config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration.
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.PublicHost == "" {
		return fmt.Errorf("public_host cannot be empty")
	}

	return nil
}

// Validate validates session bounds.
func (s *SessionsConfig) Validate() error {
	if s.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", s.MaxConcurrent)
	}

	if s.IdleTimeoutSeconds < 1 {
		return fmt.Errorf("idle_timeout_seconds must be at least 1, got %d", s.IdleTimeoutSeconds)
	}

	return nil
}

// Validate validates segmenter tuning.
func (s *SegmenterConfig) Validate() error {
	if s.SilenceTimeoutMs < 100 {
		return fmt.Errorf("silence_timeout_ms must be at least 100, got %d", s.SilenceTimeoutMs)
	}

	if s.GracePeriodMs < 0 {
		return fmt.Errorf("grace_period_ms cannot be negative, got %d", s.GracePeriodMs)
	}

	if s.MaxUtteranceSeconds < 1 {
		return fmt.Errorf("max_utterance_seconds must be at least 1, got %d", s.MaxUtteranceSeconds)
	}

	if s.VoiceThreshold < 0 {
		return fmt.Errorf("voice_threshold cannot be negative, got %d", s.VoiceThreshold)
	}

	return nil
}

// Validate validates the understanding collaborator configuration.
func (u *UnderstandingConfig) Validate() error {
	if u.TimeoutSeconds < 1 {
		return fmt.Errorf("timeout_seconds must be at least 1, got %d", u.TimeoutSeconds)
	}

	return nil
}

// Validate validates the synthesis configuration.
func (s *SynthesisConfig) Validate() error {
	if s.SampleRate != 0 && s.SampleRate != 8000 && s.SampleRate != 16000 && s.SampleRate != 24000 && s.SampleRate != 48000 {
		return fmt.Errorf("sample_rate must be one of 8000, 16000, 24000, 48000, got %d", s.SampleRate)
	}

	return nil
}

// Validate validates the notification configuration.
func (n *NotifyConfig) Validate() error {
	if !n.Enabled || n.DryRun {
		return nil
	}

	if n.AccountSID == "" || n.AuthToken == "" {
		return fmt.Errorf("account_sid and auth_token are required when notifications are enabled")
	}

	if n.From == "" || n.To == "" {
		return fmt.Errorf("from and to numbers are required when notifications are enabled")
	}

	return nil
}

// Validate validates logging configuration.
func (l *LoggingConfig) Validate() error {
	switch l.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("level must be one of debug, info, warn, error, got %q", l.Level)
	}

	switch l.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("format must be json or text, got %q", l.Format)
	}

	return nil
}

// IdleTimeout returns the session idle timeout as a duration.
func (s *SessionsConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutSeconds) * time.Second
}

// SilenceTimeout returns the segmenter silence timeout as a duration.
func (s *SegmenterConfig) SilenceTimeout() time.Duration {
	return time.Duration(s.SilenceTimeoutMs) * time.Millisecond
}

// GracePeriod returns the segmenter grace period as a duration.
func (s *SegmenterConfig) GracePeriod() time.Duration {
	return time.Duration(s.GracePeriodMs) * time.Millisecond
}

// MaxUtterance returns the force-finalize bound as a duration.
func (s *SegmenterConfig) MaxUtterance() time.Duration {
	return time.Duration(s.MaxUtteranceSeconds) * time.Second
}

// Timeout returns the understanding call timeout as a duration.
func (u *UnderstandingConfig) Timeout() time.Duration {
	return time.Duration(u.TimeoutSeconds) * time.Second
}

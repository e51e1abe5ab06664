package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Audio         AudioConfig         `yaml:"audio"`
	Session       SessionConfig       `yaml:"session"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig contains HTTP and websocket server configuration
type ServerConfig struct {
	Address        string `yaml:"address"`
	Port           int    `yaml:"port"`
	MaxMessageSize int64  `yaml:"max_message_size"` // bytes, websocket read limit
}

// AudioConfig contains audio ingest parameters
type AudioConfig struct {
	Channels          int     `yaml:"channels"`
	BitDepth          int     `yaml:"bit_depth"`
	DefaultSampleRate int     `yaml:"default_sample_rate"` // Hz, used when init omits one
	ChunkMinDuration  float64 `yaml:"chunk_min_duration"`  // seconds
}

// supportedSampleRates are the rates the WAV framer will put in a
// chunk header.
var supportedSampleRates = map[int]bool{
	8000: true, 16000: true, 22050: true, 24000: true, 44100: true, 48000: true,
}

// SessionConfig contains session lifecycle configuration
type SessionConfig struct {
	SpoolDir        string `yaml:"spool_dir"`
	IdleTimeout     int    `yaml:"idle_timeout"`     // seconds
	CleanupInterval int    `yaml:"cleanup_interval"` // seconds
}

// TranscriptionConfig contains transcription engine configuration
type TranscriptionConfig struct {
	APIKey        string  `yaml:"api_key"`
	BaseURL       string  `yaml:"base_url"`
	Model         string  `yaml:"model"`
	Timeout       int     `yaml:"timeout"` // seconds
	MaxRetries    int     `yaml:"max_retries"`
	BackoffBase   float64 `yaml:"backoff_base"` // seconds
	BackoffCap    float64 `yaml:"backoff_cap"`  // seconds
	MaxConcurrent int     `yaml:"max_concurrent"`

	Fallback FallbackConfig `yaml:"fallback"`
}

// FallbackConfig contains the local fallback engine configuration
type FallbackConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Timeout  int    `yaml:"timeout"` // seconds
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file. The OPENAI_API_KEY
// environment variable overrides the api_key from the file so the key
// can stay out of version control.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		config.Transcription.APIKey = key
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}

	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	if s.MaxMessageSize < 1024 {
		return fmt.Errorf("max_message_size must be at least 1024 bytes, got %d", s.MaxMessageSize)
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.Channels != 1 {
		return fmt.Errorf("channels must be 1 (mono), got %d", a.Channels)
	}

	if a.BitDepth != 16 {
		return fmt.Errorf("bit_depth must be 16, got %d", a.BitDepth)
	}

	if !supportedSampleRates[a.DefaultSampleRate] {
		return fmt.Errorf("default_sample_rate %d is not supported", a.DefaultSampleRate)
	}

	if a.ChunkMinDuration <= 0 {
		return fmt.Errorf("chunk_min_duration must be positive, got %f", a.ChunkMinDuration)
	}

	return nil
}

// Validate validates session configuration
func (s *SessionConfig) Validate() error {
	if s.SpoolDir == "" {
		return fmt.Errorf("spool_dir cannot be empty")
	}

	if s.IdleTimeout < 1 {
		return fmt.Errorf("idle_timeout must be at least 1 second, got %d", s.IdleTimeout)
	}

	if s.CleanupInterval < 1 {
		return fmt.Errorf("cleanup_interval must be at least 1 second, got %d", s.CleanupInterval)
	}

	return nil
}

// Validate validates transcription configuration
func (t *TranscriptionConfig) Validate() error {
	if t.APIKey == "" {
		return fmt.Errorf("api_key cannot be empty (set it in the config file or via OPENAI_API_KEY)")
	}

	if t.Model == "" {
		return fmt.Errorf("model cannot be empty")
	}

	if t.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
	}

	if t.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be at least 1, got %d", t.MaxRetries)
	}

	if t.BackoffBase <= 0 {
		return fmt.Errorf("backoff_base must be positive, got %f", t.BackoffBase)
	}

	if t.BackoffCap < t.BackoffBase {
		return fmt.Errorf("backoff_cap (%f) must be at least backoff_base (%f)", t.BackoffCap, t.BackoffBase)
	}

	if t.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", t.MaxConcurrent)
	}

	if t.Fallback.Enabled {
		if t.Fallback.Endpoint == "" {
			return fmt.Errorf("fallback endpoint cannot be empty when fallback is enabled")
		}
		if t.Fallback.Timeout < 1 {
			return fmt.Errorf("fallback timeout must be at least 1 second, got %d", t.Fallback.Timeout)
		}
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// GetChunkMinDuration returns the minimum chunk duration as a time.Duration
func (a *AudioConfig) GetChunkMinDuration() time.Duration {
	return time.Duration(a.ChunkMinDuration * float64(time.Second))
}

// GetIdleTimeoutDuration returns the session idle timeout as a time.Duration
func (s *SessionConfig) GetIdleTimeoutDuration() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Second
}

// GetCleanupIntervalDuration returns the reaper interval as a time.Duration
func (s *SessionConfig) GetCleanupIntervalDuration() time.Duration {
	return time.Duration(s.CleanupInterval) * time.Second
}

// GetTimeoutDuration returns the per-request transcription timeout as a time.Duration
func (t *TranscriptionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

// GetBackoffBaseDuration returns the base retry backoff as a time.Duration
func (t *TranscriptionConfig) GetBackoffBaseDuration() time.Duration {
	return time.Duration(t.BackoffBase * float64(time.Second))
}

// GetBackoffCapDuration returns the retry backoff ceiling as a time.Duration
func (t *TranscriptionConfig) GetBackoffCapDuration() time.Duration {
	return time.Duration(t.BackoffCap * float64(time.Second))
}

// GetFallbackTimeoutDuration returns the fallback request timeout as a time.Duration
func (f *FallbackConfig) GetFallbackTimeoutDuration() time.Duration {
	return time.Duration(f.Timeout) * time.Second
}

// Package config loads the client configuration from a .env file, the
// environment and an optional YAML persona file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/d1nch8g/livevoice/transport"
)

const (
	TransportGemini = "gemini"
	TransportYandex = "yandex"
)

const defaultInstructions = "You are a friendly voice assistant. Answer briefly and naturally, " +
	"in the language the user speaks."

type Config struct {
	Transport string

	// Gemini API key, or Yandex API key when no IAM token is set.
	APIKey   string
	IAMToken string
	FolderID string
	Language string

	Model               string
	Voice               string
	Instructions        string
	ResponseModalities  []string
	OutputTranscription bool
	PersonaFile         string

	InputSampleRate  int
	OutputSampleRate int
	FramesPerBuffer  int

	LogLevel    string
	MetricsAddr string
}

// Persona overrides the agent settings from a YAML file.
type Persona struct {
	Model              string   `yaml:"model"`
	Voice              string   `yaml:"voice"`
	Language           string   `yaml:"language"`
	Instructions       string   `yaml:"instructions"`
	ResponseModalities []string `yaml:"response_modalities"`
}

// ConfigError reports a missing or invalid setting. It disables streaming.
type ConfigError struct {
	Key     string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error: %s %s", e.Key, e.Message)
}

// LoadConfig reads .env (if present) and the environment.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{
		Transport:           strings.ToLower(getenv("TRANSPORT", TransportGemini)),
		APIKey:              os.Getenv("API_KEY"),
		IAMToken:            os.Getenv("IAM_TOKEN"),
		FolderID:            os.Getenv("FOLDER_ID"),
		Language:            os.Getenv("LANGUAGE"),
		Model:               os.Getenv("MODEL"),
		Voice:               os.Getenv("VOICE"),
		Instructions:        os.Getenv("INSTRUCTIONS"),
		OutputTranscription: os.Getenv("OUTPUT_TRANSCRIPTION") == "true",
		PersonaFile:         os.Getenv("PERSONA_FILE"),
		LogLevel:            getenv("LOG_LEVEL", "info"),
		MetricsAddr:         os.Getenv("METRICS_ADDR"),
	}
	if m := os.Getenv("RESPONSE_MODALITIES"); m != "" {
		cfg.ResponseModalities = strings.Split(m, ",")
	}

	var err error
	if cfg.InputSampleRate, err = getenvInt("INPUT_SAMPLE_RATE", 16000); err != nil {
		return nil, err
	}
	if cfg.OutputSampleRate, err = getenvInt("OUTPUT_SAMPLE_RATE", 24000); err != nil {
		return nil, err
	}
	if cfg.FramesPerBuffer, err = getenvInt("FRAMES_PER_BUFFER", 1024); err != nil {
		return nil, err
	}

	if cfg.PersonaFile != "" {
		p, err := LoadPersona(cfg.PersonaFile)
		if err != nil {
			return nil, err
		}
		cfg.applyPersona(p)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadPersona reads a persona file.
func LoadPersona(path string) (*Persona, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read persona file: %w", err)
	}
	var p Persona
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse persona file %s: %w", path, err)
	}
	return &p, nil
}

func (c *Config) applyPersona(p *Persona) {
	if p.Model != "" {
		c.Model = p.Model
	}
	if p.Voice != "" {
		c.Voice = p.Voice
	}
	if p.Language != "" {
		c.Language = p.Language
	}
	if p.Instructions != "" {
		c.Instructions = strings.TrimSpace(p.Instructions)
	}
	if len(p.ResponseModalities) > 0 {
		c.ResponseModalities = p.ResponseModalities
	}
}

func (c *Config) applyDefaults() {
	switch c.Transport {
	case TransportYandex:
		if c.Model == "" {
			c.Model = "yandexgpt-lite"
		}
		if c.Voice == "" {
			c.Voice = "marina"
		}
		if c.Language == "" {
			c.Language = "ru-RU"
		}
	default:
		if c.Model == "" {
			c.Model = "gemini-2.5-flash-native-audio-preview-09-2025"
		}
		if c.Voice == "" {
			c.Voice = "Orus"
		}
	}
	if c.Instructions == "" {
		c.Instructions = defaultInstructions
	}
}

// Validate checks the credentials required by the selected transport.
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportGemini:
		if c.APIKey == "" {
			return &ConfigError{Key: "API_KEY", Message: "is not set"}
		}
	case TransportYandex:
		if c.IAMToken == "" && c.APIKey == "" {
			return &ConfigError{Key: "IAM_TOKEN", Message: "or API_KEY must be set"}
		}
		if c.FolderID == "" {
			return &ConfigError{Key: "FOLDER_ID", Message: "is not set"}
		}
	default:
		return &ConfigError{Key: "TRANSPORT", Message: fmt.Sprintf("has unknown value %q", c.Transport)}
	}
	if c.InputSampleRate <= 0 || c.OutputSampleRate <= 0 || c.FramesPerBuffer <= 0 {
		return &ConfigError{Key: "INPUT_SAMPLE_RATE", Message: "and OUTPUT_SAMPLE_RATE, FRAMES_PER_BUFFER must be positive"}
	}
	return nil
}

// SessionConfig returns the settings passed to the transport on connect.
func (c *Config) SessionConfig() transport.SessionConfig {
	sc := transport.SessionConfig{
		Model:              c.Model,
		Voice:              c.Voice,
		Instructions:       c.Instructions,
		ResponseModalities: c.ResponseModalities,
		InputSampleRate:    c.InputSampleRate,
		Extra:              map[string]string{},
	}
	if c.Language != "" {
		sc.Extra["language"] = c.Language
	}
	if c.OutputTranscription {
		sc.Extra["output_transcription"] = "true"
	}
	return sc
}

// SlogLevel maps LOG_LEVEL onto a slog level. Unknown values mean info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

// Package config handles trainerd configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/trainerd/config.yaml, /etc/trainerd/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "trainerd", "config.yaml"))
	}

	paths = append(paths, "/etc/trainerd/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all trainerd configuration.
type Config struct {
	Model    ModelConfig    `yaml:"model"`
	Agent    AgentConfig    `yaml:"agent"`
	Delivery DeliveryConfig `yaml:"delivery"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	DataDir  string         `yaml:"data_dir"`
	LogLevel string         `yaml:"log_level"`
}

// ModelConfig defines the model provider connection.
type ModelConfig struct {
	// OllamaURL is the provider endpoint (default: http://localhost:11434).
	OllamaURL string `yaml:"ollama_url"`
	// Name is the model to use for every turn.
	Name string `yaml:"name"`
	// RequestTimeoutSec bounds every non-streaming provider request.
	// This is the single timeout for all call sites; streaming calls
	// are bounded by context instead. Default 30.
	RequestTimeoutSec int `yaml:"request_timeout_sec"`
}

// AgentConfig defines turn-loop behavior.
type AgentConfig struct {
	// MaxTurns caps model round trips per user message (default 5).
	MaxTurns int `yaml:"max_turns"`
	// SystemPromptFile points at the coach persona prompt. Empty uses
	// the built-in prompt.
	SystemPromptFile string `yaml:"system_prompt_file"`
}

// DeliveryConfig defines the retry schedule for message delivery.
type DeliveryConfig struct {
	MaxAttempts  int `yaml:"max_attempts"`   // default 3
	BaseDelaySec int `yaml:"base_delay_sec"` // default 1
	MaxDelaySec  int `yaml:"max_delay_sec"`  // default 30
}

// MQTTConfig defines the optional status/telemetry publisher.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BrokerURL   string `yaml:"broker_url"` // e.g. mqtt://broker:1883
	ClientID    string `yaml:"client_id"`  // default: trainerd
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"` // default: trainerd
}

// RequestTimeout returns the configured provider timeout as a
// duration.
func (m ModelConfig) RequestTimeout() time.Duration {
	if m.RequestTimeoutSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(m.RequestTimeoutSec) * time.Second
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables so secrets can live outside the file
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Model: ModelConfig{
			OllamaURL:         "http://localhost:11434",
			Name:              "qwen3:4b",
			RequestTimeoutSec: 30,
		},
		Agent: AgentConfig{
			MaxTurns: 5,
		},
		Delivery: DeliveryConfig{
			MaxAttempts:  3,
			BaseDelaySec: 1,
			MaxDelaySec:  30,
		},
		MQTT: MQTTConfig{
			ClientID:    "trainerd",
			TopicPrefix: "trainerd",
		},
		DataDir: "data",
	}
}

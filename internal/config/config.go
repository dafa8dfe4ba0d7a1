// Package config handles Vesta configuration loading.
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
// Then: ./vesta.yaml, ~/.config/vesta/vesta.yaml, /etc/vesta/vesta.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"vesta.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "vesta", "vesta.yaml"))
	}

	paths = append(paths, "/etc/vesta/vesta.yaml")
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

// Config holds all Vesta configuration.
type Config struct {
	Listen        ListenConfig           `yaml:"listen"`
	HomeAssistant HomeAssistantConfig    `yaml:"homeassistant"`
	Ollama        OllamaConfig           `yaml:"ollama"`
	MQTT          MQTTConfig             `yaml:"mqtt"`
	DataDir       string                 `yaml:"data_dir"`
	Timezone      string                 `yaml:"timezone"`
	RetentionDays int                    `yaml:"retention_days"`
	DefaultUser   string                 `yaml:"default_user"`
	Users         map[string]UserProfile `yaml:"users"`
	LogLevel      string                 `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// HomeAssistantConfig defines HA connection settings.
type HomeAssistantConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
	// Watch enables the WebSocket event stream that triggers catalog
	// resyncs when the entity or area registry changes.
	Watch bool `yaml:"watch"`
}

// OllamaConfig defines the language model endpoint.
type OllamaConfig struct {
	URL        string `yaml:"url"`   // Default: http://localhost:11434
	Model      string `yaml:"model"` // Default: mixtral
	TimeoutSec int    `yaml:"timeout_sec"`
}

// Timeout returns the per-generate timeout, defaulting to two minutes.
func (o OllamaConfig) Timeout() time.Duration {
	if o.TimeoutSec <= 0 {
		return 120 * time.Second
	}
	return time.Duration(o.TimeoutSec) * time.Second
}

// MQTTConfig defines the voice transport broker settings. The external
// wake-word/STT stack publishes transcripts to <topic_prefix>/transcript
// and the TTS stack subscribes to <topic_prefix>/say.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BrokerURL   string `yaml:"broker_url"` // e.g. mqtt://broker.local:1883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"` // Default: vesta
}

// UserProfile carries per-speaker preferences surfaced to the language
// model as advisory context.
type UserProfile struct {
	MediaPlayer         string `yaml:"media_player"`
	PreferredTemp       int    `yaml:"preferred_temp"`
	PreferredBrightness int    `yaml:"preferred_brightness"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
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
		Listen: ListenConfig{Port: 8099},
		Ollama: OllamaConfig{
			URL:   "http://localhost:11434",
			Model: "mixtral",
		},
		MQTT: MQTTConfig{
			TopicPrefix: "vesta",
		},
		DataDir:       ".",
		RetentionDays: 7,
		DefaultUser:   "default",
	}
}

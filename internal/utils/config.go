package utils

import (
	"errors"
	"os"
	"time"

	"github.com/benmeehan/gardena-mqtt-bridge/internal/services"
	"github.com/benmeehan/gardena-mqtt-bridge/pkg/file"
)

// Config represents the structure of the configuration file.
type Config struct {
	MQTT struct {
		Broker   string `yaml:"broker"`    // MQTT broker address, e.g. tcp://host:1883
		ClientID string `yaml:"client_id"` // MQTT client ID prefix
		Username string `yaml:"username"`  // Optional broker username (env MQTT_USERNAME)
		Password string `yaml:"password"`  // Optional broker password (env MQTT_PASSWORD)
		QOS      int    `yaml:"qos"`       // QoS for publishes and subscriptions
	} `yaml:"mqtt"`

	Gardena struct {
		APIKey      string        `yaml:"api_key"`      // Application key (env GARDENA_API_KEY)
		APISecret   string        `yaml:"api_secret"`   // Application secret (env GARDENA_API_SECRET)
		AuthHost    string        `yaml:"auth_host"`    // OAuth2 authentication host
		APIHost     string        `yaml:"api_host"`     // Smart system API host
		TokenMargin time.Duration `yaml:"token_margin"` // Minimum remaining token lifetime
		TraceStream bool          `yaml:"trace_stream"` // Log every raw stream frame at debug level
	} `yaml:"gardena"`

	Stream services.StreamConfig `yaml:"stream"`

	Logging struct {
		Level      string `yaml:"level"`       // debug, info, warn, error
		File       string `yaml:"file"`        // Log file path; empty disables file logging
		MaxSizeMB  int    `yaml:"max_size_mb"` // Rotation threshold
		MaxBackups int    `yaml:"max_backups"` // Rotated files retained
	} `yaml:"logging"`

	ShutdownGrace time.Duration `yaml:"shutdown_grace"` // Grace period before forced exit
}

// LoadConfig loads the YAML configuration, applies environment overrides for
// the secrets and fills in defaults. Missing credentials are a configuration
// failure; the bridge cannot run without them.
func LoadConfig(filename string, fileClient file.FileOperations) (*Config, error) {
	var config Config
	if err := fileClient.ReadYamlFile(filename, &config); err != nil {
		return nil, err
	}

	overrideFromEnv(&config.Gardena.APIKey, "GARDENA_API_KEY")
	overrideFromEnv(&config.Gardena.APISecret, "GARDENA_API_SECRET")
	overrideFromEnv(&config.MQTT.Username, "MQTT_USERNAME")
	overrideFromEnv(&config.MQTT.Password, "MQTT_PASSWORD")

	if config.Gardena.AuthHost == "" {
		config.Gardena.AuthHost = "https://api.authentication.husqvarnagroup.dev"
	}
	if config.Gardena.APIHost == "" {
		config.Gardena.APIHost = "https://api.smart.gardena.dev"
	}
	if config.Gardena.TokenMargin <= 0 {
		config.Gardena.TokenMargin = 60 * time.Second
	}
	if config.MQTT.ClientID == "" {
		config.MQTT.ClientID = "gardena-bridge"
	}
	if config.ShutdownGrace <= 0 {
		config.ShutdownGrace = 10 * time.Second
	}
	config.Stream.TraceFrames = config.Gardena.TraceStream

	if config.MQTT.Broker == "" {
		return nil, errors.New("mqtt.broker is required")
	}
	if config.Gardena.APIKey == "" || config.Gardena.APISecret == "" {
		return nil, errors.New("gardena api key and secret are required (config or GARDENA_API_KEY/GARDENA_API_SECRET)")
	}

	return &config, nil
}

func overrideFromEnv(target *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*target = v
	}
}

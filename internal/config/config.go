package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Source  SourceConfig  `yaml:"source"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	Bridge  BridgeConfig  `yaml:"bridge"`
	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`
}

// SourceConfig locates the call observation feed.
type SourceConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	QoS         int    `yaml:"qos"`
	Retain      bool   `yaml:"retain"`
}

type BridgeConfig struct {
	// ListenOnStart attaches the bridge without waiting for a
	// start-listening control message.
	ListenOnStart bool `yaml:"listen_on_start"`
	QueueSize     int  `yaml:"queue_size"`

	// DrainTimeout bounds how long queued events are flushed on shutdown.
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

type MetricsConfig struct {
	// Addr is the listen address for /metrics; empty disables the endpoint.
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level  string        `yaml:"level"`
	Format string        `yaml:"format"`
	File   LogFileConfig `yaml:"file"`
}

type LogFileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

func (c *SourceConfig) Addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprintf("%d", c.Port))
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns the configuration used for keys absent from the file.
func Default() *Config {
	return &Config{
		Source: SourceConfig{
			Host:              "127.0.0.1",
			Port:              7070,
			ReconnectInterval: 5 * time.Second,
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			ClientID:    "phonestate-mqtt",
			TopicPrefix: "phonestate",
			QoS:         1,
		},
		Bridge: BridgeConfig{
			ListenOnStart: true,
			QueueSize:     256,
			DrainTimeout:  5 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			File: LogFileConfig{
				MaxSizeMB:  100,
				MaxBackups: 1,
			},
		},
	}
}

func (c *Config) validate() error {
	if c.Source.Host == "" {
		return fmt.Errorf("source.host is required")
	}
	if c.Source.Port < 1 || c.Source.Port > 65535 {
		return fmt.Errorf("source.port must be between 1 and 65535, got %d", c.Source.Port)
	}
	if c.Source.ReconnectInterval <= 0 {
		return fmt.Errorf("source.reconnect_interval must be positive, got %s", c.Source.ReconnectInterval)
	}
	if c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required")
	}
	if c.MQTT.ClientID == "" {
		return fmt.Errorf("mqtt.client_id is required")
	}
	if c.MQTT.TopicPrefix == "" {
		return fmt.Errorf("mqtt.topic_prefix is required")
	}
	if strings.ContainsAny(c.MQTT.TopicPrefix, "+#") {
		return fmt.Errorf("mqtt.topic_prefix must not contain wildcards, got %q", c.MQTT.TopicPrefix)
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	if c.MQTT.Password != "" && c.MQTT.Username == "" {
		return fmt.Errorf("mqtt.username is required when mqtt.password is set")
	}
	if c.Bridge.QueueSize < 1 {
		return fmt.Errorf("bridge.queue_size must be positive, got %d", c.Bridge.QueueSize)
	}
	if c.Bridge.DrainTimeout <= 0 {
		return fmt.Errorf("bridge.drain_timeout must be positive, got %s", c.Bridge.DrainTimeout)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

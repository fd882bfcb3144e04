package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config lists the tunable parameters for the huerto ingestion server.
type Config struct {
	HTTPPort int    `yaml:"http_port"`
	LogLevel string `yaml:"log_level"`
	// LogFormat selects the slog handler: "text" or "json".
	LogFormat string `yaml:"log_format"`

	MQTT     MQTTConfig     `yaml:"mqtt"`
	Database DatabaseConfig `yaml:"database"`

	StatsInterval time.Duration `yaml:"stats_interval"`
	MDNSEnabled   bool          `yaml:"mdns_enabled"`
	// EmbeddedBrokerBind starts the in-process broker on this address when set.
	EmbeddedBrokerBind string `yaml:"embedded_broker_bind"`
	Interactive        bool   `yaml:"interactive"`
}

// MQTTConfig holds the broker connection parameters.
type MQTTConfig struct {
	BrokerURL      string        `yaml:"broker_url"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	TopicBase      string        `yaml:"topic_base"`
	QoS            int           `yaml:"qos"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`

	ReconnectInitial    time.Duration `yaml:"reconnect_initial"`
	ReconnectMax        time.Duration `yaml:"reconnect_max"`
	ReconnectMaxRetries int           `yaml:"reconnect_max_retries"`
}

// DatabaseConfig locates the SQLite file and sizes its connection pool.
type DatabaseConfig struct {
	Path     string `yaml:"path"`
	PoolSize int    `yaml:"pool_size"`
}

const (
	defaultHTTPPort      = 5000
	defaultLogLevel      = "info"
	defaultLogFormat     = "text"
	defaultStatsInterval = 60 * time.Second

	defaultBrokerURL        = "tcp://localhost:1883"
	defaultUsername         = "huerto_user"
	defaultPassword         = "huerto_pass"
	defaultTopicBase        = "huerto"
	defaultConnectTimeout   = 10 * time.Second
	defaultPublishTimeout   = 5 * time.Second
	defaultReconnectInitial = time.Second
	defaultReconnectMax     = time.Minute
	defaultReconnectRetries = 10

	defaultDatabasePath = "data/huerto.db"
	defaultPoolSize     = 4
)

// Default returns the configuration used when neither a file nor the
// environment override anything. The MQTT client id is unique per call.
func Default() Config {
	return Config{
		HTTPPort:      defaultHTTPPort,
		LogLevel:      defaultLogLevel,
		LogFormat:     defaultLogFormat,
		StatsInterval: defaultStatsInterval,
		MQTT: MQTTConfig{
			BrokerURL:           defaultBrokerURL,
			ClientID:            "huerto-ingest-" + uuid.NewString(),
			Username:            defaultUsername,
			Password:            defaultPassword,
			TopicBase:           defaultTopicBase,
			ConnectTimeout:      defaultConnectTimeout,
			PublishTimeout:      defaultPublishTimeout,
			ReconnectInitial:    defaultReconnectInitial,
			ReconnectMax:        defaultReconnectMax,
			ReconnectMaxRetries: defaultReconnectRetries,
		},
		Database: DatabaseConfig{
			Path:     defaultDatabasePath,
			PoolSize: defaultPoolSize,
		},
	}
}

// Load builds the configuration from defaults, then the YAML file at path
// (skipped when path is empty), then HUERTO_* environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("HUERTO_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	var errs []error

	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	flag := func(key string, dst *bool) {
		if v := getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	num("HUERTO_HTTP_PORT", &c.HTTPPort)
	str("HUERTO_LOG_LEVEL", &c.LogLevel)
	str("HUERTO_LOG_FORMAT", &c.LogFormat)
	dur("HUERTO_STATS_INTERVAL", &c.StatsInterval)
	flag("HUERTO_MDNS_ENABLED", &c.MDNSEnabled)
	str("HUERTO_EMBEDDED_BROKER", &c.EmbeddedBrokerBind)
	flag("HUERTO_INTERACTIVE", &c.Interactive)

	str("HUERTO_MQTT_BROKER", &c.MQTT.BrokerURL)
	str("HUERTO_MQTT_CLIENT_ID", &c.MQTT.ClientID)
	str("HUERTO_MQTT_USER", &c.MQTT.Username)
	str("HUERTO_MQTT_PASSWORD", &c.MQTT.Password)
	str("HUERTO_MQTT_TOPIC_BASE", &c.MQTT.TopicBase)
	num("HUERTO_MQTT_QOS", &c.MQTT.QoS)
	dur("HUERTO_MQTT_CONNECT_TIMEOUT", &c.MQTT.ConnectTimeout)
	dur("HUERTO_MQTT_PUBLISH_TIMEOUT", &c.MQTT.PublishTimeout)
	dur("HUERTO_MQTT_RECONNECT_INITIAL", &c.MQTT.ReconnectInitial)
	dur("HUERTO_MQTT_RECONNECT_MAX", &c.MQTT.ReconnectMax)
	num("HUERTO_MQTT_RECONNECT_RETRIES", &c.MQTT.ReconnectMaxRetries)

	str("HUERTO_DATABASE_PATH", &c.Database.Path)
	num("HUERTO_DATABASE_POOL_SIZE", &c.Database.PoolSize)

	return errors.Join(errs...)
}

// Validate rejects values the server cannot start with.
func (c Config) Validate() error {
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("http_port must be between 0 and 65535, got %d", c.HTTPPort)
	}
	if c.MQTT.BrokerURL == "" {
		return errors.New("mqtt broker_url is required")
	}
	base := c.MQTT.TopicBase
	if base == "" || strings.ContainsAny(base, "+#") || strings.HasSuffix(base, "/") {
		return fmt.Errorf("invalid mqtt topic_base %q", base)
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	if c.MQTT.ReconnectMaxRetries < 0 {
		return fmt.Errorf("mqtt reconnect_max_retries must not be negative")
	}
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	if c.StatsInterval <= 0 {
		return fmt.Errorf("stats_interval must be positive, got %s", c.StatsInterval)
	}
	return nil
}

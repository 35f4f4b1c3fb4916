// services/hub/config/config.go
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config holds the complete configuration for the service.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	ServiceBus    ServiceBusConfig    `mapstructure:"service_bus"`
	MQTT          MQTTConfig          `mapstructure:"mqtt"`
	Storage       StorageConfig       `mapstructure:"storage"`
	ParkDirectory ParkDirectoryConfig `mapstructure:"park_directory"`
	Identifiers   IdentifierConfig    `mapstructure:"identifiers"`
	Radio         RadioConfig         `mapstructure:"radio"`
	Ingestion     IngestionConfig     `mapstructure:"ingestion"`
	Logger        *logrus.Logger      `mapstructure:"-"`
}

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
}

// DatabaseConfig holds the PostgreSQL connection settings.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogQueries      bool          `mapstructure:"log_queries"`
}

// RedisConfig holds the Redis connection settings. An empty Addr disables the cache.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
}

// ServiceBusConfig holds the Azure Service Bus settings.
type ServiceBusConfig struct {
	ConnectionString string        `mapstructure:"connection_string"`
	QueueName        string        `mapstructure:"queue_name"`
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
}

// MQTTConfig holds MQTT broker settings for hub telemetry. An empty BrokerURL disables MQTT.
type MQTTConfig struct {
	BrokerURL         string        `mapstructure:"broker_url"`
	ClientID          string        `mapstructure:"client_id"`
	Username          string        `mapstructure:"username"`
	Password          string        `mapstructure:"password"`
	QoS               byte          `mapstructure:"qos"`
	CleanSession      bool          `mapstructure:"clean_session"`
	Topics            []string      `mapstructure:"topics"`
	KeepAlive         time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	MaxReconnectDelay time.Duration `mapstructure:"max_reconnect_delay"`
}

// StorageConfig holds settings for local persistent storage.
type StorageConfig struct {
	WALPath string `mapstructure:"wal_path"`
}

// ParkDirectoryConfig points at the park service that owns zones, facilities and staff.
type ParkDirectoryConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	APIToken  string        `mapstructure:"api_token"`
	Timeout   time.Duration `mapstructure:"timeout"`
	CacheSize int           `mapstructure:"cache_size"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
}

// IdentifierConfig controls generated identifier numbers.
type IdentifierConfig struct {
	HubPrefix    string `mapstructure:"hub_prefix"`
	SensorPrefix string `mapstructure:"sensor_prefix"`
	Width        int    `mapstructure:"width"`
	MaxAttempts  int    `mapstructure:"max_attempts"`
}

// RadioConfig controls radio group allocation.
type RadioConfig struct {
	Groups int `mapstructure:"groups"`
}

// IngestionConfig holds telemetry ingestion settings.
type IngestionConfig struct {
	// NodeID seeds the snowflake node that mints SensorReading ids. Every
	// replica writing to the same database needs its own value (0-1023),
	// usually through HUB_INGESTION_NODE_ID; two replicas left on the default
	// can mint the same id and fail the insert.
	NodeID int64 `mapstructure:"node_id"`
}

// Load reads configuration from a file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("HUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
			// Config file not found; rely on env vars and defaults
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.requests_per_minute", 120)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("database.conn_max_idle_time", "10m")
	v.SetDefault("database.log_queries", false)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 5)
	v.SetDefault("redis.dial_timeout", "5s")

	v.SetDefault("service_bus.connection_string", "")
	v.SetDefault("service_bus.queue_name", "hub-events")
	v.SetDefault("service_bus.max_retries", 3)
	v.SetDefault("service_bus.retry_delay", "1s")

	v.SetDefault("mqtt.broker_url", "")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.clean_session", false)
	v.SetDefault("mqtt.topics", []string{"hubs/+/readings"})
	v.SetDefault("mqtt.keep_alive", "30s")
	v.SetDefault("mqtt.connect_timeout", "10s")
	v.SetDefault("mqtt.max_reconnect_delay", "2m")

	v.SetDefault("storage.wal_path", "/data/wal/events.log")

	v.SetDefault("park_directory.base_url", "http://localhost:3333/api")
	v.SetDefault("park_directory.timeout", "5s")
	v.SetDefault("park_directory.cache_size", 1024)
	v.SetDefault("park_directory.cache_ttl", "1m")

	v.SetDefault("identifiers.hub_prefix", "HUB")
	v.SetDefault("identifiers.sensor_prefix", "SE")
	v.SetDefault("identifiers.width", 4)
	v.SetDefault("identifiers.max_attempts", 5)

	v.SetDefault("radio.groups", 255)

	v.SetDefault("ingestion.node_id", 1)
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	if c.Identifiers.HubPrefix == "" || c.Identifiers.SensorPrefix == "" {
		return fmt.Errorf("identifier prefixes must not be empty")
	}
	if c.Identifiers.HubPrefix == c.Identifiers.SensorPrefix {
		return fmt.Errorf("hub and sensor identifier prefixes must differ")
	}
	if c.Identifiers.Width < 1 {
		return fmt.Errorf("identifiers.width must be positive, got %d", c.Identifiers.Width)
	}
	if c.Identifiers.MaxAttempts < 1 {
		return fmt.Errorf("identifiers.max_attempts must be positive, got %d", c.Identifiers.MaxAttempts)
	}
	if c.Radio.Groups < 1 || c.Radio.Groups > 255 {
		return fmt.Errorf("radio.groups must be between 1 and 255, got %d", c.Radio.Groups)
	}
	if c.Ingestion.NodeID < 0 || c.Ingestion.NodeID > 1023 {
		return fmt.Errorf("ingestion.node_id must be between 0 and 1023, got %d", c.Ingestion.NodeID)
	}
	return nil
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arloliu/go-robolink/eventq"
	"github.com/arloliu/go-robolink/logger"
	"github.com/arloliu/go-robolink/robot"
)

// EnvPrefix prefixes every environment override, e.g. ROBOLINK_LINK_ACK_TIMEOUT.
const EnvPrefix = "ROBOLINK_"

// Config is the process configuration of a robolink gateway.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Link      LinkConfig      `yaml:"link"`
	Transport TransportConfig `yaml:"transport"`
	Queue     QueueConfig     `yaml:"queue"`
	Manager   ManagerConfig   `yaml:"manager"`
	Devices   []DeviceConfig  `yaml:"devices"`
	Store     StoreConfig     `yaml:"store"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Redis     RedisConfig     `yaml:"redis"`
}

// LoggingConfig selects the logger backend.
type LoggingConfig struct {
	Level string `yaml:"level"`
	// Format is "json" (slog) or "zerolog".
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// LinkConfig holds the per-connection settings shared by all devices.
type LinkConfig struct {
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	MaxConnectAttempts   int           `yaml:"max_connect_attempts"`
	AckTimeout           time.Duration `yaml:"ack_timeout"`
	CommandRetries       int           `yaml:"command_retries"`
	MaxInFlight          int           `yaml:"max_in_flight"`
	AutoReconnect        bool          `yaml:"auto_reconnect"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	Backoff              BackoffConfig `yaml:"backoff"`
	CloseTimeout         time.Duration `yaml:"close_timeout"`
	MaxBufferedBytes     int           `yaml:"max_buffered_bytes"`
}

// BackoffConfig shapes the delays between connect attempts.
type BackoffConfig struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
	Jitter     float64       `yaml:"jitter"`
}

// TransportConfig holds the TCP transport settings.
type TransportConfig struct {
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
	ReadBufferSize int           `yaml:"read_buffer_size"`
}

// QueueConfig sizes the inbound event queue.
type QueueConfig struct {
	Capacity int    `yaml:"capacity"`
	Overflow string `yaml:"overflow"`
}

// ManagerConfig holds the connection manager settings.
type ManagerConfig struct {
	BacklogSize     int           `yaml:"backlog_size"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DeviceConfig describes one device registered at startup.
type DeviceConfig struct {
	ID         string `yaml:"id"`
	Brand      string `yaml:"brand"`
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	Pipelining bool   `yaml:"pipelining"`
}

// StoreConfig locates the device inventory database. An empty path disables the inventory.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// MQTTConfig configures the MQTT event sink.
type MQTTConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Broker      string        `yaml:"broker"`
	ClientID    string        `yaml:"client_id"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	TopicPrefix string        `yaml:"topic_prefix"`
	QoS         int           `yaml:"qos"`
	Timeout     time.Duration `yaml:"timeout"`
}

// InfluxDBConfig configures the telemetry sink.
type InfluxDBConfig struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url"`
	Token         string        `yaml:"token"`
	Org           string        `yaml:"org"`
	Bucket        string        `yaml:"bucket"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// RedisConfig configures the redis stream sink.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Stream   string `yaml:"stream"`
	MaxLen   int64  `yaml:"max_len"`
}

// Default returns the configuration used when a key is absent from the file.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Link: LinkConfig{
			ConnectTimeout:     3 * time.Second,
			MaxConnectAttempts: 3,
			AckTimeout:         5 * time.Second,
			MaxInFlight:        8,
			AutoReconnect:      true,
			Backoff: BackoffConfig{
				Initial:    100 * time.Millisecond,
				Max:        10 * time.Second,
				Multiplier: 2,
			},
			CloseTimeout:     3 * time.Second,
			MaxBufferedBytes: 64 * 1024,
		},
		Transport: TransportConfig{
			WriteTimeout:   5 * time.Second,
			KeepAlive:      30 * time.Second,
			ReadBufferSize: 4096,
		},
		Queue: QueueConfig{
			Capacity: eventq.DefaultCapacity,
			Overflow: eventq.DropOldest.String(),
		},
		Manager: ManagerConfig{
			BacklogSize:     64,
			ShutdownTimeout: 10 * time.Second,
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			ClientID:    "robolink",
			TopicPrefix: "robolink",
			QoS:         1,
			Timeout:     5 * time.Second,
		},
		InfluxDB: InfluxDBConfig{
			URL:           "http://localhost:8086",
			Bucket:        "robolink",
			BatchSize:     100,
			FlushInterval: time.Second,
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Stream: "robolink:events",
			MaxLen: 10000,
		},
	}
}

// Load reads the YAML file at path.
//
// Values are layered in this order: defaults, the file, then ROBOLINK_* environment
// variables. The result is validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	return Parse(data)
}

// Parse is Load for an in-memory document.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := applyEnvOverrides(cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

type lookupFunc func(key string) (string, bool)

func applyEnvOverrides(cfg *Config, lookup lookupFunc) error {
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = d
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}

	str("LOGGING_LEVEL", &cfg.Logging.Level)
	str("LOGGING_FORMAT", &cfg.Logging.Format)

	dur("LINK_CONNECT_TIMEOUT", &cfg.Link.ConnectTimeout)
	dur("LINK_ACK_TIMEOUT", &cfg.Link.AckTimeout)
	num("LINK_COMMAND_RETRIES", &cfg.Link.CommandRetries)
	flag("LINK_AUTO_RECONNECT", &cfg.Link.AutoReconnect)

	num("QUEUE_CAPACITY", &cfg.Queue.Capacity)
	str("QUEUE_OVERFLOW", &cfg.Queue.Overflow)

	dur("MANAGER_SHUTDOWN_TIMEOUT", &cfg.Manager.ShutdownTimeout)

	str("STORE_PATH", &cfg.Store.Path)

	flag("MQTT_ENABLED", &cfg.MQTT.Enabled)
	str("MQTT_BROKER", &cfg.MQTT.Broker)
	str("MQTT_USERNAME", &cfg.MQTT.Username)
	str("MQTT_PASSWORD", &cfg.MQTT.Password)

	flag("INFLUXDB_ENABLED", &cfg.InfluxDB.Enabled)
	str("INFLUXDB_URL", &cfg.InfluxDB.URL)
	str("INFLUXDB_TOKEN", &cfg.InfluxDB.Token)

	flag("REDIS_ENABLED", &cfg.Redis.Enabled)
	str("REDIS_ADDR", &cfg.Redis.Addr)
	str("REDIS_PASSWORD", &cfg.Redis.Password)

	return errors.Join(errs...)
}

// Validate checks the values that the library options do not range check themselves.
func (c *Config) Validate() error {
	var errs []string

	if _, err := logger.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Sprintf("logging.level %q is invalid", c.Logging.Level))
	}
	if c.Logging.Format != "json" && c.Logging.Format != "zerolog" {
		errs = append(errs, fmt.Sprintf("logging.format must be json or zerolog, got %q", c.Logging.Format))
	}

	if _, err := eventq.ParseOverflowPolicy(c.Queue.Overflow); err != nil {
		errs = append(errs, fmt.Sprintf("queue.overflow %q is invalid", c.Queue.Overflow))
	}

	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		dev := d.Device()
		if err := dev.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("devices[%d]: %v", i, err))
			continue
		}
		if seen[dev.ID] {
			errs = append(errs, fmt.Sprintf("devices[%d]: duplicate id %s", i, dev.ID))
		}
		seen[dev.ID] = true
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			errs = append(errs, "mqtt.broker is required")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			errs = append(errs, "mqtt.qos must be 0, 1, or 2")
		}
	}

	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url, influxdb.org and influxdb.bucket are required")
	}

	if c.Redis.Enabled && (c.Redis.Addr == "" || c.Redis.Stream == "") {
		errs = append(errs, "redis.addr and redis.stream are required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// Device converts the entry to a robot.Device.
func (d DeviceConfig) Device() robot.Device {
	return robot.Device{
		ID:         strings.TrimSpace(d.ID),
		Brand:      robot.ParseBrand(d.Brand),
		Address:    robot.Address{Host: d.Host, Port: d.Port},
		Pipelining: d.Pipelining,
	}
}

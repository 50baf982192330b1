package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envFile is read from the working directory if present.
const envFile = ".env"

// Config mirrors config.yaml.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Database DatabaseConfig `yaml:"database"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Logging  LoggingConfig  `yaml:"logging"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Alerts   AlertsConfig   `yaml:"alerts"`
}

// ServiceConfig identifies this deployment.
type ServiceConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Timezone string `yaml:"timezone"`
}

// DatabaseConfig is the SQLite section.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig is the broker section. QoS applies to both the ingest
// subscription and alert publishes.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig addresses the broker.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig holds optional credentials; leave empty for anonymous.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig bounds reconnect backoff, in seconds.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// InfluxDBConfig configures the optional metrics sink. FlushInterval is in
// seconds.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig is the logging section; see package logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// IngestConfig controls the device-event ingestion pipeline.
type IngestConfig struct {
	// Topic is the wildcard subscription capturing all per-device event topics.
	Topic string `yaml:"topic"`

	// StoreTimeout bounds each individual store call (seconds).
	StoreTimeout int `yaml:"store_timeout"`
}

// AlertsConfig controls the due-dose alert scheduler.
type AlertsConfig struct {
	Enabled bool `yaml:"enabled"`

	// Interval is how often due doses are scanned (seconds).
	Interval int `yaml:"interval"`

	// Window is how far back from now a scheduled dose still counts as due (seconds).
	Window int `yaml:"window"`
}

// Load builds the effective configuration: defaults, then the YAML at path,
// then .env (which never overwrites variables already set), then the
// PILLPAL_* variables in envOverrides. The result is validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading %s: %w", envFile, err)
	}
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Service:  ServiceConfig{ID: "pillpal-core", Name: "PillPal", Timezone: "UTC"},
		Database: DatabaseConfig{Path: "./data/pillpal.db", WALMode: true, BusyTimeout: 5},
		MQTT: MQTTConfig{
			Broker:    MQTTBrokerConfig{Host: "localhost", Port: 1883, ClientID: "pillpal-core"},
			QoS:       1,
			Reconnect: MQTTReconnectConfig{InitialDelay: 1, MaxDelay: 60},
		},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
		Ingest:  IngestConfig{Topic: "pillpal/device/#", StoreTimeout: 5},
		Alerts:  AlertsConfig{Enabled: true, Interval: 60, Window: 120},
	}
}

// envOverrides maps each supported variable to the field it sets.
var envOverrides = map[string]func(c *Config, v string){
	"PILLPAL_DATABASE_PATH":  func(c *Config, v string) { c.Database.Path = v },
	"PILLPAL_MQTT_HOST":      func(c *Config, v string) { c.MQTT.Broker.Host = v },
	"PILLPAL_MQTT_PORT":      func(c *Config, v string) { setInt(&c.MQTT.Broker.Port, v) },
	"PILLPAL_MQTT_USERNAME":  func(c *Config, v string) { c.MQTT.Auth.Username = v },
	"PILLPAL_MQTT_PASSWORD":  func(c *Config, v string) { c.MQTT.Auth.Password = v },
	"PILLPAL_INFLUXDB_TOKEN": func(c *Config, v string) { c.InfluxDB.Token = v },
	"PILLPAL_LOG_LEVEL":      func(c *Config, v string) { c.Logging.Level = v },
	"PILLPAL_INGEST_TOPIC":   func(c *Config, v string) { c.Ingest.Topic = v },
}

func applyEnvOverrides(cfg *Config) {
	for name, set := range envOverrides {
		if v := os.Getenv(name); v != "" {
			set(cfg, v)
		}
	}
}

// setInt leaves *dst alone when v is not a number.
func setInt(dst *int, v string) {
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

// Validate reports every problem found, joined into one error.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, errors.New(msg))
		}
	}

	check(c.Service.ID != "", "service.id is required")
	check(c.Database.Path != "", "database.path is required")

	check(c.MQTT.Broker.Host != "", "mqtt.broker.host is required")
	check(c.MQTT.Broker.Port >= 1 && c.MQTT.Broker.Port <= 65535, "mqtt.broker.port must be in 1..65535")
	check(c.MQTT.QoS >= 0 && c.MQTT.QoS <= 2, "mqtt.qos must be 0, 1 or 2")

	if c.InfluxDB.Enabled {
		check(c.InfluxDB.URL != "", "influxdb.url is required when enabled")
		check(c.InfluxDB.Bucket != "", "influxdb.bucket is required when enabled")
	}

	check(c.Ingest.Topic != "", "ingest.topic is required")
	check(c.Ingest.StoreTimeout > 0, "ingest.store_timeout must be positive")

	if c.Alerts.Enabled {
		check(c.Alerts.Interval > 0, "alerts.interval must be positive")
		check(c.Alerts.Window >= c.Alerts.Interval, "alerts.window must be at least alerts.interval")
	}

	return errors.Join(errs...)
}

// GetStoreTimeout returns the per-call store timeout as a Duration.
func (c *Config) GetStoreTimeout() time.Duration {
	return time.Duration(c.Ingest.StoreTimeout) * time.Second
}

// GetAlertInterval returns the alert scan interval as a Duration.
func (c *Config) GetAlertInterval() time.Duration {
	return time.Duration(c.Alerts.Interval) * time.Second
}

// GetAlertWindow returns the due-dose window as a Duration.
func (c *Config) GetAlertWindow() time.Duration {
	return time.Duration(c.Alerts.Window) * time.Second
}

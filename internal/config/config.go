package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides: OACQ_SERVER_HTTP_PORT sets
// server.http_port.
const EnvPrefix = "OACQ"

const devSecret = "dev-secret-change-in-production-min-32-chars"

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Acquisition AcquisitionConfig `mapstructure:"acquisition"`
	Sniffer     SnifferConfig     `mapstructure:"sniffer"`
	Modbus      ModbusConfig      `mapstructure:"modbus"`
	Devices     DevicesConfig     `mapstructure:"device_profiles"`
	Database    DatabaseConfig    `mapstructure:"database"`
	MQTT        MQTTConfig        `mapstructure:"mqtt"`
	Auth        AuthConfig        `mapstructure:"auth"`
}

type ServerConfig struct {
	GRPCPort        int           `mapstructure:"grpc_port"`
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type AcquisitionConfig struct {
	DefaultTransport string        `mapstructure:"default_transport"`
	DefaultTiming    string        `mapstructure:"default_timing"`
	RingKB           uint32        `mapstructure:"ring_kb"`
	HeapMaxKB        uint32        `mapstructure:"heap_max_kb"`
	TimerPeriod      time.Duration `mapstructure:"timer_period"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
}

type SnifferConfig struct {
	// Capacity is the number of control records kept.
	Capacity int `mapstructure:"capacity"`
}

type ModbusConfig struct {
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

type DevicesConfig struct {
	SearchPaths []string `mapstructure:"search_paths"`
	Autoload    []string `mapstructure:"autoload"`
}

type DatabaseConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// MQTTConfig enables the event bridge. Topics are
// <topic_prefix>/<device>/<event kind>.
type MQTTConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Broker        string `mapstructure:"broker"`
	ClientID      string `mapstructure:"client_id"`
	Username      string `mapstructure:"username"`
	Password      string `mapstructure:"password"`
	TopicPrefix   string `mapstructure:"topic_prefix"`
	QoS           byte   `mapstructure:"qos"`
	IncludeBlocks bool   `mapstructure:"include_blocks"`
}

type AuthConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	JWTSecretEnv   string        `mapstructure:"jwt_secret_env"`
	AccessTokenTTL time.Duration `mapstructure:"access_token_ttl"`
	Users          []UserConfig  `mapstructure:"users"`
}

// UserConfig is a static account. PasswordHash is an argon2id PHC string.
type UserConfig struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
	Role         string `mapstructure:"role"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetDefault("acquisition.default_transport", "heap")
	v.SetDefault("acquisition.default_timing", "user")
	v.SetDefault("acquisition.ring_kb", 256)
	v.SetDefault("acquisition.heap_max_kb", 4096)
	v.SetDefault("acquisition.timer_period", "10ms")
	v.SetDefault("acquisition.read_timeout", "5s")

	v.SetDefault("sniffer.capacity", 1024)
	v.SetDefault("modbus.default_timeout", "1s")

	v.SetDefault("device_profiles.search_paths", []string{"./device_profiles"})
	v.SetDefault("device_profiles.autoload", []string{})

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "openacq")
	v.SetDefault("database.user", "openacq")
	v.SetDefault("database.password", "")
	v.SetDefault("database.max_connections", 4)

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "oacqd")
	v.SetDefault("mqtt.topic_prefix", "oacq")
	v.SetDefault("mqtt.qos", 0)
	v.SetDefault("mqtt.include_blocks", false)

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret_env", "JWT_SECRET")
	v.SetDefault("auth.access_token_ttl", "60m")
}

// Load reads path (YAML) on top of the defaults. An empty path uses
// defaults and environment overrides only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
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

func (c *Config) Validate() error {
	var errs []error
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("server.http_port %d out of range", c.Server.HTTPPort))
	}
	if c.Server.GRPCPort <= 0 || c.Server.GRPCPort > 65535 {
		errs = append(errs, fmt.Errorf("server.grpc_port %d out of range", c.Server.GRPCPort))
	}
	if c.Acquisition.RingKB == 0 {
		errs = append(errs, errors.New("acquisition.ring_kb must be positive"))
	}
	if c.Acquisition.TimerPeriod <= 0 {
		errs = append(errs, errors.New("acquisition.timer_period must be positive"))
	}
	if c.Sniffer.Capacity <= 0 {
		errs = append(errs, errors.New("sniffer.capacity must be positive"))
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" || c.MQTT.TopicPrefix == "" {
			errs = append(errs, errors.New("mqtt.broker and mqtt.topic_prefix are required"))
		}
		if c.MQTT.QoS > 2 {
			errs = append(errs, fmt.Errorf("mqtt.qos %d out of range", c.MQTT.QoS))
		}
	}
	for i, u := range c.Auth.Users {
		if u.Username == "" || u.PasswordHash == "" {
			errs = append(errs, fmt.Errorf("auth.users[%d] needs username and password_hash", i))
		}
	}
	return errors.Join(errs...)
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// GetJWTSecret reads the signing secret from the configured variable and
// falls back to a development secret.
func (a *AuthConfig) GetJWTSecret() string {
	envVar := a.JWTSecretEnv
	if envVar == "" {
		envVar = "JWT_SECRET"
	}
	secret := os.Getenv(envVar)
	if secret == "" {
		return devSecret
	}
	return secret
}

func (a *AuthConfig) IsProductionReady() bool {
	secret := a.GetJWTSecret()
	return secret != devSecret && len(secret) >= 32
}

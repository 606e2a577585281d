package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	dbconfig "liveroom/pkg/database"
)

const envPrefix = "LIVEROOM_"

// Config is the complete server configuration.
type Config struct {
	Database  *DatabaseConfig  `json:"database"`
	HTTP      *HTTPConfig      `json:"http"`
	WebSocket *WebSocketConfig `json:"websocket"`
	Auth      *AuthConfig      `json:"auth"`
	Redis     *RedisConfig     `json:"redis"`
	RateLimit *RateLimitConfig `json:"ratelimit"`
	Logging   *LoggingConfig   `json:"logging"`
	Seed      *SeedConfig      `json:"seed"`
}

type DatabaseConfig struct {
	Path           string        `json:"path"`
	MaxConnections int           `json:"max_connections"`
	Timeout        time.Duration `json:"timeout"`
	MigrationsPath string        `json:"migrations_path"`
}

type HTTPConfig struct {
	Port            int           `json:"port"`
	Host            string        `json:"host"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

type WebSocketConfig struct {
	PingInterval   time.Duration `json:"ping_interval"`
	ReadTimeout    time.Duration `json:"read_timeout"`
	WriteTimeout   time.Duration `json:"write_timeout"`
	BufferSize     int           `json:"buffer_size"`
	MaxMessageSize int64         `json:"max_message_size"`
	// FanoutQueueSize bounds the ordered delivery queue shared by all groups.
	FanoutQueueSize int `json:"fanout_queue_size"`
}

type AuthConfig struct {
	// AllowReauthentication lets an authenticated socket authenticate again.
	AllowReauthentication bool `json:"allow_reauthentication"`
	// Leeway is the clock skew tolerated on token expiry.
	Leeway time.Duration `json:"leeway"`
}

// RedisConfig selects the shared cache. An empty address keeps everything
// in process.
type RedisConfig struct {
	Addr     string        `json:"addr"`
	Password string        `json:"-"`
	DB       int           `json:"db"`
	Prefix   string        `json:"prefix"`
	CacheTTL time.Duration `json:"cache_ttl"`
}

type RateLimitConfig struct {
	MessagesPerMinute int `json:"messages_per_minute"`
	MaxViolations     int `json:"max_violations"`
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// SeedConfig points at an optional YAML file of worlds and rooms loaded
// at startup.
type SeedConfig struct {
	Path string `json:"path"`
}

// DefaultConfig returns defaults suitable for a single-node deployment.
func DefaultConfig() *Config {
	return &Config{
		Database: &DatabaseConfig{
			Path:           "./data/liveroom.db",
			MaxConnections: 10,
			Timeout:        30 * time.Second,
		},
		HTTP: &HTTPConfig{
			Port:            8375,
			Host:            "0.0.0.0",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		WebSocket: &WebSocketConfig{
			PingInterval:    30 * time.Second,
			ReadTimeout:     60 * time.Second,
			WriteTimeout:    10 * time.Second,
			BufferSize:      256,
			MaxMessageSize:  1 << 20,
			FanoutQueueSize: 1000,
		},
		Auth: &AuthConfig{
			Leeway: 30 * time.Second,
		},
		Redis: &RedisConfig{
			Prefix:   "liveroom",
			CacheTTL: 5 * time.Minute,
		},
		RateLimit: &RateLimitConfig{
			MessagesPerMinute: 100,
			MaxViolations:     10,
		},
		Logging: &LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Seed: &SeedConfig{},
	}
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.Database == nil {
		return fmt.Errorf("database configuration is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.MaxConnections <= 0 {
		return fmt.Errorf("database max connections must be positive")
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}

	if c.HTTP == nil {
		return fmt.Errorf("HTTP configuration is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 {
		return fmt.Errorf("HTTP read timeout must be positive")
	}
	if c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP write timeout must be positive")
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		return fmt.Errorf("HTTP shutdown timeout must be positive")
	}

	if c.WebSocket == nil {
		return fmt.Errorf("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("WebSocket buffer size must be positive")
	}
	if c.WebSocket.MaxMessageSize <= 0 {
		return fmt.Errorf("WebSocket max message size must be positive")
	}
	if c.WebSocket.FanoutQueueSize <= 0 {
		return fmt.Errorf("WebSocket fanout queue size must be positive")
	}

	if c.Auth == nil {
		return fmt.Errorf("auth configuration is required")
	}
	if c.Auth.Leeway < 0 {
		return fmt.Errorf("auth leeway cannot be negative")
	}

	if c.Redis == nil {
		return fmt.Errorf("redis configuration is required")
	}
	if c.Redis.Addr != "" && c.Redis.CacheTTL <= 0 {
		return fmt.Errorf("redis cache ttl must be positive")
	}

	if c.RateLimit == nil {
		return fmt.Errorf("rate limit configuration is required")
	}
	if c.RateLimit.MessagesPerMinute <= 0 {
		return fmt.Errorf("rate limit messages per minute must be positive")
	}
	if c.RateLimit.MaxViolations <= 0 {
		return fmt.Errorf("rate limit max violations must be positive")
	}

	if c.Logging == nil {
		return fmt.Errorf("logging configuration is required")
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging format must be text or json, got %q", c.Logging.Format)
	}

	if c.Seed == nil {
		c.Seed = &SeedConfig{}
	}

	return nil
}

// DatabaseSettings converts to the store's connection settings.
func (c *Config) DatabaseSettings() *dbconfig.Config {
	settings := dbconfig.DefaultConfig()
	settings.DatabasePath = c.Database.Path
	settings.MaxConnections = c.Database.MaxConnections
	settings.MigrationsPath = c.Database.MigrationsPath
	return settings
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}

// LoadFromEnv overlays LIVEROOM_* environment variables on the defaults.
// Unparseable values are ignored.
func LoadFromEnv() *Config {
	config := DefaultConfig()
	applyEnv(config)
	return config
}

func applyEnv(config *Config) {
	envString("DATABASE_PATH", &config.Database.Path)
	envInt("DATABASE_MAX_CONNECTIONS", &config.Database.MaxConnections)
	envDuration("DATABASE_TIMEOUT", &config.Database.Timeout)
	envString("DATABASE_MIGRATIONS_PATH", &config.Database.MigrationsPath)

	envInt("HTTP_PORT", &config.HTTP.Port)
	envString("HTTP_HOST", &config.HTTP.Host)
	envDuration("HTTP_READ_TIMEOUT", &config.HTTP.ReadTimeout)
	envDuration("HTTP_WRITE_TIMEOUT", &config.HTTP.WriteTimeout)
	envDuration("HTTP_SHUTDOWN_TIMEOUT", &config.HTTP.ShutdownTimeout)

	envDuration("WEBSOCKET_PING_INTERVAL", &config.WebSocket.PingInterval)
	envDuration("WEBSOCKET_READ_TIMEOUT", &config.WebSocket.ReadTimeout)
	envDuration("WEBSOCKET_WRITE_TIMEOUT", &config.WebSocket.WriteTimeout)
	envInt("WEBSOCKET_BUFFER_SIZE", &config.WebSocket.BufferSize)
	envInt("WEBSOCKET_FANOUT_QUEUE_SIZE", &config.WebSocket.FanoutQueueSize)
	if v, ok := os.LookupEnv(envPrefix + "WEBSOCKET_MAX_MESSAGE_SIZE"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			config.WebSocket.MaxMessageSize = n
		}
	}

	envBool("AUTH_ALLOW_REAUTHENTICATION", &config.Auth.AllowReauthentication)
	envDuration("AUTH_LEEWAY", &config.Auth.Leeway)

	envString("REDIS_ADDR", &config.Redis.Addr)
	envString("REDIS_PASSWORD", &config.Redis.Password)
	envInt("REDIS_DB", &config.Redis.DB)
	envString("REDIS_PREFIX", &config.Redis.Prefix)
	envDuration("REDIS_CACHE_TTL", &config.Redis.CacheTTL)

	envInt("RATELIMIT_MESSAGES_PER_MINUTE", &config.RateLimit.MessagesPerMinute)
	envInt("RATELIMIT_MAX_VIOLATIONS", &config.RateLimit.MaxViolations)

	envString("LOG_LEVEL", &config.Logging.Level)
	envString("LOG_FORMAT", &config.Logging.Format)

	envString("SEED_PATH", &config.Seed.Path)
}

func envString(key string, dst *string) {
	if v := os.Getenv(envPrefix + key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(envPrefix + key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(envPrefix + key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(envPrefix + key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// ConfigFile is the on-disk layout. Durations are strings such as "30s".
// YAML is a superset of JSON, so both formats are accepted.
type ConfigFile struct {
	Database *struct {
		Path           string `yaml:"path"`
		MaxConnections int    `yaml:"max_connections"`
		Timeout        string `yaml:"timeout"`
		MigrationsPath string `yaml:"migrations_path"`
	} `yaml:"database"`
	HTTP *struct {
		Port            int    `yaml:"port"`
		Host            string `yaml:"host"`
		ReadTimeout     string `yaml:"read_timeout"`
		WriteTimeout    string `yaml:"write_timeout"`
		ShutdownTimeout string `yaml:"shutdown_timeout"`
	} `yaml:"http"`
	WebSocket *struct {
		PingInterval    string `yaml:"ping_interval"`
		ReadTimeout     string `yaml:"read_timeout"`
		WriteTimeout    string `yaml:"write_timeout"`
		BufferSize      int    `yaml:"buffer_size"`
		MaxMessageSize  int64  `yaml:"max_message_size"`
		FanoutQueueSize int    `yaml:"fanout_queue_size"`
	} `yaml:"websocket"`
	Auth *struct {
		AllowReauthentication *bool  `yaml:"allow_reauthentication"`
		Leeway                string `yaml:"leeway"`
	} `yaml:"auth"`
	Redis *struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Prefix   string `yaml:"prefix"`
		CacheTTL string `yaml:"cache_ttl"`
	} `yaml:"redis"`
	RateLimit *struct {
		MessagesPerMinute int `yaml:"messages_per_minute"`
		MaxViolations     int `yaml:"max_violations"`
	} `yaml:"ratelimit"`
	Logging *struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
	Seed *struct {
		Path string `yaml:"path"`
	} `yaml:"seed"`
}

// LoadFromFile reads a configuration file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := applyFile(config, path); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return config, nil
}

func applyFile(config *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var file ConfigFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	var errs []string
	duration := func(name, value string, dst *time.Duration) {
		if value == "" {
			return
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", name, err))
			return
		}
		*dst = d
	}
	str := func(value string, dst *string) {
		if value != "" {
			*dst = value
		}
	}
	num := func(value int, dst *int) {
		if value > 0 {
			*dst = value
		}
	}

	if f := file.Database; f != nil {
		str(f.Path, &config.Database.Path)
		num(f.MaxConnections, &config.Database.MaxConnections)
		duration("database.timeout", f.Timeout, &config.Database.Timeout)
		str(f.MigrationsPath, &config.Database.MigrationsPath)
	}
	if f := file.HTTP; f != nil {
		num(f.Port, &config.HTTP.Port)
		str(f.Host, &config.HTTP.Host)
		duration("http.read_timeout", f.ReadTimeout, &config.HTTP.ReadTimeout)
		duration("http.write_timeout", f.WriteTimeout, &config.HTTP.WriteTimeout)
		duration("http.shutdown_timeout", f.ShutdownTimeout, &config.HTTP.ShutdownTimeout)
	}
	if f := file.WebSocket; f != nil {
		duration("websocket.ping_interval", f.PingInterval, &config.WebSocket.PingInterval)
		duration("websocket.read_timeout", f.ReadTimeout, &config.WebSocket.ReadTimeout)
		duration("websocket.write_timeout", f.WriteTimeout, &config.WebSocket.WriteTimeout)
		num(f.BufferSize, &config.WebSocket.BufferSize)
		num(f.FanoutQueueSize, &config.WebSocket.FanoutQueueSize)
		if f.MaxMessageSize > 0 {
			config.WebSocket.MaxMessageSize = f.MaxMessageSize
		}
	}
	if f := file.Auth; f != nil {
		if f.AllowReauthentication != nil {
			config.Auth.AllowReauthentication = *f.AllowReauthentication
		}
		duration("auth.leeway", f.Leeway, &config.Auth.Leeway)
	}
	if f := file.Redis; f != nil {
		str(f.Addr, &config.Redis.Addr)
		str(f.Password, &config.Redis.Password)
		num(f.DB, &config.Redis.DB)
		str(f.Prefix, &config.Redis.Prefix)
		duration("redis.cache_ttl", f.CacheTTL, &config.Redis.CacheTTL)
	}
	if f := file.RateLimit; f != nil {
		num(f.MessagesPerMinute, &config.RateLimit.MessagesPerMinute)
		num(f.MaxViolations, &config.RateLimit.MaxViolations)
	}
	if f := file.Logging; f != nil {
		str(f.Level, &config.Logging.Level)
		str(f.Format, &config.Logging.Format)
	}
	if f := file.Seed; f != nil {
		str(f.Path, &config.Seed.Path)
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid durations in %s: %s", path, strings.Join(errs, "; "))
	}
	return nil
}

// LoadConfigWithPrecedence builds the configuration from defaults, then
// environment, then the file when path is set. The result is validated.
func LoadConfigWithPrecedence(path string) (*Config, error) {
	config := LoadFromEnv()
	if path != "" {
		if err := applyFile(config, path); err != nil {
			return nil, err
		}
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"callrelay-backend/pkg/env"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	Log       LogConfig       `mapstructure:"log"`
	Signaling SignalingConfig `mapstructure:"signaling"`
	Push      PushConfig      `mapstructure:"push"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	CORS      CORSConfig      `mapstructure:"cors"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Environment     string        `mapstructure:"environment"` // development, staging, production
	ServiceName     string        `mapstructure:"service_name"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
}

// DatabaseConfig holds CockroachDB configuration
type DatabaseConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	User       string `mapstructure:"user"`
	Password   string `mapstructure:"password"`
	Database   string `mapstructure:"name"`
	SSLMode    string `mapstructure:"ssl_mode"`
	MaxConns   int    `mapstructure:"max_conns"`
	MinConns   int    `mapstructure:"min_conns"`
	MaxRetries int    `mapstructure:"max_retries"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host                string        `mapstructure:"host"`
	Port                int           `mapstructure:"port"`
	Password            string        `mapstructure:"password"`
	DB                  int           `mapstructure:"db"`
	PoolSize            int           `mapstructure:"pool_size"`
	Timeout             time.Duration `mapstructure:"timeout"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret            string        `mapstructure:"secret"`
	Audience          string        `mapstructure:"audience"`
	AccessTokenExpiry time.Duration `mapstructure:"access_expiry"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string `mapstructure:"level"`  // debug, info, warn, error
	Format   string `mapstructure:"format"` // json, text
	Output   string `mapstructure:"output"` // stdout, file
	FilePath string `mapstructure:"file_path"`
}

// SignalingConfig holds the relay's limits and timers
type SignalingConfig struct {
	RingTimeout             time.Duration `mapstructure:"ring_timeout"`
	SendQueueSize           int           `mapstructure:"send_queue_size"`
	RegistryShards          int           `mapstructure:"registry_shards"`
	CallShards              int           `mapstructure:"call_shards"`
	AllowSignalWhileCalling bool          `mapstructure:"allow_signal_while_calling"`
	MaxConnections          int           `mapstructure:"max_connections"`
	ReadLimit               int64         `mapstructure:"read_limit"`
	WriteTimeout            time.Duration `mapstructure:"write_timeout"`
	PongWait                time.Duration `mapstructure:"pong_wait"`
	PingInterval            time.Duration `mapstructure:"ping_interval"`
	AuditInterval           time.Duration `mapstructure:"audit_interval"`
	EmptyCallTimeout        time.Duration `mapstructure:"empty_call_timeout"`
	SignalRateLimit         int           `mapstructure:"signal_rate_limit"`
	SignalRateWindow        time.Duration `mapstructure:"signal_rate_window"`
}

// PushConfig selects and configures the incoming-call push provider
type PushConfig struct {
	Provider            string `mapstructure:"provider"` // mock, firebase, apns
	FirebaseProjectID   string `mapstructure:"firebase_project_id"`
	FirebaseCredentials string `mapstructure:"firebase_credentials"`
	APNsKeyPath         string `mapstructure:"apns_key_path"`
	APNsKeyID           string `mapstructure:"apns_key_id"`
	APNsTeamID          string `mapstructure:"apns_team_id"`
	APNsCertPath        string `mapstructure:"apns_cert_path"`
	APNsCertPassword    string `mapstructure:"apns_cert_password"`
	APNsTopic           string `mapstructure:"apns_topic"`
	APNsProduction      bool   `mapstructure:"apns_production"`
}

// TracingConfig holds OpenTelemetry exporter settings
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// CORSConfig lists allowed browser origins
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// envBindings keeps the flat variable names operators already use in compose files.
var envBindings = map[string]string{
	"server.port":                          "PORT",
	"server.environment":                   "ENV",
	"server.service_name":                  "SERVICE_NAME",
	"server.request_timeout":               "REQUEST_TIMEOUT",
	"database.host":                        "DB_HOST",
	"database.port":                        "DB_PORT",
	"database.user":                        "DB_USER",
	"database.name":                        "DB_NAME",
	"database.ssl_mode":                    "DB_SSL_MODE",
	"database.max_conns":                   "DB_MAX_CONNS",
	"database.min_conns":                   "DB_MIN_CONNS",
	"redis.host":                           "REDIS_HOST",
	"redis.port":                           "REDIS_PORT",
	"redis.db":                             "REDIS_DB",
	"redis.pool_size":                      "REDIS_POOL_SIZE",
	"log.level":                            "LOG_LEVEL",
	"log.format":                           "LOG_FORMAT",
	"log.output":                           "LOG_OUTPUT",
	"log.file_path":                        "LOG_FILE_PATH",
	"push.provider":                        "PUSH_PROVIDER",
	"push.apns_key_id":                     "APNS_KEY_ID",
	"push.apns_team_id":                    "APNS_TEAM_ID",
	"push.apns_cert_path":                  "APNS_CERT_PATH",
	"push.apns_topic":                      "APNS_TOPIC",
	"push.apns_production":                 "APNS_PRODUCTION",
	"tracing.enabled":                      "TRACING_ENABLED",
	"tracing.endpoint":                     "OTEL_EXPORTER_OTLP_ENDPOINT",
	"signaling.ring_timeout":               "SIGNAL_RING_TIMEOUT",
	"signaling.allow_signal_while_calling": "SIGNAL_ALLOW_WHILE_CALLING",
	"signaling.max_connections":            "SIGNAL_MAX_CONNECTIONS",
	"signaling.empty_call_timeout":         "SIGNAL_EMPTY_CALL_TIMEOUT",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8083)
	v.SetDefault("server.environment", "development")
	v.SetDefault("server.service_name", "signaling-service")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.request_timeout", "15s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 26257)
	v.SetDefault("database.user", "root")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "callrelay")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_conns", 25)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.max_retries", 5)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.timeout", "5s")
	v.SetDefault("redis.health_check_interval", "10s")

	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.audience", "callrelay-api")
	v.SetDefault("jwt.access_expiry", "15m")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.file_path", "/logs/app.log")

	v.SetDefault("signaling.ring_timeout", "45s")
	v.SetDefault("signaling.send_queue_size", 256)
	v.SetDefault("signaling.registry_shards", 32)
	v.SetDefault("signaling.call_shards", 32)
	v.SetDefault("signaling.allow_signal_while_calling", true)
	v.SetDefault("signaling.max_connections", 1000)
	v.SetDefault("signaling.read_limit", 65536)
	v.SetDefault("signaling.write_timeout", "10s")
	v.SetDefault("signaling.pong_wait", "60s")
	v.SetDefault("signaling.ping_interval", "54s")
	v.SetDefault("signaling.audit_interval", "1m")
	v.SetDefault("signaling.empty_call_timeout", "2m")
	v.SetDefault("signaling.signal_rate_limit", 600)
	v.SetDefault("signaling.signal_rate_window", "1m")

	v.SetDefault("push.provider", "mock")
	v.SetDefault("push.firebase_project_id", "")
	v.SetDefault("push.firebase_credentials", "")
	v.SetDefault("push.apns_key_path", "")
	v.SetDefault("push.apns_key_id", "")
	v.SetDefault("push.apns_team_id", "")
	v.SetDefault("push.apns_cert_path", "")
	v.SetDefault("push.apns_cert_password", "")
	v.SetDefault("push.apns_topic", "")
	v.SetDefault("push.apns_production", false)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4317")

	v.SetDefault("cors.allowed_origins", []string{"http://localhost:3000", "http://127.0.0.1:3000"})
}

// Load loads configuration from defaults, an optional YAML file named by
// CONFIG_FILE, and environment variables, in increasing precedence.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, name := range envBindings {
		if err := v.BindEnv(key, name); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", name, err)
		}
	}

	if file := env.GetString("CONFIG_FILE", ""); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Secrets may be mounted as Docker secrets via the _FILE suffix.
	cfg.JWT.Secret = env.GetStringFromFile("JWT_SECRET", cfg.JWT.Secret)
	cfg.Database.Password = env.GetStringFromFile("DB_PASSWORD", cfg.Database.Password)
	cfg.Redis.Password = env.GetStringFromFile("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Push.FirebaseProjectID = env.GetStringFromFile("FIREBASE_PROJECT_ID", cfg.Push.FirebaseProjectID)
	cfg.Push.FirebaseCredentials = env.GetString("FIREBASE_CREDENTIALS_PATH", cfg.Push.FirebaseCredentials)
	cfg.Push.APNsKeyPath = env.GetString("APNS_KEY_PATH", cfg.Push.APNsKeyPath)
	cfg.Push.APNsCertPassword = env.GetStringFromFile("APNS_CERT_PASSWORD", cfg.Push.APNsCertPassword)
	cfg.CORS.AllowedOrigins = env.GetStringSlice("CORS_ALLOWED_ORIGINS", cfg.CORS.AllowedOrigins)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// IsProduction reports whether the service runs with production safeguards
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.JWT.Secret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.IsProduction() && len(c.JWT.Secret) < 32 {
		return errors.New("JWT_SECRET must be at least 32 characters in production")
	}
	if c.IsProduction() && c.Push.Provider == "mock" {
		return errors.New("PUSH_PROVIDER=mock is not allowed in production")
	}

	s := c.Signaling
	if s.SendQueueSize <= 0 {
		return errors.New("signaling.send_queue_size must be positive")
	}
	if s.RegistryShards <= 0 || s.CallShards <= 0 {
		return errors.New("signaling shard counts must be positive")
	}
	if s.RingTimeout <= 0 {
		return errors.New("signaling.ring_timeout must be positive")
	}
	if s.EmptyCallTimeout <= 0 {
		return errors.New("signaling.empty_call_timeout must be positive")
	}
	if s.AuditInterval <= 0 || c.Redis.HealthCheckInterval <= 0 {
		return errors.New("audit and health check intervals must be positive")
	}
	if s.PingInterval >= s.PongWait {
		return fmt.Errorf("signaling.ping_interval (%s) must be shorter than pong_wait (%s)", s.PingInterval, s.PongWait)
	}

	return nil
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Permission store backends
const (
	PermissionStoreMemory = "memory"
	PermissionStoreRedis  = "redis"
)

// Config holds all configuration for the access service
type Config struct {
	// Server configuration
	Server ServerConfig `mapstructure:"server"`

	// Database configuration, used by the audit sink
	Database DatabaseConfig `mapstructure:"database"`

	// Redis configuration, used by the redis permission store
	Redis RedisConfig `mapstructure:"redis"`

	// JWT configuration
	JWT JWTConfig `mapstructure:"jwt"`

	Audit       AuditConfig       `mapstructure:"audit"`
	Commitment  CommitmentConfig  `mapstructure:"commitment"`
	Permissions PermissionsConfig `mapstructure:"permissions"`
	Policy      PolicyConfig      `mapstructure:"policy"`

	// Logging configuration
	LogLevel string `mapstructure:"log_level"`

	// Monitoring configuration
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
	IdleTimeout  int    `mapstructure:"idle_timeout"`
	TLSEnabled   bool   `mapstructure:"tls_enabled"`
	CertFile     string `mapstructure:"cert_file"`
	KeyFile      string `mapstructure:"key_file"`
}

// Address returns host:port
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	Name            string `mapstructure:"name"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	SSLMode         string `mapstructure:"ssl_mode"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// Address returns host:port
func (r RedisConfig) Address() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	SecretKey      string `mapstructure:"secret_key"`
	AccessTokenTTL int    `mapstructure:"access_token_ttl"`
	Issuer         string `mapstructure:"issuer"`
	Audience       string `mapstructure:"audience"`

	// Identity assertions presented at login are signed by the
	// authentication flow with this key, never the session key.
	IdentitySecretKey string `mapstructure:"identity_secret_key"`
	IdentityIssuer    string `mapstructure:"identity_issuer"`
	IdentityAudience  string `mapstructure:"identity_audience"`
}

// AuditConfig controls in-memory audit retention and eviction persistence
type AuditConfig struct {
	Capacity    int  `mapstructure:"capacity"`
	Persist     bool `mapstructure:"persist"`
	SinkBuffer  int  `mapstructure:"sink_buffer"`
	SinkTimeout int  `mapstructure:"sink_timeout"`
}

// CommitmentConfig controls salts and proof freshness
type CommitmentConfig struct {
	SaltBytes         int `mapstructure:"salt_bytes"`
	ProofValidity     int `mapstructure:"proof_validity"`
	RoleProofValidity int `mapstructure:"role_proof_validity"`
}

// PermissionsConfig selects the permission store
type PermissionsConfig struct {
	Store         string `mapstructure:"store"`
	SweepInterval int    `mapstructure:"sweep_interval"`
}

// PolicyConfig controls policy loading
type PolicyConfig struct {
	File         string `mapstructure:"file"`
	LoadDefaults bool   `mapstructure:"load_defaults"`
}

// MonitoringConfig holds monitoring configuration
type MonitoringConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	MetricsPath string `mapstructure:"metrics_path"`
	HealthPath  string `mapstructure:"health_path"`
}

// TracingConfig holds distributed tracing configuration
type TracingConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	JaegerEndpoint string  `mapstructure:"jaeger_endpoint"`
	SamplingRate   float64 `mapstructure:"sampling_rate"`
	Environment    string  `mapstructure:"environment"`
}

// Seconds converts a configured seconds value to a duration
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Load loads configuration from environment variables and config files.
// Extra search paths are consulted before the defaults.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/medichain")

	// Set default values
	setDefaults(v)

	// Enable environment variable support
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Override with environment variables
	overrideWithEnv(&config)

	// Validate configuration
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 30)
	v.SetDefault("server.idle_timeout", 120)
	v.SetDefault("server.tls_enabled", false)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "medichain")
	v.SetDefault("database.user", "medichain")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", 300)

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)

	// JWT defaults
	v.SetDefault("jwt.access_token_ttl", 3600) // 1 hour
	v.SetDefault("jwt.issuer", "medichain-access")
	v.SetDefault("jwt.audience", "medichain-users")
	v.SetDefault("jwt.identity_issuer", "medichain-identity")
	v.SetDefault("jwt.identity_audience", "medichain-access")

	// Audit defaults
	v.SetDefault("audit.capacity", 1000)
	v.SetDefault("audit.persist", false)
	v.SetDefault("audit.sink_buffer", 256)
	v.SetDefault("audit.sink_timeout", 5)

	// Commitment defaults
	v.SetDefault("commitment.salt_bytes", 32)
	v.SetDefault("commitment.proof_validity", 3600)
	v.SetDefault("commitment.role_proof_validity", 3600)

	// Permission defaults
	v.SetDefault("permissions.store", PermissionStoreMemory)
	v.SetDefault("permissions.sweep_interval", 0)

	// Policy defaults
	v.SetDefault("policy.load_defaults", true)

	// Monitoring defaults
	v.SetDefault("monitoring.enabled", true)
	v.SetDefault("monitoring.metrics_path", "/metrics")
	v.SetDefault("monitoring.health_path", "/health")

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.jaeger_endpoint", "http://localhost:14268/api/traces")
	v.SetDefault("tracing.sampling_rate", 0.1)
	v.SetDefault("tracing.environment", "development")

	// Logging defaults
	v.SetDefault("log_level", "info")
}

// overrideWithEnv overrides configuration with environment variables
func overrideWithEnv(config *Config) {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if jwtSecret := os.Getenv("JWT_SECRET_KEY"); jwtSecret != "" {
		config.JWT.SecretKey = jwtSecret
	}

	if identitySecret := os.Getenv("JWT_IDENTITY_SECRET_KEY"); identitySecret != "" {
		config.JWT.IdentitySecretKey = identitySecret
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		config.LogLevel = logLevel
	}
}

// validate validates the configuration
func validate(config *Config) error {
	if config.JWT.SecretKey == "" {
		return fmt.Errorf("JWT secret key is required")
	}

	if config.JWT.IdentitySecretKey == "" {
		return fmt.Errorf("JWT identity secret key is required")
	}

	if config.JWT.IdentitySecretKey == config.JWT.SecretKey {
		return fmt.Errorf("JWT identity secret key must differ from the session secret key")
	}

	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Audit.Capacity <= 0 {
		return fmt.Errorf("audit capacity must be positive: %d", config.Audit.Capacity)
	}

	if config.Audit.Persist && config.Database.Password == "" {
		return fmt.Errorf("database password is required when audit persistence is enabled")
	}

	switch config.Permissions.Store {
	case PermissionStoreMemory, PermissionStoreRedis:
	default:
		return fmt.Errorf("unknown permission store: %q", config.Permissions.Store)
	}

	if config.Commitment.SaltBytes < 32 {
		return fmt.Errorf("commitment salt must be at least 32 bytes: %d", config.Commitment.SaltBytes)
	}

	return nil
}

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Redis    RedisConfig    `mapstructure:"redis"`
	JWT      JWTConfig      `mapstructure:"jwt"`
	Log      LogConfig      `mapstructure:"log"`
}

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Port         int    `mapstructure:"port"`
	Host         string `mapstructure:"host"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
	IdleTimeout  int    `mapstructure:"idle_timeout"`
	Environment  string `mapstructure:"environment"`
}

// DatabaseConfig holds database-specific configuration
type DatabaseConfig struct {
	Driver         string `mapstructure:"driver"` // "postgres" or "sqlite"
	DSN            string `mapstructure:"dsn"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	DBName         string `mapstructure:"dbname"`
	SSLMode        string `mapstructure:"sslmode"`
	TimeZone       string `mapstructure:"timezone"`
	SQLitePath     string `mapstructure:"sqlite_path"`
	MaxOpenConns   int    `mapstructure:"max_open_conns"`
	CommandTimeout int    `mapstructure:"command_timeout"` // seconds
	AutoMigrate    bool   `mapstructure:"auto_migrate"`
}

// EngineConfig controls the virtual tag scheduler and evaluators
type EngineConfig struct {
	TriggerInterval       time.Duration `mapstructure:"trigger_interval"`
	Workers               int           `mapstructure:"workers"`
	EvalTimeout           time.Duration `mapstructure:"eval_timeout"`
	DefaultUpdateInterval int           `mapstructure:"default_update_interval"` // seconds
	MissingPolicy         string        `mapstructure:"missing_policy"`          // "zero" or "strict"
	StrictSources         bool          `mapstructure:"strict_sources"`
	RunOnStart            bool          `mapstructure:"run_on_start"`
}

// KafkaConfig holds Kafka configuration
type KafkaConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Brokers        string `mapstructure:"brokers"`
	ConsumerGroup  string `mapstructure:"consumer_group"`
	ResultsTopic   string `mapstructure:"results_topic"`
	ReadingsTopic  string `mapstructure:"readings_topic"`
	SecurityEnable bool   `mapstructure:"security_enable"`
	SecurityUser   string `mapstructure:"security_user"`
	SecurityPass   string `mapstructure:"security_pass"`
}

// RedisConfig holds the optional latest-value mirror configuration
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
	Prefix   string `mapstructure:"prefix"`
}

// JWTConfig holds the operator token configuration
type JWTConfig struct {
	Secret string `mapstructure:"secret"`
	Issuer string `mapstructure:"issuer"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// LoadConfig loads the application configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	var config Config

	if configPath == "" {
		configPath = "./config"
	}

	// A missing .env is normal outside local development
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)

	v.SetEnvPrefix("VTAG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read configuration file: %w", err)
		}
	}

	v.AutomaticEnv()

	setDefaults(v)

	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// setDefaults sets default values for the configuration
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", 15)  // seconds
	v.SetDefault("server.write_timeout", 15) // seconds
	v.SetDefault("server.idle_timeout", 60)  // seconds
	v.SetDefault("server.environment", "development")

	// Database defaults
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.dbname", "ksys")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.timezone", "UTC")
	v.SetDefault("database.sqlite_path", "vtag.db")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.command_timeout", 30)
	v.SetDefault("database.auto_migrate", true)

	// Engine defaults
	v.SetDefault("engine.trigger_interval", "1m")
	v.SetDefault("engine.workers", 4)
	v.SetDefault("engine.eval_timeout", "5s")
	v.SetDefault("engine.default_update_interval", 10)
	v.SetDefault("engine.missing_policy", "zero")
	v.SetDefault("engine.strict_sources", false)
	v.SetDefault("engine.run_on_start", true)

	// Kafka defaults
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", "kafka:9092")
	v.SetDefault("kafka.consumer_group", "vtag-engine")
	v.SetDefault("kafka.results_topic", "virtual-tag-results")
	v.SetDefault("kafka.readings_topic", "sensor-readings")
	v.SetDefault("kafka.security_enable", false)

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.prefix", "vtag:")

	// JWT defaults
	v.SetDefault("jwt.issuer", "vtag-engine")

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output_path", "stdout")
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	if config.JWT.Secret == "" {
		if config.Server.Environment == "development" {
			config.JWT.Secret = "development-jwt-secret-key-change-in-production"
		} else {
			return fmt.Errorf("JWT secret is required in non-development environments")
		}
	}

	// The original deployment hands the whole DSN over in TS_DSN
	if config.Database.DSN == "" {
		config.Database.DSN = os.Getenv("TS_DSN")
	}

	switch config.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver: %s", config.Database.Driver)
	}

	if config.Engine.TriggerInterval <= 0 {
		return fmt.Errorf("engine trigger interval must be positive")
	}
	if config.Engine.Workers < 1 {
		return fmt.Errorf("engine workers must be at least 1")
	}
	if config.Engine.EvalTimeout <= 0 {
		return fmt.Errorf("engine evaluation timeout must be positive")
	}
	if config.Engine.DefaultUpdateInterval < 1 {
		return fmt.Errorf("engine default update interval must be at least 1 second")
	}
	switch config.Engine.MissingPolicy {
	case "zero", "strict":
	default:
		return fmt.Errorf("invalid engine missing policy: %s", config.Engine.MissingPolicy)
	}

	return nil
}

// GetDSN returns the database connection string
func (c *DatabaseConfig) GetDSN() string {
	if c.DSN != "" {
		return c.DSN
	}
	if c.Driver == "sqlite" {
		return c.SQLitePath
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode, c.TimeZone)
}

// IsProduction returns true if the environment is production
func (c *ServerConfig) IsProduction() bool {
	return c.Environment == "production"
}

// IsDevelopment returns true if the environment is development
func (c *ServerConfig) IsDevelopment() bool {
	return c.Environment == "development"
}

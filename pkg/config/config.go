package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Logger    LoggerConfig    `mapstructure:"logger"`
}

type ServerConfig struct {
	Port            int    `mapstructure:"port"`
	Host            string `mapstructure:"host"`
	ReadTimeout     int    `mapstructure:"read_timeout"`
	WriteTimeout    int    `mapstructure:"write_timeout"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout"`
	RateLimitRPS    int    `mapstructure:"rate_limit_rps"`
	RateLimitBurst  int    `mapstructure:"rate_limit_burst"`
}

type DatabaseConfig struct {
	Host             string `mapstructure:"host"`
	Port             int    `mapstructure:"port"`
	User             string `mapstructure:"user"`
	Password         string `mapstructure:"password"`
	Name             string `mapstructure:"name"`
	Charset          string `mapstructure:"charset"`
	MaxOpenConns     int    `mapstructure:"max_open_conns"`
	MaxIdleConns     int    `mapstructure:"max_idle_conns"`
	StatementTimeout int    `mapstructure:"statement_timeout"` // milliseconds
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	JWTIssuer string `mapstructure:"jwt_issuer"`
	JWTExpiry int    `mapstructure:"jwt_expiry"` // seconds
}

// LedgerConfig carries the quota and referral policy knobs.
type LedgerConfig struct {
	StartingQuota       int64  `mapstructure:"starting_quota"`
	ReferralBonus       int64  `mapstructure:"referral_bonus"`
	CodeAttempts        int    `mapstructure:"code_attempts"`
	Currency            string `mapstructure:"currency"`
	PlanCacheTTL        int    `mapstructure:"plan_cache_ttl"` // seconds
	ExpirySweepSchedule string `mapstructure:"expiry_sweep_schedule"`
}

type TelemetryConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	JaegerURL    string  `mapstructure:"jaeger_url"`
	ServiceName  string  `mapstructure:"service_name"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
}

type LoggerConfig struct {
	Level     string `mapstructure:"level"`
	Format    string `mapstructure:"format"`
	Output    string `mapstructure:"output"`
	AddCaller bool   `mapstructure:"add_caller"`
}

func Load(serviceName string) (*Config, error) {
	viper.SetConfigName(serviceName)
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("/etc/quotaledger")

	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.SetEnvPrefix("LEDGER")

	if err := viper.ReadInConfig(); err != nil {
		// Defaults and env vars are enough when no config file is present.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.read_timeout", 30)
	viper.SetDefault("server.write_timeout", 30)
	viper.SetDefault("server.shutdown_timeout", 30)
	viper.SetDefault("server.rate_limit_rps", 50)
	viper.SetDefault("server.rate_limit_burst", 100)

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 3306)
	viper.SetDefault("database.user", "ledger")
	viper.SetDefault("database.name", "ai_bot")
	viper.SetDefault("database.charset", "utf8mb4")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 10)
	viper.SetDefault("database.statement_timeout", 5000)

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)

	viper.SetDefault("auth.jwt_issuer", "quotaledger")
	viper.SetDefault("auth.jwt_expiry", 3600)

	viper.SetDefault("ledger.starting_quota", 10)
	viper.SetDefault("ledger.referral_bonus", 5)
	viper.SetDefault("ledger.code_attempts", 5)
	viper.SetDefault("ledger.currency", "RUB")
	viper.SetDefault("ledger.plan_cache_ttl", 300)
	viper.SetDefault("ledger.expiry_sweep_schedule", "@hourly")

	viper.SetDefault("telemetry.enabled", false)
	viper.SetDefault("telemetry.service_name", "ledger-service")
	viper.SetDefault("telemetry.sampling_rate", 0.1)

	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.format", "json")
	viper.SetDefault("logger.output", "stdout")
	viper.SetDefault("logger.add_caller", true)
}

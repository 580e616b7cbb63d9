// Package config loads ArticleForge configuration from YAML files and
// ARTICLEFORGE_* environment variables via viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Secrets   SecretsConfig   `mapstructure:"secrets"`
}

type ServerConfig struct {
	Address   string        `mapstructure:"address"`
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN renders the lib/pq connection string.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.DBName, p.SSLMode)
}

// URL renders the postgres:// form used by golang-migrate.
func (p PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.DBName, p.SSLMode)
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type WorkerConfig struct {
	Stream       string        `mapstructure:"stream"`
	Group        string        `mapstructure:"group"`
	Consumer     string        `mapstructure:"consumer"`
	ReadBlock    time.Duration `mapstructure:"read_block"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	StaleAfter   time.Duration `mapstructure:"stale_after"`
	SweepEvery   time.Duration `mapstructure:"sweep_every"`
}

type RateLimitConfig struct {
	Window      time.Duration `mapstructure:"window"`
	MaxRequests int           `mapstructure:"max_requests"`
}

type SecretsConfig struct {
	// MasterKey is the hex-encoded 32-byte secretbox key used to seal
	// tenant CMS credentials at rest.
	MasterKey string `mapstructure:"master_key"`
}

// Load reads config.yaml from path (or the working directory when empty)
// and overlays ARTICLEFORGE_* environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("ARTICLEFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && path != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.token_ttl", 24*time.Hour)

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", "5432")
	v.SetDefault("postgres.user", "articleforge")
	v.SetDefault("postgres.dbname", "articleforge")
	v.SetDefault("postgres.sslmode", "disable")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("worker.stream", "articleforge:pipelines")
	v.SetDefault("worker.group", "pipeline-workers")
	v.SetDefault("worker.read_block", 5*time.Second)
	v.SetDefault("worker.retry_backoff", 2*time.Second)
	v.SetDefault("worker.stale_after", 10*time.Minute)
	v.SetDefault("worker.sweep_every", time.Minute)

	v.SetDefault("ratelimit.window", time.Hour)
	v.SetDefault("ratelimit.max_requests", 100)
}

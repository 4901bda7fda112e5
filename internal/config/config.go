// Package config provides configuration loading for the worker and control-plane binaries.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for either binary; each reads only the
// sections relevant to its role.
type Config struct {
	Region   string         `mapstructure:"region"`
	Server   ServerConfig   `mapstructure:"server"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Blob     BlobConfig     `mapstructure:"blob"`
	Control  ControlConfig  `mapstructure:"control"`
}

// ServerConfig holds HTTP server configuration shared by both binaries.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	Host         string        `mapstructure:"host"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	Environment  string        `mapstructure:"environment"`
}

// WorkerConfig holds worker-node specific configuration.
type WorkerConfig struct {
	DataDir           string        `mapstructure:"data_dir"`
	DefaultModulePath string        `mapstructure:"default_module_path"`
	AOTEnabled        bool          `mapstructure:"aot_enabled"`
	MetricsEnabled    bool          `mapstructure:"metrics_enabled"`
	MetricsAddr       string        `mapstructure:"metrics_addr"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	EpochTick         time.Duration `mapstructure:"epoch_tick"`
	LivenessInterval  time.Duration `mapstructure:"liveness_interval"`
	FullSyncInterval  time.Duration `mapstructure:"full_sync_interval"`
	ServiceToken      string        `mapstructure:"service_token"`
	ControlPlaneAddr  string        `mapstructure:"control_plane_addr"`
	KVBackend         string        `mapstructure:"kv_backend"` // "memory" | "redis"
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the PostgreSQL connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address string.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// BlobConfig selects and configures the blob-store backend.
type BlobConfig struct {
	Current  string `mapstructure:"current"` // "fs" | "s3"
	FSRoot   string `mapstructure:"fs_root"`
	S3Bucket string `mapstructure:"s3_bucket"`
	S3Region string `mapstructure:"s3_region"`
	S3Base   string `mapstructure:"s3_base"`
}

// ControlConfig holds deploy-coordinator sweep tuning.
type ControlConfig struct {
	WaitingSweepInterval time.Duration `mapstructure:"waiting_sweep_interval"`
	ReviewSweepInterval  time.Duration `mapstructure:"review_sweep_interval"`
	WorkerOfflineAfter   time.Duration `mapstructure:"worker_offline_after"`
	CompileCommand       string        `mapstructure:"compile_command"`
	ScratchDir           string        `mapstructure:"scratch_dir"`
	AdminToken           string        `mapstructure:"admin_token"`
}

// Load reads configuration from files and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/edgerun")

	v.SetEnvPrefix("EDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("region", "local")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.environment", "dev")

	v.SetDefault("worker.data_dir", "./data")
	v.SetDefault("worker.default_module_path", "")
	v.SetDefault("worker.aot_enabled", true)
	v.SetDefault("worker.metrics_enabled", true)
	v.SetDefault("worker.metrics_addr", ":9090")
	v.SetDefault("worker.request_timeout", "10s")
	v.SetDefault("worker.epoch_tick", "10ms")
	v.SetDefault("worker.liveness_interval", "1s")
	v.SetDefault("worker.full_sync_interval", "60s")
	v.SetDefault("worker.control_plane_addr", "http://localhost:8080")
	v.SetDefault("worker.kv_backend", "memory")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "edgerun")
	v.SetDefault("database.password", "edgerun")
	v.SetDefault("database.database", "edgerun")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	v.SetDefault("blob.current", "fs")
	v.SetDefault("blob.fs_root", "./blobs")

	v.SetDefault("control.waiting_sweep_interval", "2s")
	v.SetDefault("control.review_sweep_interval", "2s")
	v.SetDefault("control.worker_offline_after", "60s")
	v.SetDefault("control.scratch_dir", "./scratch")
	v.SetDefault("control.admin_token", "")
}

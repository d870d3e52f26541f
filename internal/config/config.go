package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPPort        string        `yaml:"http_port"`
	MetricsPort     string        `yaml:"metrics_port"`
	StoreBackend    string        `yaml:"store_backend"`
	RedisAddr       string        `yaml:"redis_addr"`
	RedisPassword   string        `yaml:"redis_password"`
	RedisDB         int           `yaml:"redis_db"`
	RedisPrefix     string        `yaml:"redis_prefix"`
	DriverIDPrefix  string        `yaml:"driver_id_prefix"`
	ProxyAddr       string        `yaml:"proxy_addr"`
	GRPCServer      string        `yaml:"grpc_server"`
	AuditDir        string        `yaml:"audit_dir"`
	SeedDemo        bool          `yaml:"seed_demo"`
	LogLevel        string        `yaml:"log_level"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	OutboxSize      int           `yaml:"outbox_size"`
}

const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

func Default() Config {
	return Config{
		HTTPPort:        "3000",
		MetricsPort:     "9000",
		StoreBackend:    BackendRedis,
		RedisAddr:       "localhost:6379",
		RedisPrefix:     "bustrack",
		DriverIDPrefix:  "driver",
		LogLevel:        "info",
		ShutdownTimeout: 10 * time.Second,
		OutboxSize:      64,
	}
}

// Load builds the config from defaults, then the YAML file at path (if any),
// then environment variables.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.HTTPPort = getEnv("HTTP_PORT", cfg.HTTPPort)
	cfg.MetricsPort = getEnv("METRICS_PORT", cfg.MetricsPort)
	cfg.StoreBackend = getEnv("STORE_BACKEND", cfg.StoreBackend)
	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisPrefix = getEnv("REDIS_PREFIX", cfg.RedisPrefix)
	cfg.DriverIDPrefix = getEnv("DRIVER_ID_PREFIX", cfg.DriverIDPrefix)
	cfg.ProxyAddr = getEnv("PROXY_ADDR", cfg.ProxyAddr)
	cfg.GRPCServer = getEnv("GRPC_SERVER", cfg.GRPCServer)
	cfg.AuditDir = getEnv("AUDIT_DIR", cfg.AuditDir)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)

	var err error
	if cfg.RedisDB, err = getEnvInt("REDIS_DB", cfg.RedisDB); err != nil {
		return Config{}, err
	}
	if cfg.OutboxSize, err = getEnvInt("OUTBOX_SIZE", cfg.OutboxSize); err != nil {
		return Config{}, err
	}
	if v := os.Getenv("SEED_DEMO"); v != "" {
		if cfg.SeedDemo, err = strconv.ParseBool(v); err != nil {
			return Config{}, fmt.Errorf("SEED_DEMO: %w", err)
		}
	}
	if v := os.Getenv("SHUTDOWN_TIMEOUT"); v != "" {
		if cfg.ShutdownTimeout, err = time.ParseDuration(v); err != nil {
			return Config{}, fmt.Errorf("SHUTDOWN_TIMEOUT: %w", err)
		}
	}

	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if c.StoreBackend != BackendRedis && c.StoreBackend != BackendMemory {
		errs = append(errs, fmt.Errorf("store_backend must be %q or %q, got %q", BackendRedis, BackendMemory, c.StoreBackend))
	}
	if c.StoreBackend == BackendRedis && c.RedisAddr == "" {
		errs = append(errs, errors.New("redis_addr is required for the redis backend"))
	}
	if c.HTTPPort == "" {
		errs = append(errs, errors.New("http_port is required"))
	}
	if c.OutboxSize <= 0 {
		errs = append(errs, fmt.Errorf("outbox_size must be positive, got %d", c.OutboxSize))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("shutdown_timeout must be positive, got %s", c.ShutdownTimeout))
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const configPathEnvKey = "TASKCORE_CONFIG"

type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

type WorkerConfig struct {
	Count             int           `toml:"count"`
	MaxAttempts       int           `toml:"max_attempts"`
	TaskTimeout       time.Duration `toml:"task_timeout"`
	GracePeriod       time.Duration `toml:"grace_period"`
	RetryBackoff      time.Duration `toml:"retry_backoff"`
	LeaseTimeout      time.Duration `toml:"lease_timeout"`
	HeartbeatInterval time.Duration `toml:"heartbeat_interval"`
	FlushInterval     time.Duration `toml:"flush_interval"`
	PollTimeout       time.Duration `toml:"poll_timeout"`
	PromoteInterval   time.Duration `toml:"promote_interval"`
}

type Config struct {
	ServerPort string       `toml:"server_port"`
	DBPath     string       `toml:"db_path"`
	LogLevel   string       `toml:"log_level"`
	Redis      RedisConfig  `toml:"redis"`
	Worker     WorkerConfig `toml:"worker"`
}

func Default() *Config {
	return &Config{
		ServerPort: "8080",
		DBPath:     "taskcore.db",
		LogLevel:   "info",
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Worker: WorkerConfig{
			Count:             3,
			MaxAttempts:       3,
			TaskTimeout:       30 * time.Minute,
			GracePeriod:       10 * time.Second,
			RetryBackoff:      5 * time.Second,
			LeaseTimeout:      time.Minute,
			HeartbeatInterval: 10 * time.Second,
			FlushInterval:     500 * time.Millisecond,
			PollTimeout:       2 * time.Second,
			PromoteInterval:   time.Second,
		},
	}
}

// Load layers defaults, an optional TOML file and environment overrides.
// An empty path falls back to TASKCORE_CONFIG; a missing file is not an error
// unless the path was given explicitly.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = strings.TrimSpace(os.Getenv(configPathEnvKey))
	}
	if path != "" {
		_, err := toml.DecodeFile(path, cfg)
		if err != nil && (explicit || !errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.ServerPort = getEnv("SERVER_PORT", cfg.ServerPort)
	cfg.DBPath = getEnv("DB_PATH", cfg.DBPath)
	cfg.LogLevel = getEnv("TASKCORE_LOG_LEVEL", cfg.LogLevel)
	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvInt("REDIS_DB", cfg.Redis.DB)
	cfg.Worker.Count = getEnvInt("WORKER_COUNT", cfg.Worker.Count)
	cfg.Worker.MaxAttempts = getEnvInt("MAX_ATTEMPTS", cfg.Worker.MaxAttempts)
	cfg.Worker.TaskTimeout = getEnvDuration("TASK_TIMEOUT", cfg.Worker.TaskTimeout)
	cfg.Worker.GracePeriod = getEnvDuration("GRACE_PERIOD", cfg.Worker.GracePeriod)
	cfg.Worker.RetryBackoff = getEnvDuration("RETRY_BACKOFF", cfg.Worker.RetryBackoff)
	cfg.Worker.LeaseTimeout = getEnvDuration("LEASE_TIMEOUT", cfg.Worker.LeaseTimeout)
}

// Validate rejects values the pool cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.ServerPort == "" {
		errs = append(errs, errors.New("server_port is required"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	if c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required"))
	}
	w := c.Worker
	if w.Count < 1 {
		errs = append(errs, fmt.Errorf("worker.count must be at least 1 (got %d)", w.Count))
	}
	if w.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("worker.max_attempts must be at least 1 (got %d)", w.MaxAttempts))
	}
	for name, d := range map[string]time.Duration{
		"worker.task_timeout":       w.TaskTimeout,
		"worker.lease_timeout":      w.LeaseTimeout,
		"worker.heartbeat_interval": w.HeartbeatInterval,
		"worker.flush_interval":     w.FlushInterval,
		"worker.poll_timeout":       w.PollTimeout,
		"worker.promote_interval":   w.PromoteInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if w.GracePeriod < 0 || w.RetryBackoff < 0 {
		errs = append(errs, errors.New("worker.grace_period and worker.retry_backoff must not be negative"))
	}
	if w.HeartbeatInterval > 0 && w.LeaseTimeout > 0 && w.HeartbeatInterval >= w.LeaseTimeout {
		errs = append(errs, errors.New("worker.heartbeat_interval must be shorter than worker.lease_timeout"))
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

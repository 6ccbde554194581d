package config

import (
	"time"

	yamlenv "github.com/ifuryst/go-yaml-env"

	"github.com/lh20005/geo-xi-tong-sub013/pkg/logger"
)

type Config struct {
	Server    ServerConfig              `yaml:"server"`
	Database  DatabaseConfig            `yaml:"database"`
	Logger    logger.Config             `yaml:"logger"`
	Scheduler SchedulerConfig           `yaml:"scheduler"`
	Session   SessionConfig             `yaml:"session"`
	Backend   BackendConfig             `yaml:"backend"`
	Metrics   MetricsConfig             `yaml:"metrics"`
	Platforms map[string]PlatformConfig `yaml:"platforms"`
}

type ServerConfig struct {
	Port       int    `yaml:"port"`
	Host       string `yaml:"host"`
	Mode       string `yaml:"mode"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	TOTPSecret string `yaml:"totp_secret"`
}

type DatabaseConfig struct {
	Type     string `yaml:"type"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
	TimeZone string `yaml:"timezone"`
	// Path is used when Type is sqlite.
	Path string `yaml:"path"`
}

type SchedulerConfig struct {
	Disabled             bool   `yaml:"disabled"`
	DiscoveryInterval    string `yaml:"discovery_interval"`
	MaxConcurrentBatches int    `yaml:"max_concurrent_batches"`
	TaskTimeout          string `yaml:"task_timeout"`
	SessionWaitInterval  string `yaml:"session_wait_interval"`
	PublishMaxRetries    int    `yaml:"publish_max_retries"`
	// Backoff is the per-attempt retry delay list, e.g. ["5s", "10s"].
	Backoff []string `yaml:"backoff"`
}

type SessionConfig struct {
	LockBackend          string  `yaml:"lock_backend"`
	RedisAddr            string  `yaml:"redis_addr"`
	RedisPassword        string  `yaml:"redis_password"`
	RedisDB              int     `yaml:"redis_db"`
	LockTTL              string  `yaml:"lock_ttl"`
	Interactive          bool    `yaml:"interactive"`
	LoginWaitTimeout     string  `yaml:"login_wait_timeout"`
	LoginPollInterval    string  `yaml:"login_poll_interval"`
	VerifyWindow         string  `yaml:"verify_window"`
	VerifyPollInterval   string  `yaml:"verify_poll_interval"`
	RequestRatePerSecond float64 `yaml:"request_rate_per_second"`
	UserAgent            string  `yaml:"user_agent"`
	RequestTimeout       string  `yaml:"request_timeout"`
}

type BackendConfig struct {
	BaseURL         string `yaml:"base_url"`
	Timeout         string `yaml:"timeout"`
	JWTSecret       string `yaml:"jwt_secret"`
	JWTTTL          string `yaml:"jwt_ttl"`
	MaxRetries      int    `yaml:"max_retries"`
	ArticleCacheTTL string `yaml:"article_cache_ttl"`
}

type MetricsConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Path            string `yaml:"path"`
	RefreshSchedule string `yaml:"refresh_schedule"`
}

type PlatformConfig struct {
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base_url"`
}

func LoadConfig(configPath string) (*Config, error) {
	cfg, err := yamlenv.LoadConfig[Config](configPath)
	if err != nil {
		return nil, err
	}

	ApplyDefaults(cfg)
	return cfg, nil
}

// ApplyDefaults fills every unset field with its default value.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 5334
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = "debug"
	}

	if cfg.Database.Type == "" {
		cfg.Database.Type = "postgres"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.TimeZone == "" {
		cfg.Database.TimeZone = "UTC"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "data/publisher.db"
	}

	if cfg.Scheduler.DiscoveryInterval == "" {
		cfg.Scheduler.DiscoveryInterval = "30s"
	}
	if cfg.Scheduler.MaxConcurrentBatches == 0 {
		cfg.Scheduler.MaxConcurrentBatches = 8
	}
	if cfg.Scheduler.TaskTimeout == "" {
		cfg.Scheduler.TaskTimeout = "15m"
	}
	if cfg.Scheduler.SessionWaitInterval == "" {
		cfg.Scheduler.SessionWaitInterval = "10s"
	}
	if cfg.Scheduler.PublishMaxRetries == 0 {
		cfg.Scheduler.PublishMaxRetries = 2
	}
	if len(cfg.Scheduler.Backoff) == 0 {
		cfg.Scheduler.Backoff = []string{"5s", "10s"}
	}

	if cfg.Session.LockBackend == "" {
		cfg.Session.LockBackend = "memory"
	}
	if cfg.Session.LockTTL == "" {
		cfg.Session.LockTTL = "30m"
	}
	if cfg.Session.LoginWaitTimeout == "" {
		cfg.Session.LoginWaitTimeout = "60s"
	}
	if cfg.Session.LoginPollInterval == "" {
		cfg.Session.LoginPollInterval = "2s"
	}
	if cfg.Session.VerifyWindow == "" {
		cfg.Session.VerifyWindow = "5s"
	}
	if cfg.Session.VerifyPollInterval == "" {
		cfg.Session.VerifyPollInterval = "500ms"
	}
	if cfg.Session.RequestRatePerSecond == 0 {
		cfg.Session.RequestRatePerSecond = 2
	}
	if cfg.Session.UserAgent == "" {
		cfg.Session.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"
	}
	if cfg.Session.RequestTimeout == "" {
		cfg.Session.RequestTimeout = "30s"
	}

	if cfg.Backend.Timeout == "" {
		cfg.Backend.Timeout = "30s"
	}
	if cfg.Backend.JWTTTL == "" {
		cfg.Backend.JWTTTL = "5m"
	}
	if cfg.Backend.MaxRetries == 0 {
		cfg.Backend.MaxRetries = 2
	}
	if cfg.Backend.ArticleCacheTTL == "" {
		cfg.Backend.ArticleCacheTTL = "10m"
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Metrics.RefreshSchedule == "" {
		cfg.Metrics.RefreshSchedule = "@every 1m"
	}
}

// ParseDuration parses value and falls back when it is empty or malformed.
func ParseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// BackoffSchedule converts the configured backoff list into durations.
func (c SchedulerConfig) BackoffSchedule() []time.Duration {
	out := make([]time.Duration, 0, len(c.Backoff))
	for _, v := range c.Backoff {
		if d, err := time.ParseDuration(v); err == nil {
			out = append(out, d)
		}
	}
	return out
}

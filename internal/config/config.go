package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Env string `yaml:"env" env:"SPACEBOT_ENV"`

	Metrics struct {
		Addr string `yaml:"addr" env:"SPACEBOT_METRICS_ADDR"`
	} `yaml:"metrics"`

	Matrix struct {
		Homeserver        string        `yaml:"homeserver" env:"MATRIX_HOMESERVER"`
		User              string        `yaml:"user" env:"MATRIX_USER"`
		Password          string        `yaml:"password" env:"MATRIX_PASSWORD"`
		SyncTimeout       time.Duration `yaml:"sync_timeout" env:"MATRIX_SYNC_TIMEOUT"`
		RequestTimeout    time.Duration `yaml:"request_timeout" env:"MATRIX_REQUEST_TIMEOUT"`
		RequestsPerSecond float64       `yaml:"requests_per_second" env:"MATRIX_REQUESTS_PER_SECOND"`
		Burst             int           `yaml:"burst" env:"MATRIX_BURST"`
	} `yaml:"matrix"`

	Login struct {
		MaxRetries int `yaml:"max_retries" env:"LOGIN_MAX_RETRIES"` // 0 = unlimited
	} `yaml:"login"`

	Invite struct {
		ReconcileIntervalCycles  int `yaml:"reconcile_interval_cycles" env:"RECONCILE_INTERVAL_CYCLES"`
		AcceptanceTimeoutSeconds int `yaml:"acceptance_timeout_seconds" env:"INVITE_ACCEPTANCE_TIMEOUT_SECONDS"` // 0 = wait forever
	} `yaml:"invite"`

	DB struct {
		Driver       string        `yaml:"driver" env:"SPACEBOT_DB_DRIVER"` // sqlite | mysql
		DSN          string        `yaml:"dsn" env:"SPACEBOT_DB_DSN"`
		MaxOpenConns int           `yaml:"max_open_conns"`
		MaxIdleConns int           `yaml:"max_idle_conns"`
		ConnMaxLife  time.Duration `yaml:"conn_max_life"`
		ConnMaxIdle  time.Duration `yaml:"conn_max_idle"`
	} `yaml:"db"`

	Seen struct {
		Backend       string        `yaml:"backend" env:"SPACEBOT_SEEN_BACKEND"` // sql | redis
		TTL           time.Duration `yaml:"ttl"`
		PruneSchedule string        `yaml:"prune_schedule"`
	} `yaml:"seen"`

	Redis struct {
		Addr     string `yaml:"addr" env:"SPACEBOT_REDIS_ADDR"`
		Password string `yaml:"password" env:"SPACEBOT_REDIS_PASSWORD"`
		Database int    `yaml:"database"`
	} `yaml:"redis"`

	Commands struct {
		Prefix        string `yaml:"prefix" env:"SPACEBOT_COMMAND_PREFIX"`
		MinPowerLevel int    `yaml:"min_power_level" env:"SPACEBOT_COMMAND_MIN_POWER_LEVEL"`
	} `yaml:"commands"`

	MembershipBreaker struct {
		Threshold int           `yaml:"threshold"`
		Window    time.Duration `yaml:"window"`
		OpenFor   time.Duration `yaml:"open_for"`
	} `yaml:"membership_breaker"`

	AuditForward struct {
		Enabled bool          `yaml:"enabled"`
		Tick    time.Duration `yaml:"tick"`
		Batch   int           `yaml:"batch"`
	} `yaml:"audit_forward"`

	RocketMQ struct {
		NameServer    string `yaml:"name_server"`
		Topic         string `yaml:"topic"`
		Tag           string `yaml:"tag,omitempty"`
		ProducerGroup string `yaml:"producer_group"`
	} `yaml:"rocketmq"`
}

// AcceptanceTimeout converts the configured seconds; zero means unbounded.
func (c *Config) AcceptanceTimeout() time.Duration {
	return time.Duration(c.Invite.AcceptanceTimeoutSeconds) * time.Second
}

// ServerName is the part of the bot user ID after the first colon.
func (c *Config) ServerName() string {
	if i := strings.Index(c.Matrix.User, ":"); i >= 0 {
		return c.Matrix.User[i+1:]
	}
	return ""
}

// Load supports comma-separated config files: "-c common.yml,spacebot.yml".
// Later files override earlier ones; environment variables (optionally from
// ./.env) override the files. An empty path list loads from the environment only.
func Load(pathList string) (*Config, error) {
	var c Config
	c.Login.MaxRetries = -1
	c.Invite.ReconcileIntervalCycles = -1
	c.Commands.MinPowerLevel = -1

	for _, p := range strings.Split(pathList, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("parse %s: %w", p, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := env.Parse(&c); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	c.applyDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":2112"
	}
	c.Matrix.Homeserver = strings.TrimRight(strings.TrimSpace(c.Matrix.Homeserver), "/")
	if c.Matrix.SyncTimeout == 0 {
		c.Matrix.SyncTimeout = 30 * time.Second
	}
	if c.Matrix.RequestTimeout == 0 {
		c.Matrix.RequestTimeout = c.Matrix.SyncTimeout + 10*time.Second
	}
	if c.Matrix.RequestsPerSecond <= 0 {
		c.Matrix.RequestsPerSecond = 10
	}
	if c.Matrix.Burst <= 0 {
		c.Matrix.Burst = 20
	}
	if c.Login.MaxRetries < 0 {
		c.Login.MaxRetries = 5
	}
	if c.Invite.ReconcileIntervalCycles < 0 {
		c.Invite.ReconcileIntervalCycles = 20
	}
	if c.Invite.AcceptanceTimeoutSeconds < 0 {
		c.Invite.AcceptanceTimeoutSeconds = 0
	}
	if c.DB.Driver == "" {
		c.DB.Driver = "sqlite"
	}
	if c.DB.DSN == "" && c.DB.Driver == "sqlite" {
		c.DB.DSN = "spacebot.db"
	}
	if c.DB.MaxOpenConns <= 0 {
		c.DB.MaxOpenConns = 10
	}
	if c.DB.MaxIdleConns <= 0 {
		c.DB.MaxIdleConns = 5
	}
	if c.DB.ConnMaxLife == 0 {
		c.DB.ConnMaxLife = 30 * time.Minute
	}
	if c.DB.ConnMaxIdle == 0 {
		c.DB.ConnMaxIdle = 5 * time.Minute
	}
	if c.Seen.Backend == "" {
		c.Seen.Backend = "sql"
	}
	if c.Seen.TTL == 0 {
		c.Seen.TTL = 7 * 24 * time.Hour
	}
	if c.Seen.PruneSchedule == "" {
		c.Seen.PruneSchedule = "@every 1h"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "127.0.0.1:6379"
	}
	if c.Commands.Prefix == "" {
		c.Commands.Prefix = "!!"
	}
	if c.Commands.MinPowerLevel < 0 {
		c.Commands.MinPowerLevel = 50
	}
	if c.MembershipBreaker.Threshold <= 0 {
		c.MembershipBreaker.Threshold = 3
	}
	if c.MembershipBreaker.Window == 0 {
		c.MembershipBreaker.Window = time.Minute
	}
	if c.MembershipBreaker.OpenFor == 0 {
		c.MembershipBreaker.OpenFor = 30 * time.Second
	}
	if c.AuditForward.Tick == 0 {
		c.AuditForward.Tick = 2 * time.Second
	}
	if c.AuditForward.Batch <= 0 {
		c.AuditForward.Batch = 200
	}
}

func (c *Config) validate() error {
	if c.Matrix.Homeserver == "" {
		return errors.New("matrix.homeserver (MATRIX_HOMESERVER) is required")
	}
	if c.Matrix.Password == "" {
		return errors.New("matrix.password (MATRIX_PASSWORD) is required")
	}
	u := c.Matrix.User
	if !strings.HasPrefix(u, "@") || !strings.Contains(u, ":") || strings.HasSuffix(u, ":") || strings.HasPrefix(u, "@:") {
		return fmt.Errorf("matrix.user (MATRIX_USER) must look like @bot:server, got %q", u)
	}
	switch c.DB.Driver {
	case "sqlite", "mysql":
	default:
		return fmt.Errorf("db.driver must be sqlite or mysql, got %q", c.DB.Driver)
	}
	if c.DB.DSN == "" {
		return errors.New("db.dsn is required")
	}
	switch c.Seen.Backend {
	case "sql", "redis":
	default:
		return fmt.Errorf("seen.backend must be sql or redis, got %q", c.Seen.Backend)
	}
	if c.AuditForward.Enabled && (c.RocketMQ.NameServer == "" || c.RocketMQ.Topic == "" || c.RocketMQ.ProducerGroup == "") {
		return errors.New("audit_forward requires rocketmq.name_server, topic and producer_group")
	}
	return nil
}

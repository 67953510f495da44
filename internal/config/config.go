// Package config loads the live service configuration from an optional
// YAML file, a .env file and LIVE_* environment variables, and maps it onto
// the per-package Default*Config values.
package config

import (
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/whisper/live-match/internal/database"
	"github.com/whisper/live-match/internal/decline"
	"github.com/whisper/live-match/internal/matching"
	"github.com/whisper/live-match/internal/messaging"
	"github.com/whisper/live-match/internal/ratelimit"
	"github.com/whisper/live-match/internal/scheduler"
	"github.com/whisper/live-match/internal/session"
)

// EnvPrefix prefixes every environment override, e.g. LIVE_DATABASE_URL.
const EnvPrefix = "LIVE"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Log       LogConfig       `mapstructure:"log"`
	Session   SessionConfig   `mapstructure:"session"`
	Matching  MatchingConfig  `mapstructure:"matching"`
	Decline   DeclineConfig   `mapstructure:"decline"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
}

type ServerConfig struct {
	ListenAddr     string        `mapstructure:"listen_addr"`
	PushAddr       string        `mapstructure:"push_addr"`
	CORSOrigins    []string      `mapstructure:"cors_origins"`
	ShutdownWait   time.Duration `mapstructure:"shutdown_wait"`
	PushPingPeriod time.Duration `mapstructure:"push_ping_period"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	Name          string        `mapstructure:"name"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
}

// LogConfig controls the optional rotating log file. An empty File logs to
// stdout only.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSize    int    `mapstructure:"max_size"` // megabytes
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
	Compress   bool   `mapstructure:"compress"`
}

type SessionConfig struct {
	AllowedDurations  []int         `mapstructure:"allowed_durations"`
	ExtendStep        time.Duration `mapstructure:"extend_step"`
	StartAttemptDelay time.Duration `mapstructure:"start_attempt_delay"`
	FuzzRadiusKm      float64       `mapstructure:"fuzz_radius_km"`
}

type MatchingConfig struct {
	SweepEnabled           bool          `mapstructure:"sweep_enabled"`
	SweepInterval          time.Duration `mapstructure:"sweep_interval"`
	SweepBatch             int           `mapstructure:"sweep_batch"`
	CleanupInterval        time.Duration `mapstructure:"cleanup_interval"`
	DeclineAttemptDelay    time.Duration `mapstructure:"decline_attempt_delay"`
	AutoExpiryAttemptDelay time.Duration `mapstructure:"auto_expiry_attempt_delay"`
	MatchCeiling           time.Duration `mapstructure:"match_ceiling"`
	AutoExpiryWindow       time.Duration `mapstructure:"auto_expiry_window"`
	ExpiryMargin           time.Duration `mapstructure:"expiry_margin"`
	MaxPairAttempts        int           `mapstructure:"max_pair_attempts"`
	AttemptLockTTL         time.Duration `mapstructure:"attempt_lock_ttl"`
	AttemptTimeout         time.Duration `mapstructure:"attempt_timeout"`
}

type DeclineConfig struct {
	Threshold int           `mapstructure:"threshold"`
	Window    time.Duration `mapstructure:"window"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	Workers      int           `mapstructure:"workers"`
	TaskTimeout  time.Duration `mapstructure:"task_timeout"`
}

type RuleConfig struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

type RateLimitConfig struct {
	SessionStart RuleConfig `mapstructure:"session_start"`
	Decline      RuleConfig `mapstructure:"decline"`
	Message      RuleConfig `mapstructure:"message"`
}

// Load reads .env (if present), then configPath (if non-empty), then LIVE_*
// environment variables, on top of the package defaults.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err == nil {
		log.Printf("[config] loaded .env")
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configPath, err)
		}
		log.Printf("[config] using config file: %s", v.ConfigFileUsed())
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.push_addr", ":8081")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.shutdown_wait", 10*time.Second)
	v.SetDefault("server.push_ping_period", 30*time.Second)

	db := database.DefaultConfig()
	v.SetDefault("database.url", db.URL)
	v.SetDefault("database.max_open_conns", db.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", db.MaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", db.ConnMaxLifetime)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	nc := messaging.DefaultNATSConfig()
	v.SetDefault("nats.url", nc.URL)
	v.SetDefault("nats.name", nc.Name)
	v.SetDefault("nats.reconnect_wait", nc.ReconnectWait)
	v.SetDefault("nats.max_reconnects", nc.MaxReconnects)

	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size", 10)
	v.SetDefault("log.max_backups", 30)
	v.SetDefault("log.max_age", 90)
	v.SetDefault("log.compress", true)

	sc := session.DefaultConfig()
	v.SetDefault("session.allowed_durations", sc.AllowedDurations)
	v.SetDefault("session.extend_step", sc.ExtendStep)
	v.SetDefault("session.start_attempt_delay", sc.StartAttemptDelay)
	v.SetDefault("session.fuzz_radius_km", 0.5)

	mc := matching.DefaultConfig()
	v.SetDefault("matching.sweep_enabled", mc.SweepEnabled)
	v.SetDefault("matching.sweep_interval", mc.SweepInterval)
	v.SetDefault("matching.sweep_batch", mc.SweepBatch)
	v.SetDefault("matching.cleanup_interval", mc.CleanupInterval)
	v.SetDefault("matching.decline_attempt_delay", mc.DeclineAttemptDelay)
	v.SetDefault("matching.auto_expiry_attempt_delay", mc.AutoExpiryAttemptDelay)
	v.SetDefault("matching.match_ceiling", mc.MatchCeiling)
	v.SetDefault("matching.auto_expiry_window", mc.AutoExpiryWindow)
	v.SetDefault("matching.expiry_margin", mc.ExpiryMargin)
	v.SetDefault("matching.max_pair_attempts", mc.MaxPairAttempts)
	v.SetDefault("matching.attempt_lock_ttl", mc.AttemptLockTTL)
	v.SetDefault("matching.attempt_timeout", mc.AttemptTimeout)

	dc := decline.DefaultConfig()
	v.SetDefault("decline.threshold", dc.Threshold)
	v.SetDefault("decline.window", dc.Window)

	rc := scheduler.DefaultRunnerConfig()
	v.SetDefault("scheduler.poll_interval", rc.PollInterval)
	v.SetDefault("scheduler.batch_size", rc.BatchSize)
	v.SetDefault("scheduler.workers", rc.Workers)
	v.SetDefault("scheduler.task_timeout", rc.TaskTimeout)

	rules := ratelimit.DefaultRules()
	for name, rule := range map[string]ratelimit.Rule{
		"session_start": rules.SessionStart,
		"decline":       rules.Decline,
		"message":       rules.Message,
	} {
		v.SetDefault("ratelimit."+name+".limit", rule.Limit)
		v.SetDefault("ratelimit."+name+".window", rule.Window)
	}
}

// Validate rejects values the services cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required"))
	}
	if len(c.Session.AllowedDurations) == 0 {
		errs = append(errs, errors.New("session.allowed_durations is empty"))
	}
	if slices.ContainsFunc(c.Session.AllowedDurations, func(m int) bool { return m <= 0 }) {
		errs = append(errs, errors.New("session.allowed_durations must be positive"))
	}
	if c.Decline.Threshold < 1 {
		errs = append(errs, errors.New("decline.threshold must be at least 1"))
	}
	if c.Matching.MatchCeiling <= 0 || c.Matching.AutoExpiryWindow <= 0 {
		errs = append(errs, errors.New("matching.match_ceiling and matching.auto_expiry_window must be positive"))
	}
	if c.Scheduler.Workers < 1 {
		errs = append(errs, errors.New("scheduler.workers must be at least 1"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func (c *Config) DatabaseConfig() database.Config {
	return database.Config{
		URL:             c.Database.URL,
		MaxOpenConns:    c.Database.MaxOpenConns,
		MaxIdleConns:    c.Database.MaxIdleConns,
		ConnMaxLifetime: c.Database.ConnMaxLifetime,
	}
}

func (c *Config) NATSConfig() messaging.NATSConfig {
	return messaging.NATSConfig{
		URL:           c.NATS.URL,
		Name:          c.NATS.Name,
		ReconnectWait: c.NATS.ReconnectWait,
		MaxReconnects: c.NATS.MaxReconnects,
	}
}

func (c *Config) SessionConfig() session.Config {
	return session.Config{
		AllowedDurations:  slices.Clone(c.Session.AllowedDurations),
		ExtendStep:        c.Session.ExtendStep,
		StartAttemptDelay: c.Session.StartAttemptDelay,
	}
}

func (c *Config) MatchingConfig() matching.Config {
	m := c.Matching
	return matching.Config{
		SweepEnabled:           m.SweepEnabled,
		SweepInterval:          m.SweepInterval,
		SweepBatch:             m.SweepBatch,
		CleanupInterval:        m.CleanupInterval,
		DeclineAttemptDelay:    m.DeclineAttemptDelay,
		AutoExpiryAttemptDelay: m.AutoExpiryAttemptDelay,
		MatchCeiling:           m.MatchCeiling,
		AutoExpiryWindow:       m.AutoExpiryWindow,
		ExpiryMargin:           m.ExpiryMargin,
		MaxPairAttempts:        m.MaxPairAttempts,
		AttemptLockTTL:         m.AttemptLockTTL,
		AttemptTimeout:         m.AttemptTimeout,
	}
}

func (c *Config) DeclineConfig() decline.Config {
	return decline.Config{Threshold: c.Decline.Threshold, Window: c.Decline.Window}
}

func (c *Config) RunnerConfig() scheduler.RunnerConfig {
	return scheduler.RunnerConfig{
		PollInterval: c.Scheduler.PollInterval,
		BatchSize:    c.Scheduler.BatchSize,
		Workers:      c.Scheduler.Workers,
		TaskTimeout:  c.Scheduler.TaskTimeout,
	}
}

// Rules returns the rate limit rules with the configured limits and
// windows and the default key prefixes.
func (c *Config) Rules() ratelimit.Rules {
	rules := ratelimit.DefaultRules()
	apply := func(r *ratelimit.Rule, rc RuleConfig) {
		r.Limit = rc.Limit
		r.Window = rc.Window
	}
	apply(&rules.SessionStart, c.RateLimit.SessionStart)
	apply(&rules.Decline, c.RateLimit.Decline)
	apply(&rules.Message, c.RateLimit.Message)
	return rules
}

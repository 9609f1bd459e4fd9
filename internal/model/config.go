// Package model defines the router's configuration and the task lifecycle stages.
package model

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	StorageRoot string           `yaml:"storage_root"`
	RepoBaseDir string           `yaml:"repo_base_dir"`
	Remote      RemoteConfig     `yaml:"remote"`
	Agent       AgentConfig      `yaml:"agent"`
	Dispatcher  DispatcherConfig `yaml:"dispatcher"`
	Ingest      IngestConfig     `yaml:"ingest"`
	Daemon      DaemonConfig     `yaml:"daemon"`
	Logging     LoggingConfig    `yaml:"logging"`
	Metrics     MetricsConfig    `yaml:"metrics"`
	Events      EventsConfig     `yaml:"events"`
	Notify      NotifyConfig     `yaml:"notify"`
}

type RemoteConfig struct {
	Backend   string `yaml:"backend"` // dynamodb | redis | none
	TableName string `yaml:"table_name"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	RedisAddr string `yaml:"redis_addr"`
	RedisKey  string `yaml:"redis_key"`
}

type AgentConfig struct {
	Command    string   `yaml:"command"`
	Args       []string `yaml:"args"`
	TimeoutSec int      `yaml:"timeout_sec"`
}

type DispatcherConfig struct {
	IntervalSec     int     `yaml:"interval_sec"`
	InitialDelaySec int     `yaml:"initial_delay_sec"`
	DebounceSec     float64 `yaml:"debounce_sec"`
	DisableWatch    bool    `yaml:"disable_watch"`
}

type IngestConfig struct {
	IntervalSec     int    `yaml:"interval_sec"`
	InitialDelaySec int    `yaml:"initial_delay_sec"`
	QuietHours      string `yaml:"quiet_hours"` // "HH:MM-HH:MM", empty disables
}

type DaemonConfig struct {
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
	HeartbeatSec       int `yaml:"heartbeat_sec"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Stderr bool   `yaml:"stderr"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type EventsConfig struct {
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// NotifyConfig controls macOS desktop notifications for agent runs.
type NotifyConfig struct {
	Desktop   bool `yaml:"desktop"`
	OnSuccess bool `yaml:"on_success"`
}

const (
	BackendDynamoDB = "dynamodb"
	BackendRedis    = "redis"
	BackendNone     = "none"

	DefaultStorageRoot = "data"
	DefaultTableName   = "GithubWebhookTable"
	DefaultAgentCmd    = "gemini"
	DefaultRedisKey    = "github-webhooks"
	DefaultSubject     = "webhooks.router"
)

// DefaultConfig returns a Config with every default filled in.
func DefaultConfig() Config {
	var cfg Config
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued fields. Explicit values are kept.
func (c *Config) ApplyDefaults() {
	if c.StorageRoot == "" {
		c.StorageRoot = DefaultStorageRoot
	}
	if c.RepoBaseDir == "" {
		c.RepoBaseDir = defaultRepoBaseDir()
	}
	if c.Remote.Backend == "" {
		c.Remote.Backend = BackendDynamoDB
	}
	if c.Remote.TableName == "" {
		c.Remote.TableName = DefaultTableName
	}
	if c.Remote.RedisKey == "" {
		c.Remote.RedisKey = DefaultRedisKey
	}
	if c.Agent.Command == "" {
		c.Agent.Command = DefaultAgentCmd
	}
	if c.Agent.Args == nil {
		c.Agent.Args = []string{"-y"}
	}
	if c.Agent.TimeoutSec <= 0 {
		c.Agent.TimeoutSec = 300
	}
	if c.Dispatcher.IntervalSec <= 0 {
		c.Dispatcher.IntervalSec = 60
	}
	// zero means unset; a negative value starts dispatching immediately
	switch {
	case c.Dispatcher.InitialDelaySec == 0:
		c.Dispatcher.InitialDelaySec = 10
	case c.Dispatcher.InitialDelaySec < 0:
		c.Dispatcher.InitialDelaySec = 0
	}
	if c.Dispatcher.DebounceSec <= 0 {
		c.Dispatcher.DebounceSec = 1
	}
	if c.Ingest.IntervalSec <= 0 {
		c.Ingest.IntervalSec = 60
	}
	if c.Daemon.ShutdownTimeoutSec <= 0 {
		c.Daemon.ShutdownTimeoutSec = 30
	}
	if c.Daemon.HeartbeatSec <= 0 {
		c.Daemon.HeartbeatSec = 60
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Events.SubjectPrefix == "" {
		c.Events.SubjectPrefix = DefaultSubject
	}
}

// ApplyEnv overrides fields from the process environment. getenv is
// os.Getenv outside of tests.
func (c *Config) ApplyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.StorageRoot, "WEBHOOKS_ROUTER_STORAGE_ROOT")
	set(&c.RepoBaseDir, "WEBHOOKS_ROUTER_REPO_BASE_DIR")
	set(&c.Remote.TableName, "WEBHOOKS_ROUTER_TABLE_NAME")
	set(&c.Remote.Backend, "WEBHOOKS_ROUTER_BACKEND")
	set(&c.Remote.RedisAddr, "WEBHOOKS_ROUTER_REDIS_ADDR")
	set(&c.Ingest.QuietHours, "WEBHOOKS_ROUTER_QUIET_HOURS")
	set(&c.Logging.Level, "WEBHOOKS_ROUTER_LOG_LEVEL")
	set(&c.Remote.Region, "AWS_REGION")
	set(&c.Remote.Endpoint, "DYNAMO_ENDPOINT")
	set(&c.Events.NATSURL, "NATS_URL")
}

// Validate rejects configurations the daemon cannot run with.
func (c Config) Validate() error {
	switch c.Remote.Backend {
	case BackendDynamoDB, BackendNone:
	case BackendRedis:
		if c.Remote.RedisAddr == "" {
			return fmt.Errorf("remote.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown remote.backend %q (want dynamodb, redis or none)", c.Remote.Backend)
	}
	if c.Agent.TimeoutSec <= 0 {
		return fmt.Errorf("agent.timeout_sec must be positive, got %d", c.Agent.TimeoutSec)
	}
	if c.StorageRoot == "" {
		return fmt.Errorf("storage_root is required")
	}
	if c.Ingest.QuietHours != "" {
		if _, _, err := ParseQuietWindow(c.Ingest.QuietHours); err != nil {
			return fmt.Errorf("ingest.quiet_hours: %w", err)
		}
	}
	return nil
}

func (c Config) DispatchInterval() time.Duration {
	return time.Duration(c.Dispatcher.IntervalSec) * time.Second
}

func (c Config) IngestInterval() time.Duration {
	return time.Duration(c.Ingest.IntervalSec) * time.Second
}

func (c Config) JournalPath() string {
	return filepath.Join(c.StorageRoot, "logs", "journal.jsonl")
}

func (c Config) AgentTimeout() time.Duration {
	return time.Duration(c.Agent.TimeoutSec) * time.Second
}

func (c Config) StageDir(s Stage) string {
	return filepath.Join(c.StorageRoot, string(s))
}

func (c Config) OutputsDir() string {
	return filepath.Join(c.StorageRoot, OutputsDir)
}

func (c Config) LockPath() string {
	return filepath.Join(c.StorageRoot, "locks", "router.lock")
}

func (c Config) LogPath() string {
	return filepath.Join(c.StorageRoot, "logs", "router.log")
}

func (c Config) SocketPath() string {
	return filepath.Join(c.StorageRoot, "router.sock")
}

func (c Config) ConfigPath() string {
	return filepath.Join(c.StorageRoot, "config.yaml")
}

// ParseQuietWindow parses "HH:MM-HH:MM" into offsets from local midnight.
func ParseQuietWindow(s string) (start, end time.Duration, err error) {
	from, to, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return 0, 0, fmt.Errorf("expected HH:MM-HH:MM, got %q", s)
	}
	if start, err = parseClock(from); err != nil {
		return 0, 0, err
	}
	if end, err = parseClock(to); err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q: %w", s, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func defaultRepoBaseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "Dev"
	}
	return filepath.Join(home, "Dev")
}

package model

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateStageTransition(t *testing.T) {
	valid := []struct {
		from, to Stage
	}{
		{StagePending, StageProcessing},
		{StagePending, StageFailed},
		{StagePending, StageSkipped},
		{StageProcessing, StageCompleted},
		{StageProcessing, StageFailed},
		{StageProcessing, StagePending},
	}
	for _, tt := range valid {
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			assert.NoError(t, ValidateStageTransition(tt.from, tt.to))
		})
	}

	invalid := []struct {
		from, to Stage
	}{
		{StagePending, StageCompleted},
		{StageProcessing, StageSkipped},
		{StageCompleted, StagePending},
		{StageFailed, StageProcessing},
		{StageSkipped, StagePending},
		{Stage("bogus"), StagePending},
	}
	for _, tt := range invalid {
		t.Run("reject_"+string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			assert.Error(t, ValidateStageTransition(tt.from, tt.to))
		})
	}
}

func TestIsTerminal(t *testing.T) {
	tests := []struct {
		stage    Stage
		terminal bool
	}{
		{StagePending, false},
		{StageProcessing, false},
		{StageCompleted, true},
		{StageFailed, true},
		{StageSkipped, true},
	}
	for _, tt := range tests {
		if got := IsTerminal(tt.stage); got != tt.terminal {
			t.Errorf("IsTerminal(%q) = %v, want %v", tt.stage, got, tt.terminal)
		}
	}
	assert.True(t, IsStage("skipped"))
	assert.False(t, IsStage(OutputsDir))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "data", cfg.StorageRoot)
	assert.Equal(t, "GithubWebhookTable", cfg.Remote.TableName)
	assert.Equal(t, BackendDynamoDB, cfg.Remote.Backend)
	assert.Equal(t, "gemini", cfg.Agent.Command)
	assert.Equal(t, []string{"-y"}, cfg.Agent.Args)
	assert.Equal(t, 5*time.Minute, cfg.AgentTimeout())
	assert.Equal(t, 60, cfg.Dispatcher.IntervalSec)
	assert.Equal(t, 10, cfg.Dispatcher.InitialDelaySec)
	assert.Equal(t, time.Minute, cfg.IngestInterval())
	assert.Equal(t, "", cfg.Ingest.QuietHours)
	require.NoError(t, cfg.Validate())
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"WEBHOOKS_ROUTER_STORAGE_ROOT": "/srv/router",
		"WEBHOOKS_ROUTER_TABLE_NAME":   "Hooks",
		"WEBHOOKS_ROUTER_QUIET_HOURS":  "22:00-07:00",
		"DYNAMO_ENDPOINT":              "http://localhost:8000",
		"AWS_REGION":                   "  ",
	}
	cfg := DefaultConfig()
	cfg.Remote.Region = "eu-west-1"
	cfg.ApplyEnv(func(k string) string { return env[k] })

	assert.Equal(t, "/srv/router", cfg.StorageRoot)
	assert.Equal(t, "Hooks", cfg.Remote.TableName)
	assert.Equal(t, "22:00-07:00", cfg.Ingest.QuietHours)
	assert.Equal(t, "http://localhost:8000", cfg.Remote.Endpoint)
	assert.Equal(t, "eu-west-1", cfg.Remote.Region, "blank env value must not override")
	assert.Equal(t, filepath.Join("/srv/router", "pending"), cfg.StageDir(StagePending))
	assert.Equal(t, filepath.Join("/srv/router", "locks", "router.lock"), cfg.LockPath())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Remote.Backend = "sqs" }},
		{"redis without addr", func(c *Config) { c.Remote.Backend = BackendRedis }},
		{"bad quiet hours", func(c *Config) { c.Ingest.QuietHours = "late-early" }},
		{"negative timeout", func(c *Config) { c.Agent.TimeoutSec = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := DefaultConfig()
	cfg.Remote.Backend = BackendRedis
	cfg.Remote.RedisAddr = "localhost:6379"
	assert.NoError(t, cfg.Validate())
}

func TestParseQuietWindow(t *testing.T) {
	start, end, err := ParseQuietWindow("22:00-07:30")
	require.NoError(t, err)
	assert.Equal(t, 22*time.Hour, start)
	assert.Equal(t, 7*time.Hour+30*time.Minute, end)

	for _, bad := range []string{"", "22:00", "25:00-07:00", "22:00-7"} {
		_, _, err := ParseQuietWindow(bad)
		assert.Error(t, err, bad)
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadConfig(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	path := filepath.Join(dir, "config.yaml")
	content := "repo_base_dir: /work\nagent:\n  command: claude\n  args: [\"-p\"]\nremote:\n  backend: none\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err = LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/work", cfg.RepoBaseDir)
	assert.Equal(t, "claude", cfg.Agent.Command)
	assert.Equal(t, []string{"-p"}, cfg.Agent.Args)
	assert.Equal(t, BackendNone, cfg.Remote.Backend)
	assert.Equal(t, 300, cfg.Agent.TimeoutSec)

	require.NoError(t, os.WriteFile(path, []byte("dispatcher:\n  initial_delay_sec: -1\n"), 0644))
	cfg, err = LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Dispatcher.InitialDelaySec)

	require.NoError(t, os.WriteFile(path, []byte("agent: [unclosed"), 0644))
	_, err = LoadConfig(path)
	assert.Error(t, err)
}

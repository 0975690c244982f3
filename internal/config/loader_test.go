package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "charter.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	require.NoError(t, os.Chmod(path, perm))
	return path
}

func TestLoadWithFile_ValidYAML(t *testing.T) {
	path := writeConfig(t, `
pipeline:
  state_dir: /tmp/charter-state
  max_attempts: 5
  initial_backoff: 250ms
  stage_timeout: 45s
stages:
  - name: technical
    collector: codebase
    required_sections: [Overview, Modules]
  - name: portal
    required_sections: [Page Inventory]
    depends_on: [technical]
    skip_gate: true
collectors:
  tickets:
    owner: acme
    repo: widgets
    token: ghp_secret
server:
  port: 8088
`, 0o600)

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/charter-state", cfg.Pipeline.StateDir)
	assert.Equal(t, 5, cfg.Pipeline.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Pipeline.InitialBackoff.Duration())
	assert.Equal(t, 45*time.Second, cfg.Pipeline.StageTimeout.Duration())
	// Unset values fall back to defaults.
	assert.Equal(t, 30*time.Second, cfg.Pipeline.MaxBackoff.Duration())
	assert.Equal(t, 2.0, cfg.Pipeline.BackoffMultiplier)

	require.Len(t, cfg.Stages, 2)
	assert.Equal(t, "codebase", cfg.Stages[0].Collector)
	assert.Equal(t, "portal", cfg.Stages[1].Collector, "collector defaults to the stage name")
	assert.Equal(t, []string{"technical"}, cfg.Stages[1].DependsOn)
	assert.Equal(t, []string{"technical"}, cfg.GateStages())

	assert.Equal(t, "acme", cfg.Collectors.Tickets.Owner)
	assert.Equal(t, "ghp_secret", cfg.Collectors.Tickets.Token.Value())
	assert.Equal(t, 8088, cfg.Server.Port)
	assert.True(t, cfg.Redaction.Enabled)
}

func TestLoadWithFile_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadWithFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Pipeline.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Pipeline.RateLimitFloor.Duration())
	assert.Equal(t, 5*time.Minute, cfg.Pipeline.MaxRateLimitWait.Duration())
	require.Len(t, cfg.Stages, 4)
	assert.Equal(t, []string{StageTechnical, StageIssueTracker, StagePortal, StageManualDocs}, cfg.GateStages())
	assert.Equal(t, []string{"*.md", "*.txt"}, cfg.Collectors.Manual.Patterns)
}

func TestLoadWithFile_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "pipeline:\n  max_attempts: 4\n", 0o600)

	t.Setenv("CHARTER_PIPELINE_MAX_ATTEMPTS", "7")
	t.Setenv("CHARTER_COLLECTORS_TICKETS_TOKEN", "from-env")
	t.Setenv("CHARTER_SERVER_PORT", "9300")

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Pipeline.MaxAttempts)
	assert.Equal(t, "from-env", cfg.Collectors.Tickets.Token.Value())
	assert.Equal(t, 9300, cfg.Server.Port)
}

func TestLoadWithFile_ShorterListReplacesDefaults(t *testing.T) {
	path := writeConfig(t, "collectors:\n  manual:\n    patterns: ['*.rst']\n", 0o600)

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"*.rst"}, cfg.Collectors.Manual.Patterns)
}

func TestLoadWithFile_RejectsWritableByOthers(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission model differs on windows")
	}
	path := writeConfig(t, "pipeline:\n  max_attempts: 2\n", 0o666)

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestLoadWithFile_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"negative attempts", "pipeline:\n  max_attempts: -1\n", "max_attempts"},
		{"bad engine", "redaction:\n  engine: magic\n", "redaction.engine"},
		{"openai without model", "synthesis:\n  provider: openai\n", "synthesis.model"},
		{"duplicate stage", "stages:\n  - name: a\n  - name: a\n", "duplicate stage name"},
		{"bad duration", "pipeline:\n  stage_timeout: soon\n", "unmarshal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.yaml, 0o600)
			_, err := LoadWithFile(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"CHARTER_PIPELINE_MAX_ATTEMPTS":       "pipeline.max_attempts",
		"CHARTER_SERVER_PORT":                 "server.port",
		"CHARTER_COLLECTORS_TICKETS_TOKEN":    "collectors.tickets.token",
		"CHARTER_COLLECTORS_PORTAL_MAX_PAGES": "collectors.portal.max_pages",
		"CHARTER_DEBUG":                       "debug",
	}
	for in, want := range tests {
		assert.Equal(t, want, envKey(in), in)
	}
}

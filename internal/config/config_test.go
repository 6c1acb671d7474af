package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_RequiresGitHubUsername(t *testing.T) {
	t.Setenv("PRMONITOR_GITHUB_USERNAME", "")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "github_username")
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PRMONITOR_GITHUB_USERNAME", "octocat")
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8080", cfg.ListenAddr)
	assert.Equal(t, 10, cfg.MaxConcurrentRepositories)
	assert.Equal(t, 1000, cfg.MaxPRsPerRepository)
	assert.Equal(t, 0.80, cfg.AutoFixConfidence)
	assert.Equal(t, 5, cfg.Escalation.ConsecutiveFailures)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("PRMONITOR_GITHUB_USERNAME", "octocat")
	t.Setenv("PRMONITOR_MAX_CONCURRENT_REPOSITORIES", "25")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.MaxConcurrentRepositories)
}

func TestLoad_RejectsOutOfRangeConcurrency(t *testing.T) {
	t.Setenv("PRMONITOR_GITHUB_USERNAME", "octocat")
	t.Setenv("PRMONITOR_MAX_CONCURRENT_REPOSITORIES", "1")
	_, err := Load("")
	require.Error(t, err)
}

func TestConfig_IsAutoFixable(t *testing.T) {
	cfg := Config{
		AutoFixableCategories:  []string{"lint", "formatting"},
		NeverAutoFixCategories: []string{"flaky_test"},
	}

	assert.True(t, cfg.IsAutoFixable("lint"))
	assert.True(t, cfg.IsAutoFixable("Formatting"))
	assert.False(t, cfg.IsAutoFixable("flaky_test"))
	assert.False(t, cfg.IsAutoFixable("security"), "security must never be auto-fixable regardless of config")
	assert.False(t, cfg.IsAutoFixable("unknown_category"))
}

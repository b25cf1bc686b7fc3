package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PROJECT_NAME", "atlas")
	t.Setenv("PROJECT_ACCESS_KEY", "key-123")
	t.Setenv("PORT", "9090")
	t.Setenv("AutoPurgeIdleUsers", "1")
	t.Setenv("DEV_MODE", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "atlas", cfg.ProjectName)
	assert.Equal(t, "key-123", cfg.ProjectAccessKey)
	assert.Equal(t, "atlas", cfg.Behaviour)
	assert.Equal(t, 9090, cfg.Port)
	assert.True(t, cfg.AutoPurgeIdleUsers)
	assert.True(t, cfg.DevMode)
	assert.Equal(t, "localhost:9090", cfg.ListenAddr())
}

func TestEnvironmentOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "waypoint.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"project_name: atlas\nproject_access_key: from-file\nbehaviour: stories\nport: 7000\n"), 0o644))

	t.Setenv("PROJECT_ACCESS_KEY", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "atlas", cfg.ProjectName)
	assert.Equal(t, "from-env", cfg.ProjectAccessKey)
	assert.Equal(t, "stories", cfg.Behaviour)
	assert.Equal(t, 7000, cfg.Port)
}

func TestMissingProjectNameFails(t *testing.T) {
	t.Setenv("PROJECT_NAME", "")
	t.Setenv("PROJECT_ACCESS_KEY", "key")

	_, err := Load("")
	assert.Error(t, err)
}

func TestOverlayCarriesProjectSettings(t *testing.T) {
	t.Setenv("PROJECT_NAME", "atlas")
	t.Setenv("PROJECT_ACCESS_KEY", "key-123")

	cfg, err := Load("")
	require.NoError(t, err)

	overlay := cfg.Overlay()
	assert.Equal(t, "atlas", overlay["PROJECT_NAME"])
	assert.Equal(t, "key-123", overlay["PROJECT_ACCESS_KEY"])
}

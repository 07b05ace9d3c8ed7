package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fxnlabs/resource-group/fixtures"
	"github.com/fxnlabs/resource-group/internal/procgroup"
	"github.com/fxnlabs/resource-group/internal/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		config, err := LoadConfig("../../fixtures/tests/config/valid_config.yaml")
		require.NoError(t, err)
		require.NotNil(t, config)

		assert.Equal(t, "debug", config.Logger.Verbosity)
		assert.Equal(t, "sim", config.Driver.Name)
		assert.Equal(t, 8, config.Driver.SimulatedDevices)
		assert.Equal(t, [][]int{{0, 1}, {2, 3, 4}}, config.Topology.Layout)
		assert.Equal(t, 1, config.Topology.Pid)
		assert.Equal(t, resource.ModeMulti, config.Collective.Mode)
		assert.Equal(t, 1, config.Collective.Rank)
		assert.Equal(t, 2, config.Collective.Size)
		assert.Equal(t, "10.0.0.1:29500", config.Collective.Coordinator)
		assert.Equal(t, 30*time.Second, config.Collective.Timeout)
		assert.Equal(t, [][]int{{0, 1}, {2}}, config.Pool.Affinity)
		assert.Equal(t, "127.0.0.1:9500", config.Metrics.ListenAddress)
	})

	t.Run("non-existent file", func(t *testing.T) {
		_, err := LoadConfig("non-existent-file.yaml")
		assert.Error(t, err)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		dir, err := os.Getwd()
		require.NoError(t, err)

		configPath := filepath.Join(dir, "..", "..", "fixtures", "tests", "invalid_config", "config.yaml")
		_, err = LoadConfig(configPath)
		assert.Error(t, err)
	})

	t.Run("template parses", func(t *testing.T) {
		config, err := Parse(fixtures.ConfigTemplate)
		require.NoError(t, err)
		assert.Equal(t, resource.ModeSingle, config.CollectiveMode())
		assert.Equal(t, [][]int{{0, 1, 2, 3}}, config.Topology.Layout)
	})
}

func TestParse_Defaults(t *testing.T) {
	config, err := Parse([]byte("topology:\n  layout: [[0]]\n"))
	require.NoError(t, err)
	assert.Equal(t, "info", config.Logger.Verbosity)
	assert.Equal(t, 1, config.Driver.SimulatedDevices)
	assert.Equal(t, resource.ModeAuto, config.Collective.Mode)
	assert.Equal(t, 1, config.Collective.Size)
	assert.Equal(t, 5*time.Minute, config.Collective.Timeout)
	assert.Equal(t, ":9400", config.Metrics.ListenAddress)
	assert.Equal(t, resource.ModeSingle, config.CollectiveMode())
}

func TestParse_EnvironmentOverrides(t *testing.T) {
	t.Setenv(EnvCollectiveMode, "MULTI")
	t.Setenv(EnvRank, "3")
	t.Setenv(EnvWorldSize, "4")

	config, err := Parse([]byte("collective:\n  coordinator: \"host:1\"\n"))
	require.NoError(t, err)
	assert.Equal(t, resource.ModeMulti, config.CollectiveMode())
	assert.Equal(t, 3, config.Collective.Rank)
	assert.Equal(t, 4, config.Collective.Size)
}

func TestParse_InvalidEnvironment(t *testing.T) {
	t.Setenv(EnvRank, "first")
	_, err := Parse([]byte("{}"))
	assert.ErrorContains(t, err, EnvRank)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown mode", "collective: {mode: mesh}"},
		{"rank out of range", "collective: {rank: 2, size: 2, coordinator: \"h:1\"}"},
		{"negative size", "collective: {size: -1}"},
		{"multi without coordinator", "collective: {mode: multi, size: 2}"},
		{"negative simulated devices", "driver: {simulatedDevices: -2}"},
		{"negative cpu", "pool: {affinity: [[0], [-1]]}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestCollectiveMode(t *testing.T) {
	c := &Config{Collective: CollectiveConfig{Mode: resource.ModeAuto, Size: 3}}
	assert.Equal(t, resource.ModeMulti, c.CollectiveMode())
	c.Collective.Mode = resource.ModeSingle
	assert.Equal(t, resource.ModeSingle, c.CollectiveMode())
}

func TestCollectiveModeSelectsFormation(t *testing.T) {
	for _, mode := range []string{resource.ModeAuto, resource.ModeSingle, resource.ModeMulti} {
		c, err := Parse([]byte("collective:\n  mode: " + mode + "\n"))
		require.NoError(t, err, mode)
		formation, err := resource.FormationFor(c.CollectiveMode(), procgroup.Local{})
		require.NoError(t, err, mode)
		assert.Equal(t, c.CollectiveMode(), formation.Name())
	}
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Len(t, cfg.Profiles, 9)
	assert.Equal(t, "block", cfg.Guard.Mode)
	assert.Equal(t, 3, cfg.Complexity.SimpleMax)
	assert.Equal(t, 8, cfg.Complexity.MediumMax)
	assert.Equal(t, 1000, cfg.Complexity.BodyUnit)
	assert.False(t, cfg.Simulation.Enabled)
}

func TestFromYAMLKeepsDefaultsForMissingSections(t *testing.T) {
	cfg, err := FromYAML([]byte("guard:\n  mode: warn\nprofiles:\n  - {complexity: simple, stage: plan, agent: claude}\n"))
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Guard.Mode)
	assert.Equal(t, 15, cfg.Dispatcher.PollIntervalSeconds)
	assert.Len(t, cfg.Profiles, 1)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"bad guard":         "guard:\n  mode: maybe\n",
		"duplicate profile": "profiles:\n  - {complexity: simple, stage: plan, agent: a}\n  - {complexity: simple, stage: plan, agent: b}\n",
		"unknown stage":     "profiles:\n  - {complexity: simple, stage: deploy, agent: a}\n",
		"bad thresholds":    "complexity:\n  simple_max: 9\n  medium_max: 8\n",
		"simulation":        "simulation:\n  enabled: true\n  marker: \"\"\n",
		"nats subject":      "projection:\n  nats:\n    url: nats://x\n    subject: \"\"\n",
		"auth mode":         "profiles:\n  - {complexity: simple, stage: plan, agent: a, auth_mode: magic}\n",
		"lease too short":   "dispatcher:\n  lease_seconds: 1000\nprofiles:\n  - {complexity: complex, stage: plan, agent: a, timeout_seconds: 600}\n  - {complexity: complex, stage: execute, agent: a}\n",
	}
	for name, raw := range cases {
		_, err := FromYAML([]byte(raw))
		assert.Error(t, err, name)
	}
}

func TestLeaseMustCoverTierStageTimeouts(t *testing.T) {
	raw := "dispatcher:\n  lease_seconds: 1500\nrunner:\n  default_timeout_seconds: 900\nprofiles:\n" +
		"  - {complexity: simple, stage: plan, agent: a, timeout_seconds: 600}\n" +
		"  - {complexity: simple, stage: execute, agent: a}\n"
	cfg, err := FromYAML([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, 900, int(cfg.StageTimeout(cfg.Profiles[1]).Seconds()))

	_, err = FromYAML([]byte(strings.Replace(raw, "lease_seconds: 1500", "lease_seconds: 1499", 1)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "simple stage timeouts (1500)")
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stl init")

	cfg, err := LoadOrDefault(dir)
	require.NoError(t, err)
	assert.Len(t, cfg.Profiles, 9)

	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(GenerateDefault()), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 7200, cfg.Dispatcher.LeaseSeconds)
	assert.Equal(t, "stageline.items", cfg.Projection.NATS.Subject)
}

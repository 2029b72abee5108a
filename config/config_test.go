package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
problem:
  discount: 0.9
  mapPath: maps/test.txt
sbt:
  maxTrials: 77
run:
  seed: 123
  nSteps: 5
`)

	cfg, err := Load(path)

	require.NoError(t, err)
	require.Equal(t, 0.9, cfg.Problem.Discount)
	require.Equal(t, "maps/test.txt", cfg.Problem.MapPath)
	require.Equal(t, 77, cfg.SBT.MaxTrials)
	require.Equal(t, uint64(123), cfg.Run.Seed)
	require.Equal(t, 5, cfg.Run.NSteps)
	// Untouched keys keep their defaults.
	require.Equal(t, Default().SBT.NParticles, cfg.SBT.NParticles)
	require.Equal(t, Default().Problem.TagReward, cfg.Problem.TagReward)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := writeConfig(t, "problem: [not a mapping\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"discount above one", func(c *Config) { c.Problem.Discount = 1.5 }},
		{"discount zero", func(c *Config) { c.Problem.Discount = 0 }},
		{"stay probability zero", func(c *Config) { c.Problem.OpponentStayProbability = 0 }},
		{"no particles", func(c *Config) { c.SBT.NParticles = 0 }},
		{"no trials", func(c *Config) { c.SBT.MaxTrials = -1 }},
		{"depth threshold out of range", func(c *Config) { c.SBT.DepthTh = 1 }},
		{"heuristic explore out of range", func(c *Config) { c.SBT.HeuristicExploreCoef = 1.5 }},
		{"no steps", func(c *Config) { c.Run.NSteps = 0 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}

	require.NoError(t, Default().Validate(), "defaults must validate")
}

func TestMaximumDepth(t *testing.T) {
	cfg := Default()
	cfg.Problem.Discount = 0.5
	cfg.SBT.DepthTh = 0.25

	require.Equal(t, 2, cfg.MaximumDepth(), "0.5^2 reaches the 0.25 threshold")

	cfg.SBT.DepthTh = 0.2
	require.Equal(t, 3, cfg.MaximumDepth(), "the bound rounds up")
}

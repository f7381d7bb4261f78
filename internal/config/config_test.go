package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 15*time.Minute, cfg.Claims.StaleAfter)
	assert.Equal(t, time.Minute, cfg.Claims.HeartbeatInterval)
	assert.Equal(t, 200*time.Millisecond, cfg.Policy.FetchTimeout)
	assert.Equal(t, 3, cfg.Skip.MaxAttempts)
	assert.Equal(t, []string{"ci.passed", "review.approved"}, cfg.Evidence["EXEC-TO-PLAN"])
	assert.Len(t, cfg.GatePolicies, 2)
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
claims:
  stale_after: 5m
  heartbeat_interval: 30s
skip:
  max_attempts: 0
`))
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, cfg.Claims.StaleAfter)
	assert.Equal(t, 30*time.Second, cfg.Claims.HeartbeatInterval)
	assert.Equal(t, 0, cfg.Skip.MaxAttempts)
	assert.Equal(t, 60*time.Second, cfg.Policy.CacheTTL, "untouched sections keep defaults")
	assert.Contains(t, cfg.Attestations.Catalog, "ci.passed")
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"heartbeat above stale": "claims:\n  stale_after: 1m\n  heartbeat_interval: 2m\n",
		"unknown backend":       "claims:\n  backend: etcd\n",
		"redis without addr":    "claims:\n  backend: redis\n",
		"negative attempts":     "skip:\n  max_attempts: -1\n",
		"zero fetch timeout":    "policy:\n  fetch_timeout: 0s\n",
		"unknown evidence kind": "evidence:\n  LEAD-TO-PLAN: [made.up]\n",
		"bad applicability":     "gate_policies:\n  - gate: X\n    applicability: SOMETIMES\n",
		"policy without gate":   "gate_policies:\n  - applicability: REQUIRED\n",
		"malformed yaml":        "claims: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadOptionalAndLoad(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	_, err = Load(dir)
	assert.ErrorContains(t, err, "not found")

	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("skip:\n  max_attempts: 7\n"), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Skip.MaxAttempts)
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault()))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, 30*time.Minute, cfg.Claims.TTL)
	require.Equal(t, 200, cfg.SweepBatch())
	require.Equal(t, 10*time.Second, cfg.EffectTimeout())
	require.Len(t, cfg.Skills, 14)
	require.Equal(t, 0.6, cfg.Payouts.Rates["Web App"])
	require.Contains(t, cfg.RBAC.Implies["certs_admin"], "certs_override")
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("claims:\n  ttl: 5m\nduplicates:\n  batch_size: 50\n"))
	require.NoError(t, err)
	require.Equal(t, 5*time.Minute, cfg.Claims.TTL)
	require.Equal(t, 50, cfg.SweepBatch())
	require.True(t, cfg.HasSkill("PyPI"))
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"zero ttl":      "claims:\n  ttl: 0s\n",
		"negative rate": "payouts:\n  rates:\n    CLI: -1\n",
		"huge batch":    "duplicates:\n  batch_size: 5000\n",
		"bad timezone":  "streak:\n  timezone: Mars/Olympus\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestLoadOrDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOrDefault(dir)
	require.NoError(t, err)
	require.Equal(t, 30*time.Minute, cfg.Claims.TTL)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "shipyard.yml"), []byte("claims:\n  ttl: 1m\n"), 0o644))
	cfg, err = LoadOrDefault(dir)
	require.NoError(t, err)
	require.Equal(t, time.Minute, cfg.Claims.TTL)
}

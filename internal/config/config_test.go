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
	assert.Equal(t, 500*time.Millisecond, cfg.Session.PollInterval)
	assert.Equal(t, 5*time.Second, cfg.Session.PollWindow)
	assert.Equal(t, 5*time.Second, cfg.Notify.TTL)
	assert.Equal(t, 50, cfg.Dashboard.AuditLimit)
	assert.Equal(t, 10*time.Second, cfg.API.Timeout)
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("api:\n  base_url: https://api.example.com\n"))
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com", cfg.API.BaseURL)
	assert.Equal(t, 10*time.Second, cfg.API.Timeout)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"relative url":    "api:\n  base_url: /api\n",
		"window < tick":   "session:\n  poll_interval: 2s\n  poll_window: 1s\n",
		"zero ttl":        "notify:\n  ttl: 0s\n",
		"no audit limit":  "dashboard:\n  audit_limit: 0\n",
		"not yaml at all": "api: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "kendra.yml"), []byte("dashboard:\n  audit_limit: 10\n"), 0o644))
	cfg, err = LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Dashboard.AuditLimit)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "kendra.yml"), []byte("notify:\n  ttl: -1s\n"), 0o644))
	_, err = LoadOptional(dir)
	assert.Error(t, err)
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Storage.Type)
	assert.Equal(t, "https://api.wiseoldman.net/v2", cfg.Stats.BaseURL)
	assert.Equal(t, 670*time.Millisecond, cfg.Stats.MinDelay)
	assert.Equal(t, 6, cfg.Stats.MaxAttempts)
	assert.Equal(t, 0.2, cfg.Harvest.SafeDeleteRatio)
	assert.Equal(t, 5*time.Minute, cfg.Harvest.GroupUpdateWait)
	assert.Empty(t, cfg.Messages.ChannelIDs)

	cutoff, err := cfg.Messages.Cutoff()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 2, 14, 0, 0, 0, 0, time.UTC), cutoff)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clanharvest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage:
  type: redis
stats:
  group_id: "1234"
  min_delay: 1s
harvest:
  roster_limit: 5
messages:
  channel_ids: ["111", "222"]
`), 0o600))
	t.Setenv("CLANHARVEST_STATS_API_KEY", "from-env")
	t.Setenv("CLANHARVEST_HARVEST_ROSTER_LIMIT", "9")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "redis", cfg.Storage.Type)
	assert.Equal(t, "1234", cfg.Stats.GroupID)
	assert.Equal(t, time.Second, cfg.Stats.MinDelay)
	assert.Equal(t, "from-env", cfg.Stats.APIKey)
	assert.Equal(t, 9, cfg.Harvest.RosterLimit)
	assert.Equal(t, []string{"111", "222"}, cfg.Messages.ChannelIDs)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"CLANHARVEST_STORAGE_TYPE":              "mongo",
		"CLANHARVEST_LOG_FORMAT":                "xml",
		"CLANHARVEST_HARVEST_SAFE_DELETE_RATIO": "1.5",
		"CLANHARVEST_MESSAGES_FOUNDING_DATE":    "14/02/2025",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := Load("")
			assert.Error(t, err)
		})
	}
}

func TestDefaultMatchesLoadWithoutInputs(t *testing.T) {
	cfg := Default()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "sqlite", cfg.Storage.Type)
	assert.Equal(t, 0.2, cfg.Harvest.SafeDeleteRatio)
	assert.Equal(t, 670*time.Millisecond, cfg.Stats.MinDelay)
	assert.Empty(t, cfg.Messages.ChannelIDs)
}

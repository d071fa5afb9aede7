package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mit.edu/dsg/planlab/common"
)

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "planlab.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	_, err := Load("/nonexistent/path/planlab.yaml")
	assert.Error(t, err)

	t.Chdir(t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
cost:
  buffer_blocks: 50
  selectivity: 0.25
statistics:
  sqlite_path: tpch.db
log:
  level: debug
  format: json
explore:
  parallelism: 2
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, int64(50), cfg.Cost.BufferBlocks)
	assert.Equal(t, 0.25, cfg.Cost.Selectivity)
	assert.Equal(t, "tpch.db", cfg.Statistics.SQLitePath)
	assert.Equal(t, 2, cfg.Explore.Parallelism)
	// untouched values keep their defaults
	assert.Equal(t, int64(1000), cfg.Cost.FallbackRows)
	assert.Equal(t, "planlab_data", cfg.Statistics.CatalogDir)
	assert.Equal(t, 24, cfg.Explore.MaxOrders)

	logger, err := cfg.Log.NewLogger()
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"buffer of one block": "cost:\n  buffer_blocks: 1\n",
		"selectivity above 1": "cost:\n  selectivity: 1.5\n",
		"tiny default budget": "cost:\n  default_buffer_blocks: 1\n",
		"unknown level":       "log:\n  level: loud\n",
		"unknown format":      "log:\n  format: xml\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, content))
			assert.True(t, common.IsCode(err, common.InvalidConfiguration), "%v", err)
		})
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "cost: [unterminated"))
	assert.Error(t, err)
}

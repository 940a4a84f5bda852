package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadReadsSections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
server:
  port: "9090"
redis:
  addr: localhost:6379
  ttl: 2m
match:
  category: division
  duration: 90s
  points_per_correct: 50
queue:
  selection_timeout: 25s
  rating_window: 150
connection:
  good_below: 80ms
limits:
  messages_per_second: 20
  burst: 40
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "division", cfg.Match.Category)
	assert.Equal(t, 50, cfg.Match.PointsPerCorrect)
	assert.Equal(t, 150.0, cfg.Queue.RatingWindow)
	assert.Equal(t, 40, cfg.Limits.Burst)
	assert.Equal(t, 90*time.Second, Duration(cfg.Match.Duration, time.Minute))
	assert.Equal(t, 80*time.Millisecond, Duration(cfg.Connection.GoodBelow, 100*time.Millisecond))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestFallbacks(t *testing.T) {
	assert.Equal(t, time.Minute, Duration("", time.Minute))
	assert.Equal(t, time.Minute, Duration("soon", time.Minute))
	assert.Equal(t, 3, Int(0, 3))
	assert.Equal(t, 7, Int(7, 3))
	assert.Equal(t, 1.5, Float(-1, 1.5))
}

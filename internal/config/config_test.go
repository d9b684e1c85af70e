package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFile_Defaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 54*time.Second, cfg.PingPeriod)
	assert.Equal(t, 5*time.Second, cfg.JoinTimeout)
	assert.Equal(t, 120*time.Second, cfg.TurnTimeout)
	assert.Equal(t, 120*time.Second, cfg.EndRequestTimeout)
	assert.Equal(t, 3, cfg.Rounds1v1)
	assert.Equal(t, 6, cfg.Rounds3v3)
	assert.Equal(t, "memory", cfg.Archive.Driver)
	assert.Equal(t, 30*time.Second, cfg.Archive.AutosaveInterval)
	assert.NotEmpty(t, cfg.ICEServers)
}

func TestLoadFile_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 9090
turn_timeout: 30s
archive:
  driver: postgres
  dsn: postgres://file
`), 0o600))
	t.Setenv("DEBATE_ARCHIVE_DSN", "postgres://env")
	t.Setenv("DEBATE_ROUNDS_1V1", "5")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.TurnTimeout)
	assert.Equal(t, "postgres", cfg.Archive.Driver)
	assert.Equal(t, "postgres://env", cfg.Archive.DSN)
	assert.Equal(t, 5, cfg.Rounds1v1)
}

func TestLoadFile_UnknownDriver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("archive:\n  driver: sqlite\n"), 0o600))

	_, err := LoadFile(path)
	assert.Error(t, err)
}

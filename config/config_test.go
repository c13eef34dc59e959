package config

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 30, cfg.FrameRate)
	assert.Equal(t, 10*1024*1024, cfg.MaxFrameBytes)
	assert.Equal(t, 5*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, time.Second/30, cfg.FrameInterval())
	assert.Equal(t, BridgeOff, cfg.Bridge.Mode)
	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
	assert.NoError(t, cfg.Validate())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mirror.yaml")
	content := `
port: 9090
frame_rate: 15
write_timeout: 500ms
capture:
  quality: 50
bridge:
  mode: relay
  addr: redis.local:6380
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 15, cfg.FrameRate)
	assert.Equal(t, 500*time.Millisecond, cfg.WriteTimeout)
	assert.Equal(t, 50, cfg.Capture.Quality)
	assert.Equal(t, 0.5, cfg.Capture.Scale, "unset fields keep defaults")
	assert.Equal(t, BridgeRelay, cfg.Bridge.Mode)
	assert.Equal(t, "redis.local:6380", cfg.Bridge.Addr)
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadFileInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: [1, 2"), 0644))
	_, err := LoadFile(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("TABMIRROR_PORT", "7000")
	t.Setenv("TABMIRROR_FPS", "10")
	t.Setenv("TABMIRROR_WRITE_TIMEOUT", "3s")
	t.Setenv("TABMIRROR_BRIDGE", "source")
	t.Setenv("REDIS_ADDR", "redis.example.com:6380")
	t.Setenv("REDIS_PASSWORD", "secret")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("REDIS_MIRROR_PREFIX", "test:")

	cfg := DefaultConfig()
	cfg.ApplyEnv()
	assert.Equal(t, 7000, cfg.Port)
	assert.Equal(t, 10, cfg.FrameRate)
	assert.Equal(t, 3*time.Second, cfg.WriteTimeout)
	assert.Equal(t, BridgeSource, cfg.Bridge.Mode)
	assert.Equal(t, "redis.example.com:6380", cfg.Bridge.Addr)
	assert.Equal(t, "secret", cfg.Bridge.Password)
	assert.Equal(t, 3, cfg.Bridge.DB)
	assert.Equal(t, "test:", cfg.Bridge.Prefix)
}

func TestApplyEnvInvalidNumbers(t *testing.T) {
	t.Setenv("TABMIRROR_PORT", "not-a-number")
	t.Setenv("REDIS_DB", "x")

	cfg := DefaultConfig()
	cfg.ApplyEnv()
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 0, cfg.Bridge.DB)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FrameRate = 0
	cfg.MaxFrameBytes = -1
	cfg.Bridge.Mode = "mesh"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frame_rate")
	assert.Contains(t, err.Error(), "max_frame_bytes")
	assert.Contains(t, err.Error(), "bridge.mode")
}

func TestValidateMaxFrameBytesFitsHeader(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxFrameBytes = math.MaxInt
	if uint64(cfg.MaxFrameBytes) > math.MaxUint32 {
		require.Error(t, cfg.Validate())
	}

	cfg.MaxFrameBytes = math.MaxInt32
	assert.NoError(t, cfg.Validate())
}

func TestFrameReadTimeout(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 5*time.Second, cfg.FrameReadTimeout)
	assert.Zero(t, cfg.ReadTimeout, "server click reads stay unbounded")

	t.Setenv("TABMIRROR_FRAME_READ_TIMEOUT", "2s")
	cfg.ApplyEnv()
	assert.Equal(t, 2*time.Second, cfg.FrameReadTimeout)

	cfg.FrameReadTimeout = -time.Second
	require.Error(t, cfg.Validate())
}

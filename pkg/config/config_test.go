package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"SIMLI_API_KEY", "SIMLI_FACE_ID", "SIMLI_MODEL", "SIMLI_API_URL", "SIMLI_METRICS_ADDR",
	"LOG_LEVEL", "SIMLI_SYNC_AUDIO", "SIMLI_HANDLE_SILENCE", "SIMLI_USE_TURN_SERVER",
	"SIMLI_RELAY", "SIMLI_MAX_SESSION_LENGTH", "SIMLI_MAX_IDLE_TIME", "SIMLI_RETRIES",
	"SIMLI_LATENCY_INTERVAL", "SIMLI_FRAME_TIMEOUT",
}

// clearEnv blanks every variable the loader reads; t.Setenv restores them
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.True(t, cfg.SyncAudio)
	assert.True(t, cfg.HandleSilence)
	assert.Equal(t, 600, cfg.MaxSessionLength)
	assert.Equal(t, 30, cfg.MaxIdleTime)
	assert.Equal(t, DefaultFrameTimeout, cfg.FrameTimeout)
	assert.Equal(t, "wss://api.simli.ai", cfg.WSURL())
}

func TestWSURL(t *testing.T) {
	cfg := Config{APIURL: "http://localhost:8892/"}
	assert.Equal(t, "ws://localhost:8892", cfg.WSURL())
}

func TestValidate(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api key")
	assert.Contains(t, err.Error(), "face id")

	cfg.APIKey, cfg.FaceID = "key", "face"
	require.NoError(t, cfg.Validate())

	cfg.FrameTimeout = 500 * time.Millisecond
	assert.Error(t, cfg.Validate())
	cfg.FrameTimeout = 16 * time.Second
	assert.Error(t, cfg.Validate())
	cfg.FrameTimeout = 15 * time.Second
	assert.NoError(t, cfg.Validate())

	cfg.Retries = 0
	assert.Error(t, cfg.Validate())
}

func TestLoadTOMLOnlyOverridesDefinedKeys(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "simli.toml", `
api_key = "k"
face_id = "f"
handle_silence = false
frame_timeout = "3s"
relay = true
`)
	cfg, err := Load(path, filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "k", cfg.APIKey)
	assert.Equal(t, "f", cfg.FaceID)
	assert.False(t, cfg.HandleSilence)
	assert.True(t, cfg.SyncAudio, "undefined keys keep their default")
	assert.True(t, cfg.Relay)
	assert.Equal(t, 3*time.Second, cfg.FrameTimeout)
	assert.Equal(t, 600, cfg.MaxSessionLength)
}

func TestLoadTOMLRejectsUnknownKeys(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "simli.toml", `face = "typo"`)
	_, err := Load(path, filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}

func TestLoadYAML(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "simli.yaml", `
api_key: k
face_id: f
sync_audio: false
max_session_length: 5
latency_interval: 0s
`)
	cfg, err := Load(path, filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.False(t, cfg.SyncAudio)
	assert.True(t, cfg.HandleSilence)
	assert.Equal(t, 5, cfg.MaxSessionLength)
	assert.Equal(t, time.Duration(0), cfg.LatencyInterval)
}

func TestLoadRejectsUnknownExtension(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "simli.json", `{}`)
	_, err := Load(path, filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "simli.toml", `
api_key = "from-file"
face_id = "f"
`)
	t.Setenv("SIMLI_API_KEY", "from-env")
	t.Setenv("SIMLI_RETRIES", "7")
	t.Setenv("SIMLI_FRAME_TIMEOUT", "2s")
	t.Setenv("SIMLI_USE_TURN_SERVER", "true")

	cfg, err := Load(path, filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.APIKey)
	assert.Equal(t, "f", cfg.FaceID)
	assert.Equal(t, 7, cfg.Retries)
	assert.Equal(t, 2*time.Second, cfg.FrameTimeout)
	assert.True(t, cfg.UseTURNServer)
}

func TestEnvironmentParseErrors(t *testing.T) {
	clearEnv(t)
	t.Setenv("SIMLI_RETRIES", "many")
	t.Setenv("SIMLI_RELAY", "perhaps")
	_, err := Load("", filepath.Join(t.TempDir(), "missing.env"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SIMLI_RETRIES")
	assert.Contains(t, err.Error(), "SIMLI_RELAY")
}

func TestDotEnvFile(t *testing.T) {
	clearEnv(t)
	// godotenv never overrides variables that exist, even empty ones
	require.NoError(t, os.Unsetenv("SIMLI_API_KEY"))
	require.NoError(t, os.Unsetenv("SIMLI_FACE_ID"))

	env := writeFile(t, "test.env", "SIMLI_API_KEY=dotenv-key\nSIMLI_FACE_ID=dotenv-face\n")
	cfg, err := Load("", env)
	require.NoError(t, err)
	assert.Equal(t, "dotenv-key", cfg.APIKey)
	assert.Equal(t, "dotenv-face", cfg.FaceID)
	require.NoError(t, cfg.Validate())
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "heap", cfg.Acquisition.DefaultTransport)
	assert.Equal(t, "user", cfg.Acquisition.DefaultTiming)
	assert.Equal(t, uint32(256), cfg.Acquisition.RingKB)
	assert.Equal(t, uint32(4096), cfg.Acquisition.HeapMaxKB)
	assert.Equal(t, 10*time.Millisecond, cfg.Acquisition.TimerPeriod)
	assert.Equal(t, 1024, cfg.Sniffer.Capacity)
	assert.Equal(t, time.Second, cfg.Modbus.DefaultTimeout)
	assert.False(t, cfg.Database.Enabled)
	assert.False(t, cfg.Auth.Enabled)
	assert.False(t, cfg.MQTT.Enabled)
	assert.Equal(t, "oacq", cfg.MQTT.TopicPrefix)
}

func TestFileAndEnvironmentOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  http_port: 9000
acquisition:
  default_timing: timer
  ring_kb: 64
device_profiles:
  search_paths: [/etc/oacq/profiles]
  autoload: [scope]
auth:
  enabled: true
  users:
    - username: admin
      password_hash: "$argon2id$v=19$m=65536,t=1,p=4$c2FsdA$aGFzaA"
      role: admin
`), 0o644))
	t.Setenv("OACQ_SERVER_GRPC_PORT", "6000")
	t.Setenv("OACQ_LOGGING_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.HTTPPort)
	assert.Equal(t, 6000, cfg.Server.GRPCPort)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "timer", cfg.Acquisition.DefaultTiming)
	assert.Equal(t, uint32(64), cfg.Acquisition.RingKB)
	assert.Equal(t, []string{"/etc/oacq/profiles"}, cfg.Devices.SearchPaths)
	assert.Equal(t, []string{"scope"}, cfg.Devices.Autoload)
	require.Len(t, cfg.Auth.Users, 1)
	assert.Equal(t, "admin", cfg.Auth.Users[0].Username)
}

func TestValidateRejectsBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  http_port: 0\nsniffer:\n  capacity: 0\n"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http_port")
	assert.Contains(t, err.Error(), "sniffer.capacity")

	require.NoError(t, os.WriteFile(path, []byte("mqtt:\n  enabled: true\n  qos: 3\n"), 0o644))
	_, err = Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mqtt.qos")
}

func TestMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestJWTSecretFallback(t *testing.T) {
	a := AuthConfig{JWTSecretEnv: "OACQ_TEST_SECRET"}
	t.Setenv("OACQ_TEST_SECRET", "")
	assert.Equal(t, devSecret, a.GetJWTSecret())
	assert.False(t, a.IsProductionReady())

	t.Setenv("OACQ_TEST_SECRET", "0123456789abcdef0123456789abcdef")
	assert.True(t, a.IsProductionReady())
}

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
	assert.Equal(t, 5*time.Second, cfg.PingInterval)
	assert.Equal(t, 3, cfg.PingRetry)
	assert.Equal(t, 40*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, "RQ", cfg.RequestIDPrefix)
	assert.Equal(t, "CHANNEL@127.0.0.1:5670", cfg.Self().String())
	assert.Equal(t, ":5670", cfg.ListenAddr())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	content := `
ip: 10.1.2.3
port: 6000
pingInterval: 2s
pingRetry: 5
discovery:
  backend: memory
  static:
    - SERVER@10.1.2.4:7001
rateLimit:
  rate: 100
  burst: 10
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "10.1.2.3", cfg.IP)
	assert.Equal(t, 6000, cfg.Port)
	assert.Equal(t, 2*time.Second, cfg.PingInterval)
	assert.Equal(t, 5, cfg.PingRetry)
	assert.Equal(t, "memory", cfg.Discovery.Backend)
	assert.Equal(t, []string{"SERVER@10.1.2.4:7001"}, cfg.Discovery.Static)
	assert.Equal(t, 100.0, cfg.RateLimit.Rate)
	// untouched keys keep their defaults
	assert.Equal(t, 4, cfg.SendPoolSize)
	assert.Equal(t, "/rpc-gateway/nodes", cfg.Discovery.Prefix)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("RPCGW_PORT", "7100")
	t.Setenv("RPCGW_DISCOVERY_BACKEND", "memory")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7100, cfg.Port)
	assert.Equal(t, "memory", cfg.Discovery.Backend)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Port = 70000
	cfg.Transport = "udp"
	cfg.RequestIDPrefix = "R-Q"
	cfg.Discovery.Backend = "zk"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port 70000")
	assert.Contains(t, err.Error(), "unknown transport")
	assert.Contains(t, err.Error(), "requestIDPrefix")
	assert.Contains(t, err.Error(), "discovery backend")
}

func TestValidateHandshakeBackoff(t *testing.T) {
	cfg := Default()
	cfg.HandshakeRetryMax = cfg.HandshakeRetryDelay / 2
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handshakeRetryDelay")
}

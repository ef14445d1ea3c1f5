package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefault(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "rns")

	cfg, err := Load(dir)
	require.ErrorIs(t, err, ErrCreated)
	require.NotNil(t, cfg)
	assert.FileExists(t, filepath.Join(dir, FileName))
	assert.Equal(t, Default(), cfg)

	again, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, cfg.Node, again.Node)
	assert.Equal(t, cfg.Interfaces, again.Interfaces)
	assert.Equal(t, cfg.Status, again.Status)
}

func TestParse(t *testing.T) {
	doc := `
node:
  transport: true
  max_hops: 12
  log_level: debug
interfaces:
  - name: lan
    type: udp
    listen: 0.0.0.0:4242
    peers: [10.0.0.2:4242]
  - name: uplink
    type: tcp_client
    mode: roaming
    peers: [hub.example.net:4965]
    enabled: false
discovery:
  redis: localhost:6379
  ttl: 24h
`
	cfg, err := Parse([]byte(doc))
	require.NoError(t, err)
	assert.True(t, cfg.Node.Transport)
	assert.Equal(t, 12, cfg.Node.MaxHops)
	assert.Equal(t, "debug", cfg.Node.LogLevel)
	assert.Equal(t, "identity", cfg.Node.Identity)
	assert.Equal(t, "console", cfg.Node.LogFormat)
	require.Len(t, cfg.Interfaces, 2)
	assert.True(t, cfg.Interfaces[0].IsEnabled())
	assert.False(t, cfg.Interfaces[1].IsEnabled())
	assert.Equal(t, "roaming", cfg.Interfaces[1].Mode)
	assert.Equal(t, 24*time.Hour, cfg.Discovery.TTL)
	assert.Equal(t, "127.0.0.1:4280", cfg.Status.Listen)
}

func TestParseRejects(t *testing.T) {
	cases := map[string]string{
		"hops":      "node:\n  max_hops: 300\n",
		"hop limit": "node:\n  max_hops: 255\n",
		"no name":   "interfaces:\n  - type: udp\n    listen: ':1'\n",
		"duplicate": "interfaces:\n  - {name: a, type: udp, listen: ':1'}\n  - {name: a, type: udp, listen: ':2'}\n",
		"type":      "interfaces:\n  - {name: a, type: serial}\n",
		"mode":      "interfaces:\n  - {name: a, type: udp, listen: ':1', mode: mesh}\n",
		"tcp peers": "interfaces:\n  - {name: a, type: tcp_client, peers: [x, y]}\n",
		"no listen": "interfaces:\n  - {name: a, type: tcp_server}\n",
		"udp peers": "interfaces:\n  - {name: a, type: udp, peers: [x]}\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}

	_, err := Parse([]byte("node: [unterminated"))
	assert.Error(t, err)
}

func TestLoadReportsPath(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("node:\n  max_hops: 0\n"), 0o600))
	_, err := Load(dir)
	require.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), FileName)
}

func TestIdentityPath(t *testing.T) {
	cfg := Default()
	assert.Equal(t, filepath.Join("/etc/rns", "identity"), cfg.IdentityPath("/etc/rns"))
	cfg.Node.Identity = "/var/lib/rns/id"
	assert.Equal(t, "/var/lib/rns/id", cfg.IdentityPath("/etc/rns"))
}

package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"bdt/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "config-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	path := filepath.Join(dir, "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	peer := types.DeviceIdFromName("peer-b")
	path := writeFile(t, `
name: node-a
listen: ":7100"
store_path: /tmp/a.db
log_level: debug
tunnel:
  reserve_timeout: 10s
channel:
  resend_interval: 250ms
  upload_rate: 1048576
scheduler:
  interval: 500ms
  task:
    max_reacquire: -1
peers:
  - id: `+peer.String()+`
    endpoints: ["127.0.0.1:7200"]
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, types.DeviceIdFromName("node-a"), cfg.DeviceId())
	assert.Equal(t, ":7100", cfg.Listen)
	assert.Equal(t, 10*time.Second, cfg.Tunnel.ReserveTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Channel.ResendInterval)
	assert.Equal(t, float64(1<<20), cfg.Channel.UploadRate)
	assert.Equal(t, 500*time.Millisecond, cfg.Scheduler.Interval)
	assert.Equal(t, -1, cfg.Scheduler.Task.MaxReacquire)
	// valeurs par défaut conservées
	assert.Equal(t, 200*time.Millisecond, cfg.TimeEscapeInterval)
	assert.True(t, cfg.TLS.InsecureSkipVerify)
	assert.Equal(t, slog.LevelDebug, ParseLevel(cfg.LogLevel))

	p, ok := cfg.Peer(peer)
	require.True(t, ok)
	assert.Equal(t, []string{"127.0.0.1:7200"}, p.Endpoints)
	_, ok = cfg.Peer(types.DeviceIdFromName("unknown"))
	assert.False(t, ok)
}

func TestLoadConfig_Invalid(t *testing.T) {
	cases := map[string]string{
		"peer without endpoint": "peers:\n  - id: " + types.DeviceIdFromName("x").String() + "\n",
		"cert without key":      "tls:\n  cert_file: a.pem\n",
		"bad peer id":           "peers:\n  - id: notbase58!!\n    endpoints: [\"a:1\"]\n",
		"empty store":           "store_path: \"\"\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeFile(t, content))
			assert.Error(t, err)
		})
	}

	_, err := LoadConfig(filepath.Join(os.TempDir(), "does-not-exist.yaml"))
	assert.Error(t, err)
}

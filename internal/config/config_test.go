package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":5000", cfg.Relay.Addr)
	assert.Equal(t, DefaultRoom, cfg.Relay.DefaultRoom)
	assert.Equal(t, 2*time.Second, cfg.Streamer.IntervalDuration())
	assert.Equal(t, 30*time.Second, cfg.Negotiation.TimeoutDuration())
	assert.Equal(t, 250*time.Millisecond, cfg.Relay.PresenceDebounceDuration())
}

func TestLoad(t *testing.T) {
	t.Run("TOMLで上書き", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "aeyes.toml")
		content := `
[relay]
addr = "127.0.0.1:7000"
outbound_queue = 16

[webrtc]
portrange = [50000, 50100]
mdns = true

[[webrtc.iceserver]]
urls = ["stun:stun.example.com:3478"]
username = "user"
credential = "pass"

[negotiation]
timeout = 5
dump_sdp = true

[streamer]
interval = 500

[log]
level = "debug"
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, "127.0.0.1:7000", cfg.Relay.Addr)
		assert.Equal(t, 16, cfg.Relay.OutboundQueue)
		assert.Equal(t, 90, cfg.Relay.ReadTimeout, "未指定の値はデフォルトのまま")
		assert.Equal(t, []uint16{50000, 50100}, cfg.WebRTC.ICEPortRange)
		assert.True(t, cfg.WebRTC.MDNS)
		require.Len(t, cfg.WebRTC.ICEServers, 1)
		assert.Equal(t, "user", cfg.WebRTC.ICEServers[0].Username)
		assert.Equal(t, 5*time.Second, cfg.Negotiation.TimeoutDuration())
		assert.True(t, cfg.Negotiation.DumpSDP)
		assert.Equal(t, 500*time.Millisecond, cfg.Streamer.IntervalDuration())

		level, err := cfg.Log.SlogLevel()
		require.NoError(t, err)
		assert.Equal(t, slog.LevelDebug, level)
	})

	t.Run("ファイルが存在しない", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))

		assert.Error(t, err)
	})

	t.Run("不正な値は拒否", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.toml")
		require.NoError(t, os.WriteFile(path, []byte("[negotiation]\ntimeout = 0\n"), 0o644))

		_, err := Load(path)

		assert.ErrorContains(t, err, "negotiation.timeout")
	})
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		envPort:     "6000",
		envLogLevel: "warn",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	t.Run("PORTでアドレスを決める", func(t *testing.T) {
		cfg := Default()
		cfg.applyEnv(lookup)

		assert.Equal(t, ":6000", cfg.Relay.Addr)
		assert.Equal(t, "warn", cfg.Log.Level)
	})

	t.Run("明示的なアドレスが優先", func(t *testing.T) {
		env[envRelayAddr] = "0.0.0.0:9000"
		defer delete(env, envRelayAddr)

		cfg := Default()
		cfg.applyEnv(lookup)

		assert.Equal(t, "0.0.0.0:9000", cfg.Relay.Addr)
	})
}

func TestSlogLevel(t *testing.T) {
	_, err := LogConfig{Level: "loud"}.SlogLevel()
	assert.Error(t, err)

	level, err := LogConfig{Level: "ERROR"}.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelError, level)
}

func TestPeerConnectionOptions(t *testing.T) {
	t.Run("ICEサーバーを変換", func(t *testing.T) {
		cfg := WebRTCConfig{
			ICEServers: []ICEServerConfig{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
				{URLs: []string{"turn:turn.example.com"}, Username: "u", Credential: "c"},
			},
			ICEPortRange: []uint16{40000, 40010},
		}

		opts, err := cfg.PeerConnectionOptions()
		require.NoError(t, err)

		require.Len(t, opts.Configuration.ICEServers, 2)
		assert.Equal(t, "u", opts.Configuration.ICEServers[1].Username)
	})

	t.Run("不正なポート範囲", func(t *testing.T) {
		cfg := WebRTCConfig{ICEPortRange: []uint16{50000, 40000}}

		_, err := cfg.PeerConnectionOptions()

		assert.Error(t, err)
	})
}

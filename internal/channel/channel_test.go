package channel_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/HMasataka/aeyes/internal/channel"
	"github.com/HMasataka/aeyes/internal/relay"
	payload "github.com/HMasataka/aeyes/payload/relay"
	"github.com/HMasataka/aeyes/pkg/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startRelay(t *testing.T) string {
	t.Helper()

	r := relay.New(relay.Options{OutboundQueue: 64})
	s := relay.NewServer(r, relay.DefaultServerOptions())

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWebSocket)

	server := httptest.NewServer(mux)
	t.Cleanup(func() {
		server.Close()
		r.Close()
	})

	return "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
}

func fastRetry() retry.Config {
	return retry.Config{Attempts: 2, BaseInterval: 10 * time.Millisecond, MaxBackoff: 20 * time.Millisecond}
}

func dial(t *testing.T, url, room string) *channel.Channel {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := channel.Dial(ctx, url, room, fastRetry())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	return c
}

func TestDial(t *testing.T) {
	t.Run("セッションIDを受け取る", func(t *testing.T) {
		url := startRelay(t)

		c := dial(t, url, "lobby")

		assert.NotEmpty(t, c.ID())
		assert.Equal(t, "lobby", c.Room())
	})

	t.Run("接続先がない", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		_, err := channel.Dial(ctx, "ws://127.0.0.1:1/ws", "", fastRetry())

		assert.Error(t, err)
	})
}

func TestChannel_Send(t *testing.T) {
	url := startRelay(t)

	alice := dial(t, url, "")
	bob := dial(t, url, "")

	received := make(chan *payload.Envelope, 4)
	bob.OnMessage(payload.KindSignal, channel.HandlerFunc(func(ctx context.Context, env *payload.Envelope) error {
		received <- env
		return nil
	}))

	require.NoError(t, alice.Send(context.Background(), payload.KindSignal, bob.ID(), map[string]string{"type": "offer"}))

	select {
	case env := <-received:
		assert.Equal(t, alice.ID(), env.From)
		assert.Equal(t, bob.ID(), env.To)
	case <-time.After(2 * time.Second):
		t.Fatal("signal not delivered")
	}
}

func TestChannel_OnDisconnect(t *testing.T) {
	url := startRelay(t)

	c := dial(t, url, "")

	done := make(chan struct{})
	c.OnDisconnect(func() { close(done) })

	require.NoError(t, c.Close())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect handler not called")
	}

	err := c.Send(context.Background(), payload.KindLiveData, "", payload.NewLiveData(1, time.Now(), nil))
	assert.ErrorIs(t, err, channel.ErrChannelClosed)

	late := make(chan struct{})
	c.OnDisconnect(func() { close(late) })
	select {
	case <-late:
	default:
		t.Fatal("handler registered after disconnect must run immediately")
	}
}

func TestHandlerRegistry(t *testing.T) {
	registry := channel.NewHandlerRegistry()
	env := &payload.Envelope{From: "a"}

	t.Run("未登録", func(t *testing.T) {
		err := registry.Handle(context.Background(), payload.KindSignal, env)
		assert.ErrorIs(t, err, channel.ErrNoHandler)
	})

	t.Run("登録済み", func(t *testing.T) {
		want := errors.New("handled")
		registry.Register(payload.KindSignal, channel.HandlerFunc(func(ctx context.Context, got *payload.Envelope) error {
			assert.Same(t, env, got)
			return want
		}))

		assert.ErrorIs(t, registry.Handle(context.Background(), payload.KindSignal, env), want)
	})

	t.Run("nilで解除", func(t *testing.T) {
		registry.Register(payload.KindSignal, nil)

		_, ok := registry.Get(payload.KindSignal)
		assert.False(t, ok)
	})

	t.Run("nilエンベロープ", func(t *testing.T) {
		assert.Error(t, registry.Handle(context.Background(), payload.KindSignal, nil))
	})
}

package relay_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/HMasataka/aeyes/internal/relay"
	payload "github.com/HMasataka/aeyes/payload/relay"
	"github.com/sourcegraph/jsonrpc2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type notification struct {
	method string
	env    payload.Envelope
}

type recordingNotifier struct {
	mu       sync.Mutex
	received []notification
}

func (n *recordingNotifier) Notify(ctx context.Context, method string, params any, opts ...jsonrpc2.CallOption) error {
	env, ok := params.(*payload.Envelope)
	if !ok {
		return nil
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.received = append(n.received, notification{method: method, env: *env})

	return nil
}

func (n *recordingNotifier) of(kind payload.Kind) []payload.Envelope {
	n.mu.Lock()
	defer n.mu.Unlock()

	var out []payload.Envelope
	for _, r := range n.received {
		if r.method == string(kind) {
			out = append(out, r.env)
		}
	}
	return out
}

func countOf(n *recordingNotifier, kind payload.Kind) func() int {
	return func() int { return len(n.of(kind)) }
}

func newRelay() *relay.Relay {
	return relay.New(relay.Options{OutboundQueue: 64})
}

func envelope(t *testing.T, to string, data any) *payload.Envelope {
	t.Helper()

	env, err := payload.NewEnvelope(to, data)
	require.NoError(t, err)
	return env
}

func TestRelay_Connect(t *testing.T) {
	r := newRelay()
	defer r.Close()

	n := &recordingNotifier{}
	session := r.Connect(context.Background(), "room-a", n)

	require.Eventually(t, func() bool { return countOf(n, payload.KindWelcome)() == 1 }, time.Second, 5*time.Millisecond)

	var welcome payload.Welcome
	require.NoError(t, n.of(payload.KindWelcome)[0].Decode(&welcome))
	assert.Equal(t, session.ID(), welcome.SessionID)
	assert.Equal(t, "room-a", welcome.Room)

	assert.Equal(t, []string{session.ID()}, r.Sessions("room-a"))
	assert.Empty(t, r.Sessions("room-b"))
}

func TestRelay_Route(t *testing.T) {
	t.Run("signalは送信者以外の全員に届く", func(t *testing.T) {
		r := newRelay()
		defer r.Close()

		a, b, c := &recordingNotifier{}, &recordingNotifier{}, &recordingNotifier{}
		sa := r.Connect(context.Background(), "room", a)
		r.Connect(context.Background(), "room", b)
		r.Connect(context.Background(), "room", c)

		delivered := r.Route(context.Background(), sa, payload.KindSignal, envelope(t, "", map[string]string{"type": "offer"}))
		assert.Equal(t, 2, delivered)

		require.Eventually(t, func() bool {
			return countOf(b, payload.KindSignal)() == 1 && countOf(c, payload.KindSignal)() == 1
		}, time.Second, 5*time.Millisecond)
		assert.Empty(t, a.of(payload.KindSignal))

		assert.Equal(t, sa.ID(), b.of(payload.KindSignal)[0].From, "送信者IDが付与される")
	})

	t.Run("liveDataは送信者を含む全員に届く", func(t *testing.T) {
		r := newRelay()
		defer r.Close()

		a, b := &recordingNotifier{}, &recordingNotifier{}
		sa := r.Connect(context.Background(), "room", a)
		r.Connect(context.Background(), "room", b)

		data := payload.NewLiveData(1, time.Now(), []byte{1, 2, 3})
		delivered := r.Route(context.Background(), sa, payload.KindLiveData, envelope(t, "", data))
		assert.Equal(t, 2, delivered)

		require.Eventually(t, func() bool {
			return countOf(a, payload.KindLiveData)() == 1 && countOf(b, payload.KindLiveData)() == 1
		}, time.Second, 5*time.Millisecond)

		var got payload.LiveData
		require.NoError(t, b.of(payload.KindLiveData)[0].Decode(&got))
		assert.Equal(t, data.Chunk, got.Chunk, "ペイロードは変更されない")
	})

	t.Run("photoDataは送信者を含む全員に届く", func(t *testing.T) {
		r := newRelay()
		defer r.Close()

		a := &recordingNotifier{}
		sa := r.Connect(context.Background(), "room", a)

		delivered := r.Route(context.Background(), sa, payload.KindPhotoData, envelope(t, "", payload.NewPhotoData(0, time.Now(), "image/png", []byte{0x89})))

		assert.Equal(t, 1, delivered)
		require.Eventually(t, countOfEquals(a, payload.KindPhotoData, 1), time.Second, 5*time.Millisecond)
	})

	t.Run("一人だけのsignalは誰にも届かない", func(t *testing.T) {
		r := newRelay()
		defer r.Close()

		sa := r.Connect(context.Background(), "room", &recordingNotifier{})

		assert.Zero(t, r.Route(context.Background(), sa, payload.KindSignal, envelope(t, "", "x")))
	})

	t.Run("宛先付きsignalは宛先だけに届く", func(t *testing.T) {
		r := newRelay()
		defer r.Close()

		a, b, c := &recordingNotifier{}, &recordingNotifier{}, &recordingNotifier{}
		sa := r.Connect(context.Background(), "room", a)
		sb := r.Connect(context.Background(), "room", b)
		r.Connect(context.Background(), "room", c)

		assert.Equal(t, 1, r.Route(context.Background(), sa, payload.KindSignal, envelope(t, sb.ID(), "x")))

		require.Eventually(t, countOfEquals(b, payload.KindSignal, 1), time.Second, 5*time.Millisecond)
		assert.Empty(t, c.of(payload.KindSignal))
	})

	t.Run("存在しない宛先は黙って捨てられる", func(t *testing.T) {
		r := newRelay()
		defer r.Close()

		a, b := &recordingNotifier{}, &recordingNotifier{}
		sa := r.Connect(context.Background(), "room", a)
		r.Connect(context.Background(), "room", b)

		assert.Zero(t, r.Route(context.Background(), sa, payload.KindSignal, envelope(t, "missing", "x")))
		assert.Zero(t, r.Route(context.Background(), sa, payload.KindSignal, envelope(t, sa.ID(), "x")), "自分宛ては届かない")
	})

	t.Run("部屋をまたがない", func(t *testing.T) {
		r := newRelay()
		defer r.Close()

		a, b := &recordingNotifier{}, &recordingNotifier{}
		sa := r.Connect(context.Background(), "room-a", a)
		sb := r.Connect(context.Background(), "room-b", b)

		assert.Zero(t, r.Route(context.Background(), sa, payload.KindSignal, envelope(t, "", "x")))
		assert.Zero(t, r.Route(context.Background(), sa, payload.KindSignal, envelope(t, sb.ID(), "x")))
		assert.Equal(t, 1, r.Route(context.Background(), sa, payload.KindLiveData, envelope(t, "", "x")))
	})

	t.Run("サーバー専用の種別は転送しない", func(t *testing.T) {
		r := newRelay()
		defer r.Close()

		sa := r.Connect(context.Background(), "room", &recordingNotifier{})
		r.Connect(context.Background(), "room", &recordingNotifier{})

		assert.Zero(t, r.Route(context.Background(), sa, payload.KindWelcome, envelope(t, "", "x")))
		assert.Zero(t, r.Route(context.Background(), sa, payload.Kind("unknown"), envelope(t, "", "x")))
	})
}

func countOfEquals(n *recordingNotifier, kind payload.Kind, want int) func() bool {
	return func() bool { return countOf(n, kind)() == want }
}

func TestRelay_RouteOrder(t *testing.T) {
	r := newRelay()
	defer r.Close()

	a, b := &recordingNotifier{}, &recordingNotifier{}
	sa := r.Connect(context.Background(), "room", a)
	r.Connect(context.Background(), "room", b)

	const total = 50
	for i := 1; i <= total; i++ {
		r.Route(context.Background(), sa, payload.KindLiveData, envelope(t, "", payload.NewLiveData(uint64(i), time.Now(), nil)))
	}

	require.Eventually(t, countOfEquals(b, payload.KindLiveData, total), time.Second, 5*time.Millisecond)

	for i, env := range b.of(payload.KindLiveData) {
		var got payload.LiveData
		require.NoError(t, env.Decode(&got))
		assert.Equal(t, uint64(i+1), got.Seq, "送信順に届く")
	}
}

func TestRelay_Disconnect(t *testing.T) {
	r := newRelay()
	defer r.Close()

	a, b := &recordingNotifier{}, &recordingNotifier{}
	sa := r.Connect(context.Background(), "room", a)
	sb := r.Connect(context.Background(), "room", b)

	r.Disconnect(sb)

	assert.True(t, sb.Closed())
	assert.Equal(t, []string{sa.ID()}, r.Sessions("room"))
	assert.Zero(t, r.Route(context.Background(), sa, payload.KindSignal, envelope(t, "", "x")), "切断後は届かない")
	assert.Zero(t, r.Route(context.Background(), sb, payload.KindLiveData, envelope(t, "", "x")), "切断済みの送信者は転送されない")

	r.Disconnect(sb)

	r.Disconnect(sa)
	assert.Empty(t, r.Sessions("room"))
}

func TestRelay_Presence(t *testing.T) {
	r := relay.New(relay.Options{OutboundQueue: 64, PresenceDebounce: 20 * time.Millisecond})
	defer r.Close()

	a := &recordingNotifier{}
	sa := r.Connect(context.Background(), "room", a)
	sb := r.Connect(context.Background(), "room", &recordingNotifier{})

	require.Eventually(t, func() bool {
		for _, env := range a.of(payload.KindPeers) {
			var peers payload.Peers
			if err := json.Unmarshal(env.Data, &peers); err != nil {
				return false
			}
			if len(peers.SessionIDs) == 2 {
				assert.ElementsMatch(t, []string{sa.ID(), sb.ID()}, peers.SessionIDs)
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

type blockingNotifier struct {
	release chan struct{}
}

func (n *blockingNotifier) Notify(ctx context.Context, method string, params any, opts ...jsonrpc2.CallOption) error {
	select {
	case <-n.release:
	case <-ctx.Done():
	}
	return nil
}

func TestRelay_SlowConsumer(t *testing.T) {
	r := relay.New(relay.Options{OutboundQueue: 4})
	defer r.Close()

	slow := &blockingNotifier{release: make(chan struct{})}
	defer close(slow.release)

	sa := r.Connect(context.Background(), "room", &recordingNotifier{})
	r.Connect(context.Background(), "room", slow)

	delivered := 0
	for i := 0; i < 10; i++ {
		delivered += r.Route(context.Background(), sa, payload.KindSignal, envelope(t, "", "x"))
	}

	assert.Less(t, delivered, 10, "キューが溢れた分は捨てられる")
}

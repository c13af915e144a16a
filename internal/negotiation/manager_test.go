package negotiation_test

import (
	"context"
	"encoding/json"
	"testing"

	mock_channel "github.com/HMasataka/aeyes/internal/channel/mock"
	"github.com/HMasataka/aeyes/internal/negotiation"
	mock_negotiation "github.com/HMasataka/aeyes/internal/negotiation/mock"
	payload "github.com/HMasataka/aeyes/payload/relay"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const localPeer = "peer-a"

type managerFixture struct {
	sender    *mock_channel.MockSender
	transport *mock_negotiation.MockPeerTransport
	sent      chan *payload.SignalMessage
	manager   *negotiation.Manager
}

// newManagerFixture は受信専用のマネージャーを作ります。
func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()

	ctrl := gomock.NewController(t)

	f := &managerFixture{
		sender:    mock_channel.NewMockSender(ctrl),
		transport: mock_negotiation.NewMockPeerTransport(ctrl),
		sent:      make(chan *payload.SignalMessage, 8),
	}

	f.sender.EXPECT().ID().Return(localPeer).AnyTimes()
	f.sender.EXPECT().Send(gomock.Any(), payload.KindSignal, remotePeer, gomock.Any()).DoAndReturn(
		func(ctx context.Context, kind payload.Kind, to string, data any) error {
			f.sent <- data.(*payload.SignalMessage)
			return nil
		}).AnyTimes()

	f.transport.EXPECT().OnICECandidate(gomock.Any()).AnyTimes()
	f.transport.EXPECT().OnConnectionStateChange(gomock.Any()).AnyTimes()
	f.transport.EXPECT().OnTrack(gomock.Any()).AnyTimes()

	f.manager = negotiation.NewManager(f.sender, negotiation.ManagerOptions{
		NewTransport: func(peerID string) (negotiation.PeerTransport, error) {
			return f.transport, nil
		},
	})

	return f
}

func signalEnvelope(t *testing.T, from, to string, msg *payload.SignalMessage) *payload.Envelope {
	t.Helper()

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	return &payload.Envelope{From: from, To: to, Data: data}
}

func TestManager_HandleSignal(t *testing.T) {
	t.Run("エンジンがない相手の候補はアリーナで待つ", func(t *testing.T) {
		f := newManagerFixture(t)

		for i := 1; i <= 2; i++ {
			env := signalEnvelope(t, remotePeer, localPeer, payload.NewCandidateMessage(candidate(i)))
			require.NoError(t, f.manager.HandleSignal(context.Background(), env))
		}
		assert.Empty(t, f.manager.Peers())

		offer := description(webrtc.SDPTypeOffer)
		gomock.InOrder(
			f.transport.EXPECT().SetRemoteDescription(gomock.Any()).Return(nil),
			f.transport.EXPECT().AddICECandidate(candidate(1)).Return(nil),
			f.transport.EXPECT().AddICECandidate(candidate(2)).Return(nil),
			f.transport.EXPECT().CreateAnswer().Return(description(webrtc.SDPTypeAnswer), nil),
		)

		require.NoError(t, f.manager.HandleSignal(context.Background(), signalEnvelope(t, remotePeer, "", payload.NewOfferMessage(offer))))

		engine, ok := f.manager.Engine(remotePeer)
		require.True(t, ok)
		assert.Equal(t, negotiation.StateAnswerSent, engine.State())
		assert.Equal(t, []webrtc.ICECandidateInit{candidate(1), candidate(2)}, engine.Applied())
		assert.Equal(t, payload.SignalTypeAnswer, (<-f.sent).Type)

		f.transport.EXPECT().Close().Return(nil)
		f.manager.Close()
		assert.Equal(t, negotiation.StateClosed, engine.State())
	})

	t.Run("終了したエンジン宛ての候補は次のOfferまでアリーナで待つ", func(t *testing.T) {
		f := newManagerFixture(t)
		offer := description(webrtc.SDPTypeOffer)

		f.transport.EXPECT().SetRemoteDescription(gomock.Any()).Return(nil)
		f.transport.EXPECT().CreateAnswer().Return(description(webrtc.SDPTypeAnswer), nil)
		require.NoError(t, f.manager.HandleSignal(context.Background(), signalEnvelope(t, remotePeer, "", payload.NewOfferMessage(offer))))
		<-f.sent

		closed, ok := f.manager.Engine(remotePeer)
		require.True(t, ok)
		f.transport.EXPECT().Close().Return(nil)
		closed.Close()
		require.Equal(t, negotiation.StateClosed, closed.State())

		for i := 1; i <= 3; i++ {
			env := signalEnvelope(t, remotePeer, localPeer, payload.NewCandidateMessage(candidate(i)))
			require.NoError(t, f.manager.HandleSignal(context.Background(), env))
		}

		gomock.InOrder(
			f.transport.EXPECT().SetRemoteDescription(gomock.Any()).Return(nil),
			f.transport.EXPECT().AddICECandidate(candidate(1)).Return(nil),
			f.transport.EXPECT().AddICECandidate(candidate(2)).Return(nil),
			f.transport.EXPECT().AddICECandidate(candidate(3)).Return(nil),
			f.transport.EXPECT().CreateAnswer().Return(description(webrtc.SDPTypeAnswer), nil),
		)
		require.NoError(t, f.manager.HandleSignal(context.Background(), signalEnvelope(t, remotePeer, "", payload.NewOfferMessage(offer))))
		assert.Equal(t, payload.SignalTypeAnswer, (<-f.sent).Type)

		fresh, ok := f.manager.Engine(remotePeer)
		require.True(t, ok)
		assert.NotSame(t, closed, fresh)
		assert.Equal(t, negotiation.StateAnswerSent, fresh.State())
		assert.Equal(t, []webrtc.ICECandidateInit{candidate(1), candidate(2), candidate(3)}, fresh.Applied())

		f.transport.EXPECT().Close().Return(nil)
		f.manager.Close()
	})

	t.Run("自分からと他人宛ての信号は無視する", func(t *testing.T) {
		f := newManagerFixture(t)
		offer := payload.NewOfferMessage(description(webrtc.SDPTypeOffer))

		require.NoError(t, f.manager.HandleSignal(context.Background(), signalEnvelope(t, localPeer, "", offer)))
		require.NoError(t, f.manager.HandleSignal(context.Background(), signalEnvelope(t, remotePeer, "peer-c", offer)))
		require.NoError(t, f.manager.HandleSignal(context.Background(), signalEnvelope(t, "", "", offer)))

		assert.Empty(t, f.manager.Peers())
	})

	t.Run("未知の相手からのAnswerはプロトコル違反", func(t *testing.T) {
		f := newManagerFixture(t)

		err := f.manager.HandleSignal(context.Background(), signalEnvelope(t, remotePeer, "", payload.NewAnswerMessage(description(webrtc.SDPTypeAnswer))))

		assert.ErrorIs(t, err, negotiation.ErrNegotiationProtocol)
	})

	t.Run("壊れたエンベロープ", func(t *testing.T) {
		f := newManagerFixture(t)

		err := f.manager.HandleSignal(context.Background(), &payload.Envelope{From: remotePeer, Data: json.RawMessage(`"nope"`)})

		assert.ErrorIs(t, err, negotiation.ErrNegotiationProtocol)
	})
}

func TestManager_Connect(t *testing.T) {
	t.Run("Offerを相手宛てに送る", func(t *testing.T) {
		f := newManagerFixture(t)

		f.transport.EXPECT().AddRecvOnlyVideo().Return(nil)
		f.transport.EXPECT().CreateOffer().Return(description(webrtc.SDPTypeOffer), nil)

		require.NoError(t, f.manager.Connect(context.Background(), remotePeer))
		assert.Equal(t, payload.SignalTypeOffer, (<-f.sent).Type)
		assert.Equal(t, []string{remotePeer}, f.manager.Peers())

		f.transport.EXPECT().AddICECandidate(candidate(1)).Times(0)
		require.NoError(t, f.manager.HandleSignal(context.Background(), signalEnvelope(t, remotePeer, localPeer, payload.NewCandidateMessage(candidate(1)))))

		engine, _ := f.manager.Engine(remotePeer)
		assert.Equal(t, 1, engine.Pending(), "既存エンジンのバッファに入る")

		f.transport.EXPECT().Close().Return(nil)
		f.manager.PeerLeft(remotePeer)
		assert.Empty(t, f.manager.Peers())
	})

	t.Run("自分自身には接続できない", func(t *testing.T) {
		f := newManagerFixture(t)

		assert.ErrorIs(t, f.manager.Connect(context.Background(), localPeer), negotiation.ErrNegotiationProtocol)
		assert.ErrorIs(t, f.manager.Connect(context.Background(), ""), negotiation.ErrNegotiationProtocol)
	})
}

func TestManager_HandlePeers(t *testing.T) {
	f := newManagerFixture(t)

	f.transport.EXPECT().AddRecvOnlyVideo().Return(nil)
	f.transport.EXPECT().CreateOffer().Return(description(webrtc.SDPTypeOffer), nil)
	require.NoError(t, f.manager.Connect(context.Background(), remotePeer))
	<-f.sent

	require.NoError(t, f.manager.HandleSignal(context.Background(), signalEnvelope(t, "peer-c", "", payload.NewCandidateMessage(candidate(1)))))

	f.manager.HandlePeers(payload.Peers{SessionIDs: []string{localPeer, remotePeer, "peer-c"}})
	assert.Equal(t, []string{remotePeer}, f.manager.Peers())

	engine, _ := f.manager.Engine(remotePeer)

	f.transport.EXPECT().Close().Return(nil)
	f.manager.HandlePeers(payload.Peers{SessionIDs: []string{localPeer}})

	assert.Empty(t, f.manager.Peers())
	assert.Equal(t, negotiation.StateClosed, engine.State())
}

package sdpdebug_test

import (
	"os"
	"testing"

	"github.com/HMasataka/aeyes/pkg/sdpdebug"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const videoSDP = "v=0\r\n" +
	"o=- 4596489990601351948 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:0\r\n" +
	"a=rtpmap:96 VP8/90000\r\n" +
	"a=candidate:1 1 udp 2130706431 192.168.1.2 50000 typ host\r\n"

const sessionOnlySDP = "v=0\r\n" +
	"o=- 4596489990601351948 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n"

func TestSummarize(t *testing.T) {
	t.Run("メディアセクションを数える", func(t *testing.T) {
		summary, err := sdpdebug.Summarize(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: videoSDP})

		require.NoError(t, err)
		assert.Equal(t, "offer", summary.Type)
		assert.Equal(t, []string{"video"}, summary.Media)
		assert.Equal(t, []string{"0"}, summary.Mids)
		assert.Equal(t, 1, summary.Candidates)
	})

	t.Run("壊れたSDPはエラー", func(t *testing.T) {
		_, err := sdpdebug.Summarize(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "not an sdp"})

		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	t.Run("正常なSDP", func(t *testing.T) {
		assert.NoError(t, sdpdebug.Validate(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: videoSDP}))
	})

	t.Run("メディアなし", func(t *testing.T) {
		err := sdpdebug.Validate(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sessionOnlySDP})

		assert.ErrorIs(t, err, sdpdebug.ErrNoMediaSection)
	})
}

func TestSaveAndLogSDP(t *testing.T) {
	dir := t.TempDir()

	sdpdebug.SaveAndLogSDP(dir, "peer/a b", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: videoSDP})

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "peer-a-b_offer.sdp")
}

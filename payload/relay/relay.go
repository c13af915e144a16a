package relay

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

// Kind はリレー上を流れるメッセージの種別です。JSON-RPC の method 名としてそのまま使われます。
type Kind string

const (
	KindSignal    Kind = "signal"
	KindLiveData  Kind = "liveData"
	KindPhotoData Kind = "photoData"
	KindWelcome   Kind = "welcome"
	KindPeers     Kind = "peers"
)

// Broadcast reports whether messages of this kind fan out to every session in
// the room, sender included.
func (k Kind) Broadcast() bool {
	return k == KindLiveData || k == KindPhotoData
}

// ClientOriginated reports whether a client is allowed to publish this kind.
func (k Kind) ClientOriginated() bool {
	switch k {
	case KindSignal, KindLiveData, KindPhotoData:
		return true
	}
	return false
}

// Envelope is the params object of every notification. The relay only reads
// From and To; Data is forwarded untouched.
type Envelope struct {
	From string          `json:"from,omitempty"`
	To   string          `json:"to,omitempty"`
	Data json.RawMessage `json:"data"`
}

func NewEnvelope(to string, data any) (*Envelope, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Envelope{To: to, Data: b}, nil
}

func (e *Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return errors.New("envelope has no data")
	}
	return json.Unmarshal(e.Data, v)
}

type SignalType string

const (
	SignalTypeOffer     SignalType = "offer"
	SignalTypeAnswer    SignalType = "answer"
	SignalTypeCandidate SignalType = "candidate"
)

var ErrInvalidSignal = errors.New("invalid signal message")

type SignalMessage struct {
	Type      SignalType                `json:"type"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

func NewOfferMessage(offer webrtc.SessionDescription) *SignalMessage {
	return &SignalMessage{Type: SignalTypeOffer, SDP: &offer}
}

func NewAnswerMessage(answer webrtc.SessionDescription) *SignalMessage {
	return &SignalMessage{Type: SignalTypeAnswer, SDP: &answer}
}

func NewCandidateMessage(candidate webrtc.ICECandidateInit) *SignalMessage {
	return &SignalMessage{Type: SignalTypeCandidate, Candidate: &candidate}
}

// Validate checks the shape of the message, not the SDP grammar.
func (m *SignalMessage) Validate() error {
	switch m.Type {
	case SignalTypeOffer, SignalTypeAnswer:
		if m.SDP == nil || m.SDP.SDP == "" {
			return fmt.Errorf("%w: %s without sdp", ErrInvalidSignal, m.Type)
		}
		if m.SDP.Type.String() != string(m.Type) {
			return fmt.Errorf("%w: %s carries sdp type %s", ErrInvalidSignal, m.Type, m.SDP.Type)
		}
	case SignalTypeCandidate:
		if m.Candidate == nil {
			return fmt.Errorf("%w: candidate without candidate", ErrInvalidSignal)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidSignal, m.Type)
	}
	return nil
}

// LiveData is one relayed media chunk. Seq is optional; zero means the
// publisher does not number its chunks.
type LiveData struct {
	Seq       uint64 `json:"seq,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Chunk     []byte `json:"chunk"`
}

func NewLiveData(seq uint64, capturedAt time.Time, chunk []byte) *LiveData {
	return &LiveData{
		Seq:       seq,
		Timestamp: capturedAt.UnixMilli(),
		Chunk:     chunk,
	}
}

// PhotoData carries a captured still as a data URI.
type PhotoData struct {
	Seq       uint64 `json:"seq,omitempty"`
	PhotoURI  string `json:"photoURI"`
	Timestamp int64  `json:"timestamp"`
}

func NewPhotoData(seq uint64, capturedAt time.Time, mimeType string, image []byte) *PhotoData {
	return &PhotoData{
		Seq:       seq,
		PhotoURI:  "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(image),
		Timestamp: capturedAt.UnixMilli(),
	}
}

// Image decodes PhotoURI. Non data URIs are returned as-is with an empty mime type.
func (p *PhotoData) Image() (string, []byte, error) {
	rest, ok := strings.CutPrefix(p.PhotoURI, "data:")
	if !ok {
		return "", []byte(p.PhotoURI), nil
	}

	meta, encoded, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, errors.New("malformed data uri")
	}

	mimeType, isBase64 := strings.CutSuffix(meta, ";base64")
	if !isBase64 {
		return mimeType, []byte(encoded), nil
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", nil, fmt.Errorf("decode photo: %w", err)
	}

	return mimeType, data, nil
}

type Welcome struct {
	SessionID string `json:"sessionId"`
	Room      string `json:"room"`
}

type Peers struct {
	Room       string   `json:"room"`
	SessionIDs []string `json:"sessionIds"`
}

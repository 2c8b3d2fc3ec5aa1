package relay

import (
	"encoding/json"
	"errors"
)

// Wire types.
const (
	TypeBroadcaster             = "broadcaster"
	TypeViewer                  = "viewer"
	TypeAck                     = "ack"
	TypeOffer                   = "offer"
	TypeAnswer                  = "answer"
	TypeICECandidate            = "ice-candidate"
	TypeViewerJoined            = "viewer-joined"
	TypeBroadcasterDisconnected = "broadcaster-disconnected"
	TypeStart                   = "start"
	TypeSession                 = "session"
	TypeStatus                  = "status"
	TypeError                   = "error"
)

// ToBroadcaster is the reserved ice-candidate recipient naming the broadcaster.
const ToBroadcaster = "broadcaster"

// Error texts sent to clients.
const (
	errInvalidJSON       = "Invalid JSON"
	errUnknownType       = "Unknown message type"
	errSessionNotStarted = "Session not started"
	errRoleAssigned      = "Role already assigned"
	errNotBroadcaster    = "Only the broadcaster may send an offer"
	errNegotiation       = "Negotiation failed"
	errPeerUnavailable   = "WebRTC is not available"
	errUnsupportedCodec  = "Unsupported codec"
	errSessionStorage    = "Session unavailable"
	errEncoderStart      = "Encoder unavailable"
	errStreamInterrupted = "Stream interrupted"
	errExpectedStart     = "Expected start message"
)

// ErrInvalidJSON is returned by Decode for a frame that is not a JSON object.
var ErrInvalidJSON = errors.New("invalid json")

// Message is one decoded inbound message. The concrete type is one of the
// variants below; anything else decodes to Unknown.
type Message interface {
	messageType() string
}

// RegisterBroadcaster claims the broadcaster role. Secret is optional.
type RegisterBroadcaster struct {
	Secret string
}

// RegisterViewer joins the viewer set.
type RegisterViewer struct{}

// Offer is an SDP offer from the broadcaster.
type Offer struct {
	SDP string
}

// Answer is an SDP answer forwarded to the viewer named by To.
type Answer struct {
	SDP string
	To  string
}

// ICECandidate is routed to the broadcaster, the sender's peer link or a viewer.
type ICECandidate struct {
	Candidate json.RawMessage
	To        string
}

// HasCandidate reports whether a candidate payload is present.
func (m ICECandidate) HasCandidate() bool {
	return len(m.Candidate) > 0 && string(m.Candidate) != "null"
}

// Start opens an upload session with the client's codec pair.
type Start struct {
	Video  string
	Audio  string
	Secret string
}

// Unknown carries a type the relay does not handle.
type Unknown struct {
	Type string
}

func (RegisterBroadcaster) messageType() string { return TypeBroadcaster }
func (RegisterViewer) messageType() string      { return TypeViewer }
func (Offer) messageType() string               { return TypeOffer }
func (Answer) messageType() string              { return TypeAnswer }
func (ICECandidate) messageType() string        { return TypeICECandidate }
func (Start) messageType() string               { return TypeStart }
func (m Unknown) messageType() string           { return m.Type }

type envelope struct {
	Type      string          `json:"type"`
	SDP       string          `json:"sdp"`
	To        string          `json:"to"`
	Candidate json.RawMessage `json:"candidate"`
	Video     string          `json:"video"`
	Audio     string          `json:"audio"`
	Secret    string          `json:"secret"`
}

// Decode parses one text frame.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, ErrInvalidJSON
	}
	switch env.Type {
	case TypeBroadcaster:
		return RegisterBroadcaster{Secret: env.Secret}, nil
	case TypeViewer:
		return RegisterViewer{}, nil
	case TypeOffer:
		return Offer{SDP: env.SDP}, nil
	case TypeAnswer:
		return Answer{SDP: env.SDP, To: env.To}, nil
	case TypeICECandidate:
		return ICECandidate{Candidate: env.Candidate, To: env.To}, nil
	case TypeStart:
		return Start{Video: env.Video, Audio: env.Audio, Secret: env.Secret}, nil
	default:
		return Unknown{Type: env.Type}, nil
	}
}

type ackMsg struct {
	Type   string `json:"type"`
	Role   string `json:"role"`
	Secret string `json:"secret,omitempty"`
	Code   string `json:"code,omitempty"`
}

type sdpMsg struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
	From string `json:"from,omitempty"`
}

type iceMsg struct {
	Type      string          `json:"type"`
	Candidate json.RawMessage `json:"candidate"`
	From      string          `json:"from,omitempty"`
}

type noticeMsg struct {
	Type string `json:"type"`
	From string `json:"from,omitempty"`
}

type sessionMsg struct {
	Type   string `json:"type"`
	Secret string `json:"secret"`
	Code   string `json:"code"`
}

type statusMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorMsg struct {
	Type    string `json:"type"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
	Code    *int   `json:"code,omitempty"`
	Signal  string `json:"signal,omitempty"`
	Details string `json:"details,omitempty"`
}

func protocolError(text string) errorMsg {
	return errorMsg{Type: TypeError, Error: text}
}

func detailedError(text string, err error) errorMsg {
	return errorMsg{Type: TypeError, Error: text, Details: err.Error()}
}

package relay

import (
	"encoding/json"
	"io"
)

// Track is an incoming media track on a PeerLink.
type Track interface {
	// Kind is "video" or "audio".
	Kind() string
	// Codec is the canonical codec name.
	Codec() string
	// InputFormat is the container Pump produces, as the encoder's -f value.
	InputFormat() string
	// Pump copies media to w until the track ends or w fails.
	Pump(w io.Writer) error
}

// PeerEvents are invoked from the peer's own goroutines.
type PeerEvents struct {
	OnICECandidate func(candidate json.RawMessage)
	OnTrack        func(Track)
}

// PeerLink is the server side of one broadcaster's WebRTC session.
type PeerLink interface {
	// Negotiate applies the remote offer and returns the local answer SDP.
	Negotiate(offerSDP string) (string, error)
	AddICECandidate(candidate json.RawMessage) error
	Close() error
}

// PeerFactory creates a PeerLink for a broadcaster connection.
type PeerFactory interface {
	NewPeer(connID string, ev PeerEvents) (PeerLink, error)
}

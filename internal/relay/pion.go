package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/h264writer"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"

	"github.com/N1ades/screencast/internal/codec"
)

// PionOptions configures NewPionFactory.
type PionOptions struct {
	STUNURLs []string
	// Codecs orders video codec registration, and with it answer preference.
	Codecs []codec.Pair
	Logger *slog.Logger
}

// PionFactory creates PeerLinks backed by pion/webrtc.
type PionFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
	log    *slog.Logger
}

var videoFeedback = []webrtc.RTCPFeedback{
	{Type: "goog-remb"},
	{Type: "ccm", Parameter: "fir"},
	{Type: "nack"},
	{Type: "nack", Parameter: "pli"},
}

var videoCodecs = map[string]webrtc.RTPCodecParameters{
	codec.H264: {
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     webrtc.MimeTypeH264,
			ClockRate:    90000,
			SDPFmtpLine:  "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
			RTCPFeedback: videoFeedback,
		},
		PayloadType: 102,
	},
	codec.VP8: {
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     webrtc.MimeTypeVP8,
			ClockRate:    90000,
			RTCPFeedback: videoFeedback,
		},
		PayloadType: 96,
	},
	codec.VP9: {
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     webrtc.MimeTypeVP9,
			ClockRate:    90000,
			SDPFmtpLine:  "profile-id=0",
			RTCPFeedback: videoFeedback,
		},
		PayloadType: 98,
	},
}

// NewPionFactory builds the media engine and interceptors shared by every peer.
func NewPionFactory(opts PionOptions) (*PionFactory, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	m := &webrtc.MediaEngine{}
	order := codec.VideoOrder(opts.Codecs)
	if len(order) == 0 {
		order = []string{codec.H264, codec.VP8}
	}
	for _, name := range order {
		params, ok := videoCodecs[name]
		if !ok {
			continue
		}
		if err := m.RegisterCodec(params, webrtc.RTPCodecTypeVideo); err != nil {
			return nil, fmt.Errorf("register %s: %w", name, err)
		}
	}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus: %w", err)
	}

	ir := &interceptor.Registry{}
	pli, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, fmt.Errorf("pli interceptor: %w", err)
	}
	ir.Add(pli)
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("default interceptors: %w", err)
	}

	var ice []webrtc.ICEServer
	if len(opts.STUNURLs) > 0 {
		ice = append(ice, webrtc.ICEServer{URLs: opts.STUNURLs})
	}
	return &PionFactory{
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(ir)),
		config: webrtc.Configuration{ICEServers: ice},
		log:    opts.Logger,
	}, nil
}

// NewPeer creates a receive-only peer connection for connID.
func (f *PionFactory) NewPeer(connID string, ev PeerEvents) (PeerLink, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, err
	}
	log := f.log.With("conn_id", connID)

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || ev.OnICECandidate == nil {
			return
		}
		raw, err := json.Marshal(c.ToJSON())
		if err != nil {
			log.Warn("encode ice candidate", "error", err)
			return
		}
		ev.OnICECandidate(raw)
	})
	pc.OnTrack(func(t *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info("track received", "kind", t.Kind().String(), "codec", t.Codec().MimeType)
		if ev.OnTrack != nil {
			ev.OnTrack(&pionTrack{track: t})
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Debug("peer connection state", "state", s.String())
	})
	return &pionLink{pc: pc}, nil
}

type pionLink struct {
	pc *webrtc.PeerConnection
}

func (l *pionLink) Negotiate(offerSDP string) (string, error) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := l.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("set remote description: %w", err)
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return answer.SDP, nil
}

func (l *pionLink) AddICECandidate(candidate json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return err
	}
	return l.pc.AddICECandidate(init)
}

func (l *pionLink) Close() error {
	return l.pc.Close()
}

type rtpWriter interface {
	WriteRTP(pkt *rtp.Packet) error
}

type pionTrack struct {
	track *webrtc.TrackRemote
}

func (t *pionTrack) Kind() string  { return t.track.Kind().String() }
func (t *pionTrack) Codec() string { return codec.Normalize(t.track.Codec().MimeType) }

func (t *pionTrack) InputFormat() string {
	if t.Codec() == codec.H264 {
		return "h264"
	}
	return "ivf"
}

func (t *pionTrack) Pump(w io.Writer) error {
	var out rtpWriter
	switch t.Codec() {
	case codec.H264:
		out = h264writer.NewWith(w)
	case codec.VP8, codec.VP9:
		iw, err := ivfwriter.NewWith(w, ivfwriter.WithCodec(t.track.Codec().MimeType))
		if err != nil {
			return err
		}
		out = iw
	default:
		return fmt.Errorf("%w: %s", codec.ErrUnknownCodec, t.track.Codec().MimeType)
	}

	for {
		pkt, _, err := t.track.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := out.WriteRTP(pkt); err != nil {
			return err
		}
	}
}

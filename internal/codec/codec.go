// Package codec names the media codecs the relay understands and negotiates an
// ordered preference list of video/audio pairs.
package codec

import (
	"errors"
	"fmt"
	"strings"
)

// Canonical codec names.
const (
	H264 = "h264"
	VP8  = "vp8"
	VP9  = "vp9"
	AAC  = "aac"
	Opus = "opus"
)

var (
	ErrUnknownCodec = errors.New("unknown codec")
	ErrNoMatch      = errors.New("no codec pair supported")
)

var aliases = map[string]string{
	"h264":    H264,
	"avc":     H264,
	"avc1":    H264,
	"x264":    H264,
	"vp8":     VP8,
	"vp9":     VP9,
	"vp09":    VP9,
	"aac":     AAC,
	"mp4a":    AAC,
	"opus":    Opus,
	"libopus": Opus,
}

var video = map[string]bool{H264: true, VP8: true, VP9: true}

// Normalize maps a codec name, alias, RFC 6381 string ("avc1.42E01F") or MIME
// type ("video/H264") to its canonical name. Unknown names return "".
func Normalize(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	if i := strings.IndexByte(n, '/'); i >= 0 {
		n = n[i+1:]
	}
	if i := strings.IndexByte(n, '.'); i >= 0 {
		n = n[:i]
	}
	return aliases[n]
}

// IsVideo reports whether the canonical name is a video codec.
func IsVideo(name string) bool { return video[name] }

// IsAudio reports whether the canonical name is an audio codec.
func IsAudio(name string) bool { return name != "" && !video[name] && aliases[name] == name }

// Pair is one video/audio combination. Audio is empty for video-only streams.
type Pair struct {
	Video string
	Audio string
}

func (p Pair) String() string {
	if p.Audio == "" {
		return p.Video
	}
	return p.Video + "/" + p.Audio
}

// Validate normalizes the names a client asked for. Audio may be empty or
// "none" for a silent stream.
func Validate(videoName, audioName string) (Pair, error) {
	v := Normalize(videoName)
	if !IsVideo(v) {
		return Pair{}, fmt.Errorf("%w: video %q", ErrUnknownCodec, videoName)
	}
	a := ""
	if s := strings.TrimSpace(audioName); s != "" && !strings.EqualFold(s, "none") {
		a = Normalize(s)
		if !IsAudio(a) {
			return Pair{}, fmt.Errorf("%w: audio %q", ErrUnknownCodec, audioName)
		}
	}
	return Pair{Video: v, Audio: a}, nil
}

// ParsePairs parses entries like "h264/aac" or "vp8" into an ordered list.
func ParsePairs(entries []string) ([]Pair, error) {
	out := make([]Pair, 0, len(entries))
	for _, e := range entries {
		v, a, _ := strings.Cut(e, "/")
		p, err := Validate(v, a)
		if err != nil {
			return nil, fmt.Errorf("codec preference %q: %w", e, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// Negotiate returns the first pair in prefs that supported accepts.
func Negotiate(prefs []Pair, supported func(Pair) bool) (Pair, error) {
	for _, p := range prefs {
		if supported(p) {
			return p, nil
		}
	}
	return Pair{}, ErrNoMatch
}

// VideoOrder lists the distinct video codecs of prefs in first-seen order.
func VideoOrder(prefs []Pair) []string {
	seen := make(map[string]bool, len(prefs))
	var out []string
	for _, p := range prefs {
		if !seen[p.Video] {
			seen[p.Video] = true
			out = append(out, p.Video)
		}
	}
	return out
}

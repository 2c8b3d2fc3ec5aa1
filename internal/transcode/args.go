// Package transcode runs one external encoder process per session: it builds
// the argument vector, pipes media into it, watches its stderr and exit, and
// stops it exactly once.
package transcode

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/N1ades/screencast/internal/codec"
)

// Spec describes one encoder run.
type Spec struct {
	// InputFormat forces the demuxer ("h264", "ivf"). Empty lets the encoder detect it.
	InputFormat string
	// Video and Audio are canonical codec names of the input. Audio is empty
	// for video-only input.
	Video       string
	Audio       string
	Destination string
}

// Policy is the copy-versus-reencode rule set.
type Policy struct {
	LogLevel string

	TargetVideo string
	VideoPreset string
	VideoTune   string

	TargetAudio     string
	AudioSampleRate int
	AudioBitrate    string

	HLSSegmentSeconds int
	HLSListSize       int
}

// DefaultPolicy targets h264/aac with low-latency x264 settings.
func DefaultPolicy() Policy {
	return Policy{
		LogLevel:          "warning",
		TargetVideo:       codec.H264,
		VideoPreset:       "veryfast",
		VideoTune:         "zerolatency",
		TargetAudio:       codec.AAC,
		AudioSampleRate:   44100,
		AudioBitrate:      "128k",
		HLSSegmentSeconds: 2,
		HLSListSize:       6,
	}
}

var encoders = map[string]string{
	codec.H264: "libx264",
	codec.VP8:  "libvpx",
	codec.VP9:  "libvpx-vp9",
	codec.AAC:  "aac",
	codec.Opus: "libopus",
}

// Args builds the encoder argument vector for s.
func (p Policy) Args(s Spec) []string {
	args := []string{"-hide_banner", "-loglevel", p.LogLevel}
	if s.InputFormat != "" {
		args = append(args, "-f", s.InputFormat)
	}
	args = append(args, "-i", "pipe:0")

	if s.Video == p.TargetVideo {
		args = append(args, "-c:v", "copy")
	} else {
		args = append(args, "-c:v", encoders[p.TargetVideo])
		if p.TargetVideo == codec.H264 {
			args = append(args, "-preset", p.VideoPreset, "-tune", p.VideoTune, "-pix_fmt", "yuv420p")
		}
	}

	switch {
	case s.Audio == "":
		args = append(args, "-an")
	case s.Audio == p.TargetAudio:
		args = append(args, "-c:a", "copy")
	default:
		args = append(args, "-c:a", encoders[p.TargetAudio],
			"-ar", strconv.Itoa(p.AudioSampleRate), "-b:a", p.AudioBitrate)
	}

	if isHLS(s.Destination) {
		return append(args, "-f", "hls",
			"-hls_time", strconv.Itoa(p.HLSSegmentSeconds),
			"-hls_list_size", strconv.Itoa(p.HLSListSize),
			"-hls_flags", "delete_segments",
			s.Destination)
	}
	return append(args, "-f", "flv", s.Destination)
}

func isHLS(dest string) bool {
	path := dest
	if u, err := url.Parse(dest); err == nil && u.Path != "" {
		path = u.Path
	}
	return strings.HasSuffix(strings.ToLower(path), ".m3u8")
}

// Destination joins the stream base URL and a session code. A base holding
// "{code}" has it substituted instead.
func Destination(base, code string) string {
	if strings.Contains(base, "{code}") {
		return strings.ReplaceAll(base, "{code}", code)
	}
	return strings.TrimRight(base, "/") + "/" + code
}

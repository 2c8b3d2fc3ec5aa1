package transcode

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/N1ades/screencast/internal/codec"
)

func TestPolicy_Args(t *testing.T) {
	p := DefaultPolicy()
	tests := []struct {
		name string
		spec Spec
		want string
	}{
		{
			name: "copy both",
			spec: Spec{Video: codec.H264, Audio: codec.AAC, Destination: "rtmp://localhost/live/abc"},
			want: "-hide_banner -loglevel warning -i pipe:0 -c:v copy -c:a copy -f flv rtmp://localhost/live/abc",
		},
		{
			name: "reencode both",
			spec: Spec{Video: codec.VP8, Audio: codec.Opus, Destination: "rtmp://localhost/live/abc"},
			want: "-hide_banner -loglevel warning -i pipe:0 -c:v libx264 -preset veryfast -tune zerolatency -pix_fmt yuv420p -c:a aac -ar 44100 -b:a 128k -f flv rtmp://localhost/live/abc",
		},
		{
			name: "copy video, reencode audio",
			spec: Spec{Video: codec.H264, Audio: codec.Opus, Destination: "rtmp://localhost/live/abc"},
			want: "-hide_banner -loglevel warning -i pipe:0 -c:v copy -c:a aac -ar 44100 -b:a 128k -f flv rtmp://localhost/live/abc",
		},
		{
			name: "raw track without audio",
			spec: Spec{InputFormat: "h264", Video: codec.H264, Destination: "rtmp://localhost/live/abc"},
			want: "-hide_banner -loglevel warning -f h264 -i pipe:0 -c:v copy -an -f flv rtmp://localhost/live/abc",
		},
		{
			name: "hls output",
			spec: Spec{InputFormat: "ivf", Video: codec.VP8, Destination: "/var/www/hls/abc/index.m3u8"},
			want: "-hide_banner -loglevel warning -f ivf -i pipe:0 -c:v libx264 -preset veryfast -tune zerolatency -pix_fmt yuv420p -an -f hls -hls_time 2 -hls_list_size 6 -hls_flags delete_segments /var/www/hls/abc/index.m3u8",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, strings.Join(p.Args(tt.spec), " "))
		})
	}
}

func TestDestination(t *testing.T) {
	assert.Equal(t, "rtmp://localhost/live/abc", Destination("rtmp://localhost/live", "abc"))
	assert.Equal(t, "rtmp://localhost/live/abc", Destination("rtmp://localhost/live/", "abc"))
	assert.Equal(t, "https://cdn.test/abc/index.m3u8", Destination("https://cdn.test/{code}/index.m3u8", "abc"))
}

func TestIsFatalLine(t *testing.T) {
	assert.True(t, IsFatalLine("av_interleaved_write_frame(): Broken pipe"))
	assert.True(t, IsFatalLine("[tcp @ 0x55] Connection refused"))
	assert.True(t, IsFatalLine("Conversion failed!"))
	assert.True(t, IsFatalLine("Error opening output rtmp://x: I/O error"))
	assert.False(t, IsFatalLine("frame=  120 fps= 30 q=-1.0 size=    512kB"))
}

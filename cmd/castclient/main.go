// Command castclient streams a local media file or stdin to the relay's
// upload endpoint and prints the public stream link.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/N1ades/screencast/internal/codec"
	"github.com/N1ades/screencast/internal/platform/config"
	"github.com/N1ades/screencast/internal/platform/logger"
	"github.com/N1ades/screencast/internal/transcode"
	"github.com/N1ades/screencast/internal/wsclient"
)

const (
	handshakeTimeout = 3 * time.Second
	retryDelay       = 100 * time.Millisecond
)

type options struct {
	server     string
	streamBase string
	secretFile string
	input      string
	chunkSize  int
	formats    string
	prefs      []string
	timeout    time.Duration
	logLevel   string
}

func parseFlags(args []string) (options, error) {
	_ = config.LoadEnv()

	var o options
	fs := flag.NewFlagSet("castclient", flag.ContinueOnError)
	fs.StringVar(&o.server, "server", config.GetEnv("SERVER_URL", "ws://localhost:3000/upload"), "relay upload websocket URL")
	fs.StringVar(&o.streamBase, "stream-base", config.GetEnv("STREAM_BASE_URL", "rtmp://localhost/live"), "base of the printed stream link")
	fs.StringVar(&o.secretFile, "secret-file", config.GetEnv("SECRET_FILE", ".screencast-secret"), "file holding the session secret")
	fs.StringVar(&o.input, "input", "-", "media file to stream, - for stdin")
	fs.IntVar(&o.chunkSize, "chunk", 64<<10, "bytes per media frame")
	fs.StringVar(&o.formats, "formats", "h264,aac", "comma separated codecs the input carries")
	prefs := fs.String("codecs", strings.Join(config.GetEnvList("CODEC_PREFERENCES", []string{"h264/aac", "h264/opus", "vp8/opus"}), ","), "ordered video/audio preferences")
	fs.DurationVar(&o.timeout, "timeout", wsclient.DefaultTimeout, "silence window before reconnecting")
	fs.StringVar(&o.logLevel, "log-level", config.GetEnv("LOG_LEVEL", "info"), "log level")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	o.prefs = strings.Split(*prefs, ",")
	if o.chunkSize <= 0 {
		return o, fmt.Errorf("invalid chunk size: %d", o.chunkSize)
	}
	return o, nil
}

// pickPair returns the first preferred pair whose codecs are all in formats.
func pickPair(prefs []string, formats string) (codec.Pair, error) {
	pairs, err := codec.ParsePairs(prefs)
	if err != nil {
		return codec.Pair{}, err
	}
	have := make(map[string]bool)
	for _, f := range strings.Split(formats, ",") {
		if n := codec.Normalize(f); n != "" {
			have[n] = true
		}
	}
	return codec.Negotiate(pairs, func(p codec.Pair) bool {
		return have[p.Video] && (p.Audio == "" || have[p.Audio])
	})
}

func loadSecret(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func saveSecret(path, secret string) error {
	return os.WriteFile(path, []byte(secret+"\n"), 0o600)
}

type startMsg struct {
	Type   string `json:"type"`
	Video  string `json:"video"`
	Audio  string `json:"audio,omitempty"`
	Secret string `json:"secret,omitempty"`
}

// startMessage resumes the session saved in secretFile, if any.
func startMessage(pair codec.Pair, secretFile string) startMsg {
	return startMsg{Type: "start", Video: pair.Video, Audio: pair.Audio, Secret: loadSecret(secretFile)}
}

type serverMsg struct {
	Type    string `json:"type"`
	Secret  string `json:"secret"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Error   string `json:"error"`
	Details string `json:"details"`
}

func main() {
	o, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log, closer, err := logger.New(logger.Options{Level: o.logLevel, Format: "text"})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, o, log); err != nil {
		log.Error("cast failed", "error", err)
		stop()
		closer.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, o options, log *slog.Logger) error {
	pair, err := pickPair(o.prefs, o.formats)
	if err != nil {
		return fmt.Errorf("no usable codec pair for %q: %w", o.formats, err)
	}

	in := io.Reader(os.Stdin)
	if o.input != "-" {
		f, err := os.Open(o.input)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	// each socket opens with start so no media frame can precede it
	client := wsclient.New(wsclient.Options{
		URL:     o.server,
		Timeout: o.timeout,
		Logger:  log,
		Hello:   func() any { return startMessage(pair, o.secretFile) },
		OnMessage: func(m wsclient.Message) {
			handleServerMessage(m, o, log)
		},
	})
	client.Start()
	defer client.Destroy()

	first, err := client.OnceMessage(handshakeTimeout)
	if err != nil {
		return fmt.Errorf("no session from %s: %w", o.server, err)
	}
	sess, err := decodeSession(first.Data)
	if err != nil {
		return err
	}
	if err := saveSecret(o.secretFile, sess.Secret); err != nil {
		log.Warn("secret not saved", "path", o.secretFile, "error", err)
	}
	fmt.Println(transcode.Destination(o.streamBase, sess.Code))
	log.Info("streaming", "codecs", pair.String(), "code", sess.Code)

	return stream(ctx, client, in, o.chunkSize)
}

func decodeSession(data []byte) (serverMsg, error) {
	var m serverMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("invalid server reply: %w", err)
	}
	switch m.Type {
	case "session":
		if m.Secret == "" || m.Code == "" {
			return m, errors.New("server reply carries no session")
		}
		return m, nil
	case "error":
		return m, fmt.Errorf("server refused: %s %s", m.Error, m.Details)
	default:
		return m, fmt.Errorf("unexpected server reply %q", m.Type)
	}
}

func handleServerMessage(m wsclient.Message, o options, log *slog.Logger) {
	var msg serverMsg
	if m.Binary || json.Unmarshal(m.Data, &msg) != nil {
		return
	}
	switch msg.Type {
	case "session":
		if err := saveSecret(o.secretFile, msg.Secret); err != nil {
			log.Warn("secret not saved", "path", o.secretFile, "error", err)
		}
	case "status":
		log.Debug("encoder", "line", msg.Message)
	case "error":
		log.Warn("server error", "error", msg.Error, "message", msg.Message, "details", msg.Details)
	}
}

// sender is the part of the client stream needs.
type sender interface {
	SendBinary(data []byte) error
}

// stream copies in to the relay in chunks. A chunk that cannot be sent is
// retried until the client has reconnected or ctx ends.
func stream(ctx context.Context, s sender, in io.Reader, chunkSize int) error {
	buf := make([]byte, chunkSize)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			for {
				if s.SendBinary(chunk) == nil {
					break
				}
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(retryDelay):
				}
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

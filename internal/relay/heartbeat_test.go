package relay

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/N1ades/screencast/internal/platform/logger"
	"github.com/N1ades/screencast/internal/session"
	"github.com/N1ades/screencast/internal/wsserver"
)

// wsPeer reads a real websocket in the background so control frames are
// handled, and hands over non-empty text frames.
type wsPeer struct {
	ws   *websocket.Conn
	msgs chan map[string]any
	gone chan struct{}
}

func dialPeer(t *testing.T, url string, answerPings bool) *wsPeer {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	if !answerPings {
		ws.SetPingHandler(func(string) error { return nil })
	}
	p := &wsPeer{ws: ws, msgs: make(chan map[string]any, 16), gone: make(chan struct{})}
	go func() {
		defer close(p.gone)
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if len(data) == 0 {
				continue
			}
			var m map[string]any
			if json.Unmarshal(data, &m) == nil {
				p.msgs <- m
			}
		}
	}()
	return p
}

func (p *wsPeer) send(t *testing.T, v any) {
	t.Helper()
	require.NoError(t, p.ws.WriteJSON(v))
}

func (p *wsPeer) expect(t *testing.T) map[string]any {
	t.Helper()
	select {
	case m := <-p.msgs:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no message")
		return nil
	}
}

func TestRelay_heartbeat_evicts_silent_viewer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := wsserver.NewHub(wsserver.Options{HeartbeatInterval: 100 * time.Millisecond, Logger: logger.Discard()})
	go hub.Run(ctx)
	rl := New(Options{Registry: session.NewRegistry(session.NewMemoryStore()), Logger: logger.Discard()})

	r := chi.NewRouter()
	r.Get("/ws", NewHandler(rl, hub, logger.Discard(), nil).Signaling)
	srv := httptest.NewServer(r)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	b := dialPeer(t, url, true)
	b.send(t, obj{"type": "broadcaster"})
	require.Equal(t, "ack", b.expect(t)["type"])

	v := dialPeer(t, url, false)
	v.send(t, obj{"type": "viewer"})
	require.Equal(t, "ack", v.expect(t)["type"])
	joined := b.expect(t)
	require.Equal(t, "viewer-joined", joined["type"])
	viewerID := joined["from"].(string)
	require.True(t, rl.Table().IsViewer(viewerID))

	select {
	case <-v.gone:
	case <-time.After(2 * time.Second):
		t.Fatal("silent viewer was not terminated")
	}
	assert.Eventually(t, func() bool { return !rl.Table().IsViewer(viewerID) }, time.Second, 10*time.Millisecond)

	// the responsive broadcaster outlives several rounds
	time.Sleep(350 * time.Millisecond)
	select {
	case <-b.gone:
		t.Fatal("broadcaster was terminated")
	default:
	}
	assert.Equal(t, 1, hub.Len())
	assert.NotEmpty(t, rl.Table().Stats().Broadcaster)
}

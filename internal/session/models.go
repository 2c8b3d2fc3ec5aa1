package session

import "time"

// Session is one stream identity. Secret is the reconnect token held by the
// client; Code is the public identifier used in the playback/ingest URL.
type Session struct {
	Secret    string
	Code      string
	CreatedAt time.Time
	// LastSeen is refreshed each time the secret is presented again.
	LastSeen time.Time
}

package relay

import (
	"context"

	"github.com/N1ades/screencast/internal/codec"
	"github.com/N1ades/screencast/internal/transcode"
)

// handleStart registers an upload client. It reports whether the connection
// is now a recorder.
func (r *Relay) handleStart(ctx context.Context, c *client, m Start) bool {
	if c.role == RoleRecorder {
		c.mu.Lock()
		sess := c.sess
		c.mu.Unlock()
		r.reply(c, sessionMsg{Type: TypeSession, Secret: sess.Secret, Code: sess.Code})
		return true
	}
	if c.role != RoleUnassigned {
		r.protocolError(c, errRoleAssigned)
		return false
	}

	pair, err := codec.Validate(m.Video, m.Audio)
	if err != nil {
		r.metrics.IncProtocolErrors()
		r.reply(c, detailedError(errUnsupportedCodec, err))
		return false
	}
	sess, ok := r.resolve(ctx, c, m.Secret)
	if !ok {
		return false
	}

	c.role = RoleRecorder
	c.pair = pair
	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()

	c.log.Info("recording session started", "code", sess.Code, "codecs", pair.String(), "resumed", sess.Secret == m.Secret)
	r.reply(c, sessionMsg{Type: TypeSession, Secret: sess.Secret, Code: sess.Code})
	return true
}

// handleMedia feeds one binary chunk to the recorder's encoder, starting it on
// the first chunk. The write completes before the next message is read.
func (r *Relay) handleMedia(c *client, chunk []byte) {
	if c.role != RoleRecorder {
		r.protocolError(c, errSessionNotStarted)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	proc := c.proc
	if proc == nil {
		spec := transcode.Spec{
			Video:       c.pair.Video,
			Audio:       c.pair.Audio,
			Destination: transcode.Destination(r.baseURL, c.sess.Code),
		}
		var err error
		proc, err = r.sup.Start(c.sess.Code, spec, &connReporter{c: c})
		if err != nil {
			c.mu.Unlock()
			c.log.Error("encoder start failed", "error", err)
			r.reply(c, detailedError(errEncoderStart, err))
			return
		}
		c.proc = proc
	}
	c.mu.Unlock()

	proc.Feed(chunk)
}

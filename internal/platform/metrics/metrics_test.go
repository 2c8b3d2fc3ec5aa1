package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMetrics_nil_safe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncRequests()
		m.IncMessages("offer")
		m.EncoderStarted()
		m.EncoderExited("failed")
		m.SetSessions(3)
	})
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.IncMessages("viewer")
	m.EncoderStarted()
	m.EncoderExited("failed")

	called := false
	rec := httptest.NewRecorder()
	m.Handler(func() {
		called = true
		m.SetSessions(7)
	}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.True(t, called)
	body := rec.Body.String()
	assert.Contains(t, body, `screencast_messages_total{type="viewer"} 1`)
	assert.Contains(t, body, `screencast_encoder_exits_total{outcome="failed"} 1`)
	assert.Contains(t, body, "screencast_sessions 7")
	assert.Contains(t, body, "screencast_encoders_running 0")
}

func TestRequestMiddleware(t *testing.T) {
	m := New()
	h := RequestMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope", nil))

	rec := httptest.NewRecorder()
	m.Handler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "screencast_http_requests_total 1")
	assert.Contains(t, rec.Body.String(), "screencast_http_errors_total 1")
}

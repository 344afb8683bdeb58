package metrics

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxpaste/internal/session"
	"voxpaste/internal/store"
)

func TestHistogramBuckets(t *testing.T) {
	h := NewHistogram("latency", "test", nil, []float64{1, 0.5, 2})
	for _, v := range []float64{0.1, 0.5, 1.5, 3} {
		h.Observe(v)
	}

	assert.Equal(t, uint64(4), h.Count())
	assert.InDelta(t, 5.1, h.Sum(), 1e-9)
	assert.InDelta(t, 1.275, h.Mean(), 1e-9)
}

func TestWritePrometheusIsSorted(t *testing.T) {
	r := NewRegistry("voxpaste", "")
	r.RegisterCounter("b_total", "b", nil).Add(2)
	r.RegisterCounter("a_total", "a", Labels{"kind": "x"}).Inc()
	r.RegisterGauge("g", "gauge", nil).Set(-3)
	r.RegisterHistogram("h_seconds", "hist", nil, []float64{0.5, 1}).Observe(0.75)

	var buf bytes.Buffer
	require.NoError(t, r.WritePrometheus(&buf))
	out := buf.String()

	assert.Less(t, strings.Index(out, "voxpaste_a_total"), strings.Index(out, "voxpaste_b_total"))
	assert.Contains(t, out, `voxpaste_a_total{kind="x"} 1`)
	assert.Contains(t, out, "voxpaste_b_total 2")
	assert.Contains(t, out, "voxpaste_g -3")
	assert.Contains(t, out, `voxpaste_h_seconds_bucket{le="0.5"} 0`)
	assert.Contains(t, out, `voxpaste_h_seconds_bucket{le="1"} 1`)
	assert.Contains(t, out, `voxpaste_h_seconds_bucket{le="+Inf"} 1`)
	assert.Contains(t, out, "voxpaste_h_seconds_sum 0.75")
	assert.Contains(t, out, "voxpaste_h_seconds_count 1")
}

func TestRegisterReturnsExisting(t *testing.T) {
	r := NewRegistry("", "")
	c1 := r.RegisterCounter("c", "c", nil)
	c2 := r.RegisterCounter("c", "c", nil)
	assert.Same(t, c1, c2)
	assert.Same(t, c1, r.GetCounter("c"))
}

func TestDictationMetricsObserveSession(t *testing.T) {
	r := NewRegistry("voxpaste", "")
	m := NewDictationMetrics(r)

	m.StatusChanged(session.Change{From: session.StatusIdle, To: session.StatusRecognizing, Reason: session.ReasonStarted})
	assert.Equal(t, int64(1), m.Recognizing.Value())

	m.StatusChanged(session.Change{From: session.StatusRecognizing, To: session.StatusRewriting, Reason: session.ReasonStopped})
	assert.Equal(t, int64(0), m.Recognizing.Value())
	assert.Equal(t, int64(1), m.Rewriting.Value())

	ms := int64(1200)
	m.HistoryRecorded(&store.HistoryEntry{RawText: "hello", IsRewritten: true, ProcessingTimeMs: &ms})
	m.StatusChanged(session.Change{From: session.StatusRewriting, To: session.StatusCompleted, Reason: session.ReasonCompleted})

	m.StatusChanged(session.Change{From: session.StatusCompleted, To: session.StatusRecognizing, Reason: session.ReasonStarted})
	m.StatusChanged(session.Change{From: session.StatusRecognizing, To: session.StatusIdle, Reason: session.ReasonCancelled})
	m.SessionError("AUDIO_ERROR", "mic gone")

	assert.Equal(t, uint64(2), m.SessionsTotal.Value())
	assert.Equal(t, uint64(1), m.CompletedTotal.Value())
	assert.Equal(t, uint64(1), m.CancelledTotal.Value())
	assert.Equal(t, uint64(1), m.RewrittenTotal.Value())
	assert.Equal(t, uint64(1), m.ErrorsTotal.Value())
	assert.Equal(t, uint64(1), m.ProcessingDuration.Count())
	assert.InDelta(t, 1.2, m.ProcessingDuration.Sum(), 1e-9)
	assert.InDelta(t, 5, m.TranscriptLength.Sum(), 1e-9)
}

func TestHandlerFormats(t *testing.T) {
	m := NewDictationMetrics(NewRegistry("voxpaste", ""))
	m.SessionsTotal.Inc()
	h := m.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, rec.Body.String(), "voxpaste_sessions_total 1")

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Accept", "application/json")
	h.ServeHTTP(rec, req)

	var body map[string]map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "counter", body["voxpaste_sessions_total"]["type"])
	assert.EqualValues(t, 1, body["voxpaste_sessions_total"]["value"])
}

package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"voxpaste/internal/session"
	"voxpaste/internal/store"
)

// DictationMetrics holds the dictation counters and implements
// session.Observer so it can be attached straight to the coordinator.
type DictationMetrics struct {
	registry *Registry
	start    time.Time

	// Counters
	SessionsTotal    *Counter
	CompletedTotal   *Counter
	CancelledTotal   *Counter
	EmptyTotal       *Counter
	ErrorsTotal      *Counter
	RewrittenTotal   *Counter
	PassthroughTotal *Counter

	// Gauges
	Recognizing   *Gauge
	Rewriting     *Gauge
	UptimeSeconds *Gauge

	// Histograms
	ProcessingDuration *Histogram
	TranscriptLength   *Histogram
}

// NewDictationMetrics creates and registers the dictation metrics.
func NewDictationMetrics(registry *Registry) *DictationMetrics {
	if registry == nil {
		registry = Default()
	}

	return &DictationMetrics{
		registry: registry,
		start:    time.Now(),

		SessionsTotal: registry.RegisterCounter(
			"sessions_total",
			"Total number of dictation sessions started",
			nil,
		),
		CompletedTotal: registry.RegisterCounter(
			"sessions_completed_total",
			"Sessions that ended with a paste",
			nil,
		),
		CancelledTotal: registry.RegisterCounter(
			"sessions_cancelled_total",
			"Sessions cancelled before completing",
			nil,
		),
		EmptyTotal: registry.RegisterCounter(
			"sessions_empty_total",
			"Sessions that produced no text",
			nil,
		),
		ErrorsTotal: registry.RegisterCounter(
			"errors_total",
			"Session errors reported to observers",
			nil,
		),
		RewrittenTotal: registry.RegisterCounter(
			"rewrites_total",
			"Pastes whose text came back from the rewrite service",
			nil,
		),
		PassthroughTotal: registry.RegisterCounter(
			"passthrough_total",
			"Pastes of the raw transcript",
			nil,
		),

		Recognizing: registry.RegisterGauge(
			"recognizing",
			"1 while a recording is in progress",
			nil,
		),
		Rewriting: registry.RegisterGauge(
			"rewriting",
			"1 while a rewrite is in flight",
			nil,
		),
		UptimeSeconds: registry.RegisterGauge(
			"uptime_seconds",
			"Seconds since the daemon started",
			nil,
		),

		ProcessingDuration: registry.RegisterHistogram(
			"processing_duration_seconds",
			"Time from key release to history write",
			nil,
			LatencyBuckets,
		),
		TranscriptLength: registry.RegisterHistogram(
			"transcript_length_chars",
			"Length of the raw transcript",
			nil,
			LengthBuckets,
		),
	}
}

// StatusChanged implements session.Observer.
func (m *DictationMetrics) StatusChanged(ch session.Change) {
	m.Recognizing.Set(boolGauge(ch.To == session.StatusRecognizing))
	m.Rewriting.Set(boolGauge(ch.To == session.StatusRewriting))

	switch ch.Reason {
	case session.ReasonStarted, session.ReasonRestarted:
		m.SessionsTotal.Inc()
	case session.ReasonCompleted:
		m.CompletedTotal.Inc()
	case session.ReasonCancelled:
		m.CancelledTotal.Inc()
	case session.ReasonEmpty:
		m.EmptyTotal.Inc()
	}
}

// TranscriptChanged implements session.Observer.
func (m *DictationMetrics) TranscriptChanged(string, string, bool) {}

// LevelChanged implements session.Observer.
func (m *DictationMetrics) LevelChanged(float64) {}

// SessionError implements session.Observer.
func (m *DictationMetrics) SessionError(string, string) {
	m.ErrorsTotal.Inc()
}

// HistoryRecorded implements session.Observer.
func (m *DictationMetrics) HistoryRecorded(e *store.HistoryEntry) {
	if e.IsRewritten {
		m.RewrittenTotal.Inc()
	} else {
		m.PassthroughTotal.Inc()
	}
	m.TranscriptLength.Observe(float64(len([]rune(e.RawText))))
	if e.ProcessingTimeMs != nil {
		m.ProcessingDuration.ObserveDuration(time.Duration(*e.ProcessingTimeMs) * time.Millisecond)
	}
}

func boolGauge(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// UpdateUptime updates the uptime metric.
func (m *DictationMetrics) UpdateUptime() {
	m.UptimeSeconds.Set(int64(time.Since(m.start).Seconds()))
}

// Handler serves the registry, refreshing uptime on each scrape.
func (m *DictationMetrics) Handler() http.Handler {
	inner := m.registry.HTTPHandler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.UpdateUptime()
		inner.ServeHTTP(w, r)
	})
}

// Serve exposes /metrics, plus any extra routes, on addr until ctx is done.
func (m *DictationMetrics) Serve(ctx context.Context, addr string, logger *slog.Logger, extra map[string]http.Handler) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	for path, h := range extra {
		mux.Handle(path, h)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics endpoint listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

var _ session.Observer = (*DictationMetrics)(nil)

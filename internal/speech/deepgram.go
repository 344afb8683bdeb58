package speech

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"voxpaste/internal/fault"
)

const defaultListenURL = "wss://api.deepgram.com/v1/listen"

// DeepgramConfig controls the streaming websocket.
type DeepgramConfig struct {
	APIKey      string
	Endpoint    string
	Model       string
	Language    string
	SampleRate  int
	Channels    int
	SmartFormat bool
}

// Deepgram is a Recognizer backed by Deepgram's live transcription API.
type Deepgram struct {
	cfg    DeepgramConfig
	dialer *websocket.Dialer
}

// NewDeepgram creates a recognizer. The key is checked on Open so the helper
// can start and report the problem per recording.
func NewDeepgram(cfg DeepgramConfig) *Deepgram {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultListenURL
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	return &Deepgram{cfg: cfg, dialer: websocket.DefaultDialer}
}

// Open implements Recognizer.
func (d *Deepgram) Open(ctx context.Context) (Stream, error) {
	if strings.TrimSpace(d.cfg.APIKey) == "" {
		return nil, fault.New(fault.KindUnavailable, CodeAPIKey, "deepgram", errors.New("speech API key is not configured"))
	}

	wsURL, err := buildListenURL(d.cfg)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+d.cfg.APIKey)

	conn, resp, err := d.dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fault.New(fault.KindFatal, CodeAPIKey, "deepgram", fmt.Errorf("key rejected: %s", resp.Status))
		}
		return nil, fault.New(fault.KindFatal, CodeStream, "deepgram", fmt.Errorf("connect: %w", err))
	}

	s := &dgStream{
		conn:    conn,
		results: make(chan Result, 64),
		audio:   make(chan []byte, 32),
		done:    make(chan struct{}),
		quit:    make(chan struct{}),
	}

	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()
	go func() {
		s.wg.Wait()
		close(s.results)
		close(s.done)
	}()

	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()

	return s, nil
}

type dgStream struct {
	conn *websocket.Conn

	results chan Result
	audio   chan []byte
	done    chan struct{}

	// quit is closed when either loop exits.
	quit     chan struct{}
	quitOnce sync.Once
	closed   atomic.Bool

	wg sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeSendOnce sync.Once
	sendMu        sync.RWMutex
	sendClosed    bool
}

func (s *dgStream) SendAudio(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}

	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.sendClosed {
		return errors.New("audio stream is already closed")
	}

	copied := append([]byte(nil), chunk...)
	select {
	case s.audio <- copied:
		return nil
	case <-s.quit:
		if err := s.waitErr(); err != nil {
			return err
		}
		return errors.New("session closed")
	}
}

func (s *dgStream) CloseSend() error {
	s.closeSendOnce.Do(func() {
		s.sendMu.Lock()
		s.sendClosed = true
		close(s.audio)
		s.sendMu.Unlock()
	})
	return nil
}

func (s *dgStream) Results() <-chan Result {
	return s.results
}

func (s *dgStream) Wait() error {
	<-s.done
	return s.waitErr()
}

// Close drops the connection without waiting for the final flush.
func (s *dgStream) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.stop()
	}
	<-s.done
	return s.waitErr()
}

func (s *dgStream) stop() {
	s.quitOnce.Do(func() {
		close(s.quit)
		_ = s.conn.Close()
	})
}

func (s *dgStream) waitErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *dgStream) setErr(err error) {
	if err == nil || s.closed.Load() {
		return
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) {
		return
	}

	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *dgStream) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case chunk, ok := <-s.audio:
			if !ok {
				if err := s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`)); err != nil {
					s.setErr(fmt.Errorf("close stream: %w", err))
					s.stop()
				}
				return
			}
			if err := s.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				s.setErr(fmt.Errorf("send audio: %w", err))
				s.stop()
				return
			}
		case <-s.quit:
			return
		}
	}
}

func (s *dgStream) readLoop() {
	defer s.wg.Done()
	defer s.stop()

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			s.setErr(fmt.Errorf("read: %w", err))
			return
		}

		var resp dgResponse
		if err := json.Unmarshal(payload, &resp); err != nil {
			continue
		}

		if strings.EqualFold(resp.Type, "Error") {
			msg := strings.TrimSpace(resp.Message)
			if msg == "" {
				msg = "recognizer returned an unknown error"
			}
			s.setErr(fault.New(fault.KindFatal, CodeStream, "deepgram", errors.New(msg)))
			return
		}

		text := extractTranscript(resp)
		if text == "" {
			continue
		}
		s.results <- Result{Text: text, Final: resp.IsFinal || resp.SpeechFinal}
	}
}

type dgResponse struct {
	Type        string `json:"type"`
	Message     string `json:"message"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`

	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func extractTranscript(resp dgResponse) string {
	if len(resp.Channel.Alternatives) == 0 {
		return ""
	}
	return strings.TrimSpace(resp.Channel.Alternatives[0].Transcript)
}

func buildListenURL(cfg DeepgramConfig) (string, error) {
	base := strings.TrimSpace(cfg.Endpoint)
	if base == "" {
		base = defaultListenURL
	}
	if rest, ok := strings.CutPrefix(base, "https://"); ok {
		base = "wss://" + rest
	} else if rest, ok := strings.CutPrefix(base, "http://"); ok {
		base = "ws://" + rest
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid speech endpoint: %w", err)
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	channels := cfg.Channels
	if channels <= 0 {
		channels = 1
	}

	q := u.Query()
	q.Set("model", cfg.Model)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sampleRate))
	q.Set("channels", strconv.Itoa(channels))
	q.Set("interim_results", "true")
	q.Set("smart_format", strconv.FormatBool(cfg.SmartFormat))
	if cfg.Language != "" {
		q.Set("language", cfg.Language)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

package speech

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxpaste/internal/fault"
)

// listenServer is a minimal live transcription endpoint.
type listenServer struct {
	t       *testing.T
	handler func(conn *websocket.Conn)

	mu    sync.Mutex
	auth  string
	query url.Values
	audio [][]byte
}

func (s *listenServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.auth = r.Header.Get("Authorization")
	s.query = r.URL.Query()
	s.mu.Unlock()

	up := websocket.Upgrader{}
	conn, err := up.Upgrade(w, r, nil)
	if !assert.NoError(s.t, err) {
		return
	}
	defer conn.Close()
	s.handler(conn)
}

// readUntilCloseStream records binary frames until the CloseStream message.
func (s *listenServer) readUntilCloseStream(conn *websocket.Conn) bool {
	for {
		kind, payload, err := conn.ReadMessage()
		if err != nil {
			return false
		}
		if kind == websocket.BinaryMessage {
			s.mu.Lock()
			s.audio = append(s.audio, payload)
			s.mu.Unlock()
			continue
		}
		if strings.Contains(string(payload), `"CloseStream"`) {
			return true
		}
	}
}

func transcript(text string, final bool) string {
	return `{"type":"Results","is_final":` + boolString(final) +
		`,"channel":{"alternatives":[{"transcript":"` + text + `"}]}}`
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func newListenServer(t *testing.T, handler func(s *listenServer, conn *websocket.Conn)) (*listenServer, string) {
	t.Helper()
	ls := &listenServer{t: t}
	ls.handler = func(conn *websocket.Conn) { handler(ls, conn) }
	srv := httptest.NewServer(ls)
	t.Cleanup(srv.Close)
	return ls, srv.URL + "/v1/listen"
}

func collect(t *testing.T, s Stream) []Result {
	t.Helper()
	var out []Result
	timeout := time.After(2 * time.Second)
	for {
		select {
		case r, ok := <-s.Results():
			if !ok {
				return out
			}
			out = append(out, r)
		case <-timeout:
			t.Fatal("results channel not closed")
			return nil
		}
	}
}

func TestDeepgramStreamsResults(t *testing.T) {
	ls, endpoint := newListenServer(t, func(s *listenServer, conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(transcript("hello", false)))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Metadata"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(transcript("  ", false)))
		if !s.readUntilCloseStream(conn) {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(transcript("hello world", true)))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	})

	dg := NewDeepgram(DeepgramConfig{APIKey: "k-123", Endpoint: endpoint, Language: "en"})
	stream, err := dg.Open(context.Background())
	require.NoError(t, err)

	require.NoError(t, stream.SendAudio([]byte{1, 2, 3, 4}))
	require.NoError(t, stream.SendAudio(nil))
	require.NoError(t, stream.CloseSend())
	assert.Error(t, stream.SendAudio([]byte{5}))

	results := collect(t, stream)
	require.NoError(t, stream.Wait())

	assert.Equal(t, []Result{
		{Text: "hello"},
		{Text: "hello world", Final: true},
	}, results)

	ls.mu.Lock()
	defer ls.mu.Unlock()
	assert.Equal(t, "Token k-123", ls.auth)
	assert.Equal(t, "nova-2", ls.query.Get("model"))
	assert.Equal(t, "en", ls.query.Get("language"))
	assert.Equal(t, "true", ls.query.Get("interim_results"))
	assert.Equal(t, [][]byte{{1, 2, 3, 4}}, ls.audio)
}

func TestDeepgramSpeechFinalCountsAsFinal(t *testing.T) {
	_, endpoint := newListenServer(t, func(_ *listenServer, conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"Results","speech_final":true,"channel":{"alternatives":[{"transcript":"done"}]}}`))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	})

	stream, err := NewDeepgram(DeepgramConfig{APIKey: "k", Endpoint: endpoint}).Open(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []Result{{Text: "done", Final: true}}, collect(t, stream))
	assert.NoError(t, stream.Wait())
}

func TestDeepgramErrorMessageFailsStream(t *testing.T) {
	_, endpoint := newListenServer(t, func(_ *listenServer, conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Error","message":"bad audio"}`))
		_, _, _ = conn.ReadMessage()
	})

	stream, err := NewDeepgram(DeepgramConfig{APIKey: "k", Endpoint: endpoint}).Open(context.Background())
	require.NoError(t, err)

	assert.Empty(t, collect(t, stream))
	err = stream.Wait()
	require.Error(t, err)
	assert.Equal(t, CodeStream, fault.CodeOf(err, ""))
	assert.Contains(t, err.Error(), "bad audio")
}

func TestDeepgramCloseIsQuiet(t *testing.T) {
	_, endpoint := newListenServer(t, func(_ *listenServer, conn *websocket.Conn) {
		_, _, _ = conn.ReadMessage()
	})

	stream, err := NewDeepgram(DeepgramConfig{APIKey: "k", Endpoint: endpoint}).Open(context.Background())
	require.NoError(t, err)

	assert.NoError(t, stream.Close())
	assert.NoError(t, stream.Wait())
	_, ok := <-stream.Results()
	assert.False(t, ok)
}

func TestDeepgramContextCancelCloses(t *testing.T) {
	_, endpoint := newListenServer(t, func(_ *listenServer, conn *websocket.Conn) {
		_, _, _ = conn.ReadMessage()
	})

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := NewDeepgram(DeepgramConfig{APIKey: "k", Endpoint: endpoint}).Open(ctx)
	require.NoError(t, err)

	cancel()
	assert.Empty(t, collect(t, stream))
	assert.NoError(t, stream.Wait())
}

func TestDeepgramMissingKey(t *testing.T) {
	_, err := NewDeepgram(DeepgramConfig{APIKey: "  "}).Open(context.Background())
	require.Error(t, err)
	assert.Equal(t, CodeAPIKey, fault.CodeOf(err, ""))
	assert.Equal(t, fault.KindUnavailable, fault.KindOf(err))
}

func TestDeepgramRejectedKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	_, err := NewDeepgram(DeepgramConfig{APIKey: "bad", Endpoint: srv.URL}).Open(context.Background())
	require.Error(t, err)
	assert.Equal(t, CodeAPIKey, fault.CodeOf(err, ""))
}

func TestBuildListenURL(t *testing.T) {
	tests := []struct {
		name     string
		cfg      DeepgramConfig
		prefix   string
		contains []string
	}{
		{
			name:     "defaults",
			cfg:      DeepgramConfig{Model: "nova-2"},
			prefix:   "wss://api.deepgram.com/v1/listen?",
			contains: []string{"encoding=linear16", "sample_rate=16000", "channels=1", "smart_format=false"},
		},
		{
			name:     "http endpoint becomes ws",
			cfg:      DeepgramConfig{Endpoint: "http://localhost:8080/v1/listen", Model: "m", SampleRate: 8000, Channels: 2, SmartFormat: true, Language: "ja"},
			prefix:   "ws://localhost:8080/v1/listen?",
			contains: []string{"sample_rate=8000", "channels=2", "smart_format=true", "language=ja"},
		},
		{
			name:     "https endpoint becomes wss",
			cfg:      DeepgramConfig{Endpoint: "https://example.test/listen", Model: "m"},
			prefix:   "wss://example.test/listen?",
			contains: []string{"model=m"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := buildListenURL(tt.cfg)
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(got, tt.prefix), got)
			for _, want := range tt.contains {
				assert.Contains(t, got, want)
			}
		})
	}
}

func TestBuildListenURLInvalid(t *testing.T) {
	_, err := buildListenURL(DeepgramConfig{Endpoint: "ws://bad host/%zz"})
	assert.Error(t, err)
}

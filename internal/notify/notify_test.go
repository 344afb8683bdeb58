package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxpaste/internal/session"
	"voxpaste/internal/store"
)

type sink struct {
	mu     sync.Mutex
	bodies []string
}

func (s *sink) send(_, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bodies = append(s.bodies, body)
	return nil
}

func (s *sink) got() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.bodies...)
}

func start(t *testing.T, opts Options) (*Notifier, *sink) {
	t.Helper()
	n := New(opts, nil)
	s := &sink{}
	n.send = s.send
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		n.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return n, s
}

func TestErrorsNotify(t *testing.T) {
	n, s := start(t, Options{Desktop: true})

	n.SessionError("AUDIO_ERROR", "mic gone")
	n.SessionError("HELPER_EXITED", "exit status 1")

	require.Eventually(t, func() bool { return len(s.got()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, "Dictation failed (AUDIO_ERROR): mic gone", s.got()[0])
	assert.Contains(t, s.got()[1], "helper stopped")
}

func TestCompletionsOptIn(t *testing.T) {
	n1, s1 := start(t, Options{Desktop: true})
	n1.HistoryRecorded(&store.HistoryEntry{IsRewritten: true})

	n2, s2 := start(t, Options{Desktop: true, OnComplete: true})
	n2.HistoryRecorded(&store.HistoryEntry{IsRewritten: true})
	n2.HistoryRecorded(&store.HistoryEntry{})

	require.Eventually(t, func() bool { return len(s2.got()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"Pasted rewritten text", "Pasted transcript"}, s2.got())
	assert.Empty(t, s1.got())
}

func TestDesktopDisabledOnlyLogs(t *testing.T) {
	n, s := start(t, Options{})

	n.StatusChanged(session.Change{From: session.StatusIdle, To: session.StatusRecognizing})
	n.SessionError("X", "y")

	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, s.got())
}

func TestQueueFullDrops(t *testing.T) {
	n := New(Options{Desktop: true}, nil)
	for i := 0; i < queueSize+5; i++ {
		n.SessionError("X", "")
	}
	assert.Len(t, n.queue, queueSize)
}

package client

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/stranger-signaling/internal/models"
)

type recordingHandler struct {
	mu        sync.Mutex
	envelopes []models.Envelope
	links     chan LinkState
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{links: make(chan LinkState, 16)}
}

func (h *recordingHandler) HandleEnvelope(env models.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.envelopes = append(h.envelopes, env)
}

func (h *recordingHandler) HandleLink(state LinkState) {
	h.links <- state
}

func (h *recordingHandler) expectLink(t *testing.T, want LinkState) {
	t.Helper()
	select {
	case got := <-h.links:
		require.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for link %s", want)
	}
}

// fakeServer hands out a numbered token per connection and drops the first
// connection right after the session event.
type fakeServer struct {
	*httptest.Server

	mu       sync.Mutex
	tokens   []string
	received chan models.EventType
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	s := &fakeServer{received: make(chan models.EventType, 16)}
	upgrader := websocket.Upgrader{}

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		s.mu.Lock()
		n := len(s.tokens)
		s.tokens = append(s.tokens, r.URL.Query().Get("token"))
		s.mu.Unlock()

		env, _ := models.NewEnvelope(models.EventSession, models.SessionPayload{Identity: "id", Token: fmt.Sprintf("tok-%d", n)})
		if err := conn.WriteJSON(env); err != nil || n == 0 {
			return
		}
		for {
			var in models.Envelope
			if err := conn.ReadJSON(&in); err != nil {
				return
			}
			s.received <- in.Type
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *fakeServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *fakeServer) seenTokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tokens...)
}

func TestTransportReconnectsWithToken(t *testing.T) {
	logger, _ := test.NewNullLogger()
	srv := newFakeServer(t)
	transport := NewTransport(TransportOptions{
		URL:            srv.wsURL(),
		InitialBackoff: time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
		Logger:         logger,
	})
	h := newRecordingHandler()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- transport.Run(ctx, h) }()

	h.expectLink(t, LinkConnected)
	h.expectLink(t, LinkReconnecting)
	h.expectLink(t, LinkConnected)

	assert.Equal(t, []string{"", "tok-0"}, srv.seenTokens())
	require.Eventually(t, func() bool { return transport.Token() == "tok-1" }, time.Second, 5*time.Millisecond)

	require.NoError(t, transport.Send(models.EventTyping, nil))
	select {
	case got := <-srv.received:
		assert.Equal(t, models.EventTyping, got)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive message")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("transport did not stop")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.envelopes, 2)
	assert.Equal(t, models.EventSession, h.envelopes[0].Type)
}

func TestTransportGoesOfflineAfterRetries(t *testing.T) {
	logger, _ := test.NewNullLogger()
	var handshakes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handshakes.Add(1)
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	transport := NewTransport(TransportOptions{
		URL:                  url,
		MaxReconnectAttempts: 2,
		InitialBackoff:       time.Millisecond,
		MaxBackoff:           5 * time.Millisecond,
		Logger:               logger,
	})
	h := newRecordingHandler()

	err := transport.Run(context.Background(), h)
	assert.ErrorIs(t, err, ErrOffline)
	assert.EqualValues(t, 2, handshakes.Load())
	h.expectLink(t, LinkOffline)
	assert.ErrorIs(t, transport.Send(models.EventSkip, nil), ErrOffline)
}

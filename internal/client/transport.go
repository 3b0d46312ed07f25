package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/mossy-p/stranger-signaling/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	DefaultMaxReconnectAttempts = 5
)

var ErrOffline = errors.New("signaling channel offline")

// LinkState describes the signaling channel.
type LinkState int

const (
	LinkConnected LinkState = iota
	LinkReconnecting
	LinkOffline
)

func (s LinkState) String() string {
	switch s {
	case LinkConnected:
		return "connected"
	case LinkReconnecting:
		return "reconnecting"
	default:
		return "offline"
	}
}

// Handler consumes everything the transport receives. Calls are made from
// the transport's read goroutine, one at a time.
type Handler interface {
	HandleEnvelope(env models.Envelope)
	HandleLink(state LinkState)
}

type TransportOptions struct {
	URL                  string
	MaxReconnectAttempts int
	InitialBackoff       time.Duration
	MaxBackoff           time.Duration
	Dialer               *websocket.Dialer
	Logger               logrus.FieldLogger
}

// Transport is a websocket signaling channel that redials with exponential
// backoff when the connection drops. The last session token received from
// the server is presented on every redial so the identity survives.
type Transport struct {
	url         string
	maxAttempts int
	initial     time.Duration
	max         time.Duration
	dialer      *websocket.Dialer
	logger      logrus.FieldLogger

	mu    sync.Mutex
	conn  *websocket.Conn
	token string

	writeMu sync.Mutex
}

func NewTransport(opts TransportOptions) *Transport {
	t := &Transport{
		url:         opts.URL,
		maxAttempts: opts.MaxReconnectAttempts,
		initial:     opts.InitialBackoff,
		max:         opts.MaxBackoff,
		dialer:      opts.Dialer,
		logger:      opts.Logger,
	}
	if t.maxAttempts <= 0 {
		t.maxAttempts = DefaultMaxReconnectAttempts
	}
	if t.initial <= 0 {
		t.initial = 500 * time.Millisecond
	}
	if t.max <= 0 {
		t.max = 10 * time.Second
	}
	if t.dialer == nil {
		t.dialer = websocket.DefaultDialer
	}
	if t.logger == nil {
		t.logger = logrus.StandardLogger()
	}
	return t
}

// Token returns the session token last issued by the server.
func (t *Transport) Token() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.token
}

// Run connects and pumps inbound frames to h until ctx is cancelled or the
// reconnect budget is spent, in which case it reports LinkOffline and
// returns ErrOffline.
func (t *Transport) Run(ctx context.Context, h Handler) error {
	for {
		conn, err := t.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			h.HandleLink(LinkOffline)
			return fmt.Errorf("%w: %v", ErrOffline, err)
		}

		t.setConn(conn)
		h.HandleLink(LinkConnected)
		t.readLoop(ctx, conn, h)
		t.setConn(nil)

		if ctx.Err() != nil {
			return nil
		}
		t.logger.Warn("Signaling connection lost, reconnecting")
		h.HandleLink(LinkReconnecting)
	}
}

// Send writes one envelope. It fails with ErrOffline while disconnected.
func (t *Transport) Send(event models.EventType, payload any) error {
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrOffline
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(env); err != nil {
		return fmt.Errorf("write %s: %w", event, err)
	}
	return nil
}

func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.initial
	b.MaxInterval = t.max
	b.MaxElapsedTime = 0

	var conn *websocket.Conn
	operation := func() error {
		target, err := t.target()
		if err != nil {
			return backoff.Permanent(err)
		}
		c, _, err := t.dialer.DialContext(ctx, target, nil)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, wait time.Duration) {
		t.logger.WithError(err).WithField("retry_in", wait).Warn("Failed to connect to signaling server")
	}

	// The first dial counts as an attempt; retries make up the rest.
	retries := t.maxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return nil, err
	}
	return conn, nil
}

func (t *Transport) target() (string, error) {
	u, err := url.Parse(t.url)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	if token := t.Token(); token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (t *Transport) setConn(conn *websocket.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conn = conn
}

func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn, h Handler) {
	done := make(chan struct{})
	defer close(done)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				t.writeMu.Lock()
				conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				t.writeMu.Unlock()
				conn.Close()
				return
			case <-done:
				conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && ctx.Err() == nil {
				t.logger.WithError(err).Debug("Signaling read failed")
			}
			return
		}

		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.logger.WithError(err).Warn("Failed to parse signaling message")
			continue
		}
		if env.Type == models.EventSession {
			var s models.SessionPayload
			if err := json.Unmarshal(env.Payload, &s); err == nil && s.Token != "" {
				t.mu.Lock()
				t.token = s.Token
				t.mu.Unlock()
			}
		}
		h.HandleEnvelope(env)
	}
}

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/mossy-p/stranger-signaling/internal/broker"
	"github.com/mossy-p/stranger-signaling/internal/middleware"
	"github.com/mossy-p/stranger-signaling/internal/models"
	"github.com/mossy-p/stranger-signaling/internal/presence"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// HubOptions configures a Hub.
type HubOptions struct {
	Presence presence.Store
	Sessions *middleware.Sessions
	Observer broker.RoomObserver
	Logger   logrus.FieldLogger
}

// Hub tracks the live signaling channel of every identity and feeds their
// events into the broker. It is the broker's Notifier.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*Client
	broker   *broker.Broker
	presence presence.Store
	sessions *middleware.Sessions
	logger   logrus.FieldLogger
}

// Client represents a WebSocket client connection
type Client struct {
	ID   string
	Conn *websocket.Conn

	hub       *Hub
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// dispatchMu serializes inbound frames against retirement.
	dispatchMu sync.Mutex
	retired    bool
}

func NewHub(opts HubOptions) *Hub {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	store := opts.Presence
	if store == nil {
		store = presence.NewMemoryStore()
	}
	h := &Hub{
		clients:  make(map[string]*Client),
		presence: store,
		sessions: opts.Sessions,
		logger:   logger,
	}
	h.broker = broker.New(broker.Options{
		Notifier: h,
		Observer: opts.Observer,
		IsLive:   h.IsLive,
		Logger:   logger,
	})
	return h
}

func (h *Hub) Broker() *broker.Broker { return h.broker }

// HandleSignaling upgrades the request and registers the channel under the
// identity carried by the session token, or under a fresh identity.
func (h *Hub) HandleSignaling(c *gin.Context) {
	identity, resumed := middleware.IdentityFrom(c)
	if !resumed {
		identity = uuid.NewString()
	}

	var token string
	if h.sessions != nil {
		var err error
		token, err = h.sessions.Issue(identity)
		if err != nil {
			h.logger.WithError(err).Error("Failed to issue session token")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create session"})
			return
		}
	}

	// Upgrade HTTP connection to WebSocket
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Warn("Failed to upgrade connection")
		return
	}

	client := &Client{
		ID:   identity,
		Conn: conn,
		hub:  h,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	h.register(c.Request.Context(), client)

	h.logger.WithFields(logrus.Fields{"identity": identity, "resumed": resumed}).Info("Client connected")

	client.enqueue(h.encode(models.EventSession, models.SessionPayload{Identity: identity, Token: token}))
	client.enqueue(h.encode(models.EventOnlineCount, models.OnlineCountPayload{Count: h.onlineCount(c.Request.Context())}))

	go client.writePump()
	go client.readPump()
}

// register installs client as the identity's only live channel. An older
// channel for the same identity is closed and its session cleaned up before
// the new channel reads anything.
func (h *Hub) register(ctx context.Context, client *Client) {
	h.mu.Lock()
	previous := h.clients[client.ID]
	h.clients[client.ID] = client
	h.mu.Unlock()

	if previous != nil {
		h.logger.WithField("identity", client.ID).Info("Replacing existing channel")
		previous.close()
		previous.retire()
		h.broker.Disconnect(client.ID)
	}
	if err := h.presence.AddPeer(ctx, client.ID); err != nil {
		h.logger.WithError(err).Warn("Failed to record presence")
	}
}

func (h *Hub) unregister(client *Client) {
	client.close()

	h.mu.Lock()
	current := h.clients[client.ID] == client
	if current {
		delete(h.clients, client.ID)
	}
	h.mu.Unlock()

	if !current {
		return
	}
	h.broker.Disconnect(client.ID)
	if err := h.presence.RemovePeer(context.Background(), client.ID); err != nil {
		h.logger.WithError(err).Warn("Failed to remove presence")
	}
	h.logger.WithField("identity", client.ID).Info("Client disconnected")
}

// IsLive reports whether identity has a registered channel.
func (h *Hub) IsLive(identity string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[identity]
	return ok
}

// Notify implements broker.Notifier. It never blocks.
func (h *Hub) Notify(identity string, event models.EventType, payload any) {
	data := h.encode(event, payload)
	if data == nil {
		return
	}

	h.mu.RLock()
	client := h.clients[identity]
	h.mu.RUnlock()
	if client == nil {
		h.logger.WithFields(logrus.Fields{"identity": identity, "event": event}).Debug("Notify target not connected")
		return
	}
	client.enqueue(data)
}

// BroadcastOnlineCount sends count to every connected client.
func (h *Hub) BroadcastOnlineCount(count int64) {
	data := h.encode(models.EventOnlineCount, models.OnlineCountPayload{Count: count})
	if data == nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		client.enqueue(data)
	}
}

func (h *Hub) onlineCount(ctx context.Context) int64 {
	n, err := h.presence.Count(ctx)
	if err != nil {
		h.logger.WithError(err).Warn("Failed to read online count")
	}
	return n
}

func (h *Hub) encode(event models.EventType, payload any) []byte {
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		h.logger.WithError(err).WithField("event", event).Error("Failed to marshal payload")
		return nil
	}
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.WithError(err).WithField("event", event).Error("Failed to marshal message")
		return nil
	}
	return data
}

func (h *Hub) dispatch(client *Client, env models.Envelope) {
	client.dispatchMu.Lock()
	defer client.dispatchMu.Unlock()
	if client.retired {
		h.logger.WithFields(logrus.Fields{"identity": client.ID, "event": env.Type}).Debug("Dropping frame from replaced channel")
		return
	}

	switch env.Type {
	case models.EventStartMatching:
		var req models.StartMatchingPayload
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &req); err != nil {
				h.logger.WithError(err).WithField("identity", client.ID).Warn("Invalid start-matching payload")
				return
			}
		}
		h.broker.StartMatching(client.ID, req.Interests, req.TextOnly)

	case models.EventSkip:
		h.broker.Skip(client.ID)

	case models.EventDisconnectChat:
		h.broker.DisconnectChat(client.ID)

	case models.EventSendMessage, models.EventTyping, models.EventStopTyping,
		models.EventToggleMute, models.EventToggleCamera,
		models.EventOffer, models.EventAnswer, models.EventICECandidate:
		h.broker.Relay(client.ID, env.Type, env.Payload)

	default:
		h.logger.WithFields(logrus.Fields{"identity": client.ID, "event": env.Type}).Warn("Unknown message type")
	}
}

func (c *Client) readPump() {
	defer c.hub.unregister(c)

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.logger.WithError(err).WithField("identity", c.ID).Warn("WebSocket error")
			}
			return
		}

		var env models.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.hub.logger.WithError(err).WithField("identity", c.ID).Warn("Failed to parse message")
			continue
		}
		c.hub.dispatch(c, env)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case message := <-c.send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.WithError(err).WithField("identity", c.ID).Debug("Failed to write message")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) enqueue(data []byte) {
	if data == nil {
		return
	}
	select {
	case <-c.done:
	case c.send <- data:
	default:
		c.hub.logger.WithField("identity", c.ID).Warn("Send buffer full, dropping message")
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// retire waits out any frame being dispatched and stops later ones.
func (c *Client) retire() {
	c.dispatchMu.Lock()
	c.retired = true
	c.dispatchMu.Unlock()
}

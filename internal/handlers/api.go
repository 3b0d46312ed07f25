package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mossy-p/stranger-signaling/config"
	"github.com/mossy-p/stranger-signaling/internal/middleware"
	"github.com/mossy-p/stranger-signaling/internal/models"
	"github.com/mossy-p/stranger-signaling/internal/rooms"
)

// API serves the small HTTP surface next to the signaling socket.
type API struct {
	Hub      *Hub
	Rooms    rooms.Lookup
	Sessions *middleware.Sessions
	ICE      config.ICEConfig
}

// CreateSession issues an anonymous session token. A caller that already
// holds a valid token gets a refreshed token for the same identity.
func (a *API) CreateSession(c *gin.Context) {
	identity, ok := middleware.IdentityFrom(c)
	if !ok {
		identity = uuid.NewString()
	}

	token, err := a.Sessions.Issue(identity)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create session"})
		return
	}

	c.JSON(http.StatusCreated, models.SessionPayload{Identity: identity, Token: token})
}

// GetRoom returns public metadata for an active room.
func (a *API) GetRoom(c *gin.Context) {
	meta, err := a.Rooms.Get(c.Request.Context(), c.Param("roomId"))
	if errors.Is(err, rooms.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load room"})
		return
	}

	c.JSON(http.StatusOK, meta)
}

// GetStats reports online, waiting and room counts.
func (a *API) GetStats(c *gin.Context) {
	stats := a.Hub.Broker().Stats()
	stats.Online = a.Hub.onlineCount(c.Request.Context())
	c.JSON(http.StatusOK, stats)
}

func (a *API) GetICEServers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"mode":       a.ICE.Mode,
		"iceServers": a.ICE.Servers,
	})
}

func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

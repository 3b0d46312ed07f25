package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/mossy-p/stranger-signaling/internal/middleware"
)

// NewRouter wires the signaling socket and the HTTP API.
func NewRouter(api *API, allowedOrigins []string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(allowedOrigins))

	apiGroup := router.Group("/api")
	{
		apiGroup.GET("/health", Health)
		apiGroup.POST("/session", middleware.SessionIdentity(api.Sessions), api.CreateSession)
		apiGroup.GET("/stats", api.GetStats)
		apiGroup.GET("/rooms/:roomId", api.GetRoom)
		apiGroup.GET("/ice-servers", api.GetICEServers)
	}

	// WebSocket signaling endpoint
	router.GET("/ws", middleware.SessionIdentity(api.Sessions), api.Hub.HandleSignaling)

	return router
}

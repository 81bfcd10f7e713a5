package events

import (
	"log"
	"net/http"

	"mentora_back/authorization"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes mounts the live event socket. Clients pass the JWT as a
// query token since browsers cannot set headers on WebSocket upgrades.
func RegisterRoutes(router *gin.Engine, guard *authorization.Guard, hub *Hub) {
	group := router.Group("/events", guard.RequireAuthenticated())
	group.GET("/ws", func(c *gin.Context) {
		userID, ok := authorization.CurrentUserID(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		if err := hub.Attach(c.Writer, c.Request, userID); err != nil {
			log.Printf("events: websocket upgrade for user %d failed: %v", userID, err)
		}
	})
}

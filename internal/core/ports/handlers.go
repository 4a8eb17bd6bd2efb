package ports

import "github.com/gin-gonic/gin"

type HTTPHandler interface {
	Health(c *gin.Context)
	Ready(c *gin.Context)
	GetRoom(c *gin.Context)
	ListRooms(c *gin.Context)
}

type WebSocketHandler interface {
	HandleWebSocket(c *gin.Context)
}

package ports

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type SessionHTTPHandler interface {
	GetSession(c *gin.Context)
	ListDevices(c *gin.Context)
	Connect(c *gin.Context)
	Send(c *gin.Context)
}

type FileHTTPHandler interface {
	ListFiles(c *gin.Context)
	GetFile(c *gin.Context)
	Upload(c *gin.Context)
	Download(c *gin.Context)
	Discard(c *gin.Context)
}

type SignalingHandler interface {
	HandleWebSocket(w http.ResponseWriter, r *http.Request)
	IssueToken(c *gin.Context)
}

package http

import (
	"net/http"
	"strings"

	"beamdrop/internal/core/domain"
	"beamdrop/internal/core/ports"
	"beamdrop/pkg/errors"
	"beamdrop/pkg/logger"
	"beamdrop/pkg/validation"

	"github.com/gin-gonic/gin"
)

type SessionHandler struct {
	node ports.NodeService
}

func NewSessionHandler(node ports.NodeService) *SessionHandler {
	return &SessionHandler{node: node}
}

func (h *SessionHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1")
	{
		api.GET("/session", h.GetSession)
		api.GET("/devices", h.ListDevices)
		api.POST("/devices/connect", h.Connect)
		api.POST("/devices/:id/send", h.Send)
	}
}

func (h *SessionHandler) GetSession(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"session": h.node.Identity(),
	})
}

func (h *SessionHandler) ListDevices(c *gin.Context) {
	devices, err := h.node.Devices(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	if devices == nil {
		devices = []domain.Device{}
	}

	c.JSON(http.StatusOK, gin.H{
		"devices": devices,
		"count":   len(devices),
	})
}

type ConnectRequest struct {
	PeerID string `json:"peer_id" binding:"required"`
}

// Connect dials a remote node and waits for its handshake.
func (h *SessionHandler) Connect(c *gin.Context) {
	var req ConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	req.PeerID = strings.TrimSpace(req.PeerID)
	if err := validation.ValidatePeerID(req.PeerID); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	peerID := domain.PeerID(req.PeerID)
	c.Request = c.Request.WithContext(logger.WithPeerID(c.Request.Context(), req.PeerID))
	if err := h.node.Connect(c.Request.Context(), peerID); err != nil {
		if isTransportError(err) {
			err = errors.Wrap(err, errors.ErrCodeBadGateway, err.Error()).
				WithContext("retry", true)
		}
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"peer_id":   peerID,
		"connected": true,
	})
}

func (h *SessionHandler) Send(c *gin.Context) {
	deviceID := domain.PeerID(c.Param("id"))
	if err := validation.ValidatePeerID(string(deviceID)); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	c.Request = c.Request.WithContext(logger.WithPeerID(c.Request.Context(), string(deviceID)))
	sending, err := h.node.Send(c.Request.Context(), deviceID)
	if err != nil {
		c.Error(err)
		return
	}
	if sending == nil {
		sending = []domain.TransferFile{}
	}

	c.JSON(http.StatusAccepted, gin.H{
		"device_id": deviceID,
		"files":     sending,
		"count":     len(sending),
	})
}

func isTransportError(err error) bool {
	return errors.Is(err, domain.ErrTransportConnect) || errors.Is(err, domain.ErrHandshakeTimeout)
}

var _ ports.SessionHTTPHandler = (*SessionHandler)(nil)

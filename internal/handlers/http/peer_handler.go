package http

import (
	"context"
	"net/http"

	"peerlink/internal/core/domain"
	apperrors "peerlink/pkg/errors"
	"peerlink/pkg/logger"
	"peerlink/pkg/validation"

	"github.com/gin-gonic/gin"
)

// PeerController is the part of a session the control API drives.
type PeerController interface {
	Local() domain.LocalPeer
	MCUPresent() bool
	Peers() []domain.PeerSnapshot
	Peer(id domain.PeerID) (domain.PeerSnapshot, bool)
	RefreshConnection(ctx context.Context, id domain.PeerID) error
	RemovePeer(id domain.PeerID) error
}

// Messenger writes to the data channels of the session.
type Messenger interface {
	Send(peerID domain.PeerID, data []byte) error
	Broadcast(data []byte) int
}

var peerErrors = []apperrors.Mapping{
	{Target: domain.ErrNoExistingConnection, Code: apperrors.ErrCodeNotFound, HTTPStatus: http.StatusNotFound},
	{Target: domain.ErrDuplicateConnection, Code: apperrors.ErrCodeConflict, HTTPStatus: http.StatusConflict},
	{Target: domain.ErrRestartInProgress, Code: apperrors.ErrCodeConflict, HTTPStatus: http.StatusConflict},
	{Target: domain.ErrRestartAborted, Code: apperrors.ErrCodeConflict, HTTPStatus: http.StatusConflict},
	{Target: domain.ErrRefreshThrottled, Code: apperrors.ErrCodeRateLimit, HTTPStatus: http.StatusTooManyRequests},
	{Target: domain.ErrRestartCooldown, Code: apperrors.ErrCodeRateLimit, HTTPStatus: http.StatusTooManyRequests},
	{Target: domain.ErrUnsupportedTopology, Code: apperrors.ErrCodeUnsupported, HTTPStatus: http.StatusUnprocessableEntity},
	{Target: domain.ErrTransportCreation, Code: apperrors.ErrCodeServiceUnavailable, HTTPStatus: http.StatusServiceUnavailable},
}

type PeerHandler struct {
	session   PeerController
	messenger Messenger
}

// NewPeerHandler serves the control API of session. The message routes are
// registered only when messenger is not nil.
func NewPeerHandler(session PeerController, messenger Messenger) *PeerHandler {
	return &PeerHandler{
		session:   session,
		messenger: messenger,
	}
}

func (h *PeerHandler) SetupRoutes(api *gin.RouterGroup, operator ...gin.HandlerFunc) {
	api.GET("/session", h.GetSession)
	api.GET("/peers", h.ListPeers)
	api.GET("/peers/:id", h.GetPeer)

	ops := api.Group("", operator...)
	{
		ops.POST("/refresh", h.RefreshAll)
		ops.POST("/peers/:id/refresh", h.RefreshPeer)
		ops.DELETE("/peers/:id", h.RemovePeer)
		if h.messenger != nil {
			ops.POST("/messages", h.Broadcast)
			ops.POST("/peers/:id/messages", h.SendMessage)
		}
	}
}

func peerParam(c *gin.Context) (domain.PeerID, bool) {
	id := c.Param("id")
	if err := validation.ValidatePeerID(id); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return "", false
	}
	return domain.PeerID(id), true
}

func (h *PeerHandler) fail(c *gin.Context, err error, peerID domain.PeerID) {
	appErr := apperrors.Translate(err, peerErrors)
	if peerID != "" && appErr.HTTPStatus < http.StatusInternalServerError {
		appErr = apperrors.WrapError(err, appErr.Code, appErr.Message, appErr.HTTPStatus).
			WithContext("peer_id", string(peerID))
	}
	_ = c.Error(appErr)
}

func (h *PeerHandler) GetSession(c *gin.Context) {
	local := h.session.Local()
	c.JSON(http.StatusOK, gin.H{
		"peer_id":     local.ID,
		"room_id":     local.RoomID,
		"agent":       local.Agent,
		"mcu_present": h.session.MCUPresent(),
		"peers":       len(h.session.Peers()),
	})
}

func (h *PeerHandler) ListPeers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"peers": h.session.Peers(),
	})
}

func (h *PeerHandler) GetPeer(c *gin.Context) {
	id, ok := peerParam(c)
	if !ok {
		return
	}
	snap, ok := h.session.Peer(id)
	if !ok {
		_ = c.Error(apperrors.NewNotFoundError("peer").WithContext("peer_id", string(id)))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"peer": snap,
	})
}

func (h *PeerHandler) RefreshPeer(c *gin.Context) {
	id, ok := peerParam(c)
	if !ok {
		return
	}
	ctx := logger.WithPeer(c.Request.Context(), h.session.Local().RoomID, string(id))
	if err := h.session.RefreshConnection(ctx, id); err != nil {
		h.fail(c, err, id)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"status":  "restarting",
		"peer_id": id,
	})
}

func (h *PeerHandler) RefreshAll(c *gin.Context) {
	if err := h.session.RefreshConnection(c.Request.Context(), ""); err != nil {
		h.fail(c, err, "")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"status": "restarting",
	})
}

func (h *PeerHandler) RemovePeer(c *gin.Context) {
	id, ok := peerParam(c)
	if !ok {
		return
	}
	if err := h.session.RemovePeer(id); err != nil {
		h.fail(c, err, id)
		return
	}
	c.Status(http.StatusNoContent)
}

type messageRequest struct {
	Data string `json:"data" binding:"required,max=65536"`
}

func (h *PeerHandler) SendMessage(c *gin.Context) {
	id, ok := peerParam(c)
	if !ok {
		return
	}
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError("invalid request format"))
		return
	}
	if err := h.messenger.Send(id, []byte(req.Data)); err != nil {
		h.fail(c, err, id)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"delivered": 1,
	})
}

func (h *PeerHandler) Broadcast(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError("invalid request format"))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"delivered": h.messenger.Broadcast([]byte(req.Data)),
	})
}

package http

import (
	"net/http"
	"strings"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/services"
	apperrors "peerlink/pkg/errors"
	"peerlink/pkg/validation"

	"github.com/gin-gonic/gin"
)

// TokenHandler mints bearer tokens for peers and dashboards.
type TokenHandler struct {
	authService services.AuthService
	ttl         time.Duration
}

func NewTokenHandler(authService services.AuthService, ttl time.Duration) *TokenHandler {
	return &TokenHandler{
		authService: authService,
		ttl:         ttl,
	}
}

func (h *TokenHandler) SetupRoutes(api *gin.RouterGroup) {
	api.POST("/tokens", h.IssueToken)
}

type TokenRequest struct {
	Subject string      `json:"subject" binding:"required,max=100"`
	Role    domain.Role `json:"role" binding:"required"`
	RoomID  string      `json:"room_id" binding:"max=100"`
}

func (h *TokenHandler) IssueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError("invalid request format"))
		return
	}

	req.Subject = strings.TrimSpace(req.Subject)
	if err := validation.ValidateSubject(req.Subject); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	if !req.Role.Valid() {
		_ = c.Error(apperrors.NewInvalidInputError("unknown role").WithContext("role", string(req.Role)))
		return
	}
	if req.RoomID != "" {
		if err := validation.ValidateRoomID(req.RoomID); err != nil {
			_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
			return
		}
	}

	token, err := h.authService.GenerateToken(req.Subject, req.Role, req.RoomID)
	if err != nil {
		_ = c.Error(apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to generate token", http.StatusInternalServerError))
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"access_token": token,
		"subject":      req.Subject,
		"role":         req.Role,
		"room_id":      req.RoomID,
		"expires_in":   int(h.ttl / time.Second),
	})
}

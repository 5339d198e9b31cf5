package middleware

import (
	"net/http"
	"strings"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/services"
	apperrors "peerlink/pkg/errors"

	"github.com/gin-gonic/gin"
)

const claimsKey = "claims"

// bearerToken extracts the token of an "Authorization: Bearer" header.
func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", false
	}
	return token, true
}

// RoomResolver names the room a request concerns.
type RoomResolver func(c *gin.Context) string

// FixedRoom resolves every request to roomID.
func FixedRoom(roomID string) RoomResolver {
	return func(*gin.Context) string { return roomID }
}

// QueryRoom resolves the room from a query parameter.
func QueryRoom(param string) RoomResolver {
	return func(c *gin.Context) string { return c.Query(param) }
}

// AuthMiddleware admits requests whose bearer token grants at least role.
// A token bound to a room is accepted only for the room resolved by room.
func AuthMiddleware(authService services.AuthService, role domain.Role, room RoomResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			abortWithError(c, apperrors.NewUnauthorizedError("authorization header required"))
			return
		}
		token, ok := bearerToken(header)
		if !ok {
			abortWithError(c, apperrors.NewUnauthorizedError("invalid authorization header format"))
			return
		}

		claims, err := authService.ValidateToken(token)
		if err != nil {
			abortWithError(c, apperrors.WrapError(err, apperrors.ErrCodeUnauthorized, err.Error(), http.StatusUnauthorized))
			return
		}
		if err := claims.Authorize(role, room(c)); err != nil {
			abortWithError(c, apperrors.WrapError(err, apperrors.ErrCodeForbidden, err.Error(), http.StatusForbidden))
			return
		}

		c.Set(claimsKey, claims)
		c.Next()
	}
}

// RequireRole narrows an AuthMiddleware group to a stronger role.
func RequireRole(role domain.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := ClaimsFrom(c)
		if !ok {
			abortWithError(c, apperrors.NewUnauthorizedError("authentication required"))
			return
		}
		if err := claims.Authorize(role, ""); err != nil {
			abortWithError(c, apperrors.WrapError(err, apperrors.ErrCodeForbidden, err.Error(), http.StatusForbidden))
			return
		}
		c.Next()
	}
}

// ClaimsFrom returns the claims stored by AuthMiddleware.
func ClaimsFrom(c *gin.Context) (*services.Claims, bool) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*services.Claims)
	return claims, ok
}

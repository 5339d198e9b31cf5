package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/services"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func authRouter(t *testing.T, auth services.AuthService) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(ErrorHandlerMiddleware(zaptest.NewLogger(t).Sugar()))

	api := router.Group("/api", AuthMiddleware(auth, domain.RoleViewer, FixedRoom("room-1")))
	api.GET("/peers", func(c *gin.Context) {
		claims, ok := ClaimsFrom(c)
		require.True(t, ok)
		c.String(http.StatusOK, claims.Subject)
	})
	api.POST("/refresh", RequireRole(domain.RoleOperator), func(c *gin.Context) {
		c.Status(http.StatusAccepted)
	})

	router.GET("/ws", AuthMiddleware(auth, domain.RolePeer, QueryRoom("rid")), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func request(router http.Handler, method, target, token string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	router.ServeHTTP(w, req)
	return w
}

func mustToken(t *testing.T, auth services.AuthService, subject string, role domain.Role, roomID string) string {
	t.Helper()
	token, err := auth.GenerateToken(subject, role, roomID)
	require.NoError(t, err)
	return token
}

func TestAuthMiddleware(t *testing.T) {
	auth := services.NewAuthService("0123456789abcdef", time.Hour, nil)
	router := authRouter(t, auth)

	viewer := mustToken(t, auth, "dashboard", domain.RoleViewer, "")
	operator := mustToken(t, auth, "oncall", domain.RoleOperator, "room-1")
	elsewhere := mustToken(t, auth, "oncall", domain.RoleOperator, "room-2")
	peer := mustToken(t, auth, "alice", domain.RolePeer, "room-7")

	tests := []struct {
		name   string
		method string
		target string
		token  string
		status int
	}{
		{"missing token", http.MethodGet, "/api/peers", "", http.StatusUnauthorized},
		{"garbage token", http.MethodGet, "/api/peers", "garbage", http.StatusUnauthorized},
		{"viewer may list", http.MethodGet, "/api/peers", viewer, http.StatusOK},
		{"viewer may not refresh", http.MethodPost, "/api/refresh", viewer, http.StatusForbidden},
		{"operator may refresh", http.MethodPost, "/api/refresh", operator, http.StatusAccepted},
		{"token bound to another room", http.MethodGet, "/api/peers", elsewhere, http.StatusForbidden},
		{"peer joins its room", http.MethodGet, "/ws?rid=room-7", peer, http.StatusOK},
		{"peer joins another room", http.MethodGet, "/ws?rid=room-8", peer, http.StatusForbidden},
		{"viewer cannot join", http.MethodGet, "/ws?rid=room-7", viewer, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := request(router, tt.method, tt.target, tt.token)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

func TestAuthMiddleware_MalformedHeader(t *testing.T) {
	auth := services.NewAuthService("0123456789abcdef", time.Hour, nil)
	router := authRouter(t, auth)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/peers", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "invalid authorization header format")
}

func TestAuthMiddleware_ReportsSubject(t *testing.T) {
	auth := services.NewAuthService("0123456789abcdef", time.Hour, nil)
	router := authRouter(t, auth)

	w := request(router, http.MethodGet, "/api/peers", mustToken(t, auth, "dashboard", domain.RoleViewer, ""))
	assert.Equal(t, "dashboard", w.Body.String())
}

package services

import (
	"testing"
	"time"

	"peerlink/internal/core/domain"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthService_RoundTrip(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	svc := NewAuthService("secret", time.Hour, clk)

	token, err := svc.GenerateToken("alice", domain.RolePeer, "room-1")
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, domain.RolePeer, claims.Role)
	assert.Equal(t, "room-1", claims.RoomID)
}

func TestAuthService_Expired(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	svc := NewAuthService("secret", time.Minute, clk)

	token, err := svc.GenerateToken("alice", domain.RoleViewer, "")
	require.NoError(t, err)

	clk.Add(2 * time.Minute)
	_, err = svc.ValidateToken(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestAuthService_Rejects(t *testing.T) {
	svc := NewAuthService("secret", time.Hour, nil)
	other := NewAuthService("other-secret", time.Hour, nil)

	foreign, err := other.GenerateToken("mallory", domain.RoleOperator, "")
	require.NoError(t, err)

	_, err = svc.ValidateToken(foreign)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = svc.ValidateToken("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = svc.GenerateToken("alice", domain.Role("admin"), "")
	assert.Error(t, err)
}

func TestClaims_Authorize(t *testing.T) {
	tests := []struct {
		name    string
		claims  Claims
		role    domain.Role
		roomID  string
		allowed bool
	}{
		{"operator covers peer", Claims{Role: domain.RoleOperator}, domain.RolePeer, "room-1", true},
		{"viewer cannot operate", Claims{Role: domain.RoleViewer}, domain.RoleOperator, "", false},
		{"room-bound peer in its room", Claims{Role: domain.RolePeer, RoomID: "room-1"}, domain.RolePeer, "room-1", true},
		{"room-bound peer elsewhere", Claims{Role: domain.RolePeer, RoomID: "room-1"}, domain.RolePeer, "room-2", false},
		{"unbound peer anywhere", Claims{Role: domain.RolePeer}, domain.RolePeer, "room-2", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.claims.Authorize(tt.role, tt.roomID)
			if tt.allowed {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrForbidden)
			}
		})
	}
}

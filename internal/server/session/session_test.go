package session

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/dockeeper/internal/models"
	"github.com/iudanet/dockeeper/internal/server/storage"
)

func TestManager_IssueValidate(t *testing.T) {
	m := NewManager("0123456789abcdef", time.Hour)

	tests := []struct {
		name string
		user *models.User
	}{
		{name: "regular user", user: &models.User{ID: "u1", Username: "alice"}},
		{name: "admin", user: &models.User{ID: "u2", Username: "root", Admin: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sid, expires, err := m.Issue(tt.user)
			require.NoError(t, err)
			assert.WithinDuration(t, time.Now().Add(time.Hour), expires, time.Minute)

			p, err := m.Validate(sid)
			require.NoError(t, err)
			assert.Equal(t, tt.user.Username, p.Name)
			assert.Equal(t, tt.user.Admin, p.Admin)
		})
	}
}

func TestManager_Rejects(t *testing.T) {
	m := NewManager("0123456789abcdef", time.Hour)
	other := NewManager("fedcba9876543210", time.Hour)
	expired := NewManager("0123456789abcdef", -time.Minute)

	foreign, _, err := other.Issue(&models.User{Username: "alice"})
	require.NoError(t, err)
	old, _, err := expired.Issue(&models.User{Username: "alice"})
	require.NoError(t, err)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Username: "alice"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, sid := range map[string]string{
		"garbage":      "not-a-token",
		"empty":        "",
		"other secret": foreign,
		"expired":      old,
		"alg none":     unsigned,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := m.Validate(sid)
			assert.ErrorIs(t, err, storage.ErrUnauthorized)
		})
	}
}

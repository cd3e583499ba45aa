package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/dockeeper/internal/models"
	"github.com/iudanet/dockeeper/internal/server/storage"
)

func TestUserStorage_CreateUser(t *testing.T) {
	ctx := context.Background()
	s, cleanup := setupTestStorage(t)
	defer cleanup()

	tests := []struct {
		wantError error
		user      *models.User
		name      string
	}{
		{
			name: "create new user successfully",
			user: &models.User{
				ID:           uuid.New().String(),
				Username:     "testuser1",
				PasswordHash: "hash123",
				Salt:         "salt123",
				CreatedAt:    time.Now(),
			},
		},
		{
			name: "create admin with last login",
			user: &models.User{
				ID:           uuid.New().String(),
				Username:     "testadmin",
				PasswordHash: "hash456",
				Salt:         "salt456",
				Admin:        true,
				CreatedAt:    time.Now(),
				LastLogin:    timePtr(time.Now()),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.CreateUser(ctx, tt.user)
			if tt.wantError != nil {
				assert.ErrorIs(t, err, tt.wantError)
				return
			}
			require.NoError(t, err)

			retrieved, err := s.GetUserByUsername(ctx, tt.user.Username)
			require.NoError(t, err)
			assert.Equal(t, tt.user.ID, retrieved.ID)
			assert.Equal(t, tt.user.PasswordHash, retrieved.PasswordHash)
			assert.Equal(t, tt.user.Salt, retrieved.Salt)
			assert.Equal(t, tt.user.Admin, retrieved.Admin)
			assert.Equal(t, tt.user.LastLogin != nil, retrieved.LastLogin != nil)
		})
	}
}

func TestUserStorage_CreateUser_DuplicateUsername(t *testing.T) {
	ctx := context.Background()
	s, cleanup := setupTestStorage(t)
	defer cleanup()

	user1 := &models.User{
		ID:           uuid.New().String(),
		Username:     "duplicate",
		PasswordHash: "hash1",
		Salt:         "salt1",
		CreatedAt:    time.Now(),
	}
	require.NoError(t, s.CreateUser(ctx, user1))

	user2 := &models.User{
		ID:           uuid.New().String(),
		Username:     "duplicate",
		PasswordHash: "hash2",
		Salt:         "salt2",
		CreatedAt:    time.Now(),
	}
	err := s.CreateUser(ctx, user2)
	assert.ErrorIs(t, err, storage.ErrUserAlreadyExists)
}

func TestUserStorage_GetUserByUsername_NotFound(t *testing.T) {
	s, cleanup := setupTestStorage(t)
	defer cleanup()

	retrieved, err := s.GetUserByUsername(context.Background(), "notfound")
	assert.ErrorIs(t, err, storage.ErrUserNotFound)
	assert.Nil(t, retrieved)
}

func TestUserStorage_UpdateUser(t *testing.T) {
	ctx := context.Background()
	s, cleanup := setupTestStorage(t)
	defer cleanup()

	user := &models.User{
		ID:           uuid.New().String(),
		Username:     "original",
		PasswordHash: "hash1",
		Salt:         "salt1",
		CreatedAt:    time.Now(),
	}
	require.NoError(t, s.CreateUser(ctx, user))

	tests := []struct {
		wantError error
		updates   *models.User
		name      string
	}{
		{
			name: "change password and grant admin",
			updates: &models.User{
				Username:     "original",
				PasswordHash: "newhash",
				Salt:         "newsalt",
				Admin:        true,
			},
		},
		{
			name: "update non-existent user",
			updates: &models.User{
				Username:     "ghost",
				PasswordHash: "bar",
				Salt:         "baz",
			},
			wantError: storage.ErrUserNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.UpdateUser(ctx, tt.updates)
			if tt.wantError != nil {
				assert.ErrorIs(t, err, tt.wantError)
				return
			}
			require.NoError(t, err)

			retrieved, err := s.GetUserByUsername(ctx, tt.updates.Username)
			require.NoError(t, err)
			assert.Equal(t, tt.updates.PasswordHash, retrieved.PasswordHash)
			assert.Equal(t, tt.updates.Salt, retrieved.Salt)
			assert.True(t, retrieved.Admin)
		})
	}
}

func TestUserStorage_DeleteUser(t *testing.T) {
	ctx := context.Background()
	s, cleanup := setupTestStorage(t)
	defer cleanup()

	user := &models.User{
		ID:           uuid.New().String(),
		Username:     "todelete",
		PasswordHash: "hash123",
		Salt:         "salt123",
		CreatedAt:    time.Now(),
	}
	require.NoError(t, s.CreateUser(ctx, user))

	require.NoError(t, s.DeleteUser(ctx, "todelete"))

	_, err := s.GetUserByUsername(ctx, "todelete")
	assert.ErrorIs(t, err, storage.ErrUserNotFound)

	err = s.DeleteUser(ctx, "todelete")
	assert.ErrorIs(t, err, storage.ErrUserNotFound)
}

func TestUserStorage_UpdateLastLogin(t *testing.T) {
	ctx := context.Background()
	s, cleanup := setupTestStorage(t)
	defer cleanup()

	userID := uuid.New().String()
	user := &models.User{
		ID:           userID,
		Username:     "logintest",
		PasswordHash: "hash123",
		Salt:         "salt123",
		CreatedAt:    time.Now(),
	}
	require.NoError(t, s.CreateUser(ctx, user))

	tests := []struct {
		loginTime time.Time
		wantError error
		name      string
		userID    string
	}{
		{
			name:      "update last login for existing user",
			userID:    userID,
			loginTime: time.Now(),
		},
		{
			name:      "update last login for non-existent user",
			userID:    "nonexistent",
			loginTime: time.Now(),
			wantError: storage.ErrUserNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.UpdateLastLogin(ctx, tt.userID, tt.loginTime)
			if tt.wantError != nil {
				assert.ErrorIs(t, err, tt.wantError)
				return
			}
			require.NoError(t, err)

			retrieved, err := s.GetUserByUsername(ctx, "logintest")
			require.NoError(t, err)
			require.NotNil(t, retrieved.LastLogin)
			// Compare times with 1 second tolerance
			assert.WithinDuration(t, tt.loginTime, *retrieved.LastLogin, time.Second)
		})
	}
}

// Helper function
func timePtr(t time.Time) *time.Time {
	return &t
}

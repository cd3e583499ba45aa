package crypto

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSalt(t *testing.T) {
	salt1, err := GenerateSalt()
	require.NoError(t, err)
	assert.Len(t, salt1, SaltSize, "salt должен быть %d bytes", SaltSize)

	salt2, err := GenerateSalt()
	require.NoError(t, err)
	assert.NotEqual(t, salt1, salt2)
}

func TestGenerateSaltBase64(t *testing.T) {
	saltBase64, err := GenerateSaltBase64()
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(saltBase64)
	require.NoError(t, err)
	assert.Len(t, raw, SaltSize)
}

func TestHashPassword(t *testing.T) {
	salt, err := GenerateSaltBase64()
	require.NoError(t, err)

	tests := []struct {
		name     string
		password string
		salt     string
		errMsg   string
		wantErr  bool
	}{
		{
			name:     "valid password",
			password: "correct horse battery",
			salt:     salt,
		},
		{
			name:     "empty password",
			password: "",
			salt:     salt,
			wantErr:  true,
			errMsg:   "password cannot be empty",
		},
		{
			name:     "short salt",
			password: "correct horse battery",
			salt:     base64.StdEncoding.EncodeToString([]byte("short")),
			wantErr:  true,
			errMsg:   "salt must be",
		},
		{
			name:     "broken base64",
			password: "correct horse battery",
			salt:     "%%%",
			wantErr:  true,
			errMsg:   "failed to decode salt",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hash, err := HashPassword(tt.password, tt.salt)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, hash)

			// Детерминированность
			again, err := HashPassword(tt.password, tt.salt)
			require.NoError(t, err)
			assert.Equal(t, hash, again)
		})
	}
}

func TestVerifyPassword(t *testing.T) {
	salt, err := GenerateSaltBase64()
	require.NoError(t, err)

	hash, err := HashPassword("correct horse battery", salt)
	require.NoError(t, err)

	assert.NoError(t, VerifyPassword("correct horse battery", salt, hash))
	assert.Error(t, VerifyPassword("wrong password", salt, hash))
	assert.Error(t, VerifyPassword("correct horse battery", salt, ""))
}

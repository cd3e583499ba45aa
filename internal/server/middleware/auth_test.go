package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/dockeeper/pkg/protocol"
)

// setupTestLogger creates a logger for testing
func setupTestLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: slog.LevelError,
	}
	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler)
}

// staticVerifier accepts one (domain, hash) pair
type staticVerifier struct {
	domain string
	hash   string
}

func (v staticVerifier) VerifyPeer(domain, hash string) error {
	if domain != v.domain || hash != v.hash {
		return errors.New("unauthorized")
	}
	return nil
}

// testHandler is a simple handler that checks the peer domain in context
func testHandler(t *testing.T, expectedDomain string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		domain, ok := PeerDomain(r.Context())
		require.True(t, ok, "peer domain should be in context")
		assert.Equal(t, expectedDomain, domain)

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}
}

func TestPeerAuthMiddleware_Success(t *testing.T) {
	logger := setupTestLogger()
	verifier := staticVerifier{domain: "beta.example", hash: "good-hash"}

	handler := PeerAuthMiddleware(verifier, logger)(testHandler(t, "beta.example"))

	req := httptest.NewRequest(http.MethodGet, protocol.EventsPath, nil)
	req.Header.Set(protocol.HeaderDomain, "beta.example")
	req.Header.Set(protocol.HeaderAuth, "good-hash")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
}

func TestPeerAuthMiddleware_Rejects(t *testing.T) {
	var logBuf strings.Builder
	logger := slog.New(slog.NewTextHandler(&logBuf, nil))
	verifier := staticVerifier{domain: "beta.example", hash: "good-hash"}

	tests := []struct {
		name   string
		domain string
		hash   string
	}{
		{name: "missing headers"},
		{name: "missing hash", domain: "beta.example"},
		{name: "missing domain", hash: "good-hash"},
		{name: "wrong hash", domain: "beta.example", hash: "bad-hash"},
		{name: "unknown domain", domain: "gamma.example", hash: "good-hash"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			handler := PeerAuthMiddleware(verifier, logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
			}))

			req := httptest.NewRequest(http.MethodGet, protocol.EventsPath, nil)
			if tt.domain != "" {
				req.Header.Set(protocol.HeaderDomain, tt.domain)
			}
			if tt.hash != "" {
				req.Header.Set(protocol.HeaderAuth, tt.hash)
			}
			w := httptest.NewRecorder()

			handler.ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.False(t, called, "next handler must not run")
		})
	}

	assert.NotContains(t, logBuf.String(), "bad-hash", "pass-phrase hashes must not be logged")
}

func TestPeerDomain_Missing(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, ok := PeerDomain(req.Context())
	assert.False(t, ok)
}

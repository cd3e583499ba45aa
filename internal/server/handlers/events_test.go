package handlers

import (
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/dockeeper/internal/crypto"
	"github.com/iudanet/dockeeper/internal/models"
	"github.com/iudanet/dockeeper/pkg/protocol"
)

func (ts *testServer) dialEvents(t *testing.T, domain, passPhrase, since string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + protocol.EventsPath
	if since != "" {
		u += "?" + url.Values{"since": {since}}.Encode()
	}

	header := http.Header{}
	if domain != "" {
		header.Set(protocol.HeaderDomain, domain)
		header.Set(protocol.HeaderAuth, crypto.PassPhraseHash(nodeDomain, passPhrase))
	}
	return websocket.DefaultDialer.Dial(u, header)
}

func readEvent(t *testing.T, conn *websocket.Conn) models.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev models.Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestEvents_Stream(t *testing.T) {
	ts := setupTestServer(t)

	before := ts.appendEvent(t, newEvent(models.EventUpdate, "doc-1", "alice", 0))

	conn, resp, err := ts.dialEvents(t, peerDomain, nodePassPhrase, "")
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	// история отдается сразу после подключения
	got := readEvent(t, conn)
	assert.Equal(t, before.ID, got.ID)
	assert.Equal(t, "doc-1", got.DocID)

	// новые события приходят без повторного подключения
	live := ts.appendEvent(t, newEvent(models.EventDelete, "doc-2", "bob", 0))
	got = readEvent(t, conn)
	assert.Equal(t, live.ID, got.ID)
	assert.Equal(t, models.EventDelete, got.Type)
}

func TestEvents_ResumeAfterCursor(t *testing.T) {
	ts := setupTestServer(t)

	first := ts.appendEvent(t, newEvent(models.EventUpdate, "doc-1", "alice", 0))
	second := ts.appendEvent(t, newEvent(models.EventUpdate, "doc-1", "alice", 1))

	conn, _, err := ts.dialEvents(t, peerDomain, nodePassPhrase, first.ID)
	require.NoError(t, err)
	defer conn.Close()

	got := readEvent(t, conn)
	assert.Equal(t, second.ID, got.ID)
	assert.Equal(t, 1, got.Version)
}

func TestEvents_RejectsUnauthenticated(t *testing.T) {
	ts := setupTestServer(t)

	tests := []struct {
		name       string
		domain     string
		passPhrase string
	}{
		{name: "no headers"},
		{name: "wrong pass phrase", domain: peerDomain, passPhrase: "guess"},
		{name: "unknown domain", domain: "gamma.example", passPhrase: nodePassPhrase},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, resp, err := ts.dialEvents(t, tt.domain, tt.passPhrase, "")
			if conn != nil {
				conn.Close()
			}
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.NotNil(t, resp)
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		})
	}
}

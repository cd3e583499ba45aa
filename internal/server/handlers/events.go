package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iudanet/dockeeper/internal/models"
	"github.com/iudanet/dockeeper/internal/server/middleware"
)

// Event stream tuning
const (
	DefaultPingPeriod = 30 * time.Second
	eventWriteWait    = 10 * time.Second
	eventBatch        = 256
)

// EventSource is the persistent event history streamed to peers
type EventSource interface {
	Changed() <-chan struct{}
	Since(after string, limit int) ([]models.Event, error)
}

// EventsHandler streams publishable events to a paired node over a websocket.
// It runs behind PeerAuthMiddleware; the stream resumes after the ?since event id.
type EventsHandler struct {
	source     EventSource
	upgrader   websocket.Upgrader
	logger     *slog.Logger
	pingPeriod time.Duration
}

// NewEventsHandler создает handler потока событий
func NewEventsHandler(source EventSource, logger *slog.Logger) *EventsHandler {
	return &EventsHandler{
		source:     source,
		upgrader:   websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 4096},
		logger:     logger,
		pingPeriod: DefaultPingPeriod,
	}
}

// ServeHTTP обрабатывает GET /api/v1/replication/events
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	peer, ok := middleware.PeerDomain(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	since := r.URL.Query().Get("since")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade уже ответил клиенту
		h.logger.WarnContext(r.Context(), "websocket upgrade failed", "peer", peer, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// входящие кадры не ожидаются; чтение нужно для close и pong
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	h.logger.InfoContext(ctx, "peer subscribed to events", "peer", peer, "since", since)
	sent, err := h.stream(ctx, conn, since)
	h.logger.InfoContext(ctx, "peer event stream closed", "peer", peer, "sent", sent, "reason", err)
}

// stream sends events after since until the connection or the log goes away
func (h *EventsHandler) stream(ctx context.Context, conn *websocket.Conn, since string) (int, error) {
	ticker := time.NewTicker(h.pingPeriod)
	defer ticker.Stop()

	sent := 0
	for {
		// канал берется до чтения, чтобы не пропустить Append между ними
		changed := h.source.Changed()

		evs, err := h.source.Since(since, eventBatch)
		if err != nil {
			return sent, err
		}
		for _, ev := range evs {
			if err := conn.SetWriteDeadline(time.Now().Add(eventWriteWait)); err != nil {
				return sent, err
			}
			if err := conn.WriteJSON(ev); err != nil {
				return sent, err
			}
			since = ev.ID
			sent++
		}
		if len(evs) == eventBatch {
			continue
		}

		select {
		case <-changed:
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventWriteWait)); err != nil {
				return sent, err
			}
		case <-ctx.Done():
			return sent, ctx.Err()
		}
	}
}

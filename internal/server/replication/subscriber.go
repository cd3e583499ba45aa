package replication

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iudanet/dockeeper/internal/models"
	"github.com/iudanet/dockeeper/internal/server/storage"
)

const (
	reconnectMin = time.Second
	reconnectMax = 30 * time.Second
)

// Follow keeps a live subscription to the event stream of r until ctx is done.
// The id of the last handled event is stored per remote, so a restart resumes
// where the previous connection stopped. An event whose handling failed for a
// transient reason is read again after reconnecting.
func (e *Engine) Follow(ctx context.Context, r *Remote) error {
	backoff := reconnectMin

	for {
		started := time.Now()
		err := e.follow(ctx, r)
		if ctx.Err() != nil {
			return nil
		}

		if time.Since(started) > reconnectMax {
			backoff = reconnectMin
		}
		e.logger.Warn("event stream disconnected", "remote", r.Domain(), "error", err, "retry_in", backoff)

		if err := e.sleep(ctx, backoff); err != nil {
			return nil
		}
		backoff = min(backoff*2, reconnectMax)
	}
}

func (e *Engine) follow(ctx context.Context, r *Remote) error {
	cursor, err := e.log.Cursor(r.Domain())
	if err != nil {
		return err
	}

	u, err := r.eventsURL(cursor)
	if err != nil {
		return err
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u, r.streamHeader())
	if err != nil {
		if resp != nil {
			return fmt.Errorf("failed to connect to %s: status %d: %w", r.Domain(), resp.StatusCode, err)
		}
		return fmt.Errorf("failed to connect to %s: %w", r.Domain(), err)
	}
	defer conn.Close()

	e.logger.Info("following remote events", "remote", r.Domain(), "since", cursor)

	// закрываем соединение при отмене, чтобы прервать ReadJSON
	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	})
	defer stop()

	for {
		var ev models.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}

		if err := e.HandleRemoteEvent(ctx, r.Domain(), ev); err != nil {
			if !rejected(err) {
				// курсор остается на месте: событие придет снова после переподключения
				return fmt.Errorf("failed to handle event %s: %w", ev.ID, err)
			}
			e.logger.Error("remote event rejected", "remote", r.Domain(), "id", ev.ID, "doc_id", ev.DocID, "error", err)
		}

		if err := e.log.SetCursor(r.Domain(), ev.ID); err != nil {
			return err
		}
	}
}

// rejected reports errors that repeating the event cannot fix
func rejected(err error) bool {
	return errors.Is(err, ErrUnknownRemote) ||
		errors.Is(err, storage.ErrLocked) ||
		errors.Is(err, storage.ErrConflict) ||
		errors.Is(err, storage.ErrUnauthorized)
}

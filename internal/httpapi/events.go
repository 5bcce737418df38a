package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"pkt.systems/pkgd/internal/notify"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Only local socket clients reach the daemon; there is no browser origin
	// to check.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleEvents streams completion events. The subscription is taken before
// the upgrade so no event published after a successful handshake is missed.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) error {
	if h.hub == nil {
		return httpError{Status: http.StatusServiceUnavailable, Code: "events_unavailable"}
	}
	sub, err := h.hub.Subscribe(h.eventBuffer)
	if err != nil {
		if errors.Is(err, notify.ErrClosed) {
			return httpError{Status: http.StatusServiceUnavailable, Code: "shutting_down", Detail: "pkgd is shutting down"}
		}
		return err
	}
	defer sub.Close()

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return nil
	}
	defer ws.Close()
	logger := h.loggerFor(r)
	logger.Info("events.subscriber.connected")

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				reason := "hub closed"
				if sub.Evicted() {
					reason = "subscriber too slow"
				}
				logger.Info("events.subscriber.closed", "reason", reason)
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, reason),
					time.Now().Add(wsWriteWait))
				return nil
			}
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteJSON(ev); err != nil {
				logger.Debug("events.subscriber.write_failed", "error", err)
				return nil
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return nil
			}
		case <-gone:
			logger.Info("events.subscriber.disconnected")
			return nil
		case <-r.Context().Done():
			return nil
		}
	}
}

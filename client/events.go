package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"pkt.systems/pkgd/api"
)

// ErrStreamClosed is returned by Await when the event stream ends first.
var ErrStreamClosed = errors.New("pkgd: event stream closed")

// Events opens the completion event stream. The channel closes when ctx
// ends, the daemon shuts down, or the connection fails. Only events
// published after Events returns are delivered.
func (c *Client) Events(ctx context.Context) (<-chan api.CommandFinished, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	target := "ws" + strings.TrimPrefix(c.base, "http") + "/v1/events"
	if c.socket != "" {
		dialer.NetDialContext = unixDialer(c.socket)
		target = "ws://unix/v1/events"
	}
	conn, resp, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			defer resp.Body.Close()
			return nil, decodeError(resp)
		}
		return nil, fmt.Errorf("pkgd: open event stream: %w", err)
	}
	out := make(chan api.CommandFinished)
	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	})
	go func() {
		defer close(out)
		defer stop()
		defer conn.Close()
		for {
			var ev api.CommandFinished
			if err := conn.ReadJSON(&ev); err != nil {
				if ctx.Err() == nil {
					c.logger.Debug("client.events.closed", "error", err)
				}
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Await returns the first event on events carrying id.
func Await(ctx context.Context, events <-chan api.CommandFinished, id string) (api.CommandFinished, error) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if err := ctx.Err(); err != nil {
					return api.CommandFinished{}, err
				}
				return api.CommandFinished{}, ErrStreamClosed
			}
			if ev.ID == id {
				return ev, nil
			}
		case <-ctx.Done():
			return api.CommandFinished{}, ctx.Err()
		}
	}
}

// SubmitAndWait subscribes to events, runs submit and waits for the event
// matching the returned correlation id. Subscribing first guarantees the
// event cannot be missed. A rejected submission returns its error without
// waiting.
func (c *Client) SubmitAndWait(ctx context.Context, submit func(context.Context) (string, error)) (api.CommandFinished, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	events, err := c.Events(streamCtx)
	if err != nil {
		return api.CommandFinished{}, err
	}
	id, err := submit(ctx)
	if err != nil {
		return api.CommandFinished{}, err
	}
	if id == "" {
		return api.CommandFinished{}, errors.New("pkgd: submission returned no correlation id")
	}
	return Await(ctx, events, id)
}

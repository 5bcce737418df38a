// Package notify broadcasts command completion events to every listener
// registered at the time the event is published.
//
// Delivery is fire-and-forget: there is no replay for late subscribers, and
// a subscriber that cannot keep up is evicted rather than allowed to stall
// the worker.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"pkt.systems/pkgd/api"
	"pkt.systems/pkgd/internal/command"
	"pkt.systems/pkgd/internal/logutil"
	"pkt.systems/pslog"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

// sinkTimeout bounds one external sink publish.
const sinkTimeout = 2 * time.Second

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("notify: hub closed")

// Sink forwards events outside the process.
type Sink interface {
	Name() string
	Publish(ctx context.Context, ev api.CommandFinished) error
	Close() error
}

// Hub fans events out to subscribers and sinks.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool

	sinks  []Sink
	logger pslog.Logger
	m      *hubMetrics
}

// NewHub returns a Hub forwarding to sinks.
func NewHub(logger pslog.Logger, sinks ...Sink) *Hub {
	h := &Hub{
		subs:   make(map[*Subscription]struct{}),
		sinks:  sinks,
		logger: logutil.WithSubsystem(logger, "notify"),
	}
	h.m = newHubMetrics(h.logger, h)
	return h
}

// Subscription receives events published after it was created.
type Subscription struct {
	hub     *Hub
	ch      chan api.CommandFinished
	once    sync.Once
	evicted bool
}

// C returns the event channel. It is closed on Close or eviction.
func (s *Subscription) C() <-chan api.CommandFinished { return s.ch }

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.hub.remove(s, false)
}

// Evicted reports whether the hub dropped the subscription for falling
// behind.
func (s *Subscription) Evicted() bool {
	s.hub.mu.RLock()
	defer s.hub.mu.RUnlock()
	return s.evicted
}

// Subscribe registers a listener with the given buffer; buffer <= 0 uses
// DefaultBuffer.
func (h *Hub) Subscribe(buffer int) (*Subscription, error) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	s := &Subscription{hub: h, ch: make(chan api.CommandFinished, buffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	h.subs[s] = struct{}{}
	h.logger.Debug("notify.subscribe", "subscribers", len(h.subs))
	return s, nil
}

// Subscribers reports the number of registered subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish delivers ev to every current subscriber without blocking, then
// forwards it to each sink. Sink failures are logged and otherwise ignored.
func (h *Hub) Publish(ctx context.Context, ev command.CompletionEvent) {
	msg := Encode(ev)

	var slow []*Subscription
	h.mu.RLock()
	delivered := 0
	for s := range h.subs {
		select {
		case s.ch <- msg:
			delivered++
		default:
			slow = append(slow, s)
		}
	}
	h.mu.RUnlock()
	for _, s := range slow {
		h.remove(s, true)
	}
	h.m.published(delivered, len(slow))
	h.logger.Debug("notify.publish", "id", msg.ID, "delivered", delivered, "evicted", len(slow))

	for _, sink := range h.sinks {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
		if err := sink.Publish(sctx, msg); err != nil {
			h.logger.Warn("notify.sink.publish_failed", "sink", sink.Name(), "id", msg.ID, "error", err)
		}
		cancel()
	}
}

func (h *Hub) remove(s *Subscription, evicted bool) {
	h.mu.Lock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		s.evicted = evicted
	}
	h.mu.Unlock()
	s.once.Do(func() { close(s.ch) })
	if evicted {
		h.logger.Warn("notify.subscriber.evicted", "buffer", cap(s.ch))
	}
}

// Close closes every subscription and sink. Publish after Close still
// reaches nobody.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	subs := make([]*Subscription, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.subs = make(map[*Subscription]struct{})
	h.mu.Unlock()

	for _, s := range subs {
		s.once.Do(func() { close(s.ch) })
	}
	var errs []error
	for _, sink := range h.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Encode converts an event to its wire form.
func Encode(ev command.CompletionEvent) api.CommandFinished {
	out := api.CommandFinished{
		ID:                  ev.ID,
		Kind:                string(ev.Kind),
		Packages:            append([]string{}, ev.Packages...),
		Outcome:             string(ev.Outcome),
		Error:               ev.Error,
		FinishedAtUnixMilli: ev.FinishedAt.UnixMilli(),
	}
	if !ev.StartedAt.IsZero() {
		out.StartedAtUnixMilli = ev.StartedAt.UnixMilli()
	}
	return out
}

package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"pkt.systems/pkgd/api"
	"pkt.systems/pkgd/internal/logutil"
	"pkt.systems/pslog"
)

// DefaultNATSSubject is the subject completion events are published on.
const DefaultNATSSubject = "pkgd.command.finished"

var errNilNATS = errors.New("notify: nats sink not connected")

// NATSSink publishes events as JSON on a NATS subject.
type NATSSink struct {
	nc      *nats.Conn
	subject string
}

// DialNATS connects to url and returns a sink publishing on subject.
func DialNATS(url, subject string, logger pslog.Logger) (*NATSSink, error) {
	if strings.TrimSpace(subject) == "" {
		subject = DefaultNATSSubject
	}
	logger = logutil.WithSubsystem(logger, "notify.nats")
	nc, err := nats.Connect(url,
		nats.Name("pkgd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("notify.nats.disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("notify.nats.reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Info("notify.nats.closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("notify: connect nats %s: %w", url, err)
	}
	logger.Info("notify.nats.connected", "url", nc.ConnectedUrl(), "subject", subject)
	return &NATSSink{nc: nc, subject: subject}, nil
}

// Name implements Sink.
func (s *NATSSink) Name() string { return "nats" }

// Publish implements Sink.
func (s *NATSSink) Publish(_ context.Context, ev api.CommandFinished) error {
	if s == nil || s.nc == nil {
		return errNilNATS
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: encode event: %w", err)
	}
	return s.nc.Publish(s.subject, data)
}

// Close flushes pending messages and closes the connection.
func (s *NATSSink) Close() error {
	if s == nil || s.nc == nil {
		return nil
	}
	err := s.nc.FlushTimeout(sinkTimeout)
	s.nc.Close()
	if errors.Is(err, nats.ErrConnectionClosed) {
		return nil
	}
	return err
}

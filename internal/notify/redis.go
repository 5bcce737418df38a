package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"pkt.systems/pkgd/api"
	"pkt.systems/pkgd/internal/logutil"
	"pkt.systems/pslog"
)

// DefaultRedisChannel is the pub/sub channel completion events go to.
const DefaultRedisChannel = "pkgd:command:finished"

// RedisSink publishes events as JSON on a Redis pub/sub channel.
type RedisSink struct {
	client  *redis.Client
	channel string
}

// DialRedis parses url (redis:// or rediss://), pings the server and
// returns a sink publishing on channel.
func DialRedis(ctx context.Context, url, channel string, logger pslog.Logger) (*RedisSink, error) {
	if strings.TrimSpace(channel) == "" {
		channel = DefaultRedisChannel
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("notify: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("notify: ping redis %s: %w", opts.Addr, err)
	}
	logutil.WithSubsystem(logger, "notify.redis").Info("notify.redis.connected", "addr", opts.Addr, "channel", channel)
	return &RedisSink{client: client, channel: channel}, nil
}

// Name implements Sink.
func (s *RedisSink) Name() string { return "redis" }

// Publish implements Sink.
func (s *RedisSink) Publish(ctx context.Context, ev api.CommandFinished) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: encode event: %w", err)
	}
	return s.client.Publish(ctx, s.channel, data).Err()
}

// Close closes the client.
func (s *RedisSink) Close() error {
	return s.client.Close()
}

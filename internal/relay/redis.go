// Package relay forwards published messages between pulseboard instances
// over Redis Pub/Sub so that a subscriber connected to one instance receives
// data published on another.
//
// Delivery is best-effort: Redis Pub/Sub keeps no backlog, and a relay that
// cannot keep up drops messages rather than stalling the hub.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pulseboard/pulseboard/internal/realtime"
)

const (
	channelPrefix  = "pulseboard:stream:"
	channelPattern = channelPrefix + "*"

	// receiveBuffer is the go-redis channel size. Messages beyond it are
	// dropped after sendTimeout.
	receiveBuffer = 1024
	sendTimeout   = time.Second
)

// envelope is the JSON document carried on a stream channel.
type envelope struct {
	Origin    string          `json:"origin"`
	StreamID  string          `json:"stream_id"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

func streamChannel(id realtime.StreamID) string {
	return channelPrefix + string(id)
}

func encode(msg *realtime.Message) ([]byte, error) {
	data, err := json.Marshal(envelope{
		Origin:    msg.Origin,
		StreamID:  string(msg.StreamID),
		Payload:   msg.Payload,
		Timestamp: msg.Timestamp.UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("relay: encode: %w", err)
	}
	return data, nil
}

// decode parses a channel payload. The stream ID in the body must match the
// channel it arrived on.
func decode(channel, body string) (*realtime.Message, error) {
	var env envelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return nil, fmt.Errorf("relay: decode: %w", err)
	}
	if id, ok := streamFromChannel(channel); !ok || string(id) != env.StreamID {
		return nil, fmt.Errorf("relay: stream %q does not match channel %q", env.StreamID, channel)
	}
	if env.Origin == "" {
		return nil, errors.New("relay: message without origin")
	}
	return &realtime.Message{
		StreamID:  realtime.StreamID(env.StreamID),
		Payload:   env.Payload,
		Timestamp: time.UnixMilli(env.Timestamp),
		Origin:    env.Origin,
	}, nil
}

// Deliverer receives messages that originated on another instance.
// *realtime.Hub implements it.
type Deliverer interface {
	DeliverLocal(msg *realtime.Message) int
	InstanceID() string
}

// Redis is a realtime.Relay backed by Redis Pub/Sub.
type Redis struct {
	rdb    *goredis.Client
	logger *zap.Logger
}

var _ realtime.Relay = (*Redis)(nil)

// NewRedis creates a relay from a URL such as "redis://localhost:6379/0".
func NewRedis(redisURL string, logger *zap.Logger) (*Redis, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("relay: failed to parse redis URL: %w", err)
	}
	return &Redis{rdb: goredis.NewClient(opts), logger: logger.Named("relay")}, nil
}

// Ping verifies the Redis connection.
func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (r *Redis) Close() error {
	return r.rdb.Close()
}

// Forward implements realtime.Relay.
func (r *Redis) Forward(ctx context.Context, msg *realtime.Message) error {
	data, err := encode(msg)
	if err != nil {
		return err
	}
	if err := r.rdb.Publish(ctx, streamChannel(msg.StreamID), data).Err(); err != nil {
		return fmt.Errorf("relay: publish: %w", err)
	}
	return nil
}

// Run pattern-subscribes to every stream channel and hands messages from
// other instances to d until ctx is cancelled. The subscription is
// confirmed before Run starts consuming, so a subscription error is
// returned immediately.
func (r *Redis) Run(ctx context.Context, d Deliverer) error {
	sub := r.rdb.PSubscribe(ctx, channelPattern)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("relay: subscribe: %w", err)
	}
	r.logger.Info("relay subscribed", zap.String("pattern", channelPattern))

	self := d.InstanceID()
	ch := sub.Channel(
		goredis.WithChannelSize(receiveBuffer),
		goredis.WithChannelSendTimeout(sendTimeout),
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			msg, err := decode(m.Channel, m.Payload)
			if err != nil {
				r.logger.Warn("dropping relay message", zap.String("channel", m.Channel), zap.Error(err))
				continue
			}
			if msg.Origin == self {
				continue
			}
			n := d.DeliverLocal(msg)
			r.logger.Debug("relayed message delivered",
				zap.String("stream_id", string(msg.StreamID)),
				zap.String("origin", msg.Origin),
				zap.Int("delivered", n),
			)
		}
	}
}

// streamFromChannel returns the stream ID encoded in a channel name.
func streamFromChannel(channel string) (realtime.StreamID, bool) {
	id, ok := strings.CutPrefix(channel, channelPrefix)
	return realtime.StreamID(id), ok
}

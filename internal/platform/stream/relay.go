package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const DefaultRelayChannel = "custody:stream"

// RedisRelay mirrors local summaries onto a Redis channel and replays summaries
// from other server instances into the local hub. Each instance tags what it
// sends with its own id and ignores those tags on receipt.
type RedisRelay struct {
	hub        *Hub
	rdb        *redis.Client
	channel    string
	instanceID string
	out        chan EventSummary
	logger     zerolog.Logger
}

func NewRedisRelay(hub *Hub, rdb *redis.Client, channel string, logger zerolog.Logger) *RedisRelay {
	if channel == "" {
		channel = DefaultRelayChannel
	}
	return &RedisRelay{
		hub:        hub,
		rdb:        rdb,
		channel:    channel,
		instanceID: uuid.New().String(),
		out:        make(chan EventSummary, hub.buffer),
		logger:     logger,
	}
}

// NewRedisClient parses a redis:// URL and pings the server.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// Publish delivers locally and queues the summary for Redis. A full queue
// drops the remote copy only.
func (r *RedisRelay) Publish(s EventSummary) {
	r.hub.Publish(s)

	s.Origin = r.instanceID
	select {
	case r.out <- s:
	default:
		r.hub.metrics.IncStreamDropped()
		r.logger.Debug().Str("specimen_id", s.SpecimenID).Msg("stream: relay queue full")
	}
}

// Run pumps queued summaries to Redis and replays remote ones until ctx ends.
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.rdb.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	inbound := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case s := <-r.out:
			payload, err := json.Marshal(s)
			if err != nil {
				r.logger.Debug().Err(err).Msg("stream: marshal relay summary")
				continue
			}
			if err := r.rdb.Publish(ctx, r.channel, payload).Err(); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Warn().Err(err).Msg("stream: relay publish failed")
			}
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			r.deliver(msg.Payload)
		}
	}
}

// deliver replays one remote payload into the local hub.
func (r *RedisRelay) deliver(payload string) bool {
	var s EventSummary
	if err := json.Unmarshal([]byte(payload), &s); err != nil {
		r.logger.Debug().Err(err).Msg("stream: malformed relay payload")
		return false
	}
	if s.Origin == r.instanceID {
		return false
	}
	r.hub.Publish(s)
	return true
}

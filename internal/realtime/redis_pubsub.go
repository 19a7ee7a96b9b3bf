package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	channelPrefix = "poll:"
	eventTTL      = 5 * time.Second
)

// redisPayload is the message published to Redis for external consumers.
type redisPayload struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	At    int64           `json:"at"`
}

// RedisRelay mirrors room events to a Redis channel per poll.
type RedisRelay struct {
	client redis.UniversalClient
	logger *zap.Logger
	now    func() time.Time
}

// NewRedisRelay creates a relay on an existing Redis client.
func NewRedisRelay(client redis.UniversalClient, logger *zap.Logger) *RedisRelay {
	return &RedisRelay{client: client, logger: logger, now: time.Now}
}

// Channel returns the Redis channel for a poll.
func Channel(pollID uuid.UUID) string {
	return channelPrefix + pollID.String()
}

// PublishPollEvent publishes an event to the poll's Redis channel.
func (r *RedisRelay) PublishPollEvent(pollID uuid.UUID, event string, payload []byte) error {
	body, err := json.Marshal(redisPayload{Event: event, Data: payload, At: r.now().Unix()})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), eventTTL)
	defer cancel()
	return r.client.Publish(ctx, Channel(pollID), body).Err()
}

package notifier

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

// Redis publishes events as JSON on a pub/sub channel.
type Redis struct {
	client  redis.UniversalClient
	channel string
}

func NewRedis(client redis.UniversalClient, channel string) *Redis {
	if channel == "" {
		channel = "tweetq:lifecycle"
	}
	return &Redis{client: client, channel: channel}
}

func (r *Redis) Name() string { return "redis" }

func (r *Redis) Deliver(ctx context.Context, e Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, b).Err()
}

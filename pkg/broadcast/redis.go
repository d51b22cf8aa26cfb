package broadcast

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

const redisChannel = "authbridge:tenant_switch"

type redisChan struct {
	cli *redis.Client
}

// NewRedis bridges the channel over redis pub/sub so contexts on
// different instances see each other's switches.
func NewRedis(cli *redis.Client) Channel {
	return &redisChan{cli: cli}
}

func (c *redisChan) Publish(ctx context.Context, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return c.cli.Publish(ctx, redisChannel, b).Err()
}

func (c *redisChan) Subscribe(ctx context.Context) (<-chan Event, func(), error) {
	sub := c.cli.Subscribe(ctx, redisChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, err
	}
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			select {
			case out <- ev:
			default:
			}
		}
	}()
	cancel := func() { _ = sub.Close() }
	return out, cancel, nil
}

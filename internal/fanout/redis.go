package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Redis publishes each room on its own channel (prefix + room id) and
// pattern-subscribes to all of them.
type Redis struct {
	client     *redis.Client
	prefix     string
	instanceID string
}

func NewRedis(client *redis.Client, prefix, instanceID string) *Redis {
	return &Redis{client: client, prefix: prefix, instanceID: instanceID}
}

// DialRedis connects and pings.
func DialRedis(ctx context.Context, addr string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

func (r *Redis) Publish(ctx context.Context, msg Message) error {
	msg.Origin = r.instanceID
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.prefix+msg.Room, data).Err()
}

func (r *Redis) Subscribe(ctx context.Context, handler func(Message)) error {
	ps := r.client.PSubscribe(ctx, r.prefix+"*")
	defer ps.Close()

	// wait for the subscription to be confirmed before draining
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("psubscribe: %w", err)
	}

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var msg Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				slog.Warn("fanout: bad message", "channel", m.Channel, "err", err)
				continue
			}
			if msg.Origin == r.instanceID {
				continue
			}
			handler(msg)
		}
	}
}

func (r *Redis) Close() error { return r.client.Close() }

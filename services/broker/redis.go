package brokersvc

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/trezcool/mahudhurio/core"
	"github.com/trezcool/mahudhurio/core/attendance"
)

// RedisBroker relays event messages over a Redis pub/sub channel so that
// sessions started on one API node reach agents connected to another.
type RedisBroker struct {
	client  *redis.Client
	channel string
	logger  core.Logger
}

var _ attendance.Broker = (*RedisBroker)(nil) // interface compliance check

func NewRedisBroker(conf *core.Config, logger core.Logger) *RedisBroker {
	return &RedisBroker{
		client: redis.NewClient(&redis.Options{
			Addr:     conf.Redis.Addr,
			Password: conf.Redis.Password,
			DB:       conf.Redis.DB,
		}),
		channel: conf.Redis.Channel,
		logger:  logger,
	}
}

func (b *RedisBroker) Publish(ctx context.Context, msg attendance.EventMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, payload).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context, fn func(attendance.EventMessage)) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				var msg attendance.EventMessage
				if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
					b.logger.Error("broker: dropping malformed payload", err)
					continue
				}
				fn(msg)
			}
		}
	}()
	return nil
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}

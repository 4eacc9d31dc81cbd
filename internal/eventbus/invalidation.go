package eventbus

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// AdapterInvalidationChannel is a global (not per-session) pub/sub channel:
// every bayd instance's capability router subscribes to it so that when one
// instance destroys a session's containers, every instance's AdapterPool
// drops the now-stale cached adapter for that endpoint, not just the
// instance that did the destroying.
const AdapterInvalidationChannel = "bay:adapterpool:invalidate"

// PublishAdapterInvalidation broadcasts that endpoint's cached adapter is
// no longer valid anywhere in the fleet.
func (b *RedisBus) PublishAdapterInvalidation(ctx context.Context, endpoint string) error {
	return b.client.Publish(ctx, AdapterInvalidationChannel, endpoint).Err()
}

// SubscribeAdapterInvalidation delivers invalidated endpoints until ctx is
// cancelled. One bayd instance runs one subscriber for the process lifetime.
func (b *RedisBus) SubscribeAdapterInvalidation(ctx context.Context) (<-chan string, error) {
	client, ok := b.client.(*redis.Client)
	if !ok {
		return nil, fmt.Errorf("invalid redis client type")
	}

	pubSub := client.Subscribe(ctx, AdapterInvalidationChannel)
	ch := make(chan string)

	go func() {
		defer close(ch)
		defer func() {
			if err := pubSub.Close(); err != nil {
				b.logger.Error("failed to close adapter invalidation pubsub", "error", err)
			}
		}()
		for msg := range pubSub.Channel() {
			ch <- msg.Payload
		}
	}()

	return ch, nil
}

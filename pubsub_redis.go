// This file contains the RedisPubSub implementation which fans broadcasts out
// across server instances through Redis pattern subscriptions. Every instance
// subscribes to the gateway topic; publishes reach all of them, including the
// publishing instance itself.
package gateway

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

type RedisPubSub struct {
	mu     sync.Mutex
	client redis.UniversalClient
	subs   map[string][]*redisSubscription
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
}

type redisSubscription struct {
	pattern string
	handler func(topic string, data []byte)
	pubsub  *redis.PubSub
	done    chan struct{}
}

// NewRedisPubSub creates a Redis-backed PubSub using the provided client.
// The client is pinged once to fail fast on misconfiguration. The context
// bounds the lifetime of all subscriptions.
func NewRedisPubSub(ctx context.Context, client redis.UniversalClient) (*RedisPubSub, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, storeUnavailable(err, "pubsub.connect")
	}
	pubsubCtx, cancel := context.WithCancel(ctx)

	return &RedisPubSub{
		client: client,
		subs:   make(map[string][]*redisSubscription),
		ctx:    pubsubCtx,
		cancel: cancel,
	}, nil
}

// Subscribe registers a handler for messages on channels matching pattern.
// Each subscription holds its own Redis PSubscribe connection and drains it
// in a dedicated goroutine.
func (r *RedisPubSub) Subscribe(pattern string, handler func(topic string, data []byte)) error {
	r.mu.Lock()

	defer r.mu.Unlock()

	if r.closed {
		return &pubsubClosedError{}
	}
	pubsub := r.client.PSubscribe(r.ctx, pattern)

	if _, err := pubsub.Receive(r.ctx); err != nil {
		_ = pubsub.Close()

		return storeUnavailable(err, "pubsub.subscribe")
	}
	sub := &redisSubscription{
		pattern: pattern,
		handler: handler,
		pubsub:  pubsub,
		done:    make(chan struct{}),
	}
	r.subs[pattern] = append(r.subs[pattern], sub)

	go r.runSubscription(sub)

	return nil
}

func (r *RedisPubSub) runSubscription(sub *redisSubscription) {
	defer close(sub.done)

	ch := sub.pubsub.Channel()

	for {
		select {
		case <-r.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			sub.handler(msg.Channel, []byte(msg.Payload))
		}
	}
}

// Unsubscribe closes every subscription registered for the given pattern.
func (r *RedisPubSub) Unsubscribe(pattern string) error {
	r.mu.Lock()

	defer r.mu.Unlock()

	if r.closed {
		return &pubsubClosedError{}
	}
	subs, exists := r.subs[pattern]
	if !exists {
		return notFound("pubsub", "pattern not found")
	}

	var errs error
	for _, sub := range subs {
		errs = addError(errs, sub.pubsub.Close())
	}
	delete(r.subs, pattern)

	return errs
}

// Publish sends data to the given topic. Delivery is at most once per
// subscribed instance; there is no acknowledgment and no retry.
func (r *RedisPubSub) Publish(topic string, data []byte) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()

	if closed {
		return &pubsubClosedError{}
	}
	if err := r.client.Publish(r.ctx, topic, data).Err(); err != nil {
		return storeUnavailable(err, "pubsub.publish")
	}
	return nil
}

// Close shuts down all subscriptions. The Redis client itself is owned by
// the caller and is not closed. Idempotent.
func (r *RedisPubSub) Close() error {
	r.mu.Lock()

	if r.closed {
		r.mu.Unlock()

		return nil
	}
	r.closed = true
	r.cancel()

	var errs error

	var pending []*redisSubscription
	for _, subs := range r.subs {
		for _, sub := range subs {
			errs = addError(errs, sub.pubsub.Close())

			pending = append(pending, sub)
		}
	}
	r.subs = make(map[string][]*redisSubscription)

	r.mu.Unlock()

	for _, sub := range pending {
		<-sub.done
	}
	return errs
}

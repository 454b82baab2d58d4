// This file defines the PubSub interface used for cross-instance fan-out.
// Instances publish broadcast envelopes onto a shared channel; every
// instance (including the publisher) subscribes and delivers to its own
// connected sockets.
package gateway

import (
	"fmt"
	"regexp"
	"sync"
)

// PubSubMessage is a message flowing through a PubSub implementation.
type PubSubMessage struct {
	Topic string
	Data  []byte
}

// PubSub is the shared publish/subscribe channel abstraction. Publish is
// fire-and-forget from the dispatcher's perspective: there is no delivery
// acknowledgment and no retry.
type PubSub interface {
	Publish(topic string, data []byte) error
	Subscribe(pattern string, handler func(topic string, data []byte)) error
	Unsubscribe(pattern string) error
	Close() error
}

type pubsubClosedError struct{}

func (e *pubsubClosedError) Error() string {
	return "pubsub is closed"
}

// formatTopic builds a namespaced pub/sub topic: gateway:<namespace>:<event>.
func formatTopic(namespace, event string) string {
	return fmt.Sprintf("gateway:%s:%s", namespace, event)
}

var topicPatternCache sync.Map

// matchTopic reports whether topic matches pattern. Patterns are regular
// expressions anchored at both ends; an exact string match short-circuits,
// which is the only case the gateway itself relies on.
func matchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	if cached, ok := topicPatternCache.Load(pattern); ok {
		return cached.(*regexp.Regexp).MatchString(topic)
	}
	re, err := regexp.Compile("^" + pattern + "$")

	if err != nil {
		return false
	}
	topicPatternCache.Store(pattern, re)

	return re.MatchString(topic)
}

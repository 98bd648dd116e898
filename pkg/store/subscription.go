package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Subscription is an active Pub/Sub subscription to one or more key patterns.
// Events form a lazy, infinite sequence that cannot be restarted: once Close
// is called or the context is cancelled, a new subscription is needed.
// Caller must call Close() when done to clean up resources.
type Subscription struct {
	events <-chan Notification
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of notifications.
// Notifications for a single key arrive in write order; there is no ordering
// guarantee across keys. The channel is closed when the subscription ends.
func (s *Subscription) Events() <-chan Notification {
	return s.events
}

// Errors returns the channel of subscription errors.
// Errors include undecodable payloads; the subscription continues after them.
func (s *Subscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription and cleans up resources. Implements io.Closer.
// Safe to call multiple times - subsequent calls are no-ops.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// Subscribe subscribes to every channel matching the given glob patterns,
// e.g. "command:device:sim960:*" or an exact key.
// It returns only once Redis has confirmed every pattern, so a write made
// after Subscribe returns is guaranteed to be delivered.
// Context cancellation also stops the subscription.
func (c *Client) Subscribe(ctx context.Context, patterns ...string) (*Subscription, error) {
	if len(patterns) == 0 {
		return nil, fmt.Errorf("at least one pattern is required")
	}

	pubsub := c.rdb.PSubscribe(ctx, patterns...)
	for range patterns {
		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			return nil, fmt.Errorf("failed to subscribe to %v: %w", patterns, err)
		}
	}

	eventsChan := make(chan Notification, 64)
	errorsChan := make(chan error, 10)

	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()

		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var n Notification
				if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
					select {
					case errorsChan <- fmt.Errorf("failed to decode notification on %s: %w", msg.Channel, err):
					case <-subCtx.Done():
						return
					}
					continue
				}
				// The channel name is authoritative for the key
				n.Key = Key(msg.Channel)

				select {
				case eventsChan <- n:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}, nil
}

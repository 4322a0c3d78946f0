package kv

import (
	"context"
)

// Message is one pub/sub delivery.
type Message struct {
	Channel string
	Payload string
}

// Publish sends payload to all subscribers of channel.
func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	return c.classify(c.rdb.Publish(ctx, channel, payload).Err())
}

// Subscribe subscribes to the given channels and returns a stream of
// messages. The stream closes when ctx is cancelled or stop is called.
func (c *Client) Subscribe(ctx context.Context, channels ...string) (<-chan Message, func()) {
	sub := c.rdb.Subscribe(ctx, channels...)
	out := make(chan Message, 64)

	subCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer close(out)
		defer sub.Close()

		ch := sub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- Message{Channel: msg.Channel, Payload: msg.Payload}:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return out, cancel
}

// internal/bus/nats.go
package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
)

type Client struct{ nc *nats.Conn }

func Connect(url string) (*Client, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &Client{nc: nc}, nil
}

func (c *Client) Close() {
	if c.nc != nil {
		_ = c.nc.Drain()
	}
}

func (c *Client) Conn() *nats.Conn { return c.nc }

func (c *Client) PublishJSON(subject string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.nc.Publish(subject, b)
}

// SubscribeQueueJSON delivers raw message payloads to handler with a
// context bounded by handlerTimeout (a non-positive value falls back
// to 30s). Queue subscriptions let multiple studio processes share a
// submission subject.
func (c *Client) SubscribeQueueJSON(subject, queue string, handlerTimeout time.Duration, handler func(ctx context.Context, data []byte)) (*nats.Subscription, error) {
	if handlerTimeout <= 0 {
		handlerTimeout = 30 * time.Second
	}
	return c.nc.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()
		handler(ctx, msg.Data)
	})
}

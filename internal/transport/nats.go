package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"signalwatch/internal/config"
)

// NATSClient is a NATS connection bound to one subject. With a queue group set, replicas share
// the subject's messages instead of each receiving all of them.
type NATSClient struct {
	nc      *nats.Conn
	subject string
	queue   string
	log     *zap.Logger
	sub     *nats.Subscription
}

// DialNATS connects to the server. The client reconnects on its own.
func DialNATS(cfg config.NATSConfig, log *zap.Logger) (*NATSClient, error) {
	if log == nil {
		log = zap.NewNop()
	}
	c := &NATSClient{
		subject: cfg.Subject,
		queue:   cfg.Queue,
		log:     log.With(zap.String("component", "nats"), zap.String("subject", cfg.Subject)),
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name(ClientID("", "signalwatch")),
		nats.Timeout(10*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				c.log.Warn("disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.log.Info("reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS %s: %w", cfg.URL, err)
	}
	c.nc = nc
	c.log.Info("connected", zap.String("url", nc.ConnectedUrl()))
	return c, nil
}

// Subscribe delivers every message on the configured subject to h.
func (c *NATSClient) Subscribe(h Handler) error {
	cb := func(m *nats.Msg) { h(m.Data) }

	var err error
	if c.queue != "" {
		c.sub, err = c.nc.QueueSubscribe(c.subject, c.queue, cb)
	} else {
		c.sub, err = c.nc.Subscribe(c.subject, cb)
	}
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", c.subject, err)
	}
	c.log.Info("subscribed", zap.String("queue", c.queue))
	return nil
}

// Publish sends payload on the configured subject and flushes it to the server.
func (c *NATSClient) Publish(ctx context.Context, payload []byte) error {
	if err := c.nc.Publish(c.subject, payload); err != nil {
		return fmt.Errorf("publish to %s: %w", c.subject, err)
	}
	if _, ok := ctx.Deadline(); !ok {
		return c.nc.FlushTimeout(5 * time.Second)
	}
	return c.nc.FlushWithContext(ctx)
}

// Close drains the subscription and closes the connection.
func (c *NATSClient) Close() error {
	if c.nc == nil {
		return nil
	}
	return c.nc.Drain()
}

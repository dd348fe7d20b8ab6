package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"signalwatch/internal/config"
)

// MQTTClient is a paho client bound to one topic.
type MQTTClient struct {
	client mqtt.Client
	topic  string
	qos    byte
	log    *zap.Logger

	mu      sync.Mutex
	handler Handler
}

// DialMQTT connects to the broker. Subscriptions are restored after every reconnect.
func DialMQTT(cfg config.MQTTConfig, log *zap.Logger) (*MQTTClient, error) {
	if log == nil {
		log = zap.NewNop()
	}
	c := &MQTTClient{
		topic: cfg.Topic,
		qos:   cfg.QoS,
		log:   log.With(zap.String("component", "mqtt"), zap.String("topic", cfg.Topic)),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(ClientID(cfg.ClientID, "signalwatch"))
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.log.Warn("connection lost", zap.Error(err))
	})

	c.client = mqtt.NewClient(opts)
	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to MQTT broker %s: %w", cfg.Broker, token.Error())
	}
	c.log.Info("connected", zap.String("broker", cfg.Broker))
	return c, nil
}

func (c *MQTTClient) onConnect(client mqtt.Client) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h == nil {
		return
	}
	if err := c.subscribe(client, h); err != nil {
		c.log.Error("resubscribe failed", zap.Error(err))
	}
}

func (c *MQTTClient) subscribe(client mqtt.Client, h Handler) error {
	token := client.Subscribe(c.topic, c.qos, func(_ mqtt.Client, msg mqtt.Message) {
		h(msg.Payload())
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe to %s: %w", c.topic, token.Error())
	}
	return nil
}

// Subscribe delivers every message on the configured topic to h.
func (c *MQTTClient) Subscribe(h Handler) error {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
	if err := c.subscribe(c.client, h); err != nil {
		return err
	}
	c.log.Info("subscribed", zap.Uint8("qos", c.qos))
	return nil
}

// Publish sends payload on the configured topic and waits for the broker to accept it.
func (c *MQTTClient) Publish(ctx context.Context, payload []byte) error {
	token := c.client.Publish(c.topic, c.qos, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", c.topic, err)
	}
	return nil
}

// Close disconnects, allowing in-flight work 250ms to finish.
func (c *MQTTClient) Close() error {
	c.client.Disconnect(250)
	return nil
}

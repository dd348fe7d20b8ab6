// Package transport connects to the pub/sub system that carries detector telemetry.
package transport

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"signalwatch/internal/config"
)

// Handler receives raw payloads. It must not block; the ingest processor queues them.
type Handler func(payload []byte)

// Transport subscribes to and publishes telemetry payloads.
type Transport interface {
	Subscribe(h Handler) error
	Publish(ctx context.Context, payload []byte) error
	Close() error
}

// Open connects the transport selected by cfg.Kind.
func Open(cfg config.TransportConfig, log *zap.Logger) (Transport, error) {
	switch strings.ToLower(cfg.Kind) {
	case "mqtt":
		c, err := DialMQTT(cfg.MQTT, log)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "nats":
		c, err := DialNATS(cfg.NATS, log)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Kind)
	}
}

// ClientID returns id, or a fresh one with the given prefix when id is empty. Brokers drop the older
// session when two clients share an id.
func ClientID(id, prefix string) string {
	if id != "" {
		return id
	}
	return prefix + "-" + uuid.NewString()
}

package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const relayChannelPrefix = "beamdrop:relay:"

// relayEnvelope wraps a broker message on its way to another instance.
type relayEnvelope struct {
	From      string          `json:"from"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// RelayBus forwards signaling messages between broker instances. Each
// instance listens on its own channel, so a message reaches only the
// instance that holds its target peer.
type RelayBus struct {
	client     *redis.Client
	instanceID string
	logger     *zap.SugaredLogger
	pubsub     *redis.PubSub
}

func NewRelayBus(client *redis.Client, instanceID string, logger *zap.SugaredLogger) *RelayBus {
	return &RelayBus{
		client:     client,
		instanceID: instanceID,
		logger:     logger,
	}
}

func relayChannel(instanceID string) string {
	return relayChannelPrefix + instanceID
}

// Publish sends payload to the broker instance instanceID. It fails when no
// instance is subscribed, which means the presence entry is stale.
func (b *RelayBus) Publish(ctx context.Context, instanceID string, payload []byte) error {
	data, err := json.Marshal(relayEnvelope{
		From:      b.instanceID,
		Timestamp: time.Now(),
		Payload:   payload,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal relay envelope: %w", err)
	}

	receivers, err := b.client.Publish(ctx, relayChannel(instanceID), data).Result()
	if err != nil {
		return fmt.Errorf("failed to publish relay message: %w", err)
	}
	if receivers == 0 {
		return fmt.Errorf("no broker instance %q is listening", instanceID)
	}

	b.logger.Debugw("relayed message", "to_instance", instanceID, "bytes", len(payload))
	return nil
}

// Subscribe delivers messages addressed to this instance until ctx is done.
func (b *RelayBus) Subscribe(ctx context.Context, handler func([]byte) error) error {
	if b.pubsub != nil {
		return fmt.Errorf("already subscribed")
	}

	b.pubsub = b.client.Subscribe(ctx, relayChannel(b.instanceID))
	if _, err := b.pubsub.Receive(ctx); err != nil {
		b.pubsub.Close()
		return fmt.Errorf("failed to subscribe to relay channel: %w", err)
	}
	defer b.pubsub.Close()

	ch := b.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env relayEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warnw("failed to unmarshal relay envelope", "error", err)
				continue
			}
			if err := handler(env.Payload); err != nil {
				b.logger.Infow("relayed message not delivered",
					"from_instance", env.From,
					"error", err,
				)
			}
		}
	}
}

func (b *RelayBus) Close() error {
	if b.pubsub != nil {
		return b.pubsub.Close()
	}
	return nil
}

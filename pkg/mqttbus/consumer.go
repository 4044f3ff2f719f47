package mqttbus

import (
	"context"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Handler processes one inbound message. Errors are logged, not retried;
// retained state topics republish on their own.
type Handler func(topic string, payload []byte) error

// Consumer subscribes to a set of topics for the life of a context.
type Consumer struct {
	client  mqtt.Client
	topics  map[string]byte // topic -> qos
	handler Handler
	logger  *zap.SugaredLogger
}

func NewConsumer(client mqtt.Client, topics map[string]byte, handler Handler, logger *zap.SugaredLogger) *Consumer {
	return &Consumer{client: client, topics: topics, handler: handler, logger: logger}
}

// Run subscribes to every topic and blocks until ctx is cancelled, then
// unsubscribes.
func (c *Consumer) Run(ctx context.Context) {
	for topic, qos := range c.topics {
		topic := topic
		token := c.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
			if err := c.handler(msg.Topic(), msg.Payload()); err != nil {
				c.logger.Warnw("message handler failed", "topic", msg.Topic(), "error", err)
			}
		})
		token.Wait()
		if err := token.Error(); err != nil {
			c.logger.Errorw("subscribe failed", "topic", topic, "error", err)
			continue
		}
		c.logger.Infow("subscribed", "topic", topic, "qos", qos)
	}

	<-ctx.Done()

	for topic := range c.topics {
		c.client.Unsubscribe(topic)
	}
}

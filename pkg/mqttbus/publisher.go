package mqttbus

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const publishTimeout = 5 * time.Second

// Publisher sends payloads to one topic. Actuator command topics ride QoS 1;
// a lost "valve off" is not acceptable.
type Publisher struct {
	client mqtt.Client
	topic  string
	qos    byte
	logger *zap.SugaredLogger
}

func NewPublisher(client mqtt.Client, topic string, qos byte, logger *zap.SugaredLogger) *Publisher {
	return &Publisher{client: client, topic: topic, qos: qos, logger: logger}
}

func (p *Publisher) Publish(payload []byte) error {
	token := p.client.Publish(p.topic, p.qos, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish to %s: timeout after %s", p.topic, publishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", p.topic, err)
	}
	p.logger.Debugw("published", "topic", p.topic, "bytes", len(payload))
	return nil
}

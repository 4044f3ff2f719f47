// Package mqttbus wraps the paho MQTT client with the connection, publish
// and subscribe plumbing the hardware bridge needs: retried connects, QoS
// selection per topic class and context-scoped subscriptions.
package mqttbus

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	ClientID string
}

// Connect dials the broker with exponential backoff and ties the
// connection's lifetime to ctx.
func Connect(ctx context.Context, cfg Config, logger *zap.SugaredLogger) (mqtt.Client, error) {
	addr := fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(addr)
	opts.SetUsername(cfg.User)
	opts.SetPassword(cfg.Password)
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warnw("mqtt connection lost", "broker", addr, "error", err)
	})
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		logger.Infow("mqtt connected", "broker", addr)
	})

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second

	var client mqtt.Client
	err := backoff.Retry(func() error {
		client = mqtt.NewClient(opts)
		if token := client.Connect(); token.Wait() && token.Error() != nil {
			logger.Warnw("mqtt connect attempt failed", "broker", addr, "error", token.Error())
			return token.Error()
		}
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", addr, err)
	}

	go func() {
		<-ctx.Done()
		client.Disconnect(250)
		logger.Info("mqtt connection closed")
	}()

	return client, nil
}

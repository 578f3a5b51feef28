package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"esp32-cam-relay/config"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

// publisher is the subset of mqtt.Client the emitter uses
type publisher interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTEmitter publishes events as JSON to <prefix>/events/<type>
type MQTTEmitter struct {
	client publisher
	prefix string
	qos    byte
	logger *zap.Logger

	wg        sync.WaitGroup
	published atomic.Uint64
	errors    atomic.Uint64
	closed    atomic.Bool
}

// NewMQTTEmitter connects to the configured broker. A broker that is not
// reachable within the connect timeout is logged and retried in the
// background by the client.
func NewMQTTEmitter(cfg config.EventsConfig, logger *zap.Logger) *MQTTEmitter {
	logger = logger.With(zap.String("broker", cfg.Broker))

	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(cfg.Broker))
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(mqtt.Client) {
		logger.Info("MQTT connection established", zap.String("client_id", cfg.ClientID))
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("MQTT connection lost, will auto-reconnect", zap.Error(err))
	}

	client := mqtt.NewClient(opts)

	logger.Info("Connecting to MQTT broker")
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		logger.Warn("MQTT broker not reachable yet, retrying in background")
	} else if err := token.Error(); err != nil {
		logger.Error("MQTT connection failed", zap.Error(err))
	}

	return newMQTTEmitter(client, cfg, logger)
}

func newMQTTEmitter(client publisher, cfg config.EventsConfig, logger *zap.Logger) *MQTTEmitter {
	return &MQTTEmitter{
		client: client,
		prefix: strings.TrimSuffix(cfg.TopicPrefix, "/"),
		qos:    byte(cfg.QoS),
		logger: logger,
	}
}

func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// Topic returns the topic an event of type t is published to
func (e *MQTTEmitter) Topic(t Type) string {
	return fmt.Sprintf("%s/events/%s", e.prefix, t)
}

// Emit publishes the event without waiting for broker acknowledgement.
// Delivery failures are logged and counted.
func (e *MQTTEmitter) Emit(ctx context.Context, ev Event) error {
	if e.closed.Load() {
		return fmt.Errorf("emitter closed")
	}

	if !e.client.IsConnected() {
		e.errors.Add(1)
		return ErrNotConnected
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		e.errors.Add(1)
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	topic := e.Topic(ev.Type)
	token := e.client.Publish(topic, e.qos, false, payload)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()

		select {
		case <-token.Done():
		case <-timer.C:
			e.errors.Add(1)
			e.logger.Warn("MQTT publish timeout", zap.String("topic", topic))
			return
		case <-ctx.Done():
			return
		}

		if err := token.Error(); err != nil {
			e.errors.Add(1)
			e.logger.Warn("MQTT publish failed", zap.String("topic", topic), zap.Error(err))
			return
		}

		e.published.Add(1)
		e.logger.Debug("Event published", zap.String("topic", topic), zap.Int("size", len(payload)))
	}()

	return nil
}

// Close waits for pending publishes and disconnects
func (e *MQTTEmitter) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	e.wg.Wait()
	e.client.Disconnect(250)
	e.logger.Info("MQTT disconnected")
	return nil
}

// GetStats returns emitter statistics
func (e *MQTTEmitter) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"connected": e.client.IsConnected(),
		"published": e.published.Load(),
		"errors":    e.errors.Load(),
	}
}

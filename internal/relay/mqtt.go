package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stepherg/storefrontgw/internal/events"
)

type MQTTConfig struct {
	Broker   string
	Topic    string
	ClientID string
	Origin   string
}

// MQTT relays signals at QoS 0 without retained messages or persistent
// sessions; a broker never hands a reconnecting process old signals.
type MQTT struct {
	client mqtt.Client
	topic  string
	origin string
	log    zerolog.Logger
	sink   chan events.Signal
}

const mqttTimeout = 10 * time.Second

func NewMQTT(cfg MQTTConfig, logger zerolog.Logger) (*MQTT, error) {
	if cfg.Topic == "" {
		cfg.Topic = "storefront/invalidate"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "storefront-" + uuid.NewString()[:8]
	}
	m := &MQTT{
		topic:  cfg.Topic,
		origin: cfg.Origin,
		log:    logger.With().Str("component", "relay").Str("driver", "mqtt").Logger(),
		sink:   make(chan events.Signal, 256),
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetOnConnectHandler(func(c mqtt.Client) {
			// subscriptions do not survive a clean-session reconnect
			if err := m.subscribe(c); err != nil {
				m.log.Warn().Err(err).Msg("resubscribe failed")
			}
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			m.log.Warn().Err(err).Msg("connection lost")
		})
	m.client = mqtt.NewClient(opts)
	token := m.client.Connect()
	if !token.WaitTimeout(mqttTimeout) {
		return nil, fmt.Errorf("mqtt connect %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
	}
	return m, nil
}

func (m *MQTT) subscribe(c mqtt.Client) error {
	token := c.Subscribe(m.topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		sig, origin, err := Decode(msg.Payload())
		if err != nil {
			m.log.Warn().Err(err).Msg("dropping malformed signal")
			return
		}
		m.log.Debug().Str("signal", sig.String()).Str("origin", origin).Msg("received")
		select {
		case m.sink <- sig:
		default:
			m.log.Warn().Str("signal", sig.String()).Msg("relay backlog full, dropping signal")
		}
	})
	if !token.WaitTimeout(mqttTimeout) {
		return errors.New("subscribe timeout")
	}
	return token.Error()
}

func (m *MQTT) Publish(ctx context.Context, s events.Signal) error {
	payload, err := Encode(s, m.origin)
	if err != nil {
		return err
	}
	token := m.client.Publish(m.topic, 0, false, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains received signals into sink until ctx is done.
func (m *MQTT) Run(ctx context.Context, sink Sink) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-m.sink:
			sink(sig)
		}
	}
}

func (m *MQTT) Close() error {
	m.client.Disconnect(250)
	return nil
}

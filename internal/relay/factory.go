package relay

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/stepherg/storefrontgw/internal/config"
)

// Open builds the relay named by cfg.Driver. It returns nil, nil when no
// driver is configured.
func Open(cfg config.Relay, origin string, logger zerolog.Logger) (Relay, error) {
	switch cfg.Driver {
	case "":
		return nil, nil
	case "redis":
		r, err := NewRedis(RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Channel:  cfg.Redis.Channel,
			Origin:   origin,
		}, logger)
		if err != nil {
			return nil, err
		}
		return r, nil
	case "kafka":
		return NewKafka(KafkaConfig{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic, Origin: origin}, logger), nil
	case "mqtt":
		m, err := NewMQTT(MQTTConfig{
			Broker:   cfg.MQTT.Broker,
			Topic:    cfg.MQTT.Topic,
			ClientID: cfg.MQTT.ClientID,
			Origin:   origin,
		}, logger)
		if err != nil {
			return nil, err
		}
		return m, nil
	case "amqp":
		a, err := NewAMQP(AMQPConfig{URL: cfg.AMQP.URL, Exchange: cfg.AMQP.Exchange, Origin: origin}, logger)
		if err != nil {
			return nil, err
		}
		return a, nil
	default:
		return nil, fmt.Errorf("unknown relay driver %q", cfg.Driver)
	}
}

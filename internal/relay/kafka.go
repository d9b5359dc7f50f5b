package relay

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stepherg/storefrontgw/internal/events"
)

type KafkaConfig struct {
	Brokers []string
	Topic   string
	Origin  string
}

// Kafka relays signals through a topic. Readers start at the newest offset
// and use no consumer group, so every process sees every live signal and
// none of the backlog.
type Kafka struct {
	cfg    KafkaConfig
	writer *kafka.Writer
	log    zerolog.Logger
}

func NewKafka(cfg KafkaConfig, logger zerolog.Logger) *Kafka {
	if cfg.Topic == "" {
		cfg.Topic = "storefront-invalidate"
	}
	return &Kafka{
		cfg: cfg,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.Topic,
			Balancer:               &kafka.LeastBytes{},
			AllowAutoTopicCreation: true,
		},
		log: logger.With().Str("component", "relay").Str("driver", "kafka").Logger(),
	}
}

func (k *Kafka) Publish(ctx context.Context, s events.Signal) error {
	payload, err := Encode(s, k.cfg.Origin)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(s.Topic),
		Value: payload,
	})
}

func (k *Kafka) Run(ctx context.Context, sink Sink) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.cfg.Brokers,
		Topic:       k.cfg.Topic,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    1e6,
	})
	defer reader.Close()
	k.log.Info().Strs("brokers", k.cfg.Brokers).Str("topic", k.cfg.Topic).Msg("reading")

	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		sig, origin, err := Decode(m.Value)
		if err != nil {
			k.log.Warn().Err(err).Int64("offset", m.Offset).Msg("dropping malformed signal")
			continue
		}
		k.log.Debug().Str("signal", sig.String()).Str("origin", origin).Msg("received")
		sink(sig)
	}
}

func (k *Kafka) Close() error { return k.writer.Close() }

package relay

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stepherg/storefrontgw/internal/events"
)

type AMQPConfig struct {
	URL      string
	Exchange string
	Origin   string
}

// AMQP relays signals through a fanout exchange. Every Run binds its own
// exclusive, auto-deleted queue, so each process gets every signal published
// while it is bound and nothing from before.
type AMQP struct {
	cfg  AMQPConfig
	conn *amqp.Connection
	log  zerolog.Logger

	mu    sync.Mutex
	pubCh *amqp.Channel
}

// NewAMQP dials the broker and declares the exchange.
func NewAMQP(cfg AMQPConfig, logger zerolog.Logger) (*AMQP, error) {
	if cfg.Exchange == "" {
		cfg.Exchange = "storefront.invalidate"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp publish channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp exchange declare %s: %w", cfg.Exchange, err)
	}
	return &AMQP{
		cfg:   cfg,
		conn:  conn,
		pubCh: ch,
		log:   logger.With().Str("component", "relay").Str("driver", "amqp").Logger(),
	}, nil
}

func (a *AMQP) Publish(ctx context.Context, s events.Signal) error {
	payload, err := Encode(s, a.cfg.Origin)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pubCh.PublishWithContext(ctx, a.cfg.Exchange, "", false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		Body:         payload,
	})
}

func (a *AMQP) Run(ctx context.Context, sink Sink) error {
	ch, err := a.conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp consumer channel: %w", err)
	}
	defer ch.Close()

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("amqp queue declare: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", a.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("amqp queue bind %s: %w", q.Name, err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("amqp consume: %w", err)
	}
	a.log.Info().Str("exchange", a.cfg.Exchange).Str("queue", q.Name).Msg("subscribed")

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("amqp deliveries closed")
			}
			sig, origin, err := Decode(d.Body)
			if err != nil {
				a.log.Warn().Err(err).Msg("dropping malformed signal")
				continue
			}
			a.log.Debug().Str("signal", sig.String()).Str("origin", origin).Msg("received")
			sink(sig)
		}
	}
}

func (a *AMQP) Close() error {
	a.mu.Lock()
	if a.pubCh != nil {
		_ = a.pubCh.Close()
	}
	a.mu.Unlock()
	return a.conn.Close()
}

package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stepherg/storefrontgw/internal/events"
)

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
	Origin   string
}

// Redis relays signals over a pub/sub channel.
type Redis struct {
	client  *redis.Client
	channel string
	origin  string
	log     zerolog.Logger
}

// NewRedis connects and pings the server.
func NewRedis(cfg RedisConfig, logger zerolog.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewRedisWithClient(client, cfg.Channel, cfg.Origin, logger), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, channel, origin string, logger zerolog.Logger) *Redis {
	if channel == "" {
		channel = "storefront:invalidate"
	}
	return &Redis{
		client:  client,
		channel: channel,
		origin:  origin,
		log:     logger.With().Str("component", "relay").Str("driver", "redis").Logger(),
	}
}

func (r *Redis) Publish(ctx context.Context, s events.Signal) error {
	payload, err := Encode(s, r.origin)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, payload).Err()
}

func (r *Redis) Run(ctx context.Context, sink Sink) error {
	ps := r.client.Subscribe(ctx, r.channel)
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.log.Info().Str("channel", r.channel).Msg("subscribed")

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			sig, origin, err := Decode([]byte(msg.Payload))
			if err != nil {
				r.log.Warn().Err(err).Msg("dropping malformed signal")
				continue
			}
			r.log.Debug().Str("signal", sig.String()).Str("origin", origin).Msg("received")
			sink(sig)
		}
	}
}

func (r *Redis) Close() error { return r.client.Close() }

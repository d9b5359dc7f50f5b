// Package notify tells connected clients that stored data changed.
//
// Mutations call a BestEffort notifier after their write succeeded. The
// underlying Notifier may publish on the in-process bus, post to another
// process over HTTP, or hand the signal to a relay; every failure is logged
// and swallowed.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/stepherg/storefrontgw/internal/events"
)

// ErrBridgeNotReady means no realtime bridge exists in this process yet.
var ErrBridgeNotReady = errors.New("realtime bridge not initialized")

// Notifier delivers a signal to the realtime layer.
type Notifier interface {
	Notify(ctx context.Context, s events.Signal) error
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, s events.Signal) error

func (f Func) Notify(ctx context.Context, s events.Signal) error { return f(ctx, s) }

// BusSource yields the process bus once the bridge has been built.
type BusSource interface {
	Bus() (*events.Bus, bool)
}

// Local publishes on the bus of this process.
type Local struct {
	Source BusSource
	Logger zerolog.Logger
}

func (l *Local) Notify(_ context.Context, s events.Signal) error {
	if err := s.Validate(); err != nil {
		return err
	}
	bus, ok := l.Source.Bus()
	if !ok {
		return ErrBridgeNotReady
	}
	n := s.Apply(bus)
	l.Logger.Debug().Str("signal", s.String()).Int("delivered", n).Msg("published")
	return nil
}

// Multi fans a signal out to several notifiers and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, s events.Signal) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BestEffort wraps a Notifier so callers never see its failures.
type BestEffort struct {
	n       Notifier
	log     zerolog.Logger
	timeout time.Duration
}

func NewBestEffort(n Notifier, logger zerolog.Logger) *BestEffort {
	return &BestEffort{
		n:       n,
		log:     logger.With().Str("component", "notify").Logger(),
		timeout: 5 * time.Second,
	}
}

// Publish sends s and swallows every error, panics included. The request
// context's cancellation is not inherited: a client hanging up after its
// write committed must not suppress the notification.
func (b *BestEffort) Publish(ctx context.Context, s events.Signal) {
	if b == nil || b.n == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Interface("panic", r).Str("signal", s.String()).Msg("notifier panicked")
		}
	}()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.timeout)
	defer cancel()
	if err := b.n.Notify(ctx, s); err != nil {
		b.log.Warn().Err(err).Str("signal", s.String()).Msg("notification dropped")
	}
}

func (b *BestEffort) ProductsChanged(ctx context.Context) {
	b.Publish(ctx, events.TopicSignal(events.TopicProducts))
}

func (b *BestEffort) CategoriesChanged(ctx context.Context) {
	b.Publish(ctx, events.TopicSignal(events.TopicCategories))
}

func (b *BestEffort) CartChanged(ctx context.Context, cartID string) {
	b.Publish(ctx, events.TopicSignal(events.CartTopic(cartID)))
}

// Observe returns a Notifier that calls fn for every signal before passing
// it on to next.
func Observe(next Notifier, fn func(events.Signal)) Notifier {
	return Func(func(ctx context.Context, s events.Signal) error {
		fn(s)
		if next == nil {
			return nil
		}
		return next.Notify(ctx, s)
	})
}

// Discard drops every signal.
var Discard Notifier = Func(func(context.Context, events.Signal) error { return nil })

func wrapStatus(code int, body []byte) error {
	return fmt.Errorf("%w: %d %s", ErrBadStatus, code, string(body))
}

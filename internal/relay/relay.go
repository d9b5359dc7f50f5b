// Package relay carries invalidation signals between processes when the
// process handling a mutation is not the one holding the sockets.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stepherg/storefrontgw/internal/events"
)

// Relay publishes signals to, and consumes signals from, a shared broker.
// Run blocks until ctx is done or the subscription fails. Nothing is
// replayed: a process only sees signals published while it is subscribed.
type Relay interface {
	Publish(ctx context.Context, s events.Signal) error
	Run(ctx context.Context, sink Sink) error
	Close() error
}

// Sink receives every signal read from the broker.
type Sink func(events.Signal)

type envelope struct {
	events.Signal
	Origin string    `json:"origin,omitempty"`
	SentAt time.Time `json:"sent_at"`
}

// Encode serializes s tagged with the publishing process.
func Encode(s events.Signal, origin string) ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Signal: s, Origin: origin, SentAt: time.Now().UTC()})
}

// Decode parses a broker payload.
func Decode(b []byte) (events.Signal, string, error) {
	var e envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return events.Signal{}, "", fmt.Errorf("decode signal: %w", err)
	}
	if err := e.Signal.Validate(); err != nil {
		return events.Signal{}, "", err
	}
	return e.Signal, e.Origin, nil
}

package events

import (
	"errors"
	"fmt"
)

// ErrInvalidSignal reports a signal with neither a topic nor the all flag,
// or without an event name.
var ErrInvalidSignal = errors.New("invalid signal")

// Signal is a payload-free "this changed" notice. All=true addresses every
// connection instead of one topic's members.
type Signal struct {
	Topic string `json:"topic,omitempty"`
	Event string `json:"event"`
	All   bool   `json:"all,omitempty"`
}

// TopicSignal builds the signal published when topic's data changed.
func TopicSignal(topic string) Signal {
	return Signal{Topic: topic, Event: EventName(topic)}
}

// BroadcastSignal addresses every connection.
func BroadcastSignal(eventName string) Signal {
	return Signal{Event: eventName, All: true}
}

func (s Signal) Validate() error {
	if s.Event == "" {
		return fmt.Errorf("%w: missing event", ErrInvalidSignal)
	}
	if !s.All && s.Topic == "" {
		return fmt.Errorf("%w: missing topic", ErrInvalidSignal)
	}
	return nil
}

// Apply publishes s on b and returns the number of deliveries.
func (s Signal) Apply(b *Bus) int {
	if s.All {
		return b.PublishAll(s.Event)
	}
	return b.Publish(s.Topic, s.Event)
}

func (s Signal) String() string {
	if s.All {
		return "*/" + s.Event
	}
	return s.Topic + "/" + s.Event
}

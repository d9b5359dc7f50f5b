package events

import (
	"sync"

	"github.com/rs/zerolog"
)

// Conn is a live transport connection the bus can deliver to.
// Send must not block; an error means the connection is gone.
type Conn interface {
	ID() string
	Send(eventName string) error
}

// Bus keeps topic membership for live connections and fans invalidation
// events out to them. It never stores events.
type Bus struct {
	mu     sync.RWMutex
	conns  map[string]Conn                // connection id -> conn
	topics map[string]map[string]Conn     // topic -> connection id -> conn
	joined map[string]map[string]struct{} // connection id -> topics
	log    zerolog.Logger
}

func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		conns:  make(map[string]Conn),
		topics: make(map[string]map[string]Conn),
		joined: make(map[string]map[string]struct{}),
		log:    logger.With().Str("component", "bus").Logger(),
	}
}

// Attach registers a connection so it receives PublishAll events.
func (b *Bus) Attach(c Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conns[c.ID()] = c
}

// Detach removes the connection and all of its memberships.
func (b *Bus) Detach(c Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.detachLocked(c.ID())
}

func (b *Bus) detachLocked(id string) {
	for topic := range b.joined[id] {
		b.removeLocked(id, topic)
	}
	delete(b.joined, id)
	delete(b.conns, id)
}

// Subscribe adds c to topic. Joining twice is the same as joining once.
func (b *Bus) Subscribe(c Conn, topic string) {
	if topic == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	id := c.ID()
	if _, ok := b.conns[id]; !ok {
		b.conns[id] = c
	}
	members, ok := b.topics[topic]
	if !ok {
		members = make(map[string]Conn)
		b.topics[topic] = members
	}
	members[id] = c
	set, ok := b.joined[id]
	if !ok {
		set = make(map[string]struct{})
		b.joined[id] = set
	}
	set[topic] = struct{}{}
}

// Unsubscribe removes c from topic. Leaving a topic that was never joined
// is a no-op.
func (b *Bus) Unsubscribe(c Conn, topic string) {
	if topic == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(c.ID(), topic)
}

func (b *Bus) removeLocked(id, topic string) {
	if members, ok := b.topics[topic]; ok {
		delete(members, id)
		if len(members) == 0 {
			delete(b.topics, topic)
		}
	}
	if set, ok := b.joined[id]; ok {
		delete(set, topic)
	}
}

// Publish delivers eventName to every current member of topic and returns
// how many connections accepted it. Connections whose Send fails are
// dropped from every topic.
func (b *Bus) Publish(topic, eventName string) int {
	b.mu.RLock()
	members := make([]Conn, 0, len(b.topics[topic]))
	for _, c := range b.topics[topic] {
		members = append(members, c)
	}
	b.mu.RUnlock()
	return b.deliver(members, eventName)
}

// PublishAll delivers eventName to every attached connection regardless of
// membership.
func (b *Bus) PublishAll(eventName string) int {
	b.mu.RLock()
	all := make([]Conn, 0, len(b.conns))
	for _, c := range b.conns {
		all = append(all, c)
	}
	b.mu.RUnlock()
	return b.deliver(all, eventName)
}

func (b *Bus) deliver(targets []Conn, eventName string) int {
	var failed []string
	delivered := 0
	for _, c := range targets {
		if err := c.Send(eventName); err != nil {
			b.log.Debug().Err(err).Str("conn", c.ID()).Str("event", eventName).Msg("delivery failed, dropping connection")
			failed = append(failed, c.ID())
			continue
		}
		delivered++
	}
	if len(failed) > 0 {
		b.mu.Lock()
		for _, id := range failed {
			b.detachLocked(id)
		}
		b.mu.Unlock()
	}
	return delivered
}

// Members returns the ids of the connections joined to topic.
func (b *Bus) Members(topic string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.topics[topic]))
	for id := range b.topics[topic] {
		out = append(out, id)
	}
	return out
}

// Topics returns the topics the connection with id has joined.
func (b *Bus) Topics(id string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.joined[id]))
	for t := range b.joined[id] {
		out = append(out, t)
	}
	return out
}

// TopicCount reports how many topics currently have at least one member.
func (b *Bus) TopicCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics)
}

func (b *Bus) ConnectionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.conns)
}

package live

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stepherg/storefrontgw/internal/events"
)

// refetchTimeout bounds a refetch triggered by an event.
const refetchTimeout = 30 * time.Second

// ClientOptions configure a Client. Logger replaces Socket.Logger.
type ClientOptions struct {
	Socket SocketOptions
	Logger zerolog.Logger
}

// Client owns the realtime socket and the query cache shared by all
// subscriptions.
type Client struct {
	socket *Socket
	cache  *Cache
	log    zerolog.Logger

	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// NewClient connects lazily: the socket dials on the first Subscribe.
func NewClient(ep Endpoint, cache *Cache, opts ClientOptions) (*Client, error) {
	u, err := ep.SocketURL()
	if err != nil {
		return nil, err
	}
	opts.Socket.Logger = opts.Logger
	return &Client{
		socket: NewSocket(u, opts.Socket),
		cache:  cache,
		log:    opts.Logger.With().Str("component", "live").Logger(),
		subs:   make(map[*Subscription]struct{}),
	}, nil
}

func (c *Client) Socket() *Socket { return c.socket }
func (c *Client) Cache() *Cache   { return c.cache }

// Status is the banner text for the socket's current state.
func (c *Client) Status() string { return Banner(c.socket.State()) }

// SubscribeOptions tune what an event refetches besides the subscribed URL.
type SubscribeOptions struct {
	// Match selects other cached keys to revalidate on the topic's event.
	Match func(key string) bool
}

// Subscription ties a cached query to a topic.
type Subscription struct {
	client *Client
	url    string
	topic  string
	match  func(string) bool
	offs   []func()
	once   sync.Once
}

// Subscribe observes url and keeps it fresh from topic's events. The socket
// is connected if needed; the topic is joined now when the socket is up and
// again after every (re)connect, since the server forgets membership when a
// connection drops. The returned error reports only the initial load; the
// subscription is live either way.
func (c *Client) Subscribe(ctx context.Context, url, topic string, opts SubscribeOptions) (*Subscription, error) {
	s := &Subscription{client: c, url: url, topic: topic, match: opts.Match}
	c.cache.Acquire(url)

	s.offs = append(s.offs,
		c.socket.On(EventConnect, func(string) { s.join() }),
		c.socket.On(events.EventName(topic), func(string) { go s.refresh() }),
	)

	c.mu.Lock()
	c.subs[s] = struct{}{}
	c.mu.Unlock()

	c.socket.Connect()
	if c.socket.State() == StateConnected {
		s.join()
	}

	_, err := c.cache.Load(ctx, url)
	return s, err
}

func (s *Subscription) join() {
	if s.topic == "" {
		return
	}
	if err := s.client.socket.Join(s.topic); err != nil {
		s.client.log.Debug().Err(err).Str("topic", s.topic).Msg("join deferred until connect")
	}
}

// refresh revalidates the subscribed URL and every key the matcher selects.
func (s *Subscription) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), refetchTimeout)
	defer cancel()
	if _, err := s.client.cache.Revalidate(ctx, s.url); err != nil {
		s.client.log.Warn().Err(err).Str("url", s.url).Msg("refetch failed")
	}
	if s.match == nil {
		return
	}
	err := s.client.cache.RevalidateMatching(ctx, func(key string) bool {
		return key != s.url && s.match(key)
	})
	if err != nil {
		s.client.log.Warn().Err(err).Str("topic", s.topic).Msg("refetch of related queries failed")
	}
}

func (s *Subscription) URL() string   { return s.url }
func (s *Subscription) Topic() string { return s.topic }

// Entry returns the subscribed query's current value.
func (s *Subscription) Entry() (Entry, bool) { return s.client.cache.Get(s.url) }

// Unsubscribe removes the handlers, releases the query and disconnects. If
// other subscriptions remain the socket reconnects fresh and they re-join
// from their connect handlers.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		for _, off := range s.offs {
			off()
		}
		c := s.client
		c.cache.Release(s.url)

		c.mu.Lock()
		delete(c.subs, s)
		remaining := len(c.subs)
		c.mu.Unlock()

		c.socket.Disconnect()
		if remaining > 0 {
			c.socket.Connect()
		}
	})
}

// Close unsubscribes everything and leaves the socket disconnected.
func (c *Client) Close() {
	c.mu.Lock()
	subs := make([]*Subscription, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	clear(c.subs)
	c.mu.Unlock()
	for _, s := range subs {
		s.Unsubscribe()
	}
	c.socket.Disconnect()
}

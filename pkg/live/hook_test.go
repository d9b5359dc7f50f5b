package live

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stepherg/storefrontgw/internal/events"
	"github.com/stepherg/storefrontgw/internal/ws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storefront struct {
	srv    *httptest.Server
	bridge *ws.Bridge
	price  atomic.Int64
	hits   atomic.Int32
	carts  atomic.Int32
}

func newStorefront(t *testing.T) *storefront {
	t.Helper()
	sf := &storefront{bridge: ws.NewBridge(ws.Options{SendBufSize: 16}, zerolog.Nop())}
	sf.price.Store(50)
	mux := http.NewServeMux()
	mux.Handle("/api/socket", sf.bridge.Handler)
	mux.HandleFunc("GET /api/products/shoe", func(w http.ResponseWriter, r *http.Request) {
		sf.hits.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"slug": "shoe", "price": sf.price.Load()}})
	})
	mux.HandleFunc("GET /api/cart", func(w http.ResponseWriter, r *http.Request) {
		sf.carts.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"id": "42"}})
	})
	sf.srv = httptest.NewServer(mux)
	t.Cleanup(sf.srv.Close)
	return sf
}

func (sf *storefront) client(t *testing.T, opts SocketOptions) *Client {
	t.Helper()
	ep, err := ResolveEndpoint(Development, "", sf.srv.URL)
	require.NoError(t, err)
	c, err := NewClient(ep, NewCache(JSONFetcher(sf.srv.Client(), sf.srv.URL)), ClientOptions{Socket: opts})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func (sf *storefront) members(topic string) int {
	return len(sf.bridge.Bus.Members(topic))
}

func dataOf(t *testing.T, s *Subscription) string {
	t.Helper()
	e, ok := s.Entry()
	if !ok || e.Data == nil {
		return ""
	}
	return string(e.Data.(json.RawMessage))
}

func TestJoinBeforeConnect(t *testing.T) {
	sf := newStorefront(t)
	s := NewSocket(strings.Replace(sf.srv.URL, "http", "ws", 1)+"/api/socket", SocketOptions{})
	t.Cleanup(s.Disconnect)

	assert.ErrorIs(t, s.Join("products"), ErrNotConnected)
	assert.Equal(t, StateDisconnected, s.State())

	connected := make(chan struct{}, 1)
	s.On(EventConnect, func(string) { connected <- struct{}{} })
	s.Connect()
	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("no connect event")
	}
	require.NoError(t, s.Join("products"))
	require.Eventually(t, func() bool { return sf.members("products") == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestHandlersRunInRegistrationOrder(t *testing.T) {
	s := NewSocket("ws://127.0.0.1:1/api/socket", SocketOptions{})
	var order []int
	s.On("products_updated", func(string) { order = append(order, 1) })
	off := s.On("products_updated", func(string) { order = append(order, 2) })
	s.On("products_updated", func(string) { order = append(order, 3) })
	off()

	s.emit(context.Background(), "products_updated", "")
	assert.Equal(t, []int{1, 3}, order)
}

func TestSubscribeRefetchesOnTopicEvent(t *testing.T) {
	sf := newStorefront(t)
	c := sf.client(t, SocketOptions{})

	sub, err := c.Subscribe(context.Background(), "/api/products/shoe", events.TopicProducts, SubscribeOptions{})
	require.NoError(t, err)
	assert.Contains(t, dataOf(t, sub), `"price":50`)
	require.Eventually(t, func() bool { return sf.members(events.TopicProducts) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, c.Status())

	sf.price.Store(45)
	sf.bridge.Bus.Publish(events.TopicProducts, events.EventName(events.TopicProducts))

	require.Eventually(t, func() bool {
		return strings.Contains(dataOf(t, sub), `"price":45`)
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), sf.hits.Load())
}

func TestCartSubscriptionIgnoresOtherTopics(t *testing.T) {
	sf := newStorefront(t)
	c := sf.client(t, SocketOptions{})
	topic := events.CartTopic("42")

	_, err := c.Subscribe(context.Background(), "/api/cart", topic, SubscribeOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return sf.members(topic) == 1 }, 2*time.Second, 10*time.Millisecond)

	sf.bridge.Bus.Publish(events.TopicProducts, events.EventName(events.TopicProducts))
	sf.bridge.Bus.Publish(events.CartTopic("7"), events.EventName(events.CartTopic("7")))
	sf.bridge.Bus.Publish(topic, events.EventName(topic))

	require.Eventually(t, func() bool { return sf.carts.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool { return sf.carts.Load() > 2 }, 150*time.Millisecond, 10*time.Millisecond)
}

func TestMatchRefetchesRelatedQueries(t *testing.T) {
	sf := newStorefront(t)
	c := sf.client(t, SocketOptions{})

	_, err := c.Subscribe(context.Background(), "/api/cart", events.TopicProducts, SubscribeOptions{
		Match: func(key string) bool { return strings.HasPrefix(key, "/api/products") },
	})
	require.NoError(t, err)
	c.Cache().Acquire("/api/products/shoe")
	_, err = c.Cache().Load(context.Background(), "/api/products/shoe")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return sf.members(events.TopicProducts) == 1 }, 2*time.Second, 10*time.Millisecond)

	sf.bridge.Bus.Publish(events.TopicProducts, events.EventName(events.TopicProducts))

	require.Eventually(t, func() bool { return sf.hits.Load() == 2 && sf.carts.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestRejoinsAfterServerDrop(t *testing.T) {
	sf := newStorefront(t)
	c := sf.client(t, SocketOptions{InitialDelay: 50 * time.Millisecond, MaxDelay: 100 * time.Millisecond})

	var connects, drops atomic.Int32
	c.Socket().On(EventConnect, func(string) { connects.Add(1) })
	c.Socket().On(EventDisconnect, func(string) { drops.Add(1) })

	sub, err := c.Subscribe(context.Background(), "/api/products/shoe", events.TopicProducts, SubscribeOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return sf.members(events.TopicProducts) == 1 }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	_ = sf.bridge.Handler.Shutdown(ctx)
	cancel()

	require.Eventually(t, func() bool {
		return drops.Load() >= 1 && connects.Load() >= 2 && sf.members(events.TopicProducts) == 1
	}, 3*time.Second, 10*time.Millisecond)

	sf.price.Store(45)
	sf.bridge.Bus.Publish(events.TopicProducts, events.EventName(events.TopicProducts))
	require.Eventually(t, func() bool {
		return strings.Contains(dataOf(t, sub), `"price":45`)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReconnectGivesUpAfterRetries(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	u := strings.Replace(dead.URL, "http", "ws", 1) + "/api/socket"
	dead.Close()

	s := NewSocket(u, SocketOptions{MaxRetries: 2, InitialDelay: 5 * time.Millisecond, MaxDelay: 10 * time.Millisecond})
	t.Cleanup(s.Disconnect)

	var attempts atomic.Int32
	failed := make(chan struct{})
	s.On(EventConnectError, func(string) { attempts.Add(1) })
	s.On(EventReconnectFailed, func(string) { close(failed) })
	s.Connect()

	select {
	case <-failed:
	case <-time.After(3 * time.Second):
		t.Fatal("reconnect_failed not emitted")
	}
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, StateDisconnected, s.State())
	assert.Equal(t, DisabledBanner, Banner(s.State()))
}

func TestUnsubscribeKeepsOtherSubscriptionsLive(t *testing.T) {
	sf := newStorefront(t)
	c := sf.client(t, SocketOptions{InitialDelay: 10 * time.Millisecond})

	var connects atomic.Int32
	c.Socket().On(EventConnect, func(string) { connects.Add(1) })

	products, err := c.Subscribe(context.Background(), "/api/products/shoe", events.TopicProducts, SubscribeOptions{})
	require.NoError(t, err)
	cart, err := c.Subscribe(context.Background(), "/api/cart", events.CartTopic("42"), SubscribeOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return sf.members(events.TopicProducts) == 1 && sf.members(events.CartTopic("42")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	products.Unsubscribe()
	products.Unsubscribe()
	_, ok := products.Entry()
	assert.False(t, ok)

	require.Eventually(t, func() bool {
		return connects.Load() >= 2 && sf.members(events.CartTopic("42")) == 1 && sf.members(events.TopicProducts) == 0
	}, 3*time.Second, 10*time.Millisecond)

	cart.Unsubscribe()
	assert.Equal(t, StateDisconnected, c.Socket().State())
}

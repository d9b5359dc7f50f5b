package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stepherg/storefrontgw/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type received struct {
	Event string  `json:"event"`
	Data  *string `json:"data"`
}

func newTestBridge(t *testing.T) (*Bridge, *httptest.Server) {
	t.Helper()
	b := NewBridge(Options{SendBufSize: 16}, zerolog.Nop())
	srv := httptest.NewServer(b.Handler)
	t.Cleanup(srv.Close)
	return b, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	u, _ := url.Parse(srv.URL)
	u.Scheme = "ws"
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func send(t *testing.T, c *websocket.Conn, raw string) {
	t.Helper()
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(raw)))
}

func readFrame(t *testing.T, c *websocket.Conn) received {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	var f received
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func expectSilence(t *testing.T, c *websocket.Conn) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	_, data, err := c.ReadMessage()
	if err == nil {
		t.Fatalf("unexpected frame: %s", data)
	}
}

func join(t *testing.T, c *websocket.Conn, topic string) {
	t.Helper()
	send(t, c, `{"event":"join","data":"`+topic+`"}`)
	f := readFrame(t, c)
	require.Equal(t, EventJoined, f.Event)
	require.NotNil(t, f.Data)
	require.Equal(t, topic, *f.Data)
}

func TestJoinAckThenEvent(t *testing.T) {
	b, srv := newTestBridge(t)
	c := dial(t, srv)
	join(t, c, events.TopicProducts)

	require.Equal(t, 1, b.Bus.Publish(events.TopicProducts, "products_updated"))
	f := readFrame(t, c)
	assert.Equal(t, "products_updated", f.Event)
	assert.Nil(t, f.Data)
}

func TestMalformedControlIgnored(t *testing.T) {
	b, srv := newTestBridge(t)
	c := dial(t, srv)

	send(t, c, `not json`)
	send(t, c, `{"event":"join","data":42}`)
	send(t, c, `{"event":"join","data":""}`)
	send(t, c, `{"event":"join"}`)
	send(t, c, `{"event":"subscribe","data":"products"}`)
	join(t, c, events.TopicCategories)

	assert.Equal(t, 1, b.Bus.TopicCount())
	assert.Len(t, b.Bus.Members(events.TopicCategories), 1)
}

func TestOversizedJoinKeepsConnection(t *testing.T) {
	b, srv := newTestBridge(t)
	c := dial(t, srv)

	send(t, c, `{"event":"join","data":"`+strings.Repeat("p", 8*1024)+`"}`)
	send(t, c, `{"event":"join","data":"`+strings.Repeat("p", MaxTopicLen+1)+`"}`)
	join(t, c, events.TopicProducts)

	assert.Equal(t, 1, b.Bus.TopicCount())
	assert.Len(t, b.Bus.Members(events.TopicProducts), 1)
}

func TestLeaveStopsDelivery(t *testing.T) {
	b, srv := newTestBridge(t)
	c := dial(t, srv)
	join(t, c, events.TopicProducts)
	send(t, c, `{"event":"leave","data":"products"}`)
	// a round trip through the reader guarantees the leave was processed
	join(t, c, events.TopicCategories)

	assert.Equal(t, 0, b.Bus.Publish(events.TopicProducts, "products_updated"))
	expectSilence(t, c)
}

func TestDisconnectRemovesMembership(t *testing.T) {
	b, srv := newTestBridge(t)
	c := dial(t, srv)
	join(t, c, events.TopicProducts)
	join(t, c, events.CartTopic("abc"))
	require.Equal(t, 2, b.Bus.TopicCount())

	require.NoError(t, c.Close())

	require.Eventually(t, func() bool {
		return b.Bus.TopicCount() == 0 && b.Bus.ConnectionCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, b.Bus.Publish(events.TopicProducts, "products_updated"))
}

func TestEachTabReceivesOneEvent(t *testing.T) {
	b, srv := newTestBridge(t)
	tab1 := dial(t, srv)
	tab2 := dial(t, srv)
	join(t, tab1, events.TopicProducts)
	join(t, tab2, events.TopicProducts)

	require.Equal(t, 2, b.Bus.Publish(events.TopicProducts, "products_updated"))
	for _, c := range []*websocket.Conn{tab1, tab2} {
		assert.Equal(t, "products_updated", readFrame(t, c).Event)
		expectSilence(t, c)
	}
}

func TestReconnectStartsWithNoMembership(t *testing.T) {
	b, srv := newTestBridge(t)
	first := dial(t, srv)
	join(t, first, events.TopicProducts)
	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return b.Bus.TopicCount() == 0 }, 2*time.Second, 10*time.Millisecond)

	second := dial(t, srv)
	// not joined yet: nothing arrives
	b.Bus.Publish(events.TopicProducts, "products_updated")
	expectSilence(t, second)

	join(t, second, events.TopicProducts)
	b.Bus.Publish(events.TopicProducts, "products_updated")
	assert.Equal(t, "products_updated", readFrame(t, second).Event)
}

func TestShutdownClosesConnections(t *testing.T) {
	b, srv := newTestBridge(t)
	c := dial(t, srv)
	join(t, c, events.TopicProducts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.Handler.Shutdown(ctx))
	assert.Equal(t, 0, b.Handler.Connections())
	assert.Equal(t, 0, b.Bus.TopicCount())
}

func TestLazyBuildsOnce(t *testing.T) {
	var builds atomic.Int32
	l := NewLazy(func() *Bridge {
		builds.Add(1)
		return NewBridge(Options{}, zerolog.Nop())
	}, zerolog.Nop())

	_, ok := l.Ready()
	require.False(t, ok)

	var wg sync.WaitGroup
	got := make([]*Bridge, 16)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = l.Get()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), builds.Load())
	for _, b := range got {
		assert.Same(t, got[0], b)
	}
	ready, ok := l.Ready()
	require.True(t, ok)
	assert.Same(t, got[0], ready)
}

func TestOriginChecker(t *testing.T) {
	check := OriginChecker([]string{"https://shop.example"})
	r := httptest.NewRequest("GET", "/socket", nil)
	assert.True(t, check(r))
	r.Header.Set("Origin", "https://shop.example")
	assert.True(t, check(r))
	r.Header.Set("Origin", "https://evil.example")
	assert.False(t, check(r))
	assert.True(t, OriginChecker(nil)(r))
}

package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stepherg/storefrontgw/internal/events"
)

// Connection states.
const (
	StateConnecting int32 = iota
	StateConnected
	StateDisconnected
)

// Tunable timing constants (aligned with gorilla/websocket chat example pattern)
const (
	pongWait       = 75 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
)

var (
	// ErrClosed is returned by Send once the connection is gone.
	ErrClosed = errors.New("connection closed")
	// ErrSlowConsumer is returned when the send queue is full; the
	// connection is closed.
	ErrSlowConsumer = errors.New("send queue full")
)

// Handler upgrades HTTP to WebSocket and serves the join/leave protocol.
type Handler struct {
	Upgrader    websocket.Upgrader
	Bus         *events.Bus
	SendBufSize int
	Logger      zerolog.Logger

	mu   sync.Mutex
	live map[string]*conn
}

type conn struct {
	id    string
	ws    *websocket.Conn
	send  chan outFrame
	done  chan struct{}
	once  sync.Once
	state atomic.Int32
	mu    sync.Mutex // serializes writes
	log   zerolog.Logger
}

func (c *conn) ID() string { return c.id }

// Send queues an invalidation event without blocking.
func (c *conn) Send(eventName string) error {
	return c.enqueue(outFrame{Event: eventName})
}

func (c *conn) enqueue(f outFrame) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- f:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		c.close()
		return ErrSlowConsumer
	}
}

func (c *conn) close() {
	c.once.Do(func() {
		c.state.Store(StateDisconnected)
		close(c.done)
		_ = c.ws.Close()
	})
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("upgrade failed")
		return
	}
	buf := h.SendBufSize
	if buf <= 0 {
		buf = 64
	}
	c := &conn{
		id:   uuid.NewString(),
		ws:   wsConn,
		send: make(chan outFrame, buf),
		done: make(chan struct{}),
	}
	c.log = h.Logger.With().Str("conn", c.id).Logger()
	c.state.Store(StateConnecting)

	h.track(c)
	if h.Bus != nil {
		h.Bus.Attach(c)
	}
	c.state.Store(StateConnected)
	c.log.Debug().Str("remote", r.RemoteAddr).Msg("connected")

	go c.writePump()
	go h.readPump(c)
}

func (h *Handler) track(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.live == nil {
		h.live = make(map[string]*conn)
	}
	h.live[c.id] = c
}

func (h *Handler) untrack(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.live, c.id)
}

// Connections reports how many sockets are currently open.
func (h *Handler) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.live)
}

func (h *Handler) readPump(c *conn) {
	defer func() {
		c.close()
		if h.Bus != nil {
			h.Bus.Detach(c)
		}
		h.untrack(c)
		c.log.Debug().Msg("disconnected")
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		mt, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("read error")
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		event, topic, ok := parseControl(message)
		if !ok || h.Bus == nil {
			continue
		}
		switch event {
		case EventJoin:
			h.Bus.Subscribe(c, topic)
			_ = c.enqueue(outFrame{Event: EventJoined, Data: topic})
		case EventLeave:
			h.Bus.Unsubscribe(c, topic)
		}
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case f := <-c.send:
			if err := c.writeJSON(f); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			c.mu.Lock()
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.mu.Unlock()
			if err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *conn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Refresh per-message write deadline to avoid stale timeout from prior ping when queue backs up.
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	err := c.ws.WriteJSON(v)
	if err == nil {
		return nil
	}
	if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
		c.log.Warn().Err(err).Msg("write timeout (deadline exceeded)")
	} else if errors.Is(err, os.ErrDeadlineExceeded) {
		c.log.Warn().Err(err).Msg("write deadline exceeded")
	} else {
		c.log.Debug().Err(err).Msg("write error")
	}
	return err
}

// Shutdown closes every open connection and waits for their cleanup to
// finish or ctx to expire.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	open := make([]*conn, 0, len(h.live))
	for _, c := range h.live {
		open = append(open, c)
	}
	h.mu.Unlock()
	for _, c := range open {
		c.mu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
			time.Now().Add(time.Second))
		c.mu.Unlock()
		c.close()
	}
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for h.Connections() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// OriginChecker allows requests whose Origin header is in allowed. An empty
// list or a "*" entry allows every origin.
func OriginChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

package live

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// State is the liveness of a Socket.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Lifecycle events delivered through On alongside server events.
const (
	EventConnect         = "connect"
	EventDisconnect      = "disconnect"
	EventConnectError    = "connect_error"
	EventReconnectFailed = "reconnect_failed"
)

// ErrNotConnected is returned by Join and Leave while the socket is not
// connected. Callers join from a connect handler instead.
var ErrNotConnected = errors.New("socket not connected")

// SocketOptions configure dialing and reconnection. Zero values take the
// defaults below.
type SocketOptions struct {
	Dialer       *websocket.Dialer
	Header       http.Header
	MaxRetries   int           // reconnection attempts after a failure, default 10
	InitialDelay time.Duration // default 1s
	MaxDelay     time.Duration // default 10s
	DialTimeout  time.Duration // default 45s
	WriteTimeout time.Duration // default 10s
	Logger       zerolog.Logger
}

func (o *SocketOptions) defaults() {
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 10
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 10 * time.Second
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 45 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
}

// Handler receives an event. data is empty for invalidation events.
type Handler func(data string)

type frame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Socket is a reconnecting realtime connection. Handlers run on the
// socket's reader goroutine in arrival order and must not block for long.
type Socket struct {
	url  string
	opts SocketOptions
	log  zerolog.Logger

	state atomic.Int32

	mu       sync.Mutex
	conn     *websocket.Conn
	cancel   context.CancelFunc
	handlers map[string]map[uint64]Handler
	nextID   uint64

	wmu sync.Mutex
}

func NewSocket(rawURL string, opts SocketOptions) *Socket {
	opts.defaults()
	s := &Socket{
		url:      rawURL,
		opts:     opts,
		log:      opts.Logger.With().Str("component", "socket").Logger(),
		handlers: make(map[string]map[uint64]Handler),
	}
	s.state.Store(int32(StateDisconnected))
	return s
}

func (s *Socket) State() State { return State(s.state.Load()) }

// On registers fn for event and returns a function that removes it.
func (s *Socket) On(event string, fn Handler) (off func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	if s.handlers[event] == nil {
		s.handlers[event] = make(map[uint64]Handler)
	}
	s.handlers[event][id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.handlers[event], id)
		if len(s.handlers[event]) == 0 {
			delete(s.handlers, event)
		}
	}
}

func (s *Socket) emit(ctx context.Context, event, data string) {
	if ctx.Err() != nil {
		return
	}
	s.mu.Lock()
	hs := make([]Handler, 0, len(s.handlers[event]))
	ids := make([]uint64, 0, len(s.handlers[event]))
	for id := range s.handlers[event] {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		hs = append(hs, s.handlers[event][id])
	}
	s.mu.Unlock()
	for _, h := range hs {
		h(data)
	}
}

// Connect starts connecting in the background. It is a no-op unless the
// socket is disconnected.
func (s *Socket) Connect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != StateDisconnected {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.state.Store(int32(StateConnecting))
	go s.run(ctx)
}

// Disconnect closes the connection and stops reconnecting. No disconnect
// event is emitted for a disconnect the caller asked for.
func (s *Socket) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.conn != nil {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = s.conn.Close()
		s.conn = nil
	}
	s.state.Store(int32(StateDisconnected))
}

// Reconnect drops any current connection and starts over with a fresh
// retry budget.
func (s *Socket) Reconnect() {
	s.Disconnect()
	s.Connect()
}

func (s *Socket) run(ctx context.Context) {
	for {
		conn, err := s.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.mu.Lock()
			if ctx.Err() != nil {
				s.mu.Unlock()
				return
			}
			cancel := s.cancel
			s.cancel = nil
			s.state.Store(int32(StateDisconnected))
			s.mu.Unlock()
			s.log.Warn().Err(err).Str("url", s.url).Msg("reconnect attempts exhausted")
			s.emit(ctx, EventReconnectFailed, "")
			if cancel != nil {
				cancel()
			}
			return
		}

		s.mu.Lock()
		if ctx.Err() != nil {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conn = conn
		s.state.Store(int32(StateConnected))
		s.mu.Unlock()
		s.log.Debug().Str("url", s.url).Msg("connected")
		s.emit(ctx, EventConnect, "")

		err = s.read(ctx, conn)

		s.mu.Lock()
		if ctx.Err() != nil {
			s.mu.Unlock()
			return
		}
		if s.conn == conn {
			s.conn = nil
		}
		s.state.Store(int32(StateConnecting))
		s.mu.Unlock()
		_ = conn.Close()
		s.log.Info().Err(err).Msg("connection lost, reconnecting")
		s.emit(ctx, EventDisconnect, "")
	}
}

// dial connects under the retry policy. Each failed attempt emits
// connect_error.
func (s *Socket) dial(ctx context.Context) (*websocket.Conn, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.opts.InitialDelay
	eb.MaxInterval = s.opts.MaxDelay
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(s.opts.MaxRetries)), ctx)

	var conn *websocket.Conn
	op := func() error {
		dctx, cancel := context.WithTimeout(ctx, s.opts.DialTimeout)
		defer cancel()
		c, resp, err := s.opts.Dialer.DialContext(dctx, s.url, s.opts.Header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			s.log.Debug().Err(err).Str("url", s.url).Msg("dial failed")
			s.emit(ctx, EventConnectError, err.Error())
			return err
		}
		conn = c
		return nil
	}
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return conn, nil
}

func (s *Socket) read(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var f struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(msg, &f); err != nil || f.Event == "" {
			s.log.Debug().Int("bytes", len(msg)).Msg("ignoring malformed frame")
			continue
		}
		var data string
		if len(f.Data) > 0 {
			if err := json.Unmarshal(f.Data, &data); err != nil {
				data = string(f.Data)
			}
		}
		s.emit(ctx, f.Event, data)
	}
}

func (s *Socket) send(f frame) error {
	s.mu.Lock()
	conn := s.conn
	connected := s.State() == StateConnected
	s.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	return conn.WriteJSON(f)
}

// Join asks the server to add this connection to topic. Membership lasts
// until Leave or the connection drops.
func (s *Socket) Join(topic string) error {
	return s.send(frame{Event: "join", Data: topic})
}

func (s *Socket) Leave(topic string) error {
	return s.send(frame{Event: "leave", Data: topic})
}

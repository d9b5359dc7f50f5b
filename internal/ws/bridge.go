package ws

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stepherg/storefrontgw/internal/events"
)

// Bridge pairs the event bus with the socket handler that feeds it.
type Bridge struct {
	Bus     *events.Bus
	Handler *Handler
}

// Options configures a Bridge.
type Options struct {
	AllowedOrigins []string
	SendBufSize    int
}

func NewBridge(opts Options, logger zerolog.Logger) *Bridge {
	bus := events.NewBus(logger)
	return &Bridge{
		Bus: bus,
		Handler: &Handler{
			Upgrader: websocket.Upgrader{
				ReadBufferSize:  1024,
				WriteBufferSize: 1024,
				CheckOrigin:     OriginChecker(opts.AllowedOrigins),
			},
			Bus:         bus,
			SendBufSize: opts.SendBufSize,
			Logger:      logger.With().Str("component", "bridge").Logger(),
		},
	}
}

// Lazy builds the process bridge on first use. Concurrent first callers all
// observe the same instance.
type Lazy struct {
	once   sync.Once
	bridge atomic.Pointer[Bridge]
	build  func() *Bridge
	log    zerolog.Logger
}

func NewLazy(build func() *Bridge, logger zerolog.Logger) *Lazy {
	return &Lazy{build: build, log: logger}
}

// Get returns the bridge, constructing it if needed.
func (l *Lazy) Get() *Bridge {
	l.once.Do(func() {
		l.bridge.Store(l.build())
		l.log.Info().Msg("realtime bridge initialized")
	})
	return l.bridge.Load()
}

// Ready returns the bridge only if it has already been constructed.
func (l *Lazy) Ready() (*Bridge, bool) {
	b := l.bridge.Load()
	return b, b != nil
}

// ServeHTTP initializes the bridge on the first socket request.
func (l *Lazy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	l.Get().Handler.ServeHTTP(w, r)
}

// Bus returns the bus of an already constructed bridge.
func (l *Lazy) Bus() (*events.Bus, bool) {
	b, ok := l.Ready()
	if !ok {
		return nil, false
	}
	return b.Bus, true
}

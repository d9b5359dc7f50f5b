package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/stepherg/storefrontgw/internal/api"
	"github.com/stepherg/storefrontgw/internal/auth"
	"github.com/stepherg/storefrontgw/internal/cart"
	"github.com/stepherg/storefrontgw/internal/catalog"
	"github.com/stepherg/storefrontgw/internal/config"
	"github.com/stepherg/storefrontgw/internal/events"
	"github.com/stepherg/storefrontgw/internal/logging"
	"github.com/stepherg/storefrontgw/internal/media"
	"github.com/stepherg/storefrontgw/internal/notify"
	"github.com/stepherg/storefrontgw/internal/relay"
	"github.com/stepherg/storefrontgw/internal/store"
	"github.com/stepherg/storefrontgw/internal/webhook"
	"github.com/stepherg/storefrontgw/internal/ws"
)

const (
	shutdownTimeout = 10 * time.Second
	relayRetryMax   = 30 * time.Second
)

var errRelayStopped = errors.New("relay consumer returned")

func (a *app) newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API and the realtime bridge",
		Long: `Serve runs the storefront API. Catalog and cart writes notify the
realtime bridge, which tells every socket joined to the affected topic to
refetch. With a relay configured, notifications travel through the broker
so every instance's sockets hear about every write.`,
		Example: `  storefrontgw serve
  storefrontgw serve --listen :8080 --env production
  STOREFRONT_RELAY_DRIVER=redis STOREFRONT_NOTIFY_MODE=relay storefrontgw serve`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().String("listen", "", "listen address (overrides config)")
	cmd.Flags().String("env", "", "development or production (overrides config)")
	cmd.Flags().String("public-url", "", "public origin of the storefront (overrides config)")
	return cmd
}

// server is everything serve starts and has to stop.
type server struct {
	handler http.Handler
	bridge  *ws.Lazy
	cache   *api.Cache
	store   store.Store
	relay   relay.Relay
	log     zerolog.Logger

	// relayRetry is the first delay before a stopped relay consumer is
	// restarted. Delays grow exponentially up to relayRetryMax.
	relayRetry time.Duration
}

func newServer(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*server, error) {
	st, err := store.Open(ctx, cfg.Store, logging.Component(logger, "store"))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	s := &server{store: st, log: logger, relayRetry: time.Second}

	s.relay, err = relay.Open(cfg.Relay, uuid.NewString(), logging.Component(logger, "relay"))
	if err != nil {
		_ = st.Close(context.Background())
		return nil, fmt.Errorf("open relay: %w", err)
	}

	s.bridge = ws.NewLazy(func() *ws.Bridge {
		return ws.NewBridge(ws.Options{
			AllowedOrigins: cfg.Origins(),
			SendBufSize:    cfg.Realtime.SendBuffer,
		}, logger)
	}, logger)
	if cfg.Realtime.Eager {
		s.bridge.Get()
	}

	s.cache = api.NewCache(cfg.Cache.TTL)
	base, err := buildNotifier(cfg, s.bridge, s.relay, logger)
	if err != nil {
		s.close(context.Background())
		return nil, err
	}
	notifier := notify.NewBestEffort(notify.Observe(base, s.cache.Invalidate), logger)

	var mediaStore media.Store
	var mediaHandler http.Handler
	if cfg.Media.Dir != "" {
		local, err := media.NewLocal(cfg.Media.Dir, cfg.Media.BaseURL, logging.Component(logger, "media"))
		if err != nil {
			s.close(context.Background())
			return nil, err
		}
		mediaStore, mediaHandler = local, local.Handler()
	}

	var trusted auth.Resolver
	if cfg.Auth.TrustHeaders {
		trusted = auth.Headers()
	}

	apiServer := api.New(api.Options{
		SocketPath:     cfg.SocketPath(),
		MediaPrefix:    cfg.Media.BaseURL,
		MediaHandler:   mediaHandler,
		AllowedOrigins: cfg.Origins(),
	}, api.Deps{
		Catalog: catalog.New(st, notifier, logger),
		Carts:   cart.New(st, st, notifier, logger),
		Media:   mediaStore,
		Store:   st,
		Socket:  s.bridge,
		Ingest: &webhook.Ingest{
			Source:  s.bridge,
			Secret:  cfg.Notify.Secret,
			Logger:  logging.Component(logger, "webhook"),
			Observe: s.cache.Invalidate,
		},
		Auth:  auth.First(auth.AdminToken(cfg.Auth.AdminToken), trusted),
		Cache: s.cache,
	}, logger)
	s.handler = apiServer.Handler()
	return s, nil
}

// buildNotifier picks where mutations send their signals.
func buildNotifier(cfg config.Config, bridge notify.BusSource, rl relay.Relay, logger zerolog.Logger) (notify.Notifier, error) {
	switch cfg.Notify.Mode {
	case config.NotifyHTTP:
		return &notify.HTTP{
			BaseURL:       cfg.Notify.URL,
			Authorization: cfg.Notify.Auth,
			Secret:        cfg.Notify.Secret,
		}, nil
	case config.NotifyRelay:
		if rl == nil {
			return nil, fmt.Errorf("%w: notify.mode relay needs relay.driver", config.ErrInvalid)
		}
		return notify.Func(rl.Publish), nil
	default:
		return &notify.Local{Source: bridge, Logger: logging.Component(logger, "notify")}, nil
	}
}

// consume feeds relay signals into the local bus and response cache until
// ctx is done. A consumer that stops early, e.g. after a broker restart, is
// run again with exponential backoff.
func (s *server) consume(ctx context.Context) {
	if s.relay == nil {
		return
	}
	sink := func(sig events.Signal) {
		s.cache.Invalidate(sig)
		if bus, ok := s.bridge.Bus(); ok {
			sig.Apply(bus)
		}
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.relayRetry
	eb.MaxInterval = relayRetryMax
	eb.MaxElapsedTime = 0

	op := func() error {
		started := time.Now()
		err := s.relay.Run(ctx, sink)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if err == nil {
			err = errRelayStopped
		}
		// A consumer that ran for a while was healthy; start the delays over.
		if time.Since(started) > eb.MaxInterval {
			eb.Reset()
		}
		return err
	}
	_ = backoff.RetryNotify(op, backoff.WithContext(eb, ctx), func(err error, wait time.Duration) {
		s.log.Error().Err(err).Dur("retry_in", wait).Msg("relay consumer stopped")
	})
}

func (s *server) close(ctx context.Context) {
	if b, ok := s.bridge.Ready(); ok {
		if err := b.Handler.Shutdown(ctx); err != nil {
			s.log.Warn().Err(err).Msg("closing sockets")
		}
	}
	if s.relay != nil {
		if err := s.relay.Close(); err != nil {
			s.log.Warn().Err(err).Msg("closing relay")
		}
	}
	if err := s.store.Close(ctx); err != nil {
		s.log.Warn().Err(err).Msg("closing store")
	}
}

func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg
	s, err := newServer(ctx, cfg, a.log)
	if err != nil {
		return err
	}

	relayCtx, stopRelay := context.WithCancel(ctx)
	defer stopRelay()
	go s.consume(relayCtx)

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.handler,
		ReadHeaderTimeout: cfg.ReadTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info().
			Str("addr", cfg.Listen).
			Str("env", string(cfg.Env)).
			Str("socket", cfg.SocketPath()).
			Str("notify", cfg.Notify.Mode).
			Str("relay", strings.TrimSpace(cfg.Relay.Driver)).
			Str("store", cfg.Store.Driver).
			Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			s.close(context.Background())
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
		a.log.Info().Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	stopRelay()
	err = httpServer.Shutdown(shutdownCtx)
	s.close(shutdownCtx)
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

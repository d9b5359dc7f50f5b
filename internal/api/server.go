// Package api is the storefront's HTTP surface: catalog reads, admin
// writes, carts, uploads, the realtime socket and the internal notify
// routes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"github.com/stepherg/storefrontgw/internal/auth"
	"github.com/stepherg/storefrontgw/internal/cart"
	"github.com/stepherg/storefrontgw/internal/catalog"
	"github.com/stepherg/storefrontgw/internal/events"
	"github.com/stepherg/storefrontgw/internal/media"
	"github.com/stepherg/storefrontgw/internal/webhook"
)

const maxBody = 1 << 20

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the routes call into. Media and Store may be
// nil.
type Deps struct {
	Catalog *catalog.Service
	Carts   *cart.Service
	Media   media.Store
	Store   Pinger
	Socket  http.Handler
	Ingest  *webhook.Ingest
	Auth    auth.Resolver
	Cache   *Cache
}

type Options struct {
	SocketPath     string
	MediaPrefix    string
	MediaHandler   http.Handler
	AllowedOrigins []string
}

type Server struct {
	opts Options
	deps Deps
	log  zerolog.Logger
}

func New(opts Options, deps Deps, logger zerolog.Logger) *Server {
	if deps.Auth == nil {
		deps.Auth = auth.Anonymous
	}
	return &Server{opts: opts, deps: deps, log: logger.With().Str("component", "api").Logger()}
}

// Handler returns the routed handler wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return Chain(
		Recovery(&s.log),
		Logger(&s.log),
		CORS(s.opts.AllowedOrigins),
		auth.Middleware(s.deps.Auth),
	)(mux)
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok")
	})
	mux.HandleFunc("GET /readyz", s.ready)

	if s.deps.Socket != nil && s.opts.SocketPath != "" {
		mux.Handle(s.opts.SocketPath, s.deps.Socket)
	}
	if s.deps.Ingest != nil {
		mux.Handle("/api/emit-products-update", s.deps.Ingest.Topic(events.TopicProducts))
		mux.Handle("/api/emit-categories-update", s.deps.Ingest.Topic(events.TopicCategories))
		mux.Handle("/api/emit", s.deps.Ingest.Emit())
	}

	mux.HandleFunc("GET /api/products", s.listProducts)
	mux.HandleFunc("GET /api/products/{id}", s.getProduct)
	mux.HandleFunc("GET /api/products/slug/{slug}", s.getProductBySlug)
	mux.HandleFunc("GET /api/categories", s.listCategories)
	mux.HandleFunc("GET /api/categories/{slug}", s.getCategory)

	mux.Handle("POST /admin/api/products", s.admin(s.createProduct))
	mux.Handle("PATCH /admin/api/products", s.admin(s.patchProduct))
	mux.Handle("PUT /admin/api/products/{id}", s.admin(s.updateProduct))
	mux.Handle("DELETE /admin/api/products/{id}", s.admin(s.deleteProduct))
	mux.Handle("POST /admin/api/categories", s.admin(s.createCategory))
	mux.Handle("PUT /admin/api/categories/{id}", s.admin(s.updateCategory))
	mux.Handle("DELETE /admin/api/categories/{id}", s.admin(s.deleteCategory))
	mux.Handle("POST /admin/api/upload", s.admin(s.upload))

	mux.HandleFunc("GET /api/cart", s.getCart)
	mux.HandleFunc("DELETE /api/cart", s.clearCart)
	mux.HandleFunc("POST /api/cart/items", s.addItem)
	mux.HandleFunc("PATCH /api/cart/items/{productId}", s.updateItem)
	mux.HandleFunc("DELETE /api/cart/items/{productId}", s.removeItem)
	mux.HandleFunc("POST /api/cart/merge", s.mergeCart)

	if s.opts.MediaHandler != nil && strings.HasPrefix(s.opts.MediaPrefix, "/") {
		prefix := strings.TrimRight(s.opts.MediaPrefix, "/")
		mux.Handle("GET "+prefix+"/", http.StripPrefix(prefix, s.opts.MediaHandler))
	}
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store != nil {
		if err := s.deps.Store.Ping(r.Context()); err != nil {
			s.log.Warn().Err(err).Msg("store not ready")
			fail(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "store unavailable")
			return
		}
	}
	ok(w, map[string]any{"status": "ready", "cached": s.deps.Cache.Len()})
}

// admin rejects requests whose principal is not an admin.
func (s *Server) admin(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, found := auth.FromContext(r.Context())
		if !found {
			fail(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
			return
		}
		if !p.IsAdmin() {
			fail(w, http.StatusForbidden, "FORBIDDEN", "Admin role required")
			return
		}
		next(w, r)
	})
}

var errBadJSON = errors.New("request body must be a JSON object")

// decodeBody reads a JSON object. An empty body decodes to an empty map.
func decodeBody(r *http.Request) (map[string]any, error) {
	raw := map[string]any{}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return raw, nil
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, errBadJSON
	}
	return raw, nil
}

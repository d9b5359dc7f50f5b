package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stepherg/storefrontgw/internal/auth"
	"github.com/stepherg/storefrontgw/internal/cart"
	"github.com/stepherg/storefrontgw/internal/catalog"
	"github.com/stepherg/storefrontgw/internal/events"
	"github.com/stepherg/storefrontgw/internal/notify"
	"github.com/stepherg/storefrontgw/internal/store"
	"github.com/stepherg/storefrontgw/internal/validate"
	"github.com/stepherg/storefrontgw/internal/webhook"
	"github.com/stepherg/storefrontgw/internal/ws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const socketPath = "/api/socket"

type harness struct {
	srv     *httptest.Server
	lazy    *ws.Lazy
	catalog *catalog.Service
	cache   *Cache
	shoes   int64
}

func newEnv(t *testing.T) *harness {
	t.Helper()
	log := zerolog.Nop()
	mem := store.NewMemory()
	lazy := ws.NewLazy(func() *ws.Bridge { return ws.NewBridge(ws.Options{SendBufSize: 16}, log) }, log)
	cache := NewCache(time.Minute)
	notifier := notify.NewBestEffort(notify.Observe(&notify.Local{Source: lazy, Logger: log}, cache.Invalidate), log)
	cat := catalog.New(mem, notifier, log)
	carts := cart.New(mem, mem, notifier, log)

	shoes, err := cat.CreateCategory(context.Background(), validate.CategoryInput{Name: "Shoes"})
	require.NoError(t, err)

	s := New(Options{SocketPath: socketPath}, Deps{
		Catalog: cat,
		Carts:   carts,
		Store:   mem,
		Socket:  lazy,
		Ingest:  &webhook.Ingest{Source: lazy, Logger: log, Observe: cache.Invalidate},
		Auth:    auth.Headers(),
		Cache:   cache,
	}, log)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &harness{srv: srv, lazy: lazy, catalog: cat, cache: cache, shoes: shoes.ID}
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *Error          `json:"error"`
}

func (e *harness) do(t *testing.T, client *http.Client, method, path, body string, header http.Header) (*http.Response, envelope) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out envelope
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp, out
}

func adminHeader() http.Header {
	return http.Header{auth.UserHeader: {"root"}, auth.RoleHeader: {auth.RoleAdmin}}
}

func (e *harness) dialSocket(t *testing.T) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(e.srv.URL, "http") + socketPath
	c, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

type frame struct {
	Event string  `json:"event"`
	Data  *string `json:"data"`
}

func readFrame(t *testing.T, c *websocket.Conn) frame {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	var f frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func joinTopic(t *testing.T, c *websocket.Conn, topic string) {
	t.Helper()
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"event":"join","data":"`+topic+`"}`)))
	f := readFrame(t, c)
	require.Equal(t, ws.EventJoined, f.Event)
	require.Equal(t, topic, *f.Data)
}

func TestHealthz(t *testing.T) {
	e := newEnv(t)
	resp, err := http.Get(e.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))
}

func TestHealthzDoesNotBuildBridge(t *testing.T) {
	e := newEnv(t)
	resp, err := http.Get(e.srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	_, ready := e.lazy.Ready()
	assert.False(t, ready)
}

func TestMutationBeforeBridgeSucceeds(t *testing.T) {
	e := newEnv(t)
	resp, env := e.do(t, nil, http.MethodPost, "/admin/api/products",
		`{"title":"Runner","price":50,"categoryId":1}`, adminHeader())
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(env.Data))
	_, ready := e.lazy.Ready()
	assert.False(t, ready)
}

func TestAdminPriceChangeReachesJoinedSocket(t *testing.T) {
	e := newEnv(t)
	p, err := e.catalog.CreateProduct(context.Background(), validate.ProductInput{Title: "Runner", Price: 50, CategoryID: e.shoes, IsActive: true})
	require.NoError(t, err)

	c := e.dialSocket(t)
	joinTopic(t, c, events.TopicProducts)

	body, _ := json.Marshal(map[string]any{"id": p.ID, "title": "Runner", "price": 45, "categoryId": e.shoes})
	resp, _ := e.do(t, nil, http.MethodPatch, "/admin/api/products", string(body), adminHeader())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	f := readFrame(t, c)
	assert.Equal(t, "products_updated", f.Event)
	assert.Nil(t, f.Data)

	_, env := e.do(t, nil, http.MethodGet, "/api/products", "", nil)
	var products []store.Product
	require.NoError(t, json.Unmarshal(env.Data, &products))
	require.Len(t, products, 1)
	assert.Equal(t, 45.0, products[0].Price)
}

func TestListCacheInvalidatedByMutation(t *testing.T) {
	e := newEnv(t)
	_, env := e.do(t, nil, http.MethodGet, "/api/products", "", nil)
	assert.JSONEq(t, `[]`, string(env.Data))
	assert.Equal(t, 1, e.cache.Len())

	resp, _ := e.do(t, nil, http.MethodPost, "/admin/api/products",
		`{"title":"Runner","price":50,"categoryId":1}`, adminHeader())
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	_, env = e.do(t, nil, http.MethodGet, "/api/products", "", nil)
	var products []store.Product
	require.NoError(t, json.Unmarshal(env.Data, &products))
	assert.Len(t, products, 1)
}

func TestAdminRequiresRole(t *testing.T) {
	e := newEnv(t)
	body := `{"name":"Hats"}`
	resp, _ := e.do(t, nil, http.MethodPost, "/admin/api/categories", body, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = e.do(t, nil, http.MethodPost, "/admin/api/categories", body, http.Header{auth.UserHeader: {"u1"}})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = e.do(t, nil, http.MethodPost, "/admin/api/categories", body, adminHeader())
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestValidationErrors(t *testing.T) {
	e := newEnv(t)
	resp, env := e.do(t, nil, http.MethodPost, "/admin/api/products", `{"title":"","price":-1}`, adminHeader())
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "VALIDATION_FAILED", env.Error.Code)
	assert.Contains(t, env.Error.Fields, "title")
	assert.Contains(t, env.Error.Fields, "price")
	assert.Contains(t, env.Error.Fields, "categoryId")

	resp, _ = e.do(t, nil, http.MethodPost, "/admin/api/products", `[1,2]`, adminHeader())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = e.do(t, nil, http.MethodGet, "/api/products/abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = e.do(t, nil, http.MethodGet, "/api/products/999", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCategoryBySlugIncludesProducts(t *testing.T) {
	e := newEnv(t)
	_, err := e.catalog.CreateProduct(context.Background(), validate.ProductInput{Title: "Runner", Price: 50, CategoryID: e.shoes, IsActive: true})
	require.NoError(t, err)

	resp, env := e.do(t, nil, http.MethodGet, "/api/categories/shoes", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got struct {
		Slug     string          `json:"slug"`
		Products []store.Product `json:"products"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, "shoes", got.Slug)
	assert.Len(t, got.Products, 1)
}

func TestGuestCartNotifiesCartTopic(t *testing.T) {
	e := newEnv(t)
	p, err := e.catalog.CreateProduct(context.Background(), validate.ProductInput{Title: "Runner", Price: 50, CategoryID: e.shoes, IsActive: true})
	require.NoError(t, err)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := &http.Client{Jar: jar}

	resp, env := e.do(t, client, http.MethodGet, "/api/cart", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view struct {
		ID    string  `json:"id"`
		Topic string  `json:"topic"`
		Total float64 `json:"total"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &view))
	require.NotEmpty(t, view.ID)

	c := e.dialSocket(t)
	joinTopic(t, c, view.Topic)

	body, _ := json.Marshal(map[string]any{"productId": p.ID, "quantity": 2})
	resp, env = e.do(t, client, http.MethodPost, "/api/cart/items", string(body), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(env.Data, &view))
	assert.Equal(t, 100.0, view.Total)

	f := readFrame(t, c)
	assert.Equal(t, "cart_updated", f.Event)
}

func TestCartMergeOnLogin(t *testing.T) {
	e := newEnv(t)
	p, err := e.catalog.CreateProduct(context.Background(), validate.ProductInput{Title: "Runner", Price: 10, CategoryID: e.shoes, IsActive: true})
	require.NoError(t, err)
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := &http.Client{Jar: jar}

	body, _ := json.Marshal(map[string]any{"productId": p.ID, "quantity": 3})
	resp, _ := e.do(t, client, http.MethodPost, "/api/cart/items", string(body), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = e.do(t, client, http.MethodPost, "/api/cart/merge", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	user := http.Header{auth.UserHeader: {"u1"}}
	resp, env := e.do(t, client, http.MethodPost, "/api/cart/merge", "", user)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view struct {
		Items []struct {
			Quantity int `json:"quantity"`
		} `json:"items"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &view))
	require.Len(t, view.Items, 1)
	assert.Equal(t, 3, view.Items[0].Quantity)

	resp, env = e.do(t, nil, http.MethodPatch, "/api/cart/items/"+strconv.FormatInt(p.ID, 10), `{"quantity":0}`, user)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(env.Data, &view))
	assert.Empty(t, view.Items)
}

func TestEmitRoutePublishes(t *testing.T) {
	e := newEnv(t)
	c := e.dialSocket(t)
	joinTopic(t, c, events.TopicCategories)

	resp, err := http.Post(e.srv.URL+"/api/emit-categories-update", "application/json", bytes.NewReader(nil))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "categories_updated", readFrame(t, c).Event)
}

func TestCORSPreflight(t *testing.T) {
	h := CORS([]string{"https://shop.example"})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	req := httptest.NewRequest(http.MethodOptions, "/api/products", nil)
	req.Header.Set("Origin", "https://shop.example")
	req.Header.Set("Access-Control-Request-Method", "GET")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://shop.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/products", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRecoveryReturns500(t *testing.T) {
	log := zerolog.Nop()
	h := Recovery(&log)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaders(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	_, ok := Headers()(r)
	assert.False(t, ok)

	r.Header.Set(UserHeader, "u1")
	p, ok := Headers()(r)
	require.True(t, ok)
	assert.Equal(t, Principal{ID: "u1", Role: RoleCustomer}, p)

	r.Header.Set(RoleHeader, "Admin")
	p, _ = Headers()(r)
	assert.True(t, p.IsAdmin())
}

func TestAdminTokenAndFirst(t *testing.T) {
	resolve := First(nil, AdminToken("s3cret"), Headers())

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer s3cret")
	p, ok := resolve(r)
	require.True(t, ok)
	assert.True(t, p.IsAdmin())

	r.Header.Set("Authorization", "Bearer wrong")
	_, ok = resolve(r)
	assert.False(t, ok)

	_, ok = AdminToken("")(r)
	assert.False(t, ok)
}

func TestMiddlewareStoresPrincipal(t *testing.T) {
	var got Principal
	var present bool
	h := Middleware(Headers())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, present = FromContext(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	h.ServeHTTP(httptest.NewRecorder(), r)
	assert.False(t, present)

	r.Header.Set(UserHeader, "u2")
	h.ServeHTTP(httptest.NewRecorder(), r)
	assert.True(t, present)
	assert.Equal(t, "u2", got.ID)
}

func TestGuestCookie(t *testing.T) {
	rec := httptest.NewRecorder()
	SetGuestID(rec, httptest.NewRequest(http.MethodGet, "/", nil), "g-123")

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, GuestCookie, cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, GuestID(r))
	r.AddCookie(cookies[0])
	assert.Equal(t, "g-123", GuestID(r))
}

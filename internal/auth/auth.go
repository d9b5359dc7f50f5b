// Package auth resolves the principal behind a request and carries the guest
// cart id cookie. Credentials and sessions are issued by an upstream
// identity provider; this package only reads what it forwards.
package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"
)

const (
	RoleAdmin    = "admin"
	RoleCustomer = "customer"

	UserHeader = "X-User-ID"
	RoleHeader = "X-User-Role"

	// GuestCookie holds the guest cart id.
	GuestCookie = "guestCartId"
	guestMaxAge = 30 * 24 * time.Hour
)

type Principal struct {
	ID   string
	Role string
}

func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

// Resolver returns the current principal, or false for an anonymous request.
type Resolver func(r *http.Request) (Principal, bool)

// Headers trusts the identity headers set by the fronting proxy.
func Headers() Resolver {
	return func(r *http.Request) (Principal, bool) {
		id := strings.TrimSpace(r.Header.Get(UserHeader))
		if id == "" {
			return Principal{}, false
		}
		role := strings.ToLower(strings.TrimSpace(r.Header.Get(RoleHeader)))
		if role == "" {
			role = RoleCustomer
		}
		return Principal{ID: id, Role: role}, true
	}
}

// AdminToken grants the admin role to requests bearing token.
func AdminToken(token string) Resolver {
	return func(r *http.Request) (Principal, bool) {
		if token == "" {
			return Principal{}, false
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			return Principal{}, false
		}
		return Principal{ID: "token", Role: RoleAdmin}, true
	}
}

// First returns the first principal any resolver yields.
func First(rs ...Resolver) Resolver {
	return func(r *http.Request) (Principal, bool) {
		for _, res := range rs {
			if res == nil {
				continue
			}
			if p, ok := res(r); ok {
				return p, true
			}
		}
		return Principal{}, false
	}
}

// Anonymous never yields a principal.
func Anonymous(*http.Request) (Principal, bool) { return Principal{}, false }

type ctxKey struct{}

// Middleware stores the resolved principal in the request context.
func Middleware(resolve Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if p, ok := resolve(r); ok {
				r = r.WithContext(context.WithValue(r.Context(), ctxKey{}, p))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok
}

// GuestID returns the guest cart id cookie, or "".
func GuestID(r *http.Request) string {
	c, err := r.Cookie(GuestCookie)
	if err != nil {
		return ""
	}
	return c.Value
}

// SetGuestID stores id in the guest cart cookie.
func SetGuestID(w http.ResponseWriter, r *http.Request, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     GuestCookie,
		Value:    id,
		Path:     "/",
		MaxAge:   int(guestMaxAge / time.Second),
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
}

func ClearGuestID(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{Name: GuestCookie, Value: "", Path: "/", MaxAge: -1, HttpOnly: true})
}

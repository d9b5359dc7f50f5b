package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/stepherg/storefrontgw/internal/auth"
	"github.com/stepherg/storefrontgw/internal/cart"
	"github.com/stepherg/storefrontgw/internal/events"
	"github.com/stepherg/storefrontgw/internal/store"
	"github.com/stepherg/storefrontgw/internal/validate"
)

type lineView struct {
	store.LineItem
	LiveProduct *store.Product `json:"liveProduct"`
}

type cartView struct {
	ID        string     `json:"id"`
	Items     []lineView `json:"items"`
	Total     float64    `json:"total"`
	ExpiresAt time.Time  `json:"expiresAt"`
	// Topic is what a client joins to hear about this cart.
	Topic string `json:"topic"`
}

// owner picks the signed-in user or the guest cookie, minting the cookie
// for first-time guests.
func owner(w http.ResponseWriter, r *http.Request) cart.Owner {
	if p, found := auth.FromContext(r.Context()); found {
		return cart.Owner{UserID: p.ID}
	}
	id := auth.GuestID(r)
	if id == "" {
		id = uuid.NewString()
		auth.SetGuestID(w, r, id)
	}
	return cart.Owner{GuestID: id}
}

// view attaches the current product to every line. Lines keep their
// snapshot when the product is gone.
func (s *Server) view(r *http.Request, c *store.Cart) cartView {
	v := cartView{
		ID:        c.ID,
		Items:     make([]lineView, 0, len(c.Items)),
		Total:     c.Total(),
		ExpiresAt: c.ExpiresAt,
		Topic:     events.CartTopic(c.ID),
	}
	for _, it := range c.Items {
		lv := lineView{LineItem: it}
		if p, err := s.deps.Catalog.Product(r.Context(), it.ProductID); err == nil {
			lv.LiveProduct = p
		}
		v.Items = append(v.Items, lv)
	}
	return v
}

func (s *Server) respondCart(w http.ResponseWriter, r *http.Request, c *store.Cart, err error) {
	if err != nil {
		failErr(w, r, err)
		return
	}
	ok(w, s.view(r, c))
}

func (s *Server) getCart(w http.ResponseWriter, r *http.Request) {
	c, err := s.deps.Carts.Resolve(r.Context(), owner(w, r))
	s.respondCart(w, r, c, err)
}

func (s *Server) clearCart(w http.ResponseWriter, r *http.Request) {
	c, err := s.deps.Carts.Clear(r.Context(), owner(w, r))
	s.respondCart(w, r, c, err)
}

func (s *Server) addItem(w http.ResponseWriter, r *http.Request) {
	raw, err := decodeBody(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	in, err := validate.CartLine(raw, false, false)
	if err != nil {
		failErr(w, r, err)
		return
	}
	c, err := s.deps.Carts.Add(r.Context(), owner(w, r), in.ProductID, in.Quantity)
	s.respondCart(w, r, c, err)
}

func (s *Server) updateItem(w http.ResponseWriter, r *http.Request) {
	productID, valid := validate.ID(r.PathValue("productId"))
	if !valid {
		badRequest(w, "invalid product id")
		return
	}
	raw, err := decodeBody(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	raw["productId"] = float64(productID)
	in, err := validate.CartLine(raw, true, true)
	if err != nil {
		failErr(w, r, err)
		return
	}
	c, err := s.deps.Carts.Update(r.Context(), owner(w, r), productID, in.Quantity)
	s.respondCart(w, r, c, err)
}

func (s *Server) removeItem(w http.ResponseWriter, r *http.Request) {
	productID, valid := validate.ID(r.PathValue("productId"))
	if !valid {
		badRequest(w, "invalid product id")
		return
	}
	c, err := s.deps.Carts.Remove(r.Context(), owner(w, r), productID)
	s.respondCart(w, r, c, err)
}

// mergeCart folds the guest cookie's cart into the signed-in user's cart
// and drops the cookie.
func (s *Server) mergeCart(w http.ResponseWriter, r *http.Request) {
	p, found := auth.FromContext(r.Context())
	if !found {
		fail(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
		return
	}
	c, err := s.deps.Carts.Merge(r.Context(), p.ID, auth.GuestID(r))
	if errors.Is(err, cart.ErrNoOwner) {
		fail(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
		return
	}
	if err == nil {
		auth.ClearGuestID(w)
	}
	s.respondCart(w, r, c, err)
}

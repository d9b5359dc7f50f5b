// Package cart keeps guest and user carts. Every successful write notifies
// the cart's own topic so other tabs of the same shopper refetch.
package cart

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stepherg/storefrontgw/internal/events"
	"github.com/stepherg/storefrontgw/internal/store"
	"github.com/stepherg/storefrontgw/internal/validate"
)

// TTL is how long a cart lives after its last write.
const TTL = 30 * 24 * time.Hour

var (
	ErrUnavailable = errors.New("product unavailable")
	ErrNotInCart   = errors.New("product not in cart")
	ErrNoOwner     = errors.New("cart has no owner")
)

// Owner identifies whose cart a request addresses. UserID wins when both
// are set.
type Owner struct {
	UserID  string
	GuestID string
}

type Products interface {
	Product(ctx context.Context, id int64) (*store.Product, error)
}

type Notifier interface {
	Publish(ctx context.Context, s events.Signal)
}

type Service struct {
	carts    store.Carts
	products Products
	notify   Notifier
	log      zerolog.Logger
	now      func() time.Time
}

func New(carts store.Carts, products Products, n Notifier, logger zerolog.Logger) *Service {
	return &Service{
		carts:    carts,
		products: products,
		notify:   n,
		log:      logger.With().Str("component", "cart").Logger(),
		now:      time.Now,
	}
}

// Resolve returns the owner's cart, creating it when absent or expired. A
// guest without an id gets a fresh one; the returned cart carries it in
// GuestID.
func (s *Service) Resolve(ctx context.Context, o Owner) (*store.Cart, error) {
	var (
		c   *store.Cart
		err error
	)
	switch {
	case o.UserID != "":
		c, err = s.carts.CartByUser(ctx, o.UserID)
	case o.GuestID != "":
		c, err = s.carts.CartByGuest(ctx, o.GuestID)
	default:
		o.GuestID = uuid.NewString()
		err = store.ErrNotFound
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if c != nil && s.now().Before(c.ExpiresAt) {
		return c, nil
	}
	if c != nil {
		if err := s.carts.DeleteCart(ctx, c.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	c = &store.Cart{ID: uuid.NewString(), Items: []store.LineItem{}}
	if o.UserID != "" {
		c.UserID = o.UserID
	} else {
		c.GuestID = o.GuestID
	}
	if err := s.save(ctx, c); err != nil {
		return nil, err
	}
	s.log.Debug().Str("cart", c.ID).Str("user", c.UserID).Str("guest", c.GuestID).Msg("cart created")
	return c, nil
}

func (s *Service) save(ctx context.Context, c *store.Cart) error {
	c.ExpiresAt = s.now().Add(TTL)
	if err := s.carts.SaveCart(ctx, c); err != nil {
		return fmt.Errorf("save cart %s: %w", c.ID, err)
	}
	return nil
}

func (s *Service) changed(ctx context.Context, cartID string) {
	if s.notify != nil {
		s.notify.Publish(ctx, events.TopicSignal(events.CartTopic(cartID)))
	}
}

func (s *Service) commit(ctx context.Context, c *store.Cart) (*store.Cart, error) {
	if err := s.save(ctx, c); err != nil {
		return nil, err
	}
	s.changed(ctx, c.ID)
	return c, nil
}

func capQuantity(q int) int {
	if q > validate.MaxQuantity {
		return validate.MaxQuantity
	}
	return q
}

// Add puts qty of a product in the cart, summing with an existing line. The
// line snapshots the product's title, price and image.
func (s *Service) Add(ctx context.Context, o Owner, productID int64, qty int) (*store.Cart, error) {
	p, err := s.products.Product(ctx, productID)
	if err != nil {
		return nil, err
	}
	if !p.IsActive {
		return nil, fmt.Errorf("product %d: %w", productID, ErrUnavailable)
	}
	c, err := s.Resolve(ctx, o)
	if err != nil {
		return nil, err
	}
	if line := c.Item(productID); line != nil {
		line.Quantity = capQuantity(line.Quantity + qty)
		line.Title, line.Price, line.Image = p.Title, p.Price, p.ImageURL
	} else {
		c.Items = append(c.Items, store.LineItem{
			ID:        uuid.NewString(),
			ProductID: productID,
			Quantity:  capQuantity(qty),
			Title:     p.Title,
			Price:     p.Price,
			Image:     p.ImageURL,
		})
	}
	return s.commit(ctx, c)
}

// Update sets a line's quantity. Zero removes the line.
func (s *Service) Update(ctx context.Context, o Owner, productID int64, qty int) (*store.Cart, error) {
	if qty == 0 {
		return s.Remove(ctx, o, productID)
	}
	c, err := s.Resolve(ctx, o)
	if err != nil {
		return nil, err
	}
	line := c.Item(productID)
	if line == nil {
		return nil, fmt.Errorf("product %d: %w", productID, ErrNotInCart)
	}
	line.Quantity = capQuantity(qty)
	return s.commit(ctx, c)
}

func (s *Service) Remove(ctx context.Context, o Owner, productID int64) (*store.Cart, error) {
	c, err := s.Resolve(ctx, o)
	if err != nil {
		return nil, err
	}
	kept := c.Items[:0]
	for _, it := range c.Items {
		if it.ProductID != productID {
			kept = append(kept, it)
		}
	}
	if len(kept) == len(c.Items) {
		return nil, fmt.Errorf("product %d: %w", productID, ErrNotInCart)
	}
	c.Items = kept
	return s.commit(ctx, c)
}

func (s *Service) Clear(ctx context.Context, o Owner) (*store.Cart, error) {
	c, err := s.Resolve(ctx, o)
	if err != nil {
		return nil, err
	}
	c.Items = []store.LineItem{}
	return s.commit(ctx, c)
}

// Merge folds the guest cart into the user's cart after login. Without a
// user cart the guest cart is handed over as is; otherwise quantities are
// summed and the guest cart is deleted. A missing guest cart is not an
// error.
func (s *Service) Merge(ctx context.Context, userID, guestID string) (*store.Cart, error) {
	if userID == "" {
		return nil, ErrNoOwner
	}
	if guestID == "" {
		return s.Resolve(ctx, Owner{UserID: userID})
	}
	guest, err := s.carts.CartByGuest(ctx, guestID)
	if errors.Is(err, store.ErrNotFound) {
		return s.Resolve(ctx, Owner{UserID: userID})
	}
	if err != nil {
		return nil, err
	}

	user, err := s.carts.CartByUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		guest.UserID = userID
		guest.GuestID = ""
		out, err := s.commit(ctx, guest)
		if err == nil {
			s.log.Info().Str("cart", guest.ID).Str("user", userID).Msg("guest cart reassigned")
		}
		return out, err
	}
	if err != nil {
		return nil, err
	}

	for _, it := range guest.Items {
		if line := user.Item(it.ProductID); line != nil {
			line.Quantity = capQuantity(line.Quantity + it.Quantity)
			continue
		}
		it.ID = uuid.NewString()
		user.Items = append(user.Items, it)
	}
	if _, err := s.commit(ctx, user); err != nil {
		return nil, err
	}
	if err := s.carts.DeleteCart(ctx, guest.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	s.changed(ctx, guest.ID)
	s.log.Info().Str("cart", user.ID).Str("guest_cart", guest.ID).Int("items", len(guest.Items)).Msg("carts merged")
	return user, nil
}

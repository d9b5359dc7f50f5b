// Package catalog implements product and category reads and writes. Every
// successful write is followed by a realtime notification.
package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/stepherg/storefrontgw/internal/events"
	"github.com/stepherg/storefrontgw/internal/store"
	"github.com/stepherg/storefrontgw/internal/validate"
)

// Listing limits.
const (
	DefaultLimit = 20
	MaxLimit     = 100
	SearchLimit  = 50
)

// slugAttempts bounds retries when a concurrent writer takes a slug
// between the lookup and the insert.
const slugAttempts = 3

// Notifier receives change signals. Implementations must not fail the
// caller.
type Notifier interface {
	Publish(ctx context.Context, s events.Signal)
}

type Service struct {
	store  store.Catalog
	notify Notifier
	log    zerolog.Logger
}

func New(st store.Catalog, n Notifier, logger zerolog.Logger) *Service {
	return &Service{store: st, notify: n, log: logger.With().Str("component", "catalog").Logger()}
}

func (s *Service) changed(ctx context.Context, topics ...string) {
	if s.notify == nil {
		return
	}
	for _, t := range topics {
		s.notify.Publish(ctx, events.TopicSignal(t))
	}
}

// ListOptions selects a page of products. A non-empty Search caps the page
// at SearchLimit. Category filters by category slug.
type ListOptions struct {
	Search   string
	Category string
	Limit    int
	Page     int
}

func (s *Service) Products(ctx context.Context, opts ListOptions) ([]store.Product, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if opts.Search != "" && limit > SearchLimit {
		limit = SearchLimit
	}
	page := opts.Page
	if page < 1 {
		page = 1
	}
	q := store.ProductQuery{Search: opts.Search, Limit: limit, Page: page}
	if opts.Category != "" {
		c, err := s.store.CategoryBySlug(ctx, opts.Category)
		if err != nil {
			return nil, err
		}
		q.CategoryID = c.ID
	}
	return s.store.Products(ctx, q)
}

func (s *Service) Product(ctx context.Context, id int64) (*store.Product, error) {
	return s.store.Product(ctx, id)
}

func (s *Service) ProductBySlug(ctx context.Context, slug string) (*store.Product, error) {
	return s.store.ProductBySlug(ctx, slug)
}

func (s *Service) Categories(ctx context.Context, search string) ([]store.Category, error) {
	return s.store.Categories(ctx, search)
}

// CategoryWithProducts returns the category with slug and its products,
// newest first.
func (s *Service) CategoryWithProducts(ctx context.Context, slug string) (*store.Category, []store.Product, error) {
	c, err := s.store.CategoryBySlug(ctx, slug)
	if err != nil {
		return nil, nil, err
	}
	products, err := s.store.Products(ctx, store.ProductQuery{CategoryID: c.ID})
	if err != nil {
		return nil, nil, err
	}
	return c, products, nil
}

func (s *Service) slugFor(kind store.Kind, exceptID int64) func(context.Context, string) (bool, error) {
	return func(ctx context.Context, slug string) (bool, error) {
		return s.store.SlugExists(ctx, kind, slug, exceptID)
	}
}

// withSlug retries write when the store reports a slug conflict.
func withSlug(ctx context.Context, base string, taken func(context.Context, string) (bool, error), write func(slug string) error) error {
	var err error
	for i := 0; i < slugAttempts; i++ {
		var slug string
		slug, err = uniqueSlug(ctx, base, taken)
		if err != nil {
			return err
		}
		if err = write(slug); !errors.Is(err, store.ErrConflict) {
			return err
		}
	}
	return err
}

func applyProduct(p *store.Product, in validate.ProductInput) {
	p.Title = in.Title
	p.Description = in.Description
	p.Price = in.Price
	p.ImageURL = in.ImageURL
	p.CategoryID = in.CategoryID
	p.Stock = in.Stock
	p.IsActive = in.IsActive
}

func (s *Service) CreateProduct(ctx context.Context, in validate.ProductInput) (*store.Product, error) {
	p := &store.Product{}
	applyProduct(p, in)
	err := withSlug(ctx, Slugify(in.Title), s.slugFor(store.KindProduct, 0), func(slug string) error {
		p.Slug = slug
		return s.store.CreateProduct(ctx, p)
	})
	if err != nil {
		return nil, fmt.Errorf("create product: %w", err)
	}
	s.log.Info().Int64("id", p.ID).Str("slug", p.Slug).Msg("product created")
	s.changed(ctx, events.TopicProducts)
	return p, nil
}

// UpdateProduct replaces the product's fields. The slug is regenerated only
// when the title changes.
func (s *Service) UpdateProduct(ctx context.Context, id int64, in validate.ProductInput) (*store.Product, error) {
	p, err := s.store.Product(ctx, id)
	if err != nil {
		return nil, err
	}
	titleChanged := p.Title != in.Title
	applyProduct(p, in)
	p.Category = nil
	if titleChanged {
		err = withSlug(ctx, Slugify(in.Title), s.slugFor(store.KindProduct, id), func(slug string) error {
			p.Slug = slug
			return s.store.UpdateProduct(ctx, p)
		})
	} else {
		err = s.store.UpdateProduct(ctx, p)
	}
	if err != nil {
		return nil, fmt.Errorf("update product %d: %w", id, err)
	}
	s.log.Info().Int64("id", id).Msg("product updated")
	s.changed(ctx, events.TopicProducts)
	return p, nil
}

func (s *Service) DeleteProduct(ctx context.Context, id int64) error {
	if err := s.store.DeleteProduct(ctx, id); err != nil {
		return err
	}
	s.log.Info().Int64("id", id).Msg("product deleted")
	s.changed(ctx, events.TopicProducts)
	return nil
}

func (s *Service) CreateCategory(ctx context.Context, in validate.CategoryInput) (*store.Category, error) {
	c := &store.Category{Name: in.Name}
	err := withSlug(ctx, Slugify(in.Name), s.slugFor(store.KindCategory, 0), func(slug string) error {
		c.Slug = slug
		return s.store.CreateCategory(ctx, c)
	})
	if err != nil {
		return nil, fmt.Errorf("create category: %w", err)
	}
	s.log.Info().Int64("id", c.ID).Str("slug", c.Slug).Msg("category created")
	s.changed(ctx, events.TopicCategories)
	return c, nil
}

// UpdateCategory renames a category. Product listings embed the category,
// so both topics are notified.
func (s *Service) UpdateCategory(ctx context.Context, id int64, in validate.CategoryInput) (*store.Category, error) {
	c, err := s.store.Category(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Name != in.Name {
		c.Name = in.Name
		err = withSlug(ctx, Slugify(in.Name), s.slugFor(store.KindCategory, id), func(slug string) error {
			c.Slug = slug
			return s.store.UpdateCategory(ctx, c)
		})
	} else {
		err = s.store.UpdateCategory(ctx, c)
	}
	if err != nil {
		return nil, fmt.Errorf("update category %d: %w", id, err)
	}
	s.log.Info().Int64("id", id).Msg("category updated")
	s.changed(ctx, events.TopicCategories, events.TopicProducts)
	return c, nil
}

func (s *Service) DeleteCategory(ctx context.Context, id int64) error {
	if err := s.store.DeleteCategory(ctx, id); err != nil {
		return err
	}
	s.log.Info().Int64("id", id).Msg("category deleted")
	s.changed(ctx, events.TopicCategories)
	return nil
}

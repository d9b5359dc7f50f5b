package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is a process-local Store for development and tests.
type Memory struct {
	mu         sync.RWMutex
	categories map[int64]Category
	products   map[int64]Product
	carts      map[string]*Cart
	nextCat    int64
	nextProd   int64
	now        func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		categories: make(map[int64]Category),
		products:   make(map[int64]Product),
		carts:      make(map[string]*Cart),
		now:        time.Now,
	}
}

func (m *Memory) Ping(context.Context) error  { return nil }
func (m *Memory) Close(context.Context) error { return nil }

func (m *Memory) Categories(_ context.Context, search string) ([]Category, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	needle := strings.ToLower(strings.TrimSpace(search))
	out := make([]Category, 0, len(m.categories))
	for _, c := range m.categories {
		if needle == "" || strings.Contains(strings.ToLower(c.Name), needle) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) Category(_ context.Context, id int64) (*Category, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.categories[id]
	if !ok {
		return nil, fmt.Errorf("category %d: %w", id, ErrNotFound)
	}
	return &c, nil
}

func (m *Memory) CategoryBySlug(_ context.Context, slug string) (*Category, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.categories {
		if c.Slug == slug {
			return &c, nil
		}
	}
	return nil, fmt.Errorf("category %q: %w", slug, ErrNotFound)
}

func (m *Memory) CreateCategory(_ context.Context, c *Category) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.categorySlugTakenLocked(c.Slug, 0) {
		return fmt.Errorf("category slug %q: %w", c.Slug, ErrConflict)
	}
	m.nextCat++
	now := m.now()
	c.ID = m.nextCat
	c.CreatedAt, c.UpdatedAt = now, now
	m.categories[c.ID] = *c
	return nil
}

func (m *Memory) UpdateCategory(_ context.Context, c *Category) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.categories[c.ID]
	if !ok {
		return fmt.Errorf("category %d: %w", c.ID, ErrNotFound)
	}
	if m.categorySlugTakenLocked(c.Slug, c.ID) {
		return fmt.Errorf("category slug %q: %w", c.Slug, ErrConflict)
	}
	c.CreatedAt = old.CreatedAt
	c.UpdatedAt = m.now()
	m.categories[c.ID] = *c
	return nil
}

func (m *Memory) DeleteCategory(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.categories[id]; !ok {
		return fmt.Errorf("category %d: %w", id, ErrNotFound)
	}
	for _, p := range m.products {
		if p.CategoryID == id {
			return fmt.Errorf("category %d has products: %w", id, ErrConflict)
		}
	}
	delete(m.categories, id)
	return nil
}

func (m *Memory) categorySlugTakenLocked(slug string, except int64) bool {
	for _, c := range m.categories {
		if c.Slug == slug && c.ID != except {
			return true
		}
	}
	return false
}

func (m *Memory) productSlugTakenLocked(slug string, except int64) bool {
	for _, p := range m.products {
		if p.Slug == slug && p.ID != except {
			return true
		}
	}
	return false
}

func (m *Memory) SlugExists(_ context.Context, kind Kind, slug string, exceptID int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch kind {
	case KindCategory:
		return m.categorySlugTakenLocked(slug, exceptID), nil
	case KindProduct:
		return m.productSlugTakenLocked(slug, exceptID), nil
	}
	return false, fmt.Errorf("unknown kind %q", kind)
}

func (m *Memory) withCategoryLocked(p Product) Product {
	if c, ok := m.categories[p.CategoryID]; ok {
		p.Category = &c
	}
	return p
}

func (m *Memory) Products(_ context.Context, q ProductQuery) ([]Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	needle := strings.ToLower(strings.TrimSpace(q.Search))
	var out []Product
	for _, p := range m.products {
		if q.CategoryID != 0 && p.CategoryID != q.CategoryID {
			continue
		}
		p = m.withCategoryLocked(p)
		if needle != "" && !productMatches(p, needle) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID > out[j].ID
	})
	off := q.offset()
	if off >= len(out) {
		return []Product{}, nil
	}
	out = out[off:]
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func productMatches(p Product, needle string) bool {
	if strings.Contains(strings.ToLower(p.Title), needle) ||
		strings.Contains(strings.ToLower(p.Description), needle) {
		return true
	}
	if p.Category != nil {
		return strings.Contains(strings.ToLower(p.Category.Name), needle) ||
			strings.Contains(strings.ToLower(p.Category.Slug), needle)
	}
	return false
}

func (m *Memory) Product(_ context.Context, id int64) (*Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[id]
	if !ok {
		return nil, fmt.Errorf("product %d: %w", id, ErrNotFound)
	}
	p = m.withCategoryLocked(p)
	return &p, nil
}

func (m *Memory) ProductBySlug(_ context.Context, slug string) (*Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.products {
		if p.Slug == slug {
			p = m.withCategoryLocked(p)
			return &p, nil
		}
	}
	return nil, fmt.Errorf("product %q: %w", slug, ErrNotFound)
}

func (m *Memory) CreateProduct(_ context.Context, p *Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.categories[p.CategoryID]; !ok {
		return fmt.Errorf("category %d: %w", p.CategoryID, ErrNotFound)
	}
	if m.productSlugTakenLocked(p.Slug, 0) {
		return fmt.Errorf("product slug %q: %w", p.Slug, ErrConflict)
	}
	m.nextProd++
	now := m.now()
	p.ID = m.nextProd
	p.CreatedAt, p.UpdatedAt = now, now
	stored := *p
	stored.Category = nil
	m.products[p.ID] = stored
	return nil
}

func (m *Memory) UpdateProduct(_ context.Context, p *Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.products[p.ID]
	if !ok {
		return fmt.Errorf("product %d: %w", p.ID, ErrNotFound)
	}
	if _, ok := m.categories[p.CategoryID]; !ok {
		return fmt.Errorf("category %d: %w", p.CategoryID, ErrNotFound)
	}
	if m.productSlugTakenLocked(p.Slug, p.ID) {
		return fmt.Errorf("product slug %q: %w", p.Slug, ErrConflict)
	}
	p.CreatedAt = old.CreatedAt
	p.UpdatedAt = m.now()
	stored := *p
	stored.Category = nil
	m.products[p.ID] = stored
	return nil
}

func (m *Memory) DeleteProduct(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.products[id]; !ok {
		return fmt.Errorf("product %d: %w", id, ErrNotFound)
	}
	delete(m.products, id)
	return nil
}

func (m *Memory) Cart(_ context.Context, id string) (*Cart, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.carts[id]
	if !ok {
		return nil, fmt.Errorf("cart %s: %w", id, ErrNotFound)
	}
	return c.clone(), nil
}

func (m *Memory) findCart(match func(*Cart) bool) (*Cart, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.carts {
		if match(c) {
			return c.clone(), true
		}
	}
	return nil, false
}

func (m *Memory) CartByUser(_ context.Context, userID string) (*Cart, error) {
	if c, ok := m.findCart(func(c *Cart) bool { return c.UserID == userID }); ok {
		return c, nil
	}
	return nil, fmt.Errorf("cart for user %s: %w", userID, ErrNotFound)
}

func (m *Memory) CartByGuest(_ context.Context, guestID string) (*Cart, error) {
	if c, ok := m.findCart(func(c *Cart) bool { return c.GuestID == guestID && c.UserID == "" }); ok {
		return c, nil
	}
	return nil, fmt.Errorf("cart for guest %s: %w", guestID, ErrNotFound)
}

func (m *Memory) SaveCart(_ context.Context, c *Cart) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if existing, ok := m.carts[c.ID]; ok {
		c.CreatedAt = existing.CreatedAt
	} else if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	m.carts[c.ID] = c.clone()
	return nil
}

func (m *Memory) DeleteCart(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.carts[id]; !ok {
		return fmt.Errorf("cart %s: %w", id, ErrNotFound)
	}
	delete(m.carts, id)
	return nil
}

// Package store defines the persistence contract for catalog and carts and
// ships an in-memory and a MongoDB implementation.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// Kind names an entity that owns a slug namespace.
type Kind string

const (
	KindProduct  Kind = "product"
	KindCategory Kind = "category"
)

type Category struct {
	ID        int64     `json:"id" bson:"_id"`
	Name      string    `json:"name" bson:"name"`
	Slug      string    `json:"slug" bson:"slug"`
	CreatedAt time.Time `json:"createdAt" bson:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" bson:"updated_at"`
}

type Product struct {
	ID          int64     `json:"id" bson:"_id"`
	Title       string    `json:"title" bson:"title"`
	Slug        string    `json:"slug" bson:"slug"`
	Description string    `json:"description,omitempty" bson:"description,omitempty"`
	Price       float64   `json:"price" bson:"price"`
	ImageURL    string    `json:"imageUrl,omitempty" bson:"image_url,omitempty"`
	CategoryID  int64     `json:"categoryId" bson:"category_id"`
	Stock       int       `json:"stock" bson:"stock"`
	IsActive    bool      `json:"isActive" bson:"is_active"`
	Category    *Category `json:"category,omitempty" bson:"-"`
	CreatedAt   time.Time `json:"createdAt" bson:"created_at"`
	UpdatedAt   time.Time `json:"updatedAt" bson:"updated_at"`
}

type LineItem struct {
	ID        string  `json:"id" bson:"id"`
	ProductID int64   `json:"productId" bson:"product_id"`
	Quantity  int     `json:"quantity" bson:"quantity"`
	Title     string  `json:"title" bson:"title"`
	Price     float64 `json:"price" bson:"price"`
	Image     string  `json:"image,omitempty" bson:"image,omitempty"`
}

type Cart struct {
	ID        string     `json:"id" bson:"_id"`
	UserID    string     `json:"userId,omitempty" bson:"user_id,omitempty"`
	GuestID   string     `json:"guestId,omitempty" bson:"guest_id,omitempty"`
	Items     []LineItem `json:"items" bson:"items"`
	ExpiresAt time.Time  `json:"expiresAt" bson:"expires_at"`
	CreatedAt time.Time  `json:"createdAt" bson:"created_at"`
	UpdatedAt time.Time  `json:"updatedAt" bson:"updated_at"`
}

// Total is the sum of price times quantity over all items.
func (c *Cart) Total() float64 {
	var t float64
	for _, it := range c.Items {
		t += it.Price * float64(it.Quantity)
	}
	return t
}

// Item returns the line for productID, or nil.
func (c *Cart) Item(productID int64) *LineItem {
	for i := range c.Items {
		if c.Items[i].ProductID == productID {
			return &c.Items[i]
		}
	}
	return nil
}

func (c *Cart) clone() *Cart {
	out := *c
	out.Items = append([]LineItem(nil), c.Items...)
	return &out
}

// ProductQuery filters and pages product listings. Search is a
// case-insensitive substring match on title, description and the
// category's name or slug.
type ProductQuery struct {
	Search     string
	CategoryID int64
	Limit      int
	Page       int // 1-based
}

func (q ProductQuery) offset() int {
	if q.Page <= 1 || q.Limit <= 0 {
		return 0
	}
	return (q.Page - 1) * q.Limit
}

type Catalog interface {
	Categories(ctx context.Context, search string) ([]Category, error)
	Category(ctx context.Context, id int64) (*Category, error)
	CategoryBySlug(ctx context.Context, slug string) (*Category, error)
	CreateCategory(ctx context.Context, c *Category) error
	UpdateCategory(ctx context.Context, c *Category) error
	DeleteCategory(ctx context.Context, id int64) error

	Products(ctx context.Context, q ProductQuery) ([]Product, error)
	Product(ctx context.Context, id int64) (*Product, error)
	ProductBySlug(ctx context.Context, slug string) (*Product, error)
	CreateProduct(ctx context.Context, p *Product) error
	UpdateProduct(ctx context.Context, p *Product) error
	DeleteProduct(ctx context.Context, id int64) error

	// SlugExists reports whether slug is used by an entity of kind other
	// than exceptID.
	SlugExists(ctx context.Context, kind Kind, slug string, exceptID int64) (bool, error)
}

type Carts interface {
	Cart(ctx context.Context, id string) (*Cart, error)
	CartByUser(ctx context.Context, userID string) (*Cart, error)
	CartByGuest(ctx context.Context, guestID string) (*Cart, error)
	SaveCart(ctx context.Context, c *Cart) error
	DeleteCart(ctx context.Context, id string) error
}

// Store is the full persistence surface.
type Store interface {
	Catalog
	Carts
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

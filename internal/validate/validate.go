// Package validate turns raw decoded request bodies into typed input or a
// set of per-field messages.
package validate

import (
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Cart quantity bounds.
const (
	MinQuantity = 1
	MaxQuantity = 100
)

// Errors maps a field name to what is wrong with it.
type Errors map[string]string

func (e Errors) Error() string {
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e Errors) add(field, msg string) {
	if _, ok := e[field]; !ok {
		e[field] = msg
	}
}

func (e Errors) err() error {
	if len(e) == 0 {
		return nil
	}
	return e
}

type ProductInput struct {
	Title       string
	Description string
	Price       float64
	ImageURL    string
	CategoryID  int64
	Stock       int
	IsActive    bool
}

type CategoryInput struct {
	Name string
}

type CartLineInput struct {
	ProductID int64
	Quantity  int
}

// Product validates a product body: title required, price positive,
// imageUrl an absolute http(s) URL when present, categoryId a positive
// integer, stock a non-negative integer.
func Product(raw map[string]any) (ProductInput, error) {
	errs := Errors{}
	in := ProductInput{IsActive: true}

	in.Title = requiredString(errs, raw, "title")
	in.Description = optionalString(errs, raw, "description")

	if price, ok := number(errs, raw, "price", true); ok {
		if price <= 0 {
			errs.add("price", "must be greater than 0")
		}
		in.Price = price
	}

	if u := optionalString(errs, raw, "imageUrl"); u != "" {
		parsed, err := url.Parse(u)
		if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
			errs.add("imageUrl", "must be a valid URL")
		}
		in.ImageURL = u
	}

	if id, ok := integer(errs, raw, "categoryId", true); ok {
		if id <= 0 {
			errs.add("categoryId", "must be a positive integer")
		}
		in.CategoryID = id
	}

	if stock, ok := integer(errs, raw, "stock", false); ok {
		if stock < 0 {
			errs.add("stock", "must not be negative")
		}
		in.Stock = int(stock)
	}

	if v, present := raw["isActive"]; present && v != nil {
		b, ok := v.(bool)
		if !ok {
			errs.add("isActive", "must be a boolean")
		}
		in.IsActive = b
	}
	return in, errs.err()
}

// Category validates a category body: name required.
func Category(raw map[string]any) (CategoryInput, error) {
	errs := Errors{}
	in := CategoryInput{Name: requiredString(errs, raw, "name")}
	return in, errs.err()
}

// CartLine validates {productId, quantity}. When quantityRequired is false
// a missing quantity means 1. allowZero admits 0 (remove the line).
func CartLine(raw map[string]any, quantityRequired, allowZero bool) (CartLineInput, error) {
	errs := Errors{}
	var in CartLineInput
	if id, ok := integer(errs, raw, "productId", true); ok {
		if id <= 0 {
			errs.add("productId", "must be a positive integer")
		}
		in.ProductID = id
	}
	in.Quantity = 1
	if q, ok := integer(errs, raw, "quantity", quantityRequired); ok {
		in.Quantity = int(q)
		if err := Quantity(in.Quantity, allowZero); err != "" {
			errs.add("quantity", err)
		}
	}
	return in, errs.err()
}

// Quantity returns a message when q is out of range, or "".
func Quantity(q int, allowZero bool) string {
	if allowZero && q == 0 {
		return ""
	}
	if q < MinQuantity || q > MaxQuantity {
		return "must be between " + strconv.Itoa(MinQuantity) + " and " + strconv.Itoa(MaxQuantity)
	}
	return ""
}

// ID parses a positive integer path parameter.
func ID(s string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	return id, err == nil && id > 0
}

func requiredString(errs Errors, raw map[string]any, key string) string {
	v, present := raw[key]
	if !present || v == nil {
		errs.add(key, "is required")
		return ""
	}
	s, ok := v.(string)
	if !ok {
		errs.add(key, "must be a string")
		return ""
	}
	s = strings.TrimSpace(s)
	if s == "" {
		errs.add(key, "must not be empty")
	}
	return s
}

func optionalString(errs Errors, raw map[string]any, key string) string {
	v, present := raw[key]
	if !present || v == nil {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		errs.add(key, "must be a string")
		return ""
	}
	return strings.TrimSpace(s)
}

// number accepts JSON numbers and numeric strings.
func number(errs Errors, raw map[string]any, key string, required bool) (float64, bool) {
	v, present := raw[key]
	if !present || v == nil {
		if required {
			errs.add(key, "is required")
		}
		return 0, false
	}
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			errs.add(key, "must be a number")
			return 0, false
		}
		f = parsed
	default:
		errs.add(key, "must be a number")
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		errs.add(key, "must be a finite number")
		return 0, false
	}
	return f, true
}

func integer(errs Errors, raw map[string]any, key string, required bool) (int64, bool) {
	f, ok := number(errs, raw, key, required)
	if !ok {
		return 0, false
	}
	if f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		errs.add(key, "must be an integer")
		return 0, false
	}
	return int64(f), true
}

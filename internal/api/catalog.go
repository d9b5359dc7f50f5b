package api

import (
	"net/http"
	"strconv"

	"github.com/stepherg/storefrontgw/internal/catalog"
	"github.com/stepherg/storefrontgw/internal/media"
	"github.com/stepherg/storefrontgw/internal/store"
	"github.com/stepherg/storefrontgw/internal/validate"
)

func queryInt(r *http.Request, key string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return n
}

func (s *Server) listProducts(w http.ResponseWriter, r *http.Request) {
	opts := catalog.ListOptions{
		Search:   r.URL.Query().Get("q"),
		Category: r.URL.Query().Get("category"),
		Limit:    queryInt(r, "limit"),
		Page:     queryInt(r, "page"),
	}
	v, err := s.deps.Cache.Fetch(r.URL.RequestURI(), func() (any, error) {
		products, err := s.deps.Catalog.Products(r.Context(), opts)
		if products == nil {
			products = []store.Product{}
		}
		return products, err
	})
	if err != nil {
		failErr(w, r, err)
		return
	}
	products := v.([]store.Product)
	w.Header().Set("X-Products-Count", strconv.Itoa(len(products)))
	ok(w, products)
}

func (s *Server) getProduct(w http.ResponseWriter, r *http.Request) {
	id, valid := validate.ID(r.PathValue("id"))
	if !valid {
		badRequest(w, "invalid product id")
		return
	}
	p, err := s.deps.Catalog.Product(r.Context(), id)
	if err != nil {
		failErr(w, r, err)
		return
	}
	ok(w, p)
}

func (s *Server) getProductBySlug(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Catalog.ProductBySlug(r.Context(), r.PathValue("slug"))
	if err != nil {
		failErr(w, r, err)
		return
	}
	ok(w, p)
}

func (s *Server) listCategories(w http.ResponseWriter, r *http.Request) {
	v, err := s.deps.Cache.Fetch(r.URL.RequestURI(), func() (any, error) {
		categories, err := s.deps.Catalog.Categories(r.Context(), r.URL.Query().Get("q"))
		if categories == nil {
			categories = []store.Category{}
		}
		return categories, err
	})
	if err != nil {
		failErr(w, r, err)
		return
	}
	ok(w, v)
}

type categoryView struct {
	*store.Category
	Products []store.Product `json:"products"`
}

func (s *Server) getCategory(w http.ResponseWriter, r *http.Request) {
	v, err := s.deps.Cache.Fetch(r.URL.RequestURI(), func() (any, error) {
		c, products, err := s.deps.Catalog.CategoryWithProducts(r.Context(), r.PathValue("slug"))
		if err != nil {
			return nil, err
		}
		if products == nil {
			products = []store.Product{}
		}
		return categoryView{Category: c, Products: products}, nil
	})
	if err != nil {
		failErr(w, r, err)
		return
	}
	ok(w, v)
}

// bodyID reads a positive integer id from a decoded body.
func bodyID(raw map[string]any) (int64, bool) {
	switch v := raw["id"].(type) {
	case float64:
		if v > 0 && v == float64(int64(v)) {
			return int64(v), true
		}
	case string:
		return validate.ID(v)
	}
	return 0, false
}

func (s *Server) createProduct(w http.ResponseWriter, r *http.Request) {
	raw, err := decodeBody(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	in, err := validate.Product(raw)
	if err != nil {
		failErr(w, r, err)
		return
	}
	p, err := s.deps.Catalog.CreateProduct(r.Context(), in)
	if err != nil {
		failErr(w, r, err)
		return
	}
	created(w, p)
}

func (s *Server) writeProduct(w http.ResponseWriter, r *http.Request, id int64, raw map[string]any) {
	in, err := validate.Product(raw)
	if err != nil {
		failErr(w, r, err)
		return
	}
	p, err := s.deps.Catalog.UpdateProduct(r.Context(), id, in)
	if err != nil {
		failErr(w, r, err)
		return
	}
	ok(w, p)
}

// patchProduct takes the id from the body.
func (s *Server) patchProduct(w http.ResponseWriter, r *http.Request) {
	raw, err := decodeBody(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	id, valid := bodyID(raw)
	if !valid {
		failErr(w, r, validate.Errors{"id": "must be a positive integer"})
		return
	}
	s.writeProduct(w, r, id, raw)
}

func (s *Server) updateProduct(w http.ResponseWriter, r *http.Request) {
	id, valid := validate.ID(r.PathValue("id"))
	if !valid {
		badRequest(w, "invalid product id")
		return
	}
	raw, err := decodeBody(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	s.writeProduct(w, r, id, raw)
}

func (s *Server) deleteProduct(w http.ResponseWriter, r *http.Request) {
	id, valid := validate.ID(r.PathValue("id"))
	if !valid {
		badRequest(w, "invalid product id")
		return
	}
	if err := s.deps.Catalog.DeleteProduct(r.Context(), id); err != nil {
		failErr(w, r, err)
		return
	}
	ok(w, map[string]any{"id": id, "deleted": true})
}

func (s *Server) createCategory(w http.ResponseWriter, r *http.Request) {
	raw, err := decodeBody(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	in, err := validate.Category(raw)
	if err != nil {
		failErr(w, r, err)
		return
	}
	c, err := s.deps.Catalog.CreateCategory(r.Context(), in)
	if err != nil {
		failErr(w, r, err)
		return
	}
	created(w, c)
}

func (s *Server) updateCategory(w http.ResponseWriter, r *http.Request) {
	id, valid := validate.ID(r.PathValue("id"))
	if !valid {
		badRequest(w, "invalid category id")
		return
	}
	raw, err := decodeBody(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	in, err := validate.Category(raw)
	if err != nil {
		failErr(w, r, err)
		return
	}
	c, err := s.deps.Catalog.UpdateCategory(r.Context(), id, in)
	if err != nil {
		failErr(w, r, err)
		return
	}
	ok(w, c)
}

func (s *Server) deleteCategory(w http.ResponseWriter, r *http.Request) {
	id, valid := validate.ID(r.PathValue("id"))
	if !valid {
		badRequest(w, "invalid category id")
		return
	}
	if err := s.deps.Catalog.DeleteCategory(r.Context(), id); err != nil {
		failErr(w, r, err)
		return
	}
	ok(w, map[string]any{"id": id, "deleted": true})
}

func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	if s.deps.Media == nil {
		fail(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "uploads are not configured")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, media.MaxBytes+maxBody)
	f, _, err := r.FormFile("file")
	if err != nil {
		badRequest(w, "multipart field \"file\" is required")
		return
	}
	defer f.Close()
	url, err := s.deps.Media.Put(r.Context(), f)
	if err != nil {
		failErr(w, r, err)
		return
	}
	ok(w, map[string]string{"secure_url": url})
}

package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	categoriesCollection = "categories"
	productsCollection   = "products"
	cartsCollection      = "carts"
	countersCollection   = "counters"
)

type MongoConfig struct {
	URI      string
	Database string
	Timeout  time.Duration
	AppName  string
}

// Mongo persists the catalog and carts in MongoDB. Integer ids come from a
// counters collection.
type Mongo struct {
	client     *mongo.Client
	db         *mongo.Database
	categories *mongo.Collection
	products   *mongo.Collection
	carts      *mongo.Collection
	counters   *mongo.Collection
	timeout    time.Duration
	log        zerolog.Logger
}

// NewMongo connects, pings and ensures indexes.
func NewMongo(ctx context.Context, cfg MongoConfig, logger zerolog.Logger) (*Mongo, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	opts := options.Client().ApplyURI(cfg.URI).
		SetAppName(cfg.AppName).
		SetConnectTimeout(timeout).
		SetServerSelectionTimeout(timeout).
		SetMaxPoolSize(50)

	cctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := mongo.Connect(cctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect to mongo: %w", err)
	}
	if err := client.Ping(cctx, nil); err != nil {
		_ = client.Disconnect(cctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	db := client.Database(cfg.Database)
	m := &Mongo{
		client:     client,
		db:         db,
		categories: db.Collection(categoriesCollection),
		products:   db.Collection(productsCollection),
		carts:      db.Collection(cartsCollection),
		counters:   db.Collection(countersCollection),
		timeout:    timeout,
		log:        logger.With().Str("component", "store").Str("driver", "mongo").Logger(),
	}
	if err := m.ensureIndexes(cctx); err != nil {
		_ = client.Disconnect(cctx)
		return nil, err
	}
	m.log.Info().Str("database", cfg.Database).Msg("connected")
	return m, nil
}

func (m *Mongo) ensureIndexes(ctx context.Context) error {
	unique := func(name string, key string) mongo.IndexModel {
		return mongo.IndexModel{
			Keys:    bson.D{{Key: key, Value: 1}},
			Options: options.Index().SetUnique(true).SetName(name),
		}
	}
	if _, err := m.categories.Indexes().CreateOne(ctx, unique("categories_slug_unique", "slug")); err != nil {
		return fmt.Errorf("create category indexes: %w", err)
	}
	if _, err := m.products.Indexes().CreateMany(ctx, []mongo.IndexModel{
		unique("products_slug_unique", "slug"),
		{Keys: bson.D{{Key: "updated_at", Value: -1}}, Options: options.Index().SetName("products_updated_at")},
		{Keys: bson.D{{Key: "category_id", Value: 1}}, Options: options.Index().SetName("products_category_id")},
	}); err != nil {
		return fmt.Errorf("create product indexes: %w", err)
	}
	if _, err := m.carts.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "user_id", Value: 1}}, Options: options.Index().SetName("carts_user_id").SetSparse(true)},
		{Keys: bson.D{{Key: "guest_id", Value: 1}}, Options: options.Index().SetName("carts_guest_id").SetSparse(true)},
		{Keys: bson.D{{Key: "expires_at", Value: 1}}, Options: options.Index().SetName("carts_expiry").SetExpireAfterSeconds(0)},
	}); err != nil {
		return fmt.Errorf("create cart indexes: %w", err)
	}
	return nil
}

func (m *Mongo) op(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.timeout)
}

func (m *Mongo) Ping(ctx context.Context) error {
	ctx, cancel := m.op(ctx)
	defer cancel()
	return m.client.Ping(ctx, nil)
}

func (m *Mongo) Close(ctx context.Context) error {
	m.log.Info().Msg("closing database connection")
	return m.client.Disconnect(ctx)
}

// mapErr translates driver errors to package errors.
func mapErr(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	case mongo.IsDuplicateKeyError(err):
		return fmt.Errorf("%s: %w", what, ErrConflict)
	}
	return fmt.Errorf("%s: database operation failed: %w", what, err)
}

func (m *Mongo) nextID(ctx context.Context, name string) (int64, error) {
	var doc struct {
		Seq int64 `bson:"seq"`
	}
	err := m.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": name},
		bson.M{"$inc": bson.M{"seq": 1}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("next %s id: %w", name, err)
	}
	return doc.Seq, nil
}

func containsPattern(s string) bson.M {
	return bson.M{"$regex": regexp.QuoteMeta(s), "$options": "i"}
}

func (m *Mongo) Categories(ctx context.Context, search string) ([]Category, error) {
	ctx, cancel := m.op(ctx)
	defer cancel()
	filter := bson.M{}
	if search != "" {
		filter["name"] = containsPattern(search)
	}
	cur, err := m.categories.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "name", Value: 1}}))
	if err != nil {
		return nil, mapErr(err, "list categories")
	}
	out := []Category{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, mapErr(err, "decode categories")
	}
	return out, nil
}

func (m *Mongo) findCategory(ctx context.Context, filter bson.M, what string) (*Category, error) {
	ctx, cancel := m.op(ctx)
	defer cancel()
	var c Category
	if err := m.categories.FindOne(ctx, filter).Decode(&c); err != nil {
		return nil, mapErr(err, what)
	}
	return &c, nil
}

func (m *Mongo) Category(ctx context.Context, id int64) (*Category, error) {
	return m.findCategory(ctx, bson.M{"_id": id}, fmt.Sprintf("category %d", id))
}

func (m *Mongo) CategoryBySlug(ctx context.Context, slug string) (*Category, error) {
	return m.findCategory(ctx, bson.M{"slug": slug}, fmt.Sprintf("category %q", slug))
}

func (m *Mongo) CreateCategory(ctx context.Context, c *Category) error {
	ctx, cancel := m.op(ctx)
	defer cancel()
	id, err := m.nextID(ctx, categoriesCollection)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	c.ID = id
	c.CreatedAt, c.UpdatedAt = now, now
	_, err = m.categories.InsertOne(ctx, c)
	return mapErr(err, "insert category")
}

func (m *Mongo) UpdateCategory(ctx context.Context, c *Category) error {
	ctx, cancel := m.op(ctx)
	defer cancel()
	c.UpdatedAt = time.Now().UTC()
	var updated Category
	err := m.categories.FindOneAndUpdate(ctx,
		bson.M{"_id": c.ID},
		bson.M{"$set": bson.M{"name": c.Name, "slug": c.Slug, "updated_at": c.UpdatedAt}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&updated)
	if err != nil {
		return mapErr(err, fmt.Sprintf("category %d", c.ID))
	}
	*c = updated
	return nil
}

func (m *Mongo) DeleteCategory(ctx context.Context, id int64) error {
	ctx, cancel := m.op(ctx)
	defer cancel()
	n, err := m.products.CountDocuments(ctx, bson.M{"category_id": id})
	if err != nil {
		return mapErr(err, "count products")
	}
	if n > 0 {
		return fmt.Errorf("category %d has products: %w", id, ErrConflict)
	}
	res, err := m.categories.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return mapErr(err, fmt.Sprintf("category %d", id))
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("category %d: %w", id, ErrNotFound)
	}
	return nil
}

func (m *Mongo) SlugExists(ctx context.Context, kind Kind, slug string, exceptID int64) (bool, error) {
	ctx, cancel := m.op(ctx)
	defer cancel()
	coll := m.products
	switch kind {
	case KindProduct:
	case KindCategory:
		coll = m.categories
	default:
		return false, fmt.Errorf("unknown kind %q", kind)
	}
	n, err := coll.CountDocuments(ctx, bson.M{"slug": slug, "_id": bson.M{"$ne": exceptID}}, options.Count().SetLimit(1))
	if err != nil {
		return false, mapErr(err, "slug lookup")
	}
	return n > 0, nil
}

func (m *Mongo) Products(ctx context.Context, q ProductQuery) ([]Product, error) {
	ctx, cancel := m.op(ctx)
	defer cancel()
	filter := bson.M{}
	if q.CategoryID != 0 {
		filter["category_id"] = q.CategoryID
	}
	if q.Search != "" {
		or := bson.A{
			bson.M{"title": containsPattern(q.Search)},
			bson.M{"description": containsPattern(q.Search)},
		}
		ids, err := m.categoryIDsMatching(ctx, q.Search)
		if err != nil {
			return nil, err
		}
		if len(ids) > 0 {
			or = append(or, bson.M{"category_id": bson.M{"$in": ids}})
		}
		filter["$or"] = or
	}
	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}, {Key: "_id", Value: -1}})
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit)).SetSkip(int64(q.offset()))
	}
	cur, err := m.products.Find(ctx, filter, opts)
	if err != nil {
		return nil, mapErr(err, "list products")
	}
	out := []Product{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, mapErr(err, "decode products")
	}
	if err := m.attachCategories(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Mongo) categoryIDsMatching(ctx context.Context, search string) ([]int64, error) {
	cur, err := m.categories.Find(ctx, bson.M{"$or": bson.A{
		bson.M{"name": containsPattern(search)},
		bson.M{"slug": containsPattern(search)},
	}}, options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, mapErr(err, "match categories")
	}
	var docs []struct {
		ID int64 `bson:"_id"`
	}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, mapErr(err, "decode categories")
	}
	ids := make([]int64, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.ID)
	}
	return ids, nil
}

func (m *Mongo) attachCategories(ctx context.Context, products []Product) error {
	if len(products) == 0 {
		return nil
	}
	seen := map[int64]bool{}
	var ids []int64
	for _, p := range products {
		if !seen[p.CategoryID] {
			seen[p.CategoryID] = true
			ids = append(ids, p.CategoryID)
		}
	}
	cur, err := m.categories.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return mapErr(err, "load categories")
	}
	var cats []Category
	if err := cur.All(ctx, &cats); err != nil {
		return mapErr(err, "decode categories")
	}
	byID := make(map[int64]*Category, len(cats))
	for i := range cats {
		byID[cats[i].ID] = &cats[i]
	}
	for i := range products {
		products[i].Category = byID[products[i].CategoryID]
	}
	return nil
}

func (m *Mongo) findProduct(ctx context.Context, filter bson.M, what string) (*Product, error) {
	ctx, cancel := m.op(ctx)
	defer cancel()
	var p Product
	if err := m.products.FindOne(ctx, filter).Decode(&p); err != nil {
		return nil, mapErr(err, what)
	}
	out := []Product{p}
	if err := m.attachCategories(ctx, out); err != nil {
		return nil, err
	}
	return &out[0], nil
}

func (m *Mongo) Product(ctx context.Context, id int64) (*Product, error) {
	return m.findProduct(ctx, bson.M{"_id": id}, fmt.Sprintf("product %d", id))
}

func (m *Mongo) ProductBySlug(ctx context.Context, slug string) (*Product, error) {
	return m.findProduct(ctx, bson.M{"slug": slug}, fmt.Sprintf("product %q", slug))
}

func (m *Mongo) requireCategory(ctx context.Context, id int64) error {
	n, err := m.categories.CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
	if err != nil {
		return mapErr(err, "category lookup")
	}
	if n == 0 {
		return fmt.Errorf("category %d: %w", id, ErrNotFound)
	}
	return nil
}

func (m *Mongo) CreateProduct(ctx context.Context, p *Product) error {
	ctx, cancel := m.op(ctx)
	defer cancel()
	if err := m.requireCategory(ctx, p.CategoryID); err != nil {
		return err
	}
	id, err := m.nextID(ctx, productsCollection)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	p.ID = id
	p.CreatedAt, p.UpdatedAt = now, now
	_, err = m.products.InsertOne(ctx, p)
	return mapErr(err, "insert product")
}

func (m *Mongo) UpdateProduct(ctx context.Context, p *Product) error {
	ctx, cancel := m.op(ctx)
	defer cancel()
	if err := m.requireCategory(ctx, p.CategoryID); err != nil {
		return err
	}
	p.UpdatedAt = time.Now().UTC()
	var updated Product
	err := m.products.FindOneAndUpdate(ctx,
		bson.M{"_id": p.ID},
		bson.M{"$set": bson.M{
			"title":       p.Title,
			"slug":        p.Slug,
			"description": p.Description,
			"price":       p.Price,
			"image_url":   p.ImageURL,
			"category_id": p.CategoryID,
			"stock":       p.Stock,
			"is_active":   p.IsActive,
			"updated_at":  p.UpdatedAt,
		}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&updated)
	if err != nil {
		return mapErr(err, fmt.Sprintf("product %d", p.ID))
	}
	*p = updated
	return nil
}

func (m *Mongo) DeleteProduct(ctx context.Context, id int64) error {
	ctx, cancel := m.op(ctx)
	defer cancel()
	res, err := m.products.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return mapErr(err, fmt.Sprintf("product %d", id))
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("product %d: %w", id, ErrNotFound)
	}
	return nil
}

func (m *Mongo) findCart(ctx context.Context, filter bson.M, what string) (*Cart, error) {
	ctx, cancel := m.op(ctx)
	defer cancel()
	var c Cart
	if err := m.carts.FindOne(ctx, filter).Decode(&c); err != nil {
		return nil, mapErr(err, what)
	}
	return &c, nil
}

func (m *Mongo) Cart(ctx context.Context, id string) (*Cart, error) {
	return m.findCart(ctx, bson.M{"_id": id}, "cart "+id)
}

func (m *Mongo) CartByUser(ctx context.Context, userID string) (*Cart, error) {
	return m.findCart(ctx, bson.M{"user_id": userID}, "cart for user "+userID)
}

func (m *Mongo) CartByGuest(ctx context.Context, guestID string) (*Cart, error) {
	return m.findCart(ctx, bson.M{"guest_id": guestID, "user_id": bson.M{"$exists": false}}, "cart for guest "+guestID)
}

func (m *Mongo) SaveCart(ctx context.Context, c *Cart) error {
	ctx, cancel := m.op(ctx)
	defer cancel()
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if c.Items == nil {
		c.Items = []LineItem{}
	}
	_, err := m.carts.ReplaceOne(ctx, bson.M{"_id": c.ID}, c, options.Replace().SetUpsert(true))
	return mapErr(err, "save cart "+c.ID)
}

func (m *Mongo) DeleteCart(ctx context.Context, id string) error {
	ctx, cancel := m.op(ctx)
	defer cancel()
	res, err := m.carts.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return mapErr(err, "cart "+id)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("cart %s: %w", id, ErrNotFound)
	}
	return nil
}

package cart

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stepherg/storefrontgw/internal/events"
	"github.com/stepherg/storefrontgw/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	signals []events.Signal
}

func (r *recorder) Publish(_ context.Context, s events.Signal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, s)
}

func (r *recorder) topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.signals))
	for _, s := range r.signals {
		out = append(out, s.Topic)
	}
	return out
}

type fixture struct {
	svc    *Service
	mem    *store.Memory
	rec    *recorder
	shoe   int64
	hat    int64
	hidden int64
}

func setup(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()
	cat := store.Category{Name: "Shoes", Slug: "shoes"}
	require.NoError(t, mem.CreateCategory(ctx, &cat))

	add := func(title string, price float64, active bool) int64 {
		p := store.Product{Title: title, Slug: title, Price: price, CategoryID: cat.ID, IsActive: active, ImageURL: "https://cdn.example/" + title + ".png"}
		require.NoError(t, mem.CreateProduct(ctx, &p))
		return p.ID
	}
	rec := &recorder{}
	return &fixture{
		svc:    New(mem, mem, rec, zerolog.Nop()),
		mem:    mem,
		rec:    rec,
		shoe:   add("shoe", 50, true),
		hat:    add("hat", 20, true),
		hidden: add("hidden", 5, false),
	}
}

func TestResolveMintsGuestCart(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	c, err := f.svc.Resolve(ctx, Owner{})
	require.NoError(t, err)
	require.NotEmpty(t, c.GuestID)
	assert.Empty(t, c.UserID)
	assert.WithinDuration(t, time.Now().Add(TTL), c.ExpiresAt, time.Minute)

	again, err := f.svc.Resolve(ctx, Owner{GuestID: c.GuestID})
	require.NoError(t, err)
	assert.Equal(t, c.ID, again.ID)
	assert.Empty(t, f.rec.topics(), "resolving does not notify")
}

func TestResolveReplacesExpiredCart(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	c, err := f.svc.Resolve(ctx, Owner{UserID: "u1"})
	require.NoError(t, err)

	f.svc.now = func() time.Time { return time.Now().Add(TTL + time.Hour) }
	fresh, err := f.svc.Resolve(ctx, Owner{UserID: "u1"})
	require.NoError(t, err)
	assert.NotEqual(t, c.ID, fresh.ID)
	_, err = f.mem.Cart(ctx, c.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAddSnapshotsAndNotifies(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	o := Owner{UserID: "u1"}

	c, err := f.svc.Add(ctx, o, f.shoe, 2)
	require.NoError(t, err)
	require.Len(t, c.Items, 1)
	assert.Equal(t, "shoe", c.Items[0].Title)
	assert.Equal(t, 50.0, c.Items[0].Price)
	assert.Equal(t, "https://cdn.example/shoe.png", c.Items[0].Image)

	c, err = f.svc.Add(ctx, o, f.shoe, 99)
	require.NoError(t, err)
	assert.Equal(t, 100, c.Items[0].Quantity)
	assert.Equal(t, 5000.0, c.Total())

	assert.Equal(t, []string{"cart:" + c.ID, "cart:" + c.ID}, f.rec.topics())
}

func TestAddRejectsInactiveAndMissing(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.svc.Add(ctx, Owner{UserID: "u1"}, f.hidden, 1)
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = f.svc.Add(ctx, Owner{UserID: "u1"}, 999, 1)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, f.rec.topics())
}

func TestUpdateRemoveClear(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	o := Owner{GuestID: "g1"}

	_, err := f.svc.Add(ctx, o, f.shoe, 1)
	require.NoError(t, err)
	_, err = f.svc.Add(ctx, o, f.hat, 1)
	require.NoError(t, err)

	c, err := f.svc.Update(ctx, o, f.hat, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, c.Item(f.hat).Quantity)

	c, err = f.svc.Update(ctx, o, f.hat, 0)
	require.NoError(t, err)
	assert.Nil(t, c.Item(f.hat))
	assert.Len(t, c.Items, 1)

	_, err = f.svc.Update(ctx, o, f.hat, 2)
	assert.ErrorIs(t, err, ErrNotInCart)
	_, err = f.svc.Remove(ctx, o, f.hat)
	assert.ErrorIs(t, err, ErrNotInCart)

	c, err = f.svc.Clear(ctx, o)
	require.NoError(t, err)
	assert.Empty(t, c.Items)
	assert.Len(t, f.rec.topics(), 5)
}

func TestMergeReassignsGuestCart(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	guest, err := f.svc.Add(ctx, Owner{GuestID: "g1"}, f.shoe, 2)
	require.NoError(t, err)

	merged, err := f.svc.Merge(ctx, "u1", "g1")
	require.NoError(t, err)
	assert.Equal(t, guest.ID, merged.ID)
	assert.Equal(t, "u1", merged.UserID)
	assert.Empty(t, merged.GuestID)

	_, err = f.mem.CartByGuest(ctx, "g1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMergeSumsIntoUserCart(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	user, err := f.svc.Add(ctx, Owner{UserID: "u1"}, f.shoe, 60)
	require.NoError(t, err)
	guest, err := f.svc.Add(ctx, Owner{GuestID: "g1"}, f.shoe, 60)
	require.NoError(t, err)
	_, err = f.svc.Add(ctx, Owner{GuestID: "g1"}, f.hat, 1)
	require.NoError(t, err)

	merged, err := f.svc.Merge(ctx, "u1", "g1")
	require.NoError(t, err)
	assert.Equal(t, user.ID, merged.ID)
	assert.Equal(t, 100, merged.Item(f.shoe).Quantity)
	assert.Equal(t, 1, merged.Item(f.hat).Quantity)

	_, err = f.mem.Cart(ctx, guest.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	topics := f.rec.topics()
	assert.Equal(t, []string{"cart:" + user.ID, "cart:" + guest.ID}, topics[len(topics)-2:])
}

func TestMergeWithoutGuestCart(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	c, err := f.svc.Merge(ctx, "u1", "missing")
	require.NoError(t, err)
	assert.Equal(t, "u1", c.UserID)

	_, err = f.svc.Merge(ctx, "", "g1")
	assert.ErrorIs(t, err, ErrNoOwner)
}

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(s.Close)

	c, err := New(context.Background(), "redis://"+s.Addr())
	if err != nil {
		t.Fatalf("connecting to miniredis: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

type payload struct {
	Name string `json:"name"`
}

func TestSetGet_RoundTrip(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, "k1", payload{Name: "nova"}, time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}

	var got payload
	if err := c.Get(ctx, "k1", &got); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "nova" {
		t.Errorf("got.Name = %q, want %q", got.Name, "nova")
	}
}

func TestGet_MissReturnsErrMiss(t *testing.T) {
	c := newTestCache(t)
	var got payload
	err := c.Get(context.Background(), "absent", &got)
	if err != ErrMiss {
		t.Errorf("Get(absent) error = %v, want ErrMiss", err)
	}
}

func TestDelete_RemovesKey(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, "k2", payload{Name: "x"}, time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := c.Delete(ctx, "k2"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	var got payload
	if err := c.Get(ctx, "k2", &got); err != ErrMiss {
		t.Errorf("Get after Delete error = %v, want ErrMiss", err)
	}
}

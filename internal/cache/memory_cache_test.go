package cache

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/planweave/planweave"
)

func TestInMemoryCache_SetAndGet(t *testing.T) {
	c := NewInMemoryCache(1*time.Second, nil)
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, "foo", "bar")

	got, ok := c.Get(ctx, "foo")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if got != "bar" {
		t.Errorf("expected bar, got %v", got)
	}
}

func TestInMemoryCache_Expiration(t *testing.T) {
	c := NewInMemoryCache(50*time.Millisecond, nil)
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, "baz", "qux")

	time.Sleep(60 * time.Millisecond)
	if _, ok := c.Get(ctx, "baz"); ok {
		t.Error("expected miss for expired item")
	}
	if _, err := c.Lookup(ctx, "baz"); err == nil || !strings.Contains(err.Error(), "expired") {
		t.Errorf("expected expiry error from Lookup, got %v", err)
	}
}

func TestInMemoryCache_Concurrency(t *testing.T) {
	c := NewInMemoryCache(1*time.Second, nil)
	defer c.Close()
	ctx := context.Background()

	done := make(chan struct{}, 2)
	go func() {
		c.Set(ctx, "concurrent", "val")
		done <- struct{}{}
	}()
	go func() {
		c.Get(ctx, "concurrent")
		done <- struct{}{}
	}()
	<-done
	<-done
}

func TestPlanKeyVariesWithCatalog(t *testing.T) {
	specA := []planweave.ToolSpec{{Name: "search"}}
	specB := []planweave.ToolSpec{{Name: "search"}, {Name: "save"}}

	if PlanKey("goal", specA) == PlanKey("goal", specB) {
		t.Error("different catalogs must produce different plan keys")
	}
	if PlanKey("goal", specA) != PlanKey("goal", specA) {
		t.Error("plan key must be stable")
	}
	if PlanKey("goal one", specA) == PlanKey("goal two", specA) {
		t.Error("different goals must produce different plan keys")
	}
}

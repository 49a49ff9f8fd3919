package cache

import (
	"testing"
	"time"

	functiondomain "github.com/openmetron/metron/internal/function/domain"
)

func TestTTLCacheExpires(t *testing.T) {
	c := NewTTLCache[string, int]()
	c.Set("a", 1, 20*time.Millisecond)

	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Fatalf("expected 1, got %d ok=%v", v, ok)
	}

	time.Sleep(30 * time.Millisecond)
	if _, ok := c.Get("a"); ok {
		t.Fatal("expected entry to expire")
	}
}

func TestTTLCacheDelete(t *testing.T) {
	c := NewTTLCache[string, int]()
	c.Set("a", 1, time.Minute)
	c.Delete("a")
	if _, ok := c.Get("a"); ok {
		t.Fatal("expected entry to be gone")
	}
}

func TestDescriptorCacheNormalizesNames(t *testing.T) {
	c := NewDescriptorCache()
	c.Set(&functiondomain.FunctionDescriptor{Name: "hello"})

	if _, ok := c.Get(" Hello "); !ok {
		t.Fatal("expected lookup to normalize the name")
	}

	c.Invalidate("HELLO")
	if _, ok := c.Get("hello"); ok {
		t.Fatal("expected entry to be invalidated")
	}
}

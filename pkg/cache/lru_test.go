package cache

import "testing"

func TestNewRejectsNonPositiveCapacity(t *testing.T) {
	if _, err := New(0); err == nil {
		t.Fatal("expected error for capacity 0")
	}
	if _, err := New(-1); err == nil {
		t.Fatal("expected error for negative capacity")
	}
}

func TestGetPutPromotes(t *testing.T) {
	c, err := New(2)
	if err != nil {
		t.Fatal(err)
	}
	c.Put("a", 1)
	c.Put("b", 2)
	// touch a, making b the LRU entry
	if _, ok := c.Get("a"); !ok {
		t.Fatal("expected a to be present")
	}
	c.Put("c", 3)

	if _, ok := c.Get("b"); ok {
		t.Fatal("expected b to have been evicted")
	}
	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Fatal("expected a to survive eviction")
	}
	if v, ok := c.Get("c"); !ok || v != 3 {
		t.Fatal("expected c to be present")
	}
}

func TestResidentSetIsMostRecentlyTouched(t *testing.T) {
	c, _ := New(3)
	seq := []string{"a", "b", "c", "a", "d", "e"}
	for _, k := range seq {
		if _, ok := c.Get(k); !ok {
			c.Put(k, k)
		}
	}
	// touched distinct keys most-recently-first: e, d, a, c, b -> top 3: e, d, a
	want := map[string]bool{"e": true, "d": true, "a": true}
	for k := range want {
		if _, ok := c.Get(k); !ok {
			t.Fatalf("expected %q to be resident", k)
		}
	}
	if c.Len() != 3 {
		t.Fatalf("expected 3 resident entries, got %d", c.Len())
	}
}

func TestErase(t *testing.T) {
	c, _ := New(2)
	c.Put("a", 1)
	c.Erase("a")
	if _, ok := c.Get("a"); ok {
		t.Fatal("expected a to be erased")
	}
	c.Erase("missing") // no-op, must not panic
}

func TestReset(t *testing.T) {
	c, _ := New(2)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Reset()
	if c.Len() != 0 {
		t.Fatalf("expected empty cache after reset, got %d", c.Len())
	}
}

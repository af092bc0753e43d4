package cache

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMemoryCacheBasicOperations(t *testing.T) {
	c := NewMemory()
	defer c.Close() //nolint:errcheck // test cleanup

	if _, ok := c.Get("missing"); ok {
		t.Error("expected miss on empty cache")
	}

	c.Set("query:intent:hello", "framing response")
	value, ok := c.Get("query:intent:hello")
	if !ok {
		t.Error("expected hit after Set")
	}
	if value != "framing response" {
		t.Errorf("unexpected value: %q", value)
	}

	c.Set("query:intent:hello", "updated response")
	value, ok = c.Get("query:intent:hello")
	if !ok || value != "updated response" {
		t.Errorf("expected overwritten value, got %q ok=%v", value, ok)
	}

	c.Delete("query:intent:hello")
	if _, ok := c.Get("query:intent:hello"); ok {
		t.Error("expected miss after Delete")
	}
}

func TestBoltCacheBasicOperations(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	c, err := NewBolt(path)
	if err != nil {
		t.Fatalf("NewBolt: %v", err)
	}
	defer c.Close() //nolint:errcheck // test cleanup

	if _, ok := c.Get("missing"); ok {
		t.Error("expected miss on empty db")
	}

	c.Set("query:reasoning:abc", "cached solution")
	value, ok := c.Get("query:reasoning:abc")
	if !ok {
		t.Error("expected hit after Set")
	}
	if value != "cached solution" {
		t.Errorf("unexpected value: %q", value)
	}
}

func TestBoltCacheSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "persist.db")

	c1, err := NewBolt(path)
	if err != nil {
		t.Fatalf("open first instance: %v", err)
	}
	c1.Set("query:intent:a", "framing-a")
	c1.Set("query:verifier:b", "verdict-b")
	if err := c1.Close(); err != nil {
		t.Fatalf("close first instance: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("cache file missing after close: %v", err)
	}

	c2, err := NewBolt(path)
	if err != nil {
		t.Fatalf("open second instance: %v", err)
	}
	defer c2.Close() //nolint:errcheck // test cleanup

	value, ok := c2.Get("query:intent:a")
	if !ok || value != "framing-a" {
		t.Errorf("entry did not survive restart: ok=%v value=%q", ok, value)
	}

	value, ok = c2.Get("query:verifier:b")
	if !ok || value != "verdict-b" {
		t.Errorf("entry did not survive restart: ok=%v value=%q", ok, value)
	}
}

func TestBoltCacheDelete(t *testing.T) {
	dir := t.TempDir()
	c, err := NewBolt(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("NewBolt: %v", err)
	}
	defer c.Close() //nolint:errcheck // test cleanup

	c.Set("key", "value")
	c.Delete("key")
	if _, ok := c.Get("key"); ok {
		t.Error("expected miss after Delete")
	}
}

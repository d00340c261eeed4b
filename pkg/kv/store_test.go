package kv

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"kvlite/pkg/clock"
)

func newTestStore(opts Options) (*Store, *clock.Manual) {
	clk := clock.NewManual()
	return New(clk, opts), clk
}

func TestStore_SetGet(t *testing.T) {
	s, _ := newTestStore(Options{Shards: 4})

	if err := s.Set("key1", BytesValue([]byte("value1")), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	v, ok := s.Get("key1")
	if !ok {
		t.Fatal("expected to find key1")
	}
	if string(v.Bytes) != "value1" {
		t.Fatalf("expected 'value1', got %q", v.Bytes)
	}

	if _, ok := s.Get("missing"); ok {
		t.Fatal("expected missing key to be absent")
	}
}

func TestStore_Delete(t *testing.T) {
	s, _ := newTestStore(Options{Shards: 4})

	if err := s.Set("key1", BytesValue([]byte("value1")), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if !s.Delete("key1") {
		t.Fatal("expected Delete to report the key existed")
	}
	if s.Delete("key1") {
		t.Fatal("expected second Delete to report missing")
	}
	if _, ok := s.Get("key1"); ok {
		t.Fatal("expected key1 to be gone")
	}
}

func TestStore_TTLExpiry(t *testing.T) {
	s, clk := newTestStore(Options{Shards: 4})

	if err := s.Set("temp", BytesValue([]byte("v")), time.Second); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if _, ok := s.Get("temp"); !ok {
		t.Fatal("key should be live before expiry")
	}

	clk.Advance(999 * time.Millisecond)
	if _, ok := s.Get("temp"); !ok {
		t.Fatal("key should still be live just before the deadline")
	}

	clk.Advance(2 * time.Millisecond)
	if _, ok := s.Get("temp"); ok {
		t.Fatal("key should have expired")
	}
	if s.Exists("temp") {
		t.Fatal("Exists should agree with Get after expiry")
	}
}

func TestStore_SetOverwritesTTL(t *testing.T) {
	s, clk := newTestStore(Options{Shards: 4})

	if err := s.Set("k", BytesValue([]byte("a")), time.Second); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	// Overwrite without TTL: the key must become persistent.
	if err := s.Set("k", BytesValue([]byte("b")), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	clk.Advance(time.Hour)
	v, ok := s.Get("k")
	if !ok {
		t.Fatal("key should not expire after the persistent overwrite")
	}
	if string(v.Bytes) != "b" {
		t.Fatalf("expected 'b', got %q", v.Bytes)
	}
}

func TestStore_ExpireAndTTLRemaining(t *testing.T) {
	s, clk := newTestStore(Options{Shards: 4})

	if err := s.Set("k", BytesValue([]byte("v")), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if _, hasTTL, exists := s.TTLRemaining("k"); !exists || hasTTL {
		t.Fatal("fresh key should exist without a TTL")
	}

	if !s.Expire("k", 10*time.Second) {
		t.Fatal("Expire on a live key should succeed")
	}
	clk.Advance(4 * time.Second)

	remaining, hasTTL, exists := s.TTLRemaining("k")
	if !exists || !hasTTL {
		t.Fatal("key should exist with a TTL")
	}
	if remaining != 6*time.Second {
		t.Fatalf("expected 6s remaining, got %v", remaining)
	}

	// Non-positive TTL deletes immediately.
	if !s.Expire("k", 0) {
		t.Fatal("Expire with zero ttl should still report the key existed")
	}
	if s.Exists("k") {
		t.Fatal("key should be gone after Expire(0)")
	}
}

func TestStore_Sweep(t *testing.T) {
	s, clk := newTestStore(Options{Shards: 4})

	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("k%d", i)
		if err := s.Set(key, BytesValue([]byte("v")), time.Duration(i+1)*time.Second); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}

	clk.Advance(5500 * time.Millisecond)
	removed := s.Sweep()
	if removed != 5 {
		t.Fatalf("expected sweep to remove 5 keys, removed %d", removed)
	}
	if got := s.Len(); got != 5 {
		t.Fatalf("expected 5 live keys, got %d", got)
	}
	if s.Stats().Expirations != 5 {
		t.Fatalf("expected 5 recorded expirations, got %d", s.Stats().Expirations)
	}
}

func TestStore_LRUEviction(t *testing.T) {
	// Single shard so the LRU scan sees every key.
	s, clk := newTestStore(Options{
		Shards:         1,
		MaxMemoryBytes: 3 * (entryOverhead + 2 + 16),
		EvictionPolicy: EvictionLRU,
		EvictionScope:  ScopeShard,
	})

	payload := make([]byte, 16)
	for _, key := range []string{"k1", "k2", "k3"} {
		if err := s.Set(key, BytesValue(payload), 0); err != nil {
			t.Fatalf("Set %s failed: %v", key, err)
		}
		clk.Advance(time.Millisecond)
	}

	// Touch k1 so k2 becomes the least recently used.
	if _, ok := s.Get("k1"); !ok {
		t.Fatal("k1 should be present")
	}
	clk.Advance(time.Millisecond)

	if err := s.Set("k4", BytesValue(payload), 0); err != nil {
		t.Fatalf("Set k4 failed: %v", err)
	}

	if s.Exists("k2") {
		t.Fatal("expected k2 to be evicted")
	}
	for _, key := range []string{"k1", "k3", "k4"} {
		if !s.Exists(key) {
			t.Fatalf("expected %s to survive eviction", key)
		}
	}
	if s.Stats().Evictions != 1 {
		t.Fatalf("expected 1 eviction, got %d", s.Stats().Evictions)
	}
}

func TestStore_EvictionDisabled(t *testing.T) {
	s, _ := newTestStore(Options{
		Shards:         1,
		MaxMemoryBytes: entryOverhead + 2 + 4,
		EvictionPolicy: EvictionNone,
	})

	if err := s.Set("k1", BytesValue([]byte("aaaa")), 0); err != nil {
		t.Fatalf("first Set failed: %v", err)
	}
	err := s.Set("k2", BytesValue([]byte("bbbb")), 0)
	if err != ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory, got %v", err)
	}
}

func TestStore_KeysGlob(t *testing.T) {
	s, _ := newTestStore(Options{Shards: 4})

	for _, key := range []string{"user:1", "user:2", "session:1"} {
		if err := s.Set(key, BytesValue([]byte("v")), 0); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}

	matched := s.Keys("user:*")
	if len(matched) != 2 {
		t.Fatalf("expected 2 matches, got %v", matched)
	}
	all := s.Keys("*")
	if len(all) != 3 {
		t.Fatalf("expected 3 keys, got %v", all)
	}
}

func TestStore_FlushAll(t *testing.T) {
	s, _ := newTestStore(Options{Shards: 4})

	for i := 0; i < 20; i++ {
		if err := s.Set(fmt.Sprintf("k%d", i), BytesValue([]byte("v")), time.Minute); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}
	s.FlushAll()

	if got := s.Len(); got != 0 {
		t.Fatalf("expected empty store, got %d keys", got)
	}
	if s.MemoryUsed() != 0 {
		t.Fatalf("expected zero memory accounting, got %d", s.MemoryUsed())
	}
}

func TestStore_FlushAllConcurrentWithSweep(t *testing.T) {
	s := New(clock.NewMonotonic(), Options{Shards: 4})

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				s.Sweep()
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			key := fmt.Sprintf("k%d", i%32)
			if err := s.Set(key, BytesValue([]byte("v")), time.Nanosecond); err != nil {
				t.Errorf("Set failed: %v", err)
				return
			}
			if i%8 == 0 {
				s.FlushAll()
			}
		}
	}()

	time.Sleep(100 * time.Millisecond)
	close(stop)
	wg.Wait()

	if used := s.MemoryUsed(); used < 0 {
		t.Fatalf("memory accounting went negative: %d", used)
	}
	s.FlushAll()
	if used := s.MemoryUsed(); used != 0 {
		t.Fatalf("expected zero memory after final flush, got %d", used)
	}
	if got := s.Len(); got != 0 {
		t.Fatalf("expected empty store, got %d keys", got)
	}
}

func TestStore_ConcurrentSameKey(t *testing.T) {
	s, _ := newTestStore(Options{Shards: 16})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				key := fmt.Sprintf("k%d", j%10)
				if err := s.Set(key, BytesValue([]byte{byte(n)}), 0); err != nil {
					t.Errorf("Set failed: %v", err)
					return
				}
				s.Get(key)
			}
		}(i)
	}
	wg.Wait()

	if got := s.Len(); got != 10 {
		t.Fatalf("expected 10 keys after concurrent writes, got %d", got)
	}
}

func TestShardID_Stable(t *testing.T) {
	for _, key := range []string{"", "a", "user:42", "長いキー"} {
		first := ShardID(key, 16)
		for i := 0; i < 5; i++ {
			if ShardID(key, 16) != first {
				t.Fatalf("ShardID not stable for %q", key)
			}
		}
		if first < 0 || first >= 16 {
			t.Fatalf("ShardID out of range for %q: %d", key, first)
		}
	}
}

package kv

import (
	"bytes"
	"testing"
	"time"
)

func TestList_PushAndRange(t *testing.T) {
	s, _ := newTestStore(Options{Shards: 4})

	n, err := s.RPush("list", []byte("a"), []byte("b"))
	if err != nil {
		t.Fatalf("RPush failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected length 2, got %d", n)
	}

	// LPUSH x y onto [a b] yields [y x a b].
	n, err = s.LPush("list", []byte("x"), []byte("y"))
	if err != nil {
		t.Fatalf("LPush failed: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected length 4, got %d", n)
	}

	got, err := s.LRange("list", 0, -1)
	if err != nil {
		t.Fatalf("LRange failed: %v", err)
	}
	want := [][]byte{[]byte("y"), []byte("x"), []byte("a"), []byte("b")}
	if len(got) != len(want) {
		t.Fatalf("expected %d elements, got %d", len(want), len(got))
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Fatalf("element %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestList_RangeBounds(t *testing.T) {
	s, _ := newTestStore(Options{Shards: 4})

	if _, err := s.RPush("list", []byte("a"), []byte("b"), []byte("c")); err != nil {
		t.Fatalf("RPush failed: %v", err)
	}

	// Negative indexes count from the tail.
	got, err := s.LRange("list", -2, -1)
	if err != nil {
		t.Fatalf("LRange failed: %v", err)
	}
	if len(got) != 2 || string(got[0]) != "b" || string(got[1]) != "c" {
		t.Fatalf("unexpected tail range: %q", got)
	}

	// Out-of-range stop clamps; inverted range is empty.
	got, err = s.LRange("list", 0, 100)
	if err != nil || len(got) != 3 {
		t.Fatalf("expected full list, got %q (%v)", got, err)
	}
	got, err = s.LRange("list", 2, 1)
	if err != nil || got != nil {
		t.Fatalf("expected empty result, got %q (%v)", got, err)
	}

	// Missing keys are empty, not errors.
	if got, err := s.LRange("missing", 0, -1); err != nil || got != nil {
		t.Fatalf("expected empty result for missing key, got %q (%v)", got, err)
	}
}

func TestList_WrongKind(t *testing.T) {
	s, _ := newTestStore(Options{Shards: 4})

	if err := s.Set("str", BytesValue([]byte("v")), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if _, err := s.RPush("str", []byte("a")); err != ErrWrongKind {
		t.Fatalf("expected ErrWrongKind, got %v", err)
	}
	if _, err := s.LLen("str"); err != ErrWrongKind {
		t.Fatalf("expected ErrWrongKind, got %v", err)
	}
}

func TestHash_SetGetDel(t *testing.T) {
	s, _ := newTestStore(Options{Shards: 4})

	added, err := s.HSet("h", map[string][]byte{"f1": []byte("v1"), "f2": []byte("v2")})
	if err != nil {
		t.Fatalf("HSet failed: %v", err)
	}
	if added != 2 {
		t.Fatalf("expected 2 added fields, got %d", added)
	}

	// Overwriting an existing field adds nothing.
	added, err = s.HSet("h", map[string][]byte{"f1": []byte("v1b"), "f3": []byte("v3")})
	if err != nil {
		t.Fatalf("HSet failed: %v", err)
	}
	if added != 1 {
		t.Fatalf("expected 1 added field, got %d", added)
	}

	v, ok, err := s.HGet("h", "f1")
	if err != nil || !ok {
		t.Fatalf("HGet failed: %v ok=%v", err, ok)
	}
	if string(v) != "v1b" {
		t.Fatalf("expected 'v1b', got %q", v)
	}

	removed, err := s.HDel("h", "f1", "nope")
	if err != nil {
		t.Fatalf("HDel failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed field, got %d", removed)
	}

	all, err := s.HGetAll("h")
	if err != nil {
		t.Fatalf("HGetAll failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 fields, got %v", all)
	}
}

func TestHash_DeletingLastFieldRemovesKey(t *testing.T) {
	s, _ := newTestStore(Options{Shards: 4})

	if _, err := s.HSet("h", map[string][]byte{"f": []byte("v")}); err != nil {
		t.Fatalf("HSet failed: %v", err)
	}
	if _, err := s.HDel("h", "f"); err != nil {
		t.Fatalf("HDel failed: %v", err)
	}
	if s.Exists("h") {
		t.Fatal("expected key to vanish with its last field")
	}
}

func TestStructured_TTLPreservedAcrossMutation(t *testing.T) {
	s, clk := newTestStore(Options{Shards: 4})

	if _, err := s.RPush("list", []byte("a")); err != nil {
		t.Fatalf("RPush failed: %v", err)
	}
	if !s.Expire("list", time.Second) {
		t.Fatal("Expire failed")
	}
	if _, err := s.RPush("list", []byte("b")); err != nil {
		t.Fatalf("RPush failed: %v", err)
	}

	if _, hasTTL, _ := s.TTLRemaining("list"); !hasTTL {
		t.Fatal("push must not clear the TTL")
	}
	clk.Advance(1100 * time.Millisecond)
	if n, err := s.LLen("list"); err != nil || n != 0 {
		t.Fatalf("expected expired list, got len=%d err=%v", n, err)
	}
}

func TestValue_EncodeDecode(t *testing.T) {
	cases := []Value{
		BytesValue([]byte("plain")),
		BytesValue(nil),
		ListValue([]byte("a"), []byte(""), []byte("ccc")),
		HashValue(map[string][]byte{"f1": []byte("v1"), "": []byte("empty field")}),
	}
	for _, v := range cases {
		enc, err := v.Encode()
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		dec, err := DecodeValue(enc)
		if err != nil {
			t.Fatalf("DecodeValue failed: %v", err)
		}
		if dec.Kind != v.Kind {
			t.Fatalf("kind mismatch: %v vs %v", dec.Kind, v.Kind)
		}
	}

	if _, err := DecodeValue([]byte{0xFF, 0x00}); err == nil {
		t.Fatal("expected error for unknown kind byte")
	}
	if _, err := DecodeValue(nil); err == nil {
		t.Fatal("expected error for empty input")
	}
}

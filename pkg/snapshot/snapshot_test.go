package snapshot

import (
	"bytes"
	"os"
	"testing"
)

func testEntries() []Entry {
	return []Entry{
		{Key: "k1", Value: []byte("v1"), TTLMillis: -1},
		{Key: "k2", Value: []byte("v2"), TTLMillis: 5000},
		{Key: "empty", Value: nil, TTLMillis: -1},
	}
}

func sourceOf(entries []Entry) func(emit func(Entry) error) error {
	return func(emit func(Entry) error) error {
		for _, e := range entries {
			if err := emit(e); err != nil {
				return err
			}
		}
		return nil
	}
}

func TestSnapshot_WriteLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	meta := Meta{Seq: 17, ReplID: "some-repl-id", ReplOffset: 4096, CreatedAt: 1700000000}

	if err := Write(dir, meta, sourceOf(testEntries())); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	var got []Entry
	loaded, found, err := Load(dir, func(e Entry) error {
		got = append(got, e)
		return nil
	})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !found {
		t.Fatal("expected snapshot to be found")
	}
	if loaded != meta {
		t.Fatalf("meta mismatch: %+v vs %+v", loaded, meta)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	for i, want := range testEntries() {
		if got[i].Key != want.Key || got[i].TTLMillis != want.TTLMillis {
			t.Fatalf("entry %d mismatch: %+v", i, got[i])
		}
		if !bytes.Equal(got[i].Value, want.Value) {
			t.Fatalf("entry %d value mismatch: %q", i, got[i].Value)
		}
	}
}

func TestSnapshot_LoadMissingIsNotAnError(t *testing.T) {
	_, found, err := Load(t.TempDir(), func(Entry) error { return nil })
	if err != nil {
		t.Fatalf("expected no error for a missing snapshot, got %v", err)
	}
	if found {
		t.Fatal("expected found=false")
	}
}

func TestSnapshot_EncodeDecodeStream(t *testing.T) {
	var buf bytes.Buffer
	meta := Meta{Seq: 3, ReplID: "id", ReplOffset: 100, CreatedAt: 42}

	if err := Encode(&buf, meta, sourceOf(testEntries())); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	count := 0
	got, err := Decode(bytes.NewReader(buf.Bytes()), func(Entry) error {
		count++
		return nil
	})
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got != meta || count != 3 {
		t.Fatalf("round trip mismatch: meta=%+v count=%d", got, count)
	}
}

func TestSnapshot_BadMagicIsCorrupt(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, Meta{}, sourceOf(nil)); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	data := buf.Bytes()
	data[0] ^= 0xFF

	if _, err := Decode(bytes.NewReader(data), func(Entry) error { return nil }); err == nil {
		t.Fatal("expected corruption error for bad magic")
	}
}

func TestSnapshot_WriteIsAtomic(t *testing.T) {
	dir := t.TempDir()

	// A failing source must leave no snapshot file behind.
	err := Write(dir, Meta{}, func(emit func(Entry) error) error {
		return os.ErrInvalid
	})
	if err == nil {
		t.Fatal("expected Write to propagate the source error")
	}
	if _, statErr := os.Stat(Path(dir)); !os.IsNotExist(statErr) {
		t.Fatalf("expected no snapshot file, stat: %v", statErr)
	}

	// A successful write replaces the file in one step.
	if err := Write(dir, Meta{Seq: 1}, sourceOf(testEntries())); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if _, statErr := os.Stat(Path(dir)); statErr != nil {
		t.Fatalf("expected snapshot file, stat: %v", statErr)
	}
}

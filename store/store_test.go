package store

import "testing"

func TestMemoryRoundTrips(t *testing.T) {
	b := NewMemory()
	if v, err := b.Get("attempts"); err != nil || v != 0 {
		t.Fatalf("expected 0 for an unset key, got %d, %v", v, err)
	}
	if err := b.Set("attempts", 7); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v, err := b.Get("attempts"); err != nil || v != 7 {
		t.Fatalf("expected 7, got %d, %v", v, err)
	}
}

func TestFileRoundTrips(t *testing.T) {
	b := NewFile(t.TempDir())
	if v, err := b.Get("attempts"); err != nil || v != 0 {
		t.Fatalf("expected 0 for a never-written key, got %d, %v", v, err)
	}
	if err := b.Set("attempts", 42); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v, err := b.Get("attempts"); err != nil || v != 42 {
		t.Fatalf("expected 42, got %d, %v", v, err)
	}

	// A second key must not disturb the first.
	if err := b.Set("other", 9); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v, err := b.Get("attempts"); err != nil || v != 42 {
		t.Fatalf("expected attempts to remain 42 after writing a different key, got %d, %v", v, err)
	}
}

func TestDecodeToleratesShortBuffer(t *testing.T) {
	if v := Decode(nil); v != 0 {
		t.Fatalf("expected 0 for a nil buffer, got %d", v)
	}
	if v := Decode([]byte{1, 2}); v != 0 {
		t.Fatalf("expected 0 for a short buffer, got %d", v)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, v := range []uint32{0, 1, 65535, 4294967295} {
		if got := Decode(Encode(v)); got != v {
			t.Fatalf("Encode/Decode(%d) round-tripped to %d", v, got)
		}
	}
}

package sendbuf

import "testing"

func TestAppendConsumeRoundTrip(t *testing.T) {
	b := New(1 << 20)
	msg := []byte("the quick brown fox jumps over the lazy dog")
	if err := b.Append(msg); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if b.Size() != len(msg) {
		t.Fatalf("Size = %d, want %d", b.Size(), len(msg))
	}

	var got []byte
	for b.Size() > 0 {
		chunk := b.PeekContiguous()
		if len(chunk) == 0 {
			t.Fatal("PeekContiguous returned empty slice while Size() > 0")
		}
		got = append(got, chunk...)
		b.Consume(len(chunk))
	}
	if string(got) != string(msg) {
		t.Fatalf("round trip = %q, want %q", got, msg)
	}
}

func TestAppendOverflow(t *testing.T) {
	b := New(8)
	if err := b.Append([]byte("12345678")); err != nil {
		t.Fatalf("Append at cap: %v", err)
	}
	if err := b.Append([]byte("9")); err != ErrOverflow {
		t.Fatalf("Append over cap: err = %v, want ErrOverflow", err)
	}
}

func TestWaterLevel(t *testing.T) {
	b := New(100)
	if wl := b.WaterLevel(); wl != 0 {
		t.Fatalf("empty water level = %d, want 0", wl)
	}
	b.Append(make([]byte, 50))
	if wl := b.WaterLevel(); wl != 5000 {
		t.Fatalf("half-full water level = %d, want 5000", wl)
	}
}

func TestConsumeAcrossChunks(t *testing.T) {
	b := New(1 << 20)
	// force multiple chunks
	big := make([]byte, chunkSize*3+10)
	for i := range big {
		big[i] = byte(i)
	}
	if err := b.Append(big); err != nil {
		t.Fatalf("Append: %v", err)
	}
	var got []byte
	for b.Size() > 0 {
		c := b.PeekContiguous()
		got = append(got, c...)
		b.Consume(len(c))
	}
	if len(got) != len(big) {
		t.Fatalf("got %d bytes, want %d", len(got), len(big))
	}
	for i := range big {
		if got[i] != big[i] {
			t.Fatalf("byte %d mismatch: got %d want %d", i, got[i], big[i])
		}
	}
}

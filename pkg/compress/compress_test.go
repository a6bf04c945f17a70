package compress

import (
	"bytes"
	"testing"
)

func TestNoneRoundTrips(t *testing.T) {
	data := []byte("hello world")
	packed, err := Compress(None, 0, data)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if !bytes.Equal(packed, data) {
		t.Fatalf("expected passthrough, got %q", packed)
	}
	unpacked, err := Decompress(None, packed)
	if err != nil || !bytes.Equal(unpacked, data) {
		t.Fatalf("decompress: %q err=%v", unpacked, err)
	}
}

func TestZstdRoundTrips(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog, repeatedly, many times over")
	packed, err := Compress(ZSTD, 0, data)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if bytes.Equal(packed, data) {
		t.Fatalf("expected compressed output to differ from input")
	}
	unpacked, err := Decompress(ZSTD, packed)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !bytes.Equal(unpacked, data) {
		t.Fatalf("round trip mismatch: got %q", unpacked)
	}
}

func TestLZMARoundTrips(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog, repeatedly, many times over")
	packed, err := Compress(LZMA, 0, data)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	unpacked, err := Decompress(LZMA, packed)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !bytes.Equal(unpacked, data) {
		t.Fatalf("round trip mismatch: got %q", unpacked)
	}
}

func TestUnknownTypeErrors(t *testing.T) {
	if _, err := Compress(Type("bogus"), 0, []byte("x")); err == nil {
		t.Fatalf("expected error for unknown compression type")
	}
}

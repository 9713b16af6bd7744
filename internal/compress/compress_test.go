package compress

import (
	"bytes"
	"io"
	"testing"
)

func TestCompressDecompress_RoundTrip(t *testing.T) {
	original := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog. "), 100)

	compressed, err := Compress(original)
	if err != nil {
		t.Fatalf("Compress failed: %v", err)
	}
	if len(compressed) >= len(original) {
		t.Errorf("expected compressed size to be smaller, got %d vs %d", len(compressed), len(original))
	}

	decompressed, err := Decompress(compressed)
	if err != nil {
		t.Fatalf("Decompress failed: %v", err)
	}
	if !bytes.Equal(decompressed, original) {
		t.Error("round-trip did not reproduce original bytes")
	}
}

func TestCompress_EmptyInput(t *testing.T) {
	compressed, err := Compress(nil)
	if err != nil {
		t.Fatalf("Compress failed: %v", err)
	}
	decompressed, err := Decompress(compressed)
	if err != nil {
		t.Fatalf("Decompress failed: %v", err)
	}
	if len(decompressed) != 0 {
		t.Errorf("expected empty result, got %d bytes", len(decompressed))
	}
}

func TestWriterReader_StreamingRoundTrip(t *testing.T) {
	original := bytes.Repeat([]byte("streamed gzip stage. "), 200)

	var compressed bytes.Buffer
	w := NewWriter(&compressed)
	if _, err := w.Write(original[:len(original)/2]); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if _, err := w.Write(original[len(original)/2:]); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	r, err := NewReader(&compressed)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	defer r.Close()

	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("reading decompressed stream failed: %v", err)
	}
	if !bytes.Equal(got, original) {
		t.Error("streaming round-trip did not reproduce original bytes")
	}
}

func TestDecompress_InvalidData(t *testing.T) {
	if _, err := Decompress([]byte("not gzip data")); err == nil {
		t.Fatal("expected error for invalid gzip data")
	}
}

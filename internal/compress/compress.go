// Package compress wraps stdlib gzip behind the small io.WriteCloser /
// io.Reader seam the transport pipeline chains uniformly with
// internal/crypto (spec §4.3: "optional GZip-compress → optional AES
// encrypt → chunk → upload").
package compress

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
)

// Compress gzips data in full and returns the compressed bytes.
func Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

// NewWriter returns a WriteCloser that gzips bytes written to it directly to
// w as it goes, for use as one stage of a streaming compress/encrypt/chunk
// pipeline. Callers must Close it to flush the gzip footer.
func NewWriter(w io.Writer) io.WriteCloser {
	return gzip.NewWriter(w)
}

// NewReader returns a ReadCloser that decompresses r's gzip stream on the
// fly.
func NewReader(r io.Reader) (io.ReadCloser, error) {
	gr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	return gr, nil
}

// Decompress reverses Compress.
func Decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gzip read: %w", err)
	}
	return out, nil
}

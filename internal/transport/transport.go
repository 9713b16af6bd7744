package transport

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path"

	"github.com/zimbackup/agent/internal/compress"
	"github.com/zimbackup/agent/internal/crypto"
)

// SendOptions configures one Send call's pipeline (spec §4.3: "optional
// GZip-compress -> optional AES encrypt -> chunk -> upload").
type SendOptions struct {
	ChunkBytes int64
	Compress   bool
	Passphrase string
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ChunkName returns the remote chunk file name for chunk index of total
// chunks. A single-chunk payload uses the bare relative path with no
// suffix; multi-chunk payloads use `<relpath>.partNNNN` zero-padded to four
// digits.
func ChunkName(relPath string, index, total int) string {
	if total <= 1 {
		return relPath
	}
	return fmt.Sprintf("%s.part%04d", relPath, index)
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// chunkWriter is the bottom of the Send pipeline: it accepts the
// post-compress/post-encrypt byte stream and uploads it chunkBytes at a
// time, atomically (temp + rename), via adapter. Because a streaming writer
// cannot know the total chunk count until the source is exhausted, it holds
// the most recently completed chunk back (one chunk of lookahead) until
// either another full chunk proves it wasn't the last, or Close proves it
// was — mirroring the block-lookahead crypto.NewDecryptReader uses for
// PKCS#7 unpadding.
type chunkWriter struct {
	ctx        context.Context
	adapter    Adapter
	baseDir    string
	runBaseDir string
	relPath    string
	chunkBytes int64
	resume     *ResumeLog

	buf           []byte
	held          []byte
	heldIdx       int
	nextIdx       int
	heldCommitted bool
	chunkHashes   []string
}

func newChunkWriter(ctx context.Context, adapter Adapter, baseDir, runBaseDir, relPath string, chunkBytes int64, resume *ResumeLog) *chunkWriter {
	return &chunkWriter{
		ctx:        ctx,
		adapter:    adapter,
		baseDir:    baseDir,
		runBaseDir: runBaseDir,
		relPath:    relPath,
		chunkBytes: chunkBytes,
		resume:     resume,
	}
}

func (c *chunkWriter) Write(p []byte) (int, error) {
	c.buf = append(c.buf, p...)
	for int64(len(c.buf)) >= c.chunkBytes {
		full := append([]byte(nil), c.buf[:c.chunkBytes]...)
		c.buf = append([]byte(nil), c.buf[c.chunkBytes:]...)

		if c.held != nil {
			if err := c.writeChunk(c.held, c.heldIdx, false); err != nil {
				return 0, err
			}
			c.heldCommitted = true
		}
		c.held = full
		c.heldIdx = c.nextIdx
		c.nextIdx++
	}
	return len(p), nil
}

// Close finalizes the stream and returns the total chunk count plus the
// per-chunk SHA-256 hashes in order.
func (c *chunkWriter) Close() (int, []string, error) {
	switch {
	case c.held == nil:
		// Never reached a full chunk: everything fits in one bare-named chunk.
		if err := c.writeChunk(c.buf, 0, true); err != nil {
			return 0, nil, err
		}
		return 1, c.chunkHashes, nil
	case len(c.buf) == 0:
		// Source length was an exact multiple of chunkBytes; held is the last.
		if err := c.writeChunk(c.held, c.heldIdx, !c.heldCommitted); err != nil {
			return 0, nil, err
		}
		return c.heldIdx + 1, c.chunkHashes, nil
	default:
		if err := c.writeChunk(c.held, c.heldIdx, false); err != nil {
			return 0, nil, err
		}
		if err := c.writeChunk(c.buf, c.nextIdx, false); err != nil {
			return 0, nil, err
		}
		return c.nextIdx + 1, c.chunkHashes, nil
	}
}

func (c *chunkWriter) writeChunk(data []byte, idx int, bare bool) error {
	total := 2 // any value >1 forces the .partNNNN suffix regardless of idx
	if bare {
		total = 1
	}
	name := ChunkName(c.relPath, idx, total)

	hash := sha256Hex(data)
	c.chunkHashes = append(c.chunkHashes, hash)

	if c.resume != nil && c.resume.IsComplete(name) {
		return nil
	}

	remotePath := path.Join(c.baseDir, name)
	tmpPath := remotePath + ".tmp"

	w, err := c.adapter.Create(c.ctx, tmpPath)
	if err != nil {
		return fmt.Errorf("creating chunk %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("writing chunk %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing chunk %s: %w", name, err)
	}
	if err := c.adapter.Rename(c.ctx, tmpPath, remotePath); err != nil {
		return fmt.Errorf("renaming chunk %s into place: %w", name, err)
	}

	if c.resume != nil {
		c.resume.MarkComplete(name, hash)
		if err := SaveResumeLog(c.ctx, c.adapter, c.resume, c.runBaseDir); err != nil {
			return fmt.Errorf("persisting resume log after chunk %s: %w", name, err)
		}
	}
	return nil
}

// Send streams src through the optional compress/encrypt stages and uploads
// the result chunkBytes at a time under baseDir via atomic temp-then-rename,
// per spec §4.4 step 5 ("open a local read-only stream, invoke
// transport.send(stream, ...)"). Chunks already recorded complete in resume
// are skipped (spec §4.3 resumability); after each successful rename,
// resume is persisted to runBaseDir/resume.json before the next chunk is
// attempted. The returned ManifestEntry's SizeBytes/SHA256 describe src as
// read, not the post-pipeline bytes, so callers never need to pre-compute
// them (this also lets a full-image stream of unknown length pass straight
// through).
func Send(ctx context.Context, adapter Adapter, baseDir, runBaseDir, relPath string, src io.Reader, opts SendOptions, resume *ResumeLog) (ManifestEntry, error) {
	if adapter == nil {
		return ManifestEntry{}, ErrNotConnected
	}
	if opts.ChunkBytes <= 0 {
		return ManifestEntry{}, fmt.Errorf("transport: chunk size must be positive")
	}
	if opts.ChunkBytes > MaxFrameBytes {
		return ManifestEntry{}, ErrFrameInvalid
	}

	dir := path.Dir(path.Join(baseDir, relPath))
	if err := adapter.MkdirAll(ctx, dir); err != nil {
		return ManifestEntry{}, fmt.Errorf("creating remote directory %s: %w", dir, err)
	}

	cw := newChunkWriter(ctx, adapter, baseDir, runBaseDir, relPath, opts.ChunkBytes, resume)

	var dst io.Writer = cw
	var closers []io.Closer

	if opts.Passphrase != "" {
		ew, err := crypto.NewEncryptWriter(dst, opts.Passphrase)
		if err != nil {
			return ManifestEntry{}, fmt.Errorf("encrypting %s: %w", relPath, err)
		}
		dst = ew
		closers = append(closers, ew)
	}
	if opts.Compress {
		gw := compress.NewWriter(dst)
		dst = gw
		closers = append(closers, gw)
	}

	hasher := sha256.New()
	counter := &countingReader{r: src}
	tee := io.TeeReader(counter, hasher)

	if _, err := io.Copy(dst, tee); err != nil {
		return ManifestEntry{}, fmt.Errorf("streaming %s: %w", relPath, err)
	}
	// Closers run outermost-first (last wrapped, first closed) so gzip's
	// footer flushes into the encryptor before the encryptor pads and
	// flushes its final block into the chunk writer.
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			return ManifestEntry{}, fmt.Errorf("closing pipeline for %s: %w", relPath, err)
		}
	}

	total, chunkHashes, err := cw.Close()
	if err != nil {
		return ManifestEntry{}, err
	}

	return ManifestEntry{
		RelativePath: relPath,
		SizeBytes:    counter.n,
		SHA256:       hex.EncodeToString(hasher.Sum(nil)),
		ChunkCount:   total,
		ChunkSHA256:  chunkHashes,
		Compressed:   opts.Compress,
		Encrypted:    opts.Passphrase != "",
	}, nil
}

// chunkReader is the source side of Receive: it fetches and verifies one
// remote chunk at a time instead of reassembling the whole file in memory
// before handing it to the decrypt/decompress stages.
type chunkReader struct {
	ctx     context.Context
	adapter Adapter
	baseDir string
	entry   ManifestEntry
	idx     int
	buf     []byte
}

func (c *chunkReader) Read(p []byte) (int, error) {
	for len(c.buf) == 0 {
		if c.idx >= c.entry.ChunkCount {
			return 0, io.EOF
		}
		if err := c.loadNext(); err != nil {
			return 0, err
		}
	}
	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

func (c *chunkReader) loadNext() error {
	name := ChunkName(c.entry.RelativePath, c.idx, c.entry.ChunkCount)
	remotePath := path.Join(c.baseDir, name)

	r, err := c.adapter.Open(c.ctx, remotePath)
	if err != nil {
		if IsNotExist(err) && c.idx < c.entry.ChunkCount-1 {
			return ErrChunkMissing
		}
		return fmt.Errorf("opening chunk %s: %w", name, err)
	}
	data, err := io.ReadAll(r)
	r.Close()
	if err != nil {
		return fmt.Errorf("reading chunk %s: %w", name, err)
	}

	if c.idx < len(c.entry.ChunkSHA256) && c.entry.ChunkSHA256[c.idx] != "" && sha256Hex(data) != c.entry.ChunkSHA256[c.idx] {
		return ErrIntegrityMismatch
	}

	c.buf = data
	c.idx++
	return nil
}

// Receive reverses Send: it downloads entry's chunks in order, verifies
// each against its recorded hash, reverses the compress/encrypt pipeline,
// and streams the plaintext into dest, checking the whole-stream SHA-256
// once draining finishes.
func Receive(ctx context.Context, adapter Adapter, baseDir string, entry ManifestEntry, passphrase string, dest io.Writer) error {
	if adapter == nil {
		return ErrNotConnected
	}
	if entry.Encrypted && passphrase == "" {
		return ErrPassphraseRequired
	}

	var src io.Reader = &chunkReader{ctx: ctx, adapter: adapter, baseDir: baseDir, entry: entry}
	var closers []io.Closer

	if entry.Encrypted {
		dr, err := crypto.NewDecryptReader(src, passphrase)
		if err != nil {
			return fmt.Errorf("decrypting %s: %w", entry.RelativePath, err)
		}
		src = dr
	}
	if entry.Compressed {
		gr, err := compress.NewReader(src)
		if err != nil {
			return fmt.Errorf("decompressing %s: %w", entry.RelativePath, err)
		}
		src = gr
		closers = append(closers, gr)
	}

	hasher := sha256.New()
	tee := io.TeeReader(src, hasher)

	if _, err := io.Copy(dest, tee); err != nil {
		if err == ErrChunkMissing || err == ErrIntegrityMismatch {
			return err
		}
		return fmt.Errorf("receiving %s: %w", entry.RelativePath, err)
	}
	for _, c := range closers {
		if err := c.Close(); err != nil {
			return fmt.Errorf("closing decompressor for %s: %w", entry.RelativePath, err)
		}
	}

	if entry.SHA256 != "" && hex.EncodeToString(hasher.Sum(nil)) != entry.SHA256 {
		return ErrIntegrityMismatch
	}
	return nil
}

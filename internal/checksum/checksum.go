// Package checksum computes artifact digests while bytes stream through
// capture, upload and download paths.
package checksum

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
)

// Algorithm is recorded alongside every digest.
const Algorithm = "sha256"

// File returns the hex digest and size of the file at path.
func File(ctx context.Context, path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	r := NewReader(WithContext(ctx, f))
	if _, err := io.Copy(io.Discard, r); err != nil {
		return "", 0, fmt.Errorf("read %s: %w", path, err)
	}
	return r.Sum(), r.Size(), nil
}

// Reader hashes everything read through it.
type Reader struct {
	r    io.Reader
	h    hash.Hash
	size int64
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, h: sha256.New()}
}

// Read implements io.Reader.
func (c *Reader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.h.Write(p[:n])
		c.size += int64(n)
	}
	return n, err
}

// Sum returns the hex digest of the bytes read so far.
func (c *Reader) Sum() string { return hex.EncodeToString(c.h.Sum(nil)) }

// Size returns the number of bytes read so far.
func (c *Reader) Size() int64 { return c.size }

// Writer hashes everything written through it.
type Writer struct {
	w    io.Writer
	h    hash.Hash
	size int64
}

// NewWriter wraps w. A nil w only hashes.
func NewWriter(w io.Writer) *Writer {
	if w == nil {
		w = io.Discard
	}
	return &Writer{w: w, h: sha256.New()}
}

// Write implements io.Writer.
func (c *Writer) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if n > 0 {
		c.h.Write(p[:n])
		c.size += int64(n)
	}
	return n, err
}

// Sum returns the hex digest of the bytes written so far.
func (c *Writer) Sum() string { return hex.EncodeToString(c.h.Sum(nil)) }

// Size returns the number of bytes written so far.
func (c *Writer) Size() int64 { return c.size }

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

// WithContext returns a reader that fails with ctx.Err() once ctx is done.
func WithContext(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// CopyFile copies src to dst and returns the digest and size of the bytes written.
func CopyFile(ctx context.Context, src, dst string) (string, int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", 0, fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return "", 0, fmt.Errorf("create destination: %w", err)
	}

	w := NewWriter(out)
	if _, err := io.Copy(w, WithContext(ctx, in)); err != nil {
		out.Close()
		return "", 0, fmt.Errorf("copy: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return "", 0, fmt.Errorf("sync destination: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", 0, fmt.Errorf("close destination: %w", err)
	}
	return w.Sum(), w.Size(), nil
}

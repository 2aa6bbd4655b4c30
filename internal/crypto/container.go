package crypto

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Container layout:
//
//	magic[8] version[1] compression[1] keyID[16] chunkSize[4]
//	then per chunk: nonce[12] flags[1] length[4] ciphertext[length]
//
// Each chunk is sealed with AES-256-GCM. The additional data binds the header,
// the chunk index and the final flag so chunks cannot be reordered, dropped or
// appended without detection.
const (
	containerVersion  byte = 1
	headerSize             = 8 + 1 + 1 + 16 + 4
	chunkPrefixSize        = NonceSize + 1 + 4
	DefaultChunkSize       = 1 << 20
	maxChunkSize           = 16 << 20
	chunkFlagFinal    byte = 1
)

var containerMagic = [8]byte{'K', 'D', 'R', 'E', 'N', 'C', '0', '1'}

// Compression selects the codec applied before encryption.
type Compression byte

const (
	CompressionNone Compression = 0
	CompressionZstd Compression = 1
	CompressionLZ4  Compression = 2
)

// ParseCompression parses a configured compression name.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	}
	return CompressionNone, fmt.Errorf("unsupported compression %q", name)
}

// String implements fmt.Stringer.
func (c Compression) String() string {
	switch c {
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	case CompressionNone:
		return "none"
	}
	return fmt.Sprintf("compression(%d)", byte(c))
}

// ErrInvalidContainer indicates the data is not a well-formed encrypted container.
var ErrInvalidContainer = errors.New("invalid encrypted container")

// ContainerHeader is the plaintext preamble of an encrypted artifact.
type ContainerHeader struct {
	Version     byte
	Compression Compression
	KeyID       uuid.UUID
	ChunkSize   uint32
}

func (h ContainerHeader) marshal() []byte {
	buf := make([]byte, headerSize)
	copy(buf[:8], containerMagic[:])
	buf[8] = h.Version
	buf[9] = byte(h.Compression)
	copy(buf[10:26], h.KeyID[:])
	binary.BigEndian.PutUint32(buf[26:30], h.ChunkSize)
	return buf
}

// ParseContainerHeader reads and validates the container preamble from r.
func ParseContainerHeader(r io.Reader) (*ContainerHeader, error) {
	buf := make([]byte, headerSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("%w: short header: %v", ErrInvalidContainer, err)
	}
	return decodeHeader(buf)
}

func decodeHeader(buf []byte) (*ContainerHeader, error) {
	if !bytes.Equal(buf[:8], containerMagic[:]) {
		return nil, fmt.Errorf("%w: bad magic", ErrInvalidContainer)
	}
	h := &ContainerHeader{
		Version:     buf[8],
		Compression: Compression(buf[9]),
		ChunkSize:   binary.BigEndian.Uint32(buf[26:30]),
	}
	copy(h.KeyID[:], buf[10:26])
	if h.Version != containerVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidContainer, h.Version)
	}
	if h.Compression > CompressionLZ4 {
		return nil, fmt.Errorf("%w: unknown compression %d", ErrInvalidContainer, h.Compression)
	}
	if h.ChunkSize == 0 || h.ChunkSize > maxChunkSize {
		return nil, fmt.Errorf("%w: chunk size %d out of range", ErrInvalidContainer, h.ChunkSize)
	}
	if h.KeyID == uuid.Nil {
		return nil, fmt.Errorf("%w: missing key id", ErrInvalidContainer)
	}
	return h, nil
}

func chunkAAD(header []byte, index uint64, flags byte) []byte {
	aad := make([]byte, 0, len(header)+9)
	aad = append(aad, header...)
	aad = binary.BigEndian.AppendUint64(aad, index)
	return append(aad, flags)
}

// sealWriter buffers plaintext and emits sealed chunks. The last chunk is
// emitted by Close with the final flag set.
type sealWriter struct {
	w      io.Writer
	aead   cipher.AEAD
	header []byte
	size   int
	buf    []byte
	index  uint64
	closed bool
}

func newSealWriter(w io.Writer, aead cipher.AEAD, h ContainerHeader) (*sealWriter, error) {
	header := h.marshal()
	if _, err := w.Write(header); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	return &sealWriter{
		w:      w,
		aead:   aead,
		header: header,
		size:   int(h.ChunkSize),
		buf:    make([]byte, 0, h.ChunkSize),
	}, nil
}

func (s *sealWriter) Write(p []byte) (int, error) {
	if s.closed {
		return 0, errors.New("write after close")
	}
	n := len(p)
	for len(p) > 0 {
		// Only flush a full chunk once more data is known to follow, so the
		// final chunk is always the one written by Close.
		if len(s.buf) == s.size {
			if err := s.emit(0); err != nil {
				return n - len(p), err
			}
		}
		take := min(s.size-len(s.buf), len(p))
		s.buf = append(s.buf, p[:take]...)
		p = p[take:]
	}
	return n, nil
}

func (s *sealWriter) emit(flags byte) error {
	prefix := make([]byte, chunkPrefixSize)
	nonce := prefix[:NonceSize]
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nil, nonce, s.buf, chunkAAD(s.header, s.index, flags))
	prefix[NonceSize] = flags
	binary.BigEndian.PutUint32(prefix[NonceSize+1:], uint32(len(sealed)))

	if _, err := s.w.Write(prefix); err != nil {
		return err
	}
	if _, err := s.w.Write(sealed); err != nil {
		return err
	}
	s.index++
	s.buf = s.buf[:0]
	return nil
}

func (s *sealWriter) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.emit(chunkFlagFinal)
}

// openReader yields the plaintext of a sealed chunk stream.
type openReader struct {
	r       io.Reader
	aead    cipher.AEAD
	header  []byte
	maxSeal int
	index   uint64
	buf     []byte
	final   bool
}

func newOpenReader(r io.Reader, aead cipher.AEAD, header []byte, chunkSize uint32) *openReader {
	return &openReader{
		r:       r,
		aead:    aead,
		header:  header,
		maxSeal: int(chunkSize) + aead.Overhead(),
	}
}

func (o *openReader) Read(p []byte) (int, error) {
	for len(o.buf) == 0 {
		if o.final {
			// Trailing bytes after the final chunk mean tampering.
			var one [1]byte
			if n, _ := io.ReadFull(o.r, one[:]); n > 0 {
				return 0, fmt.Errorf("%w: trailing data", ErrInvalidContainer)
			}
			return 0, io.EOF
		}
		if err := o.next(); err != nil {
			return 0, err
		}
	}
	n := copy(p, o.buf)
	o.buf = o.buf[n:]
	return n, nil
}

func (o *openReader) next() error {
	prefix := make([]byte, chunkPrefixSize)
	if _, err := io.ReadFull(o.r, prefix); err != nil {
		return fmt.Errorf("%w: truncated stream: %v", ErrInvalidContainer, err)
	}
	flags := prefix[NonceSize]
	length := int(binary.BigEndian.Uint32(prefix[NonceSize+1:]))
	if length < o.aead.Overhead() || length > o.maxSeal {
		return fmt.Errorf("%w: chunk length %d out of range", ErrInvalidContainer, length)
	}

	sealed := make([]byte, length)
	if _, err := io.ReadFull(o.r, sealed); err != nil {
		return fmt.Errorf("%w: truncated chunk: %v", ErrInvalidContainer, err)
	}

	plain, err := o.aead.Open(nil, prefix[:NonceSize], sealed, chunkAAD(o.header, o.index, flags))
	if err != nil {
		return ErrDecryptionFailed
	}
	o.index++
	o.buf = plain
	o.final = flags&chunkFlagFinal != 0
	return nil
}

// compressWriter wraps w with the selected codec.
func compressWriter(w io.Writer, c Compression) (io.WriteCloser, error) {
	switch c {
	case CompressionZstd:
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	case CompressionLZ4:
		return lz4.NewWriter(w), nil
	case CompressionNone:
		return nopWriteCloser{w}, nil
	}
	return nil, fmt.Errorf("unsupported compression %s", c)
}

// decompressReader wraps r with the selected codec. The returned close func
// releases decoder resources.
func decompressReader(r io.Reader, c Compression) (io.Reader, func(), error) {
	switch c {
	case CompressionZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return dec, dec.Close, nil
	case CompressionLZ4:
		return lz4.NewReader(r), func() {}, nil
	case CompressionNone:
		return r, func() {}, nil
	}
	return nil, nil, fmt.Errorf("unsupported compression %s", c)
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

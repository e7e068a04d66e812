package netspeed

import (
	"crypto/rand"
	"io"
	"strconv"

	"github.com/pkg/errors"
)

const (
	DefaultEntropyCallLimit = 64 * 1024 // largest single read from the entropy source
	DefaultStreamChunkSize  = 64 * 1024

	MinDownloadSize     = int64(64 * 1024)
	MaxDownloadSize     = int64(1000 * 1000 * 1000)
	DefaultDownloadSize = int64(5 * 1000 * 1000)
)

// PayloadSource produces non-compressible random bytes.
type PayloadSource struct {
	Rand         io.Reader
	MaxCallBytes int
}

func NewPayloadSource() *PayloadSource {
	return &PayloadSource{
		Rand:         rand.Reader,
		MaxCallBytes: DefaultEntropyCallLimit,
	}
}

func (s *PayloadSource) entropy() io.Reader {
	if s == nil || s.Rand == nil {
		return rand.Reader
	}
	return s.Rand
}

func (s *PayloadSource) callLimit() int {
	if s == nil || s.MaxCallBytes <= 0 {
		return DefaultEntropyCallLimit
	}
	return s.MaxCallBytes
}

// Fill populates p[:length] with random data, asking the entropy source for
// at most MaxCallBytes per call.
func (s *PayloadSource) Fill(p []byte, length int) error {
	if length < 0 || length > len(p) {
		return preconditionf("fill", "length %d out of range for buffer of %d bytes", length, len(p))
	}

	limit := s.callLimit()
	src := s.entropy()

	for offset := 0; offset < length; offset += limit {
		end := offset + limit
		if end > length {
			end = length
		}
		if _, err := io.ReadFull(src, p[offset:end]); err != nil {
			return errors.Wrap(err, "could not read entropy")
		}
	}

	return nil
}

// Chunk is a random buffer that is never written after construction, so any
// number of bodies may read it at once.
type Chunk struct {
	data []byte
}

func (s *PayloadSource) NewChunk(size int) (*Chunk, error) {
	if size <= 0 {
		return nil, preconditionf("new chunk", "size must be positive, got %d", size)
	}

	data := make([]byte, size)
	if err := s.Fill(data, size); err != nil {
		return nil, err
	}

	return &Chunk{data: data}, nil
}

func (c *Chunk) Len() int {
	return len(c.data)
}

// Body returns a reader yielding the chunk repeated until total bytes.
func (c *Chunk) Body(total int64) io.Reader {
	return &chunkReader{data: c.data, remaining: total}
}

type chunkReader struct {
	data      []byte
	offset    int
	remaining int64
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if r.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > r.remaining {
		p = p[:r.remaining]
	}

	n := 0
	for n < len(p) {
		copied := copy(p[n:], r.data[r.offset:])
		n += copied
		r.offset = (r.offset + copied) % len(r.data)
	}
	r.remaining -= int64(n)

	return n, nil
}

// RepeatedPartSize rounds target up to a whole number of chunkBytes.
func RepeatedPartSize(target int64, chunkBytes int) int64 {
	repeat := (target + int64(chunkBytes) - 1) / int64(chunkBytes)
	return repeat * int64(chunkBytes)
}

// WriteStream writes total random bytes to w in chunkSize writes, calling
// flush (if non-nil) after every write.
func (s *PayloadSource) WriteStream(w io.Writer, total int64, chunkSize int, flush func()) (int64, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultStreamChunkSize
	}

	buf := make([]byte, chunkSize)
	written := int64(0)

	for written < total {
		size := chunkSize
		if remaining := total - written; remaining < int64(size) {
			size = int(remaining)
		}

		if err := s.Fill(buf, size); err != nil {
			return written, err
		}
		n, err := w.Write(buf[:size])
		written += int64(n)
		if err != nil {
			return written, errors.Wrap(err, "could not write payload")
		}
		if flush != nil {
			flush()
		}
	}

	return written, nil
}

// ClampDownloadSize parses a requested download size. Missing, unparsable or
// zero values fall back to DefaultDownloadSize; the result always lies in
// [MinDownloadSize, MaxDownloadSize].
func ClampDownloadSize(raw string) int64 {
	size, err := strconv.ParseInt(raw, 10, 64)
	if errors.Is(err, strconv.ErrRange) {
		// ParseInt saturates out-of-range input, which the clamp below handles
		err = nil
	}
	if err != nil || size == 0 {
		size = DefaultDownloadSize
	}

	if size < MinDownloadSize {
		return MinDownloadSize
	}
	if size > MaxDownloadSize {
		return MaxDownloadSize
	}

	return size
}

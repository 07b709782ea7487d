// Package byteio provides the byte sources and sinks used by the
// container muxers and demuxers: random-access sources, a range-cached
// reader, and append-with-seek writers over memory and streaming
// targets.
package byteio

import (
	"fmt"
	"io"
)

// Source is a random-access byte provider. Read may be issued with
// overlapping or non-monotonic ranges.
type Source interface {
	Size() (int64, error)
	// Read returns the bytes in [start, end).
	Read(start, end int64) ([]byte, error)
}

// MemorySource is a Source over an in-memory buffer.
type MemorySource struct {
	data []byte
}

// NewMemorySource returns a Source reading from data.
func NewMemorySource(data []byte) *MemorySource {
	return &MemorySource{data: data}
}

// Size implements Source.
func (s *MemorySource) Size() (int64, error) {
	return int64(len(s.data)), nil
}

// Read implements Source.
func (s *MemorySource) Read(start, end int64) ([]byte, error) {
	if start < 0 || end < start || end > int64(len(s.data)) {
		return nil, fmt.Errorf("read [%d, %d) out of bounds (size %d)", start, end, len(s.data))
	}
	return s.data[start:end], nil
}

// ReaderAtSource is a Source over an io.ReaderAt with a known size,
// typically an *os.File.
type ReaderAtSource struct {
	r    io.ReaderAt
	size int64
}

// NewReaderAtSource returns a Source reading from r.
func NewReaderAtSource(r io.ReaderAt, size int64) *ReaderAtSource {
	return &ReaderAtSource{r: r, size: size}
}

// Size implements Source.
func (s *ReaderAtSource) Size() (int64, error) {
	return s.size, nil
}

// Read implements Source.
func (s *ReaderAtSource) Read(start, end int64) ([]byte, error) {
	if start < 0 || end < start || end > s.size {
		return nil, fmt.Errorf("read [%d, %d) out of bounds (size %d)", start, end, s.size)
	}
	buf := make([]byte, end-start)
	if _, err := s.r.ReadAt(buf, start); err != nil {
		return nil, fmt.Errorf("read at %d: %w", start, err)
	}
	return buf, nil
}

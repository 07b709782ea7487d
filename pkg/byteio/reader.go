package byteio

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNotLoaded is returned by View for a range that no completed
// LoadRange covers. It indicates a caller bug, not an I/O condition.
var ErrNotLoaded = errors.New("range not loaded")

// DefaultMaxCachedBytes is the cache budget used when none is given.
const DefaultMaxCachedBytes = 64 << 20

type segment struct {
	start int64
	end   int64
	data  []byte
	age   int64
}

type pendingLoad struct {
	start int64
	end   int64
	done  chan struct{}
	err   error
}

// Reader is a range cache over a Source. Loaded segments are kept
// sorted and non-overlapping; the total cached size is bounded by
// MaxBytes with least-recently-viewed eviction.
type Reader struct {
	source   Source
	maxBytes int64

	mu         sync.Mutex
	segments   []*segment
	pending    []*pendingLoad
	ageCounter int64
	totalBytes int64
}

// NewReader returns a Reader over source with the given cache budget.
// A maxBytes of 0 selects DefaultMaxCachedBytes.
func NewReader(source Source, maxBytes int64) *Reader {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxCachedBytes
	}
	return &Reader{source: source, maxBytes: maxBytes}
}

// Source returns the underlying source.
func (r *Reader) Source() Source {
	return r.source
}

// LoadRange makes [start, end) available to View. If an in-flight load
// already covers the range, it is awaited instead of issuing a new
// read. The end is clamped to the source size.
func (r *Reader) LoadRange(ctx context.Context, start, end int64) error {
	size, err := r.source.Size()
	if err != nil {
		return fmt.Errorf("source size: %w", err)
	}
	if end > size {
		end = size
	}
	if start < 0 {
		start = 0
	}
	if start >= end {
		return nil
	}

	r.mu.Lock()
	for _, p := range r.pending {
		if p.start <= start && end <= p.end {
			done := p.done
			r.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
			return p.err
		}
	}
	if r.findCovering(start, end) != nil {
		r.mu.Unlock()
		return nil
	}

	p := &pendingLoad{start: start, end: end, done: make(chan struct{})}
	r.pending = append(r.pending, p)
	r.mu.Unlock()

	data, err := r.source.Read(start, end)

	r.mu.Lock()
	for i, q := range r.pending {
		if q == p {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			break
		}
	}
	if err != nil {
		p.err = fmt.Errorf("source read [%d, %d): %w", start, end, err)
	} else {
		r.insert(&segment{start: start, end: end, data: data, age: r.nextAge()})
		r.evict()
	}
	r.mu.Unlock()
	close(p.done)

	return p.err
}

// View returns a loaded byte slice covering [start, end) and the
// offset of start within it. The matching LoadRange must have
// completed, otherwise ErrNotLoaded is returned.
func (r *Reader) View(start, end int64) ([]byte, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.findCovering(start, end)
	if s == nil {
		return nil, 0, fmt.Errorf("view [%d, %d): %w", start, end, ErrNotLoaded)
	}
	s.age = r.nextAge()
	return s.data, int(start - s.start), nil
}

// ForgetRange drops the segment previously loaded with exactly
// [start, end). Ranges that were merged into larger segments are left
// alone.
func (r *Reader) ForgetRange(start, end int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, s := range r.segments {
		if s.start == start && s.end == end {
			r.totalBytes -= int64(len(s.data))
			r.segments = append(r.segments[:i], r.segments[i+1:]...)
			return
		}
	}
}

// CachedBytes returns the total size of all cached segments.
func (r *Reader) CachedBytes() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totalBytes
}

// SegmentCount returns the number of cached segments.
func (r *Reader) SegmentCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.segments)
}

func (r *Reader) nextAge() int64 {
	r.ageCounter++
	return r.ageCounter
}

// findCovering returns the segment fully covering [start, end), if any.
// Caller must hold mu.
func (r *Reader) findCovering(start, end int64) *segment {
	i := sort.Search(len(r.segments), func(i int) bool {
		return r.segments[i].start > start
	})
	if i == 0 {
		return nil
	}
	s := r.segments[i-1]
	if s.start <= start && end <= s.end {
		return s
	}
	return nil
}

// insert adds a segment, dropping existing segments fully contained in
// it. Caller must hold mu.
func (r *Reader) insert(n *segment) {
	kept := r.segments[:0]
	for _, s := range r.segments {
		if n.start <= s.start && s.end <= n.end {
			r.totalBytes -= int64(len(s.data))
			continue
		}
		kept = append(kept, s)
	}
	r.segments = kept

	i := sort.Search(len(r.segments), func(i int) bool {
		return r.segments[i].start > n.start
	})
	r.segments = append(r.segments, nil)
	copy(r.segments[i+1:], r.segments[i:])
	r.segments[i] = n
	r.totalBytes += int64(len(n.data))
}

// evict drops lowest-age segments until the budget holds, always
// keeping at least one. Caller must hold mu.
func (r *Reader) evict() {
	for r.totalBytes > r.maxBytes && len(r.segments) >= 2 {
		oldest := 0
		for i, s := range r.segments {
			if s.age < r.segments[oldest].age {
				oldest = i
			}
		}
		r.totalBytes -= int64(len(r.segments[oldest].data))
		r.segments = append(r.segments[:oldest], r.segments[oldest+1:]...)
	}
}

package byteio

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestReader(t *testing.T, size int, budget int64) *Reader {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)
	}
	return NewReader(NewMemorySource(data), budget)
}

func TestReaderLoadAndView(t *testing.T) {
	r := newTestReader(t, 100, 1000)
	ctx := context.Background()

	require.NoError(t, r.LoadRange(ctx, 10, 20))

	buf, off, err := r.View(12, 18)
	require.NoError(t, err)
	require.Equal(t, byte(12), buf[off])
	require.Equal(t, byte(17), buf[off+5])

	// Not loaded.
	_, _, err = r.View(30, 40)
	require.ErrorIs(t, err, ErrNotLoaded)

	// Partially loaded is not loaded.
	_, _, err = r.View(15, 25)
	require.ErrorIs(t, err, ErrNotLoaded)
}

func TestReaderCollapsesContained(t *testing.T) {
	r := newTestReader(t, 100, 1000)
	ctx := context.Background()

	require.NoError(t, r.LoadRange(ctx, 10, 20))
	require.NoError(t, r.LoadRange(ctx, 40, 50))
	require.Equal(t, 2, r.SegmentCount())

	// Covers both earlier segments.
	require.NoError(t, r.LoadRange(ctx, 0, 60))
	require.Equal(t, 1, r.SegmentCount())
	require.Equal(t, int64(60), r.CachedBytes())

	buf, off, err := r.View(45, 55)
	require.NoError(t, err)
	require.Equal(t, byte(45), buf[off])
}

func TestReaderCoveredLoadIsFree(t *testing.T) {
	r := newTestReader(t, 100, 1000)
	ctx := context.Background()

	require.NoError(t, r.LoadRange(ctx, 0, 50))
	require.NoError(t, r.LoadRange(ctx, 10, 20))
	require.Equal(t, 1, r.SegmentCount())
}

func TestReaderEviction(t *testing.T) {
	r := newTestReader(t, 1000, 25)
	ctx := context.Background()

	require.NoError(t, r.LoadRange(ctx, 0, 10))
	require.NoError(t, r.LoadRange(ctx, 100, 110))

	// Bump segment 0 so segment 1 is the eviction victim.
	_, _, err := r.View(0, 10)
	require.NoError(t, err)

	require.NoError(t, r.LoadRange(ctx, 200, 210))
	require.Equal(t, 2, r.SegmentCount())
	require.LessOrEqual(t, r.CachedBytes(), int64(25))

	_, _, err = r.View(100, 110)
	require.ErrorIs(t, err, ErrNotLoaded)
	_, _, err = r.View(0, 10)
	require.NoError(t, err)
}

func TestReaderKeepsAtLeastOne(t *testing.T) {
	r := newTestReader(t, 1000, 5)
	ctx := context.Background()

	require.NoError(t, r.LoadRange(ctx, 0, 100))
	require.Equal(t, 1, r.SegmentCount())
	require.Equal(t, int64(100), r.CachedBytes())
}

func TestReaderClampsToSize(t *testing.T) {
	r := newTestReader(t, 50, 1000)
	ctx := context.Background()

	require.NoError(t, r.LoadRange(ctx, 40, 100))
	buf, off, err := r.View(40, 50)
	require.NoError(t, err)
	require.Equal(t, byte(40), buf[off])
}

func TestReaderForgetRange(t *testing.T) {
	r := newTestReader(t, 100, 1000)
	ctx := context.Background()

	require.NoError(t, r.LoadRange(ctx, 10, 20))
	r.ForgetRange(10, 20)
	require.Equal(t, 0, r.SegmentCount())

	_, _, err := r.View(10, 20)
	require.ErrorIs(t, err, ErrNotLoaded)
}

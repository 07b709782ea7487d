package byteio

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type sinkWrite struct {
	pos  int64
	data []byte
}

type recordingSink struct {
	writes []sinkWrite
}

func (s *recordingSink) WriteChunk(pos int64, data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	s.writes = append(s.writes, sinkWrite{pos: pos, data: buf})
	return nil
}

func (s *recordingSink) bytes() []byte {
	var out []byte
	for _, w := range s.writes {
		end := w.pos + int64(len(w.data))
		for int64(len(out)) < end {
			out = append(out, 0)
		}
		copy(out[w.pos:], w.data)
	}
	return out
}

func TestMemoryWriter(t *testing.T) {
	w := NewMemoryWriter()

	_, err := w.Write([]byte{1, 2, 3, 4})
	require.NoError(t, err)
	require.Equal(t, int64(4), w.Pos())

	w.Seek(1)
	_, err = w.Write([]byte{9})
	require.NoError(t, err)

	w.Seek(4)
	_, err = w.Write([]byte{5, 6})
	require.NoError(t, err)

	require.NoError(t, w.Finalize(context.Background()))
	require.Equal(t, []byte{1, 9, 3, 4, 5, 6}, w.Bytes())
}

func TestMemoryWriterSeekPastEnd(t *testing.T) {
	w := NewMemoryWriter()
	w.Seek(4)
	_, err := w.Write([]byte{7})
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0, 0, 0, 7}, w.Bytes())
}

func TestStreamWriterCoalesces(t *testing.T) {
	sink := &recordingSink{}
	w := NewStreamWriter(sink)
	ctx := context.Background()

	_, err := w.Write([]byte{1, 2, 3, 4})
	require.NoError(t, err)

	// Backpatch inside the pending range.
	w.Seek(1)
	_, err = w.Write([]byte{9})
	require.NoError(t, err)

	w.Seek(4)
	_, err = w.Write([]byte{5, 6})
	require.NoError(t, err)

	require.NoError(t, w.Flush(ctx))
	require.Len(t, sink.writes, 1)
	require.Equal(t, int64(0), sink.writes[0].pos)
	require.Equal(t, []byte{1, 9, 3, 4, 5, 6}, sink.writes[0].data)
}

func TestStreamWriterDisjointChunks(t *testing.T) {
	sink := &recordingSink{}
	w := NewStreamWriter(sink)
	ctx := context.Background()

	w.Seek(10)
	_, err := w.Write([]byte{1})
	require.NoError(t, err)
	w.Seek(0)
	_, err = w.Write([]byte{2})
	require.NoError(t, err)

	require.NoError(t, w.Flush(ctx))
	require.Len(t, sink.writes, 2)
	require.Equal(t, int64(0), sink.writes[0].pos)
	require.Equal(t, int64(10), sink.writes[1].pos)
}

func TestStreamWriterMonotonicity(t *testing.T) {
	sink := &recordingSink{}
	w := NewStreamWriter(sink)
	w.EnsureMonotonicity = true
	ctx := context.Background()

	_, err := w.Write([]byte{1, 2})
	require.NoError(t, err)
	require.NoError(t, w.Flush(ctx))

	_, err = w.Write([]byte{3})
	require.NoError(t, err)
	require.NoError(t, w.Flush(ctx))

	// Gap.
	w.Seek(10)
	_, err = w.Write([]byte{4})
	require.NoError(t, err)
	require.ErrorIs(t, w.Flush(ctx), ErrMonotonicity)
}

func TestChunkedStreamWriterFullPage(t *testing.T) {
	sink := &recordingSink{}
	w := NewChunkedStreamWriter(sink, MinPageSize)
	ctx := context.Background()

	full := make([]byte, MinPageSize)
	for i := range full {
		full[i] = byte(i)
	}
	_, err := w.Write(full)
	require.NoError(t, err)

	require.NoError(t, w.Flush(ctx))
	require.Len(t, sink.writes, 1)
	require.Equal(t, int64(0), sink.writes[0].pos)
	require.Equal(t, full, sink.writes[0].data)

	// Flushed page is gone; a new write lands on a fresh page.
	_, err = w.Write([]byte{1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, w.Finalize(ctx))
	require.Len(t, sink.writes, 2)
	require.Equal(t, int64(MinPageSize), sink.writes[1].pos)
	require.Equal(t, []byte{1, 2, 3}, sink.writes[1].data)
}

func TestChunkedStreamWriterPartialPages(t *testing.T) {
	sink := &recordingSink{}
	w := NewChunkedStreamWriter(sink, MinPageSize)
	ctx := context.Background()

	_, err := w.Write([]byte{1, 2, 3})
	require.NoError(t, err)
	w.Seek(5)
	_, err = w.Write([]byte{6, 7})
	require.NoError(t, err)

	// Nothing is fully covered yet.
	require.NoError(t, w.Flush(ctx))
	require.Empty(t, sink.writes)

	require.NoError(t, w.Finalize(ctx))
	require.Len(t, sink.writes, 2)
	require.Equal(t, int64(0), sink.writes[0].pos)
	require.Equal(t, []byte{1, 2, 3}, sink.writes[0].data)
	require.Equal(t, int64(5), sink.writes[1].pos)
	require.Equal(t, []byte{6, 7}, sink.writes[1].data)
}

func TestChunkedStreamWriterMergesAdjacentWrites(t *testing.T) {
	sink := &recordingSink{}
	w := NewChunkedStreamWriter(sink, MinPageSize)
	ctx := context.Background()

	_, err := w.Write([]byte{1, 2})
	require.NoError(t, err)
	_, err = w.Write([]byte{3, 4})
	require.NoError(t, err)

	require.NoError(t, w.Finalize(ctx))
	require.Len(t, sink.writes, 1)
	require.Equal(t, []byte{1, 2, 3, 4}, sink.writes[0].data)
}

func TestChunkedStreamWriterEvictsOldPages(t *testing.T) {
	sink := &recordingSink{}
	w := NewChunkedStreamWriter(sink, MinPageSize)
	ctx := context.Background()

	// Touch four pages without completing any.
	for i := 0; i < 4; i++ {
		w.Seek(int64(i) * MinPageSize)
		_, err := w.Write([]byte{byte(i)})
		require.NoError(t, err)
	}

	require.NoError(t, w.Flush(ctx))
	// The two oldest pages were forced out.
	require.Len(t, sink.writes, 2)
	require.Equal(t, int64(0), sink.writes[0].pos)
	require.Equal(t, int64(MinPageSize), sink.writes[1].pos)
}

func TestChunkedStreamWriterSpansPages(t *testing.T) {
	sink := &recordingSink{}
	w := NewChunkedStreamWriter(sink, MinPageSize)
	ctx := context.Background()

	data := make([]byte, MinPageSize+10)
	for i := range data {
		data[i] = byte(i)
	}
	_, err := w.Write(data)
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), w.Pos())

	require.NoError(t, w.Finalize(ctx))
	require.Equal(t, data, sink.bytes())
}

package mediastream

import (
	"context"
	"testing"

	"mediamux/pkg/media"

	"github.com/stretchr/testify/require"
)

// fakeTrack serves chunks from an in-memory table.
type fakeTrack struct {
	chunks []media.Chunk
}

func newFakeTrack(n int, keyEvery int) *fakeTrack {
	tr := &fakeTrack{}
	for i := 0; i < n; i++ {
		tr.chunks = append(tr.chunks, media.Chunk{
			Data:        []byte{byte(i)},
			Timestamp:   int64(i) * 100_000,
			Duration:    100_000,
			Key:         i%keyEvery == 0,
			TrackID:     1,
			SampleIndex: i,
		})
	}
	return tr
}

func (tr *fakeTrack) ID() int                         { return 1 }
func (tr *fakeTrack) Kind() media.TrackKind           { return media.TrackVideo }
func (tr *fakeTrack) Codec() media.Codec              { return media.CodecAVC }
func (tr *fakeTrack) Timescale() int                  { return 1000 }
func (tr *fakeTrack) Language() string                { return "und" }
func (tr *fakeTrack) Rotation() media.Rotation        { return 0 }
func (tr *fakeTrack) VideoConfig() *media.VideoConfig { return nil }
func (tr *fakeTrack) AudioConfig() *media.AudioConfig { return nil }
func (tr *fakeTrack) Duration(context.Context) (int64, error) {
	return int64(len(tr.chunks)) * 100_000, nil
}

func (tr *fakeTrack) chunkAt(i int) *media.Chunk {
	if i < 0 || i >= len(tr.chunks) {
		return nil
	}
	c := tr.chunks[i]
	return &c
}

func (tr *fakeTrack) FirstChunk(_ context.Context, _ media.GetChunkOptions) (*media.Chunk, error) {
	return tr.chunkAt(0), nil
}

func (tr *fakeTrack) ChunkAt(_ context.Context, t int64, _ media.GetChunkOptions) (*media.Chunk, error) {
	idx := int(t / 100_000)
	if t < 0 {
		return nil, nil
	}
	if idx >= len(tr.chunks) {
		idx = len(tr.chunks) - 1
	}
	return tr.chunkAt(idx), nil
}

func (tr *fakeTrack) NextChunk(_ context.Context, prev *media.Chunk, _ media.GetChunkOptions) (*media.Chunk, error) {
	return tr.chunkAt(prev.SampleIndex + 1), nil
}

func (tr *fakeTrack) KeyChunkAt(ctx context.Context, t int64, opts media.GetChunkOptions) (*media.Chunk, error) {
	chunk, err := tr.ChunkAt(ctx, t, opts)
	if chunk == nil || err != nil {
		return nil, err
	}
	i := chunk.SampleIndex
	for i > 0 && !tr.chunks[i].Key {
		i--
	}
	return tr.chunkAt(i), nil
}

func (tr *fakeTrack) NextKeyChunk(_ context.Context, prev *media.Chunk, _ media.GetChunkOptions) (*media.Chunk, error) {
	for i := prev.SampleIndex + 1; i < len(tr.chunks); i++ {
		if tr.chunks[i].Key {
			return tr.chunkAt(i), nil
		}
	}
	return nil, nil
}

func TestChunksIteratorCompleteness(t *testing.T) {
	tr := newFakeTrack(20, 5)
	ctx := context.Background()

	s := Chunks(ctx, tr, nil, 0, media.GetChunkOptions{})
	var got []*media.Chunk
	for {
		chunk, err := s.Next(ctx)
		require.NoError(t, err)
		if chunk == nil {
			break
		}
		got = append(got, chunk)
	}

	require.Len(t, got, 20)
	for i, chunk := range got {
		require.Equal(t, tr.chunks[i].Timestamp, chunk.Timestamp)
		require.Equal(t, tr.chunks[i].Data, chunk.Data)
	}
}

func TestChunksIteratorEndTimestamp(t *testing.T) {
	tr := newFakeTrack(20, 5)
	ctx := context.Background()

	s := Chunks(ctx, tr, nil, 1_000_000, media.GetChunkOptions{})
	count := 0
	for {
		chunk, err := s.Next(ctx)
		require.NoError(t, err)
		if chunk == nil {
			break
		}
		require.Less(t, chunk.Timestamp, int64(1_000_000))
		count++
	}
	require.Equal(t, 10, count)
}

func TestChunksIteratorCancel(t *testing.T) {
	tr := newFakeTrack(100, 5)
	ctx := context.Background()

	s := Chunks(ctx, tr, nil, 0, media.GetChunkOptions{})
	chunk, err := s.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, chunk)
	s.Close()
	// After Close the stream drains quickly; eventually nil.
	for chunk != nil {
		chunk, err = s.Next(ctx)
		require.NoError(t, err)
	}
}

// passthroughDecoder emits one frame per chunk with a fixed delay
// queue, mimicking a real decoder's reorder buffer.
type passthroughDecoder struct {
	onFrame func(Frame)
	queue   []Frame
}

func (d *passthroughDecoder) Decode(chunk *media.Chunk) error {
	d.queue = append(d.queue, Frame{
		Data:      chunk.Data,
		Timestamp: chunk.Timestamp,
		Duration:  chunk.Duration,
	})
	if len(d.queue) > 2 {
		d.onFrame(d.queue[0])
		d.queue = d.queue[1:]
	}
	return nil
}

func (d *passthroughDecoder) Flush() error {
	for _, frame := range d.queue {
		d.onFrame(frame)
	}
	d.queue = nil
	return nil
}

func (d *passthroughDecoder) Reset() {
	d.queue = nil
}

func (d *passthroughDecoder) QueueSize() int {
	return len(d.queue)
}

func decoderFactory() (DecoderFactory, **passthroughDecoder) {
	holder := new(*passthroughDecoder)
	return func(onFrame func(Frame)) (Decoder, error) {
		dec := &passthroughDecoder{onFrame: onFrame}
		*holder = dec
		return dec, nil
	}, holder
}

func TestFramesInRange(t *testing.T) {
	tr := newFakeTrack(20, 5)
	ctx := context.Background()

	factory, _ := decoderFactory()
	s, err := FramesInRange(ctx, tr, factory, 650_000, 1_200_000)
	require.NoError(t, err)

	var got []*Frame
	for {
		frame, err := s.Next(ctx)
		require.NoError(t, err)
		if frame == nil {
			break
		}
		got = append(got, frame)
	}

	// The frame covering 0.65 s (frame 6) comes first, then every
	// frame before 1.2 s.
	require.NotEmpty(t, got)
	require.Equal(t, int64(600_000), got[0].Timestamp)
	last := got[len(got)-1]
	require.Equal(t, int64(1_100_000), last.Timestamp)
	for i := 1; i < len(got); i++ {
		require.Equal(t, got[i-1].Timestamp+100_000, got[i].Timestamp)
	}
}

func TestFramesAtTimestamps(t *testing.T) {
	tr := newFakeTrack(20, 5)
	ctx := context.Background()

	factory, _ := decoderFactory()
	s, err := FramesAtTimestamps(ctx, tr, factory, []int64{
		300_000, 300_000, 700_000, 100_000,
	})
	require.NoError(t, err)

	var got []*Frame
	for {
		frame, err := s.Next(ctx)
		require.NoError(t, err)
		if frame == nil {
			break
		}
		got = append(got, frame)
	}

	require.Len(t, got, 4)
	require.Equal(t, int64(300_000), got[0].Timestamp)
	// The repeated timestamp duplicates the frame without re-decoding.
	require.Equal(t, int64(300_000), got[1].Timestamp)
	require.Equal(t, int64(700_000), got[2].Timestamp)
	// Going backwards reseeds from the key chunk.
	require.Equal(t, int64(100_000), got[3].Timestamp)
}

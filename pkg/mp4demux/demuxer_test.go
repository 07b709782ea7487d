package mp4demux

import (
	"context"
	"testing"

	"mediamux/pkg/byteio"
	"mediamux/pkg/media"
	"mediamux/pkg/mp4mux"

	"github.com/stretchr/testify/require"
)

var avcDescription = []byte{
	0x01, 0x64, 0x00, 0x1E, 0xFF, 0xE1, 0x00, 0x0A,
	0x67, 0x64, 0x00, 0x1E, 0xAC, 0xD9, 0x40, 0xA0,
	0x2F, 0xF9, 0x70, 0x11, 0x00, 0x00, 0x03, 0x00,
	0x01, 0x00, 0x00, 0x03, 0x00, 0x32, 0x8F, 0x18,
	0x30, 0x36, 0x01, 0x00, 0x05, 0x68, 0xEB, 0xEC,
	0xB2, 0x2C,
}

type testSample struct {
	data []byte
	ts   int64
	dur  int64
	key  bool
}

func videoSamples(n int) []testSample {
	samples := make([]testSample, n)
	for i := range samples {
		samples[i] = testSample{
			data: []byte{0, 0, 0, 1, byte(i), byte(i >> 8)},
			ts:   int64(i) * 1_000_000 / 30,
			dur:  33333,
			key:  i%15 == 0,
		}
	}
	return samples
}

func audioSamples(n int) []testSample {
	samples := make([]testSample, n)
	for i := range samples {
		samples[i] = testSample{
			data: []byte{0xFF, 0xF1, byte(i)},
			ts:   int64(i) * 1024 * 1_000_000 / 48000,
			dur:  21333,
			key:  true,
		}
	}
	return samples
}

// muxFile produces a two-track MP4 in the given mode.
func muxFile(t *testing.T, mode mp4mux.Mode, video, audio []testSample) []byte {
	t.Helper()
	out := byteio.NewMemoryWriter()
	m := mp4mux.NewMuxer(out, mp4mux.Options{Mode: mode, TimestampsStartAtZero: true})

	videoTrack, err := m.AddVideoTrack(mp4mux.TrackOptions{
		Video: &media.VideoConfig{
			Codec:       media.CodecAVC,
			Width:       640,
			Height:      360,
			Description: avcDescription,
		},
	})
	require.NoError(t, err)

	var audioTrack *mp4mux.Track
	if audio != nil {
		audioTrack, err = m.AddAudioTrack(mp4mux.TrackOptions{
			Audio: &media.AudioConfig{
				Codec:        media.CodecAAC,
				SampleRate:   48000,
				ChannelCount: 2,
			},
		})
		require.NoError(t, err)
	}

	ctx := context.Background()
	require.NoError(t, m.Start(ctx))
	for _, s := range video {
		require.NoError(t, m.WriteVideoSample(ctx, videoTrack, media.EncodedSample{
			Data: s.data, Timestamp: s.ts, Duration: s.dur, Key: s.key,
		}, nil))
	}
	for _, s := range audio {
		require.NoError(t, m.WriteAudioSample(ctx, audioTrack, media.EncodedSample{
			Data: s.data, Timestamp: s.ts, Duration: s.dur,
		}, nil))
	}
	require.NoError(t, m.Finalize(ctx))
	return out.Bytes()
}

func demuxerFor(file []byte) *Demuxer {
	return NewDemuxer(byteio.NewReader(byteio.NewMemorySource(file), 0), nil)
}

// collect drains a track with FirstChunk/NextChunk.
func collect(t *testing.T, tr media.Track, opts media.GetChunkOptions) []*media.Chunk {
	t.Helper()
	ctx := context.Background()
	var chunks []*media.Chunk
	chunk, err := tr.FirstChunk(ctx, opts)
	require.NoError(t, err)
	for chunk != nil {
		chunks = append(chunks, chunk)
		chunk, err = tr.NextChunk(ctx, chunk, opts)
		require.NoError(t, err)
	}
	return chunks
}

func requireSamplesEqual(t *testing.T, want []testSample, got []*media.Chunk) {
	t.Helper()
	require.Len(t, got, len(want))
	for i, chunk := range got {
		require.Equal(t, want[i].data, chunk.Data, "sample %d data", i)
		require.InDelta(t, want[i].ts, chunk.Timestamp, 1, "sample %d timestamp", i)
		require.InDelta(t, want[i].dur, chunk.Duration, 1, "sample %d duration", i)
		require.Equal(t, want[i].key, chunk.Key, "sample %d key", i)
	}
}

func TestRoundTripStreaming(t *testing.T) {
	video := videoSamples(30)
	audio := audioSamples(93)
	file := muxFile(t, mp4mux.ModeStreaming, video, audio)

	d := demuxerFor(file)
	tracks, err := d.Tracks(context.Background())
	require.NoError(t, err)
	require.Len(t, tracks, 2)

	vt, at := tracks[0], tracks[1]
	require.Equal(t, media.TrackVideo, vt.Kind())
	require.Equal(t, media.CodecAVC, vt.Codec())
	require.Equal(t, media.Rotation(0), vt.Rotation())
	require.Equal(t, 640, vt.VideoConfig().Width)
	require.Equal(t, 360, vt.VideoConfig().Height)
	require.Equal(t, avcDescription, vt.VideoConfig().Description)

	require.Equal(t, media.TrackAudio, at.Kind())
	require.Equal(t, media.CodecAAC, at.Codec())
	require.Equal(t, 48000, at.AudioConfig().SampleRate)
	require.Equal(t, 2, at.AudioConfig().ChannelCount)

	requireSamplesEqual(t, video, collect(t, vt, media.GetChunkOptions{}))
	requireSamplesEqual(t, audio, collect(t, at, media.GetChunkOptions{}))
}

func TestRoundTripFastStart(t *testing.T) {
	video := videoSamples(30)
	audio := audioSamples(50)
	file := muxFile(t, mp4mux.ModeFastStart, video, audio)

	d := demuxerFor(file)
	tracks, err := d.Tracks(context.Background())
	require.NoError(t, err)
	require.Len(t, tracks, 2)

	requireSamplesEqual(t, video, collect(t, tracks[0], media.GetChunkOptions{}))
	requireSamplesEqual(t, audio, collect(t, tracks[1], media.GetChunkOptions{}))
}

func TestRoundTripFragmented(t *testing.T) {
	video := videoSamples(60) // keys every 15 frames (0.5 s); 1 s minimum -> 2 fragments
	file := muxFile(t, mp4mux.ModeFragmented, video, nil)

	d := demuxerFor(file)
	tracks, err := d.Tracks(context.Background())
	require.NoError(t, err)
	require.Len(t, tracks, 1)

	requireSamplesEqual(t, video, collect(t, tracks[0], media.GetChunkOptions{}))
}

func TestMetadataOnlyEquivalence(t *testing.T) {
	video := videoSamples(30)
	file := muxFile(t, mp4mux.ModeFastStart, video, nil)

	d := demuxerFor(file)
	tracks, err := d.Tracks(context.Background())
	require.NoError(t, err)

	ctx := context.Background()
	t1 := int64(500_000)
	full, err := tracks[0].ChunkAt(ctx, t1, media.GetChunkOptions{})
	require.NoError(t, err)
	meta, err := tracks[0].ChunkAt(ctx, t1, media.GetChunkOptions{MetadataOnly: true})
	require.NoError(t, err)

	require.Equal(t, full.Timestamp, meta.Timestamp)
	require.Equal(t, full.Duration, meta.Duration)
	require.Equal(t, full.Key, meta.Key)
	require.NotEmpty(t, full.Data)
	require.Empty(t, meta.Data)
}

func TestChunkLookups(t *testing.T) {
	video := videoSamples(60)
	file := muxFile(t, mp4mux.ModeFastStart, video, nil)

	d := demuxerFor(file)
	tracks, err := d.Tracks(context.Background())
	require.NoError(t, err)
	vt := tracks[0]
	ctx := context.Background()
	opts := media.GetChunkOptions{MetadataOnly: true}

	// Chunk at 1.0 s is frame 30.
	chunk, err := vt.ChunkAt(ctx, 1_000_000, opts)
	require.NoError(t, err)
	require.InDelta(t, int64(1_000_000), chunk.Timestamp, 1)

	// Between frames, the earlier frame wins.
	chunk, err = vt.ChunkAt(ctx, 1_010_000, opts)
	require.NoError(t, err)
	require.InDelta(t, int64(1_000_000), chunk.Timestamp, 1)

	// Before the first frame there is nothing.
	chunk, err = vt.ChunkAt(ctx, -1, opts)
	require.NoError(t, err)
	require.Nil(t, chunk)

	// Key chunk at 0.9 s is frame 15 (keys every 15 frames).
	key, err := vt.KeyChunkAt(ctx, 900_000, opts)
	require.NoError(t, err)
	require.True(t, key.Key)
	require.InDelta(t, int64(500_000), key.Timestamp, 1)

	// Next key after frame 15 is frame 30.
	next, err := vt.NextKeyChunk(ctx, key, opts)
	require.NoError(t, err)
	require.True(t, next.Key)
	require.InDelta(t, int64(1_000_000), next.Timestamp, 1)

	// Track duration covers all 60 frames.
	dur, err := vt.Duration(ctx)
	require.NoError(t, err)
	require.InDelta(t, int64(2_000_000), dur, 50)
}

func TestFragmentedLookups(t *testing.T) {
	// Three 10-second fragments, one key plus nine deltas each.
	samples := make([]testSample, 30)
	for i := range samples {
		samples[i] = testSample{
			data: []byte{byte(i)},
			ts:   int64(i) * 1_000_000,
			dur:  1_000_000,
			key:  i%10 == 0,
		}
	}
	file := muxFile(t, mp4mux.ModeFragmented, samples, nil)

	d := demuxerFor(file)
	tracks, err := d.Tracks(context.Background())
	require.NoError(t, err)
	vt := tracks[0]
	ctx := context.Background()
	opts := media.GetChunkOptions{MetadataOnly: true}

	// Resolves via the fragment list without reading everything.
	chunk, err := vt.ChunkAt(ctx, 25_000_000, opts)
	require.NoError(t, err)
	require.Equal(t, int64(25_000_000), chunk.Timestamp)
	require.False(t, chunk.Key)

	key, err := vt.KeyChunkAt(ctx, 25_000_000, opts)
	require.NoError(t, err)
	require.Equal(t, int64(20_000_000), key.Timestamp)
	require.True(t, key.Key)

	// Fragmented duration recovery.
	dur, err := d.Duration(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(30_000_000), dur)
}

func TestReaderBudgetHolds(t *testing.T) {
	video := videoSamples(60)
	file := muxFile(t, mp4mux.ModeFastStart, video, nil)

	r := byteio.NewReader(byteio.NewMemorySource(file), 4096)
	d := NewDemuxer(r, nil)
	tracks, err := d.Tracks(context.Background())
	require.NoError(t, err)

	collect(t, tracks[0], media.GetChunkOptions{})
	if r.SegmentCount() > 1 {
		require.LessOrEqual(t, r.CachedBytes(), int64(4096))
	}
}

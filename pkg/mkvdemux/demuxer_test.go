package mkvdemux

import (
	"context"
	"testing"

	"mediamux/pkg/byteio"
	"mediamux/pkg/codecs"
	"mediamux/pkg/media"
	"mediamux/pkg/mkvmux"

	"github.com/stretchr/testify/require"
)

type testSample struct {
	data []byte
	ts   int64
	dur  int64
	key  bool
}

// vp9KeyFrame builds a minimal VP9 key-frame header followed by
// filler.
func vp9KeyFrame(filler byte) []byte {
	return []byte{0x82, 0x49, 0x83, 0x42, 0x00, filler, filler, filler}
}

func muxWebM(t *testing.T, video, audio []testSample, color media.ColorSpace) []byte {
	t.Helper()
	out := byteio.NewMemoryWriter()
	m := mkvmux.NewMuxer(out, mkvmux.Options{WebM: true})

	videoTrack, err := m.AddVideoTrack(mkvmux.TrackOptions{
		Video: &media.VideoConfig{
			Codec:  media.CodecVP9,
			Width:  320,
			Height: 240,
			Color:  color,
		},
	})
	require.NoError(t, err)

	var audioTrack *mkvmux.Track
	if audio != nil {
		audioTrack, err = m.AddAudioTrack(mkvmux.TrackOptions{
			Audio: &media.AudioConfig{
				Codec:        media.CodecOpus,
				SampleRate:   48000,
				ChannelCount: 2,
			},
		})
		require.NoError(t, err)
	}

	ctx := context.Background()
	require.NoError(t, m.Start(ctx))
	vi, ai := 0, 0
	for vi < len(video) || ai < len(audio) {
		// Feed in rough presentation order so neither queue starves.
		if ai >= len(audio) || (vi < len(video) && video[vi].ts <= audio[ai].ts) {
			s := video[vi]
			vi++
			require.NoError(t, m.WriteVideoSample(ctx, videoTrack, media.EncodedSample{
				Data: s.data, Timestamp: s.ts, Duration: s.dur, Key: s.key,
			}, nil))
		} else {
			s := audio[ai]
			ai++
			require.NoError(t, m.WriteAudioSample(ctx, audioTrack, media.EncodedSample{
				Data: s.data, Timestamp: s.ts, Duration: s.dur,
			}, nil))
		}
	}
	require.NoError(t, m.Finalize(ctx))
	return out.Bytes()
}

func demuxerFor(file []byte) *Demuxer {
	return NewDemuxer(byteio.NewReader(byteio.NewMemorySource(file), 0), nil)
}

func collect(t *testing.T, tr media.Track) []*media.Chunk {
	t.Helper()
	ctx := context.Background()
	var chunks []*media.Chunk
	chunk, err := tr.FirstChunk(ctx, media.GetChunkOptions{})
	require.NoError(t, err)
	for chunk != nil {
		chunks = append(chunks, chunk)
		chunk, err = tr.NextChunk(ctx, chunk, media.GetChunkOptions{})
		require.NoError(t, err)
	}
	return chunks
}

func TestRoundTripWebM(t *testing.T) {
	var video []testSample
	for i := 0; i < 20; i++ {
		video = append(video, testSample{
			data: vp9KeyFrame(byte(i)),
			ts:   int64(i) * 500_000,
			dur:  500_000,
			key:  i%4 == 0,
		})
	}
	var audio []testSample
	for i := 0; i < 100; i++ {
		audio = append(audio, testSample{
			data: []byte{0xF8, byte(i)},
			ts:   int64(i) * 100_000,
			dur:  100_000,
			key:  true,
		})
	}

	file := muxWebM(t, video, audio, media.ColorSpace{})

	d := demuxerFor(file)
	tracks, err := d.Tracks(context.Background())
	require.NoError(t, err)
	require.Len(t, tracks, 2)

	vt, at := tracks[0], tracks[1]
	require.Equal(t, media.TrackVideo, vt.Kind())
	require.Equal(t, media.CodecVP9, vt.Codec())
	require.Equal(t, 320, vt.VideoConfig().Width)
	require.Equal(t, 240, vt.VideoConfig().Height)
	require.Equal(t, media.TrackAudio, at.Kind())
	require.Equal(t, media.CodecOpus, at.Codec())
	require.Equal(t, 48000, at.AudioConfig().SampleRate)

	got := collect(t, vt)
	require.Len(t, got, len(video))
	for i, chunk := range got {
		require.Equal(t, video[i].data, chunk.Data, "video sample %d", i)
		// Matroska stores milliseconds.
		require.InDelta(t, video[i].ts, chunk.Timestamp, 1000, "video ts %d", i)
		require.Equal(t, video[i].key, chunk.Key, "video key %d", i)
	}

	gotAudio := collect(t, at)
	require.Len(t, gotAudio, len(audio))
	for i, chunk := range gotAudio {
		require.Equal(t, audio[i].data, chunk.Data, "audio sample %d", i)
		require.InDelta(t, audio[i].ts, chunk.Timestamp, 1000, "audio ts %d", i)
	}

	// Duration from the segment info.
	dur, err := d.Duration(context.Background())
	require.NoError(t, err)
	require.InDelta(t, int64(10_000_000), dur, 1_001_000)
}

func TestClusterAlignmentAndCues(t *testing.T) {
	// Keys every 2 s on video, dense audio.
	var video []testSample
	for i := 0; i < 16; i++ {
		video = append(video, testSample{
			data: vp9KeyFrame(byte(i)),
			ts:   int64(i) * 500_000,
			dur:  500_000,
			key:  i%4 == 0,
		})
	}
	var audio []testSample
	for i := 0; i < 350; i++ {
		audio = append(audio, testSample{
			data: []byte{byte(i)},
			ts:   int64(i) * 21_000,
			dur:  21_000,
			key:  true,
		})
	}

	file := muxWebM(t, video, audio, media.ColorSpace{})

	d := demuxerFor(file)
	_, err := d.Tracks(context.Background())
	require.NoError(t, err)

	// One cluster per video keyframe: keys at 0, 2, 4, 6 s.
	ctx := context.Background()
	unlock, err := d.mu.Lock(ctx)
	require.NoError(t, err)
	for !d.scanComplete {
		_, err := d.readNextCluster(ctx)
		require.NoError(t, err)
	}
	unlock()
	require.Len(t, d.clusters, 4)

	for _, c := range d.clusters {
		// Both tracks contributed, and relative timestamps stay well
		// inside the signed 16-bit range.
		require.Len(t, c.blocks, 2)
		for _, blocks := range c.blocks {
			for _, b := range blocks {
				require.Less(t, b.tsMs-c.tsMs, int64(2048))
				require.GreaterOrEqual(t, b.tsMs-c.tsMs, int64(0))
			}
		}
	}

	// One cue point per cluster, resolving to the cluster positions.
	require.Len(t, d.cues, 4)
	for i, cue := range d.cues {
		require.Equal(t, d.clusters[i].pos, cue.clusterPos)
		require.Equal(t, d.clusters[i].tsMs, cue.timeMs)
	}

	// Cue-assisted seek lands in the right cluster.
	chunk, err := d.tracks[0].ChunkAt(ctx, 5_000_000, media.GetChunkOptions{MetadataOnly: true})
	require.NoError(t, err)
	require.InDelta(t, int64(5_000_000), chunk.Timestamp, 1000)
}

func TestVP9ColorSpacePatched(t *testing.T) {
	color := media.ColorSpace{
		Primaries: "bt709",
		Transfer:  "bt709",
		Matrix:    "bt709",
		FullRange: false,
		HasRange:  true,
	}
	video := []testSample{{
		data: vp9KeyFrame(0xAA),
		ts:   0,
		dur:  500_000,
		key:  true,
	}}

	file := muxWebM(t, video, nil, color)

	d := demuxerFor(file)
	tracks, err := d.Tracks(context.Background())
	require.NoError(t, err)

	// The color description survives in the track entry.
	require.Equal(t, "bt709", tracks[0].VideoConfig().Color.Matrix)

	chunk, err := tracks[0].FirstChunk(context.Background(), media.GetChunkOptions{})
	require.NoError(t, err)

	// The frame header's 3-bit color space id was patched to BT.709.
	require.Equal(t, byte(codecs.VP9ColorSpaceBT709<<5), chunk.Data[4]&0xE0)
}

func TestMatroskaClusterOverflow(t *testing.T) {
	out := byteio.NewMemoryWriter()
	m := mkvmux.NewMuxer(out, mkvmux.Options{})

	tr, err := m.AddVideoTrack(mkvmux.TrackOptions{
		Video: &media.VideoConfig{Codec: media.CodecAVC, Width: 16, Height: 16},
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, m.Start(ctx))

	require.NoError(t, m.WriteVideoSample(ctx, tr, media.EncodedSample{
		Data: []byte{1}, Timestamp: 0, Duration: 1000, Key: true,
	}, nil))

	// A delta 40 s later cannot open a new cluster and does not fit
	// the 16-bit relative field.
	err = m.WriteVideoSample(ctx, tr, media.EncodedSample{
		Data: []byte{2}, Timestamp: 40_000_000, Duration: 1000, Key: false,
	}, nil)
	require.ErrorIs(t, err, mkvmux.ErrClusterOverflow)
}

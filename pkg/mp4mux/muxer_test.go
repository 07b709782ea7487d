package mp4mux

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"mediamux/pkg/byteio"
	"mediamux/pkg/media"

	"github.com/stretchr/testify/require"
)

// avcDescription is a real avcC record for a 640x360 High-profile
// stream.
var avcDescription = []byte{
	0x01, 0x64, 0x00, 0x1E, 0xFF, 0xE1, 0x00, 0x0A,
	0x67, 0x64, 0x00, 0x1E, 0xAC, 0xD9, 0x40, 0xA0,
	0x2F, 0xF9, 0x70, 0x11, 0x00, 0x00, 0x03, 0x00,
	0x01, 0x00, 0x00, 0x03, 0x00, 0x32, 0x8F, 0x18,
	0x30, 0x36, 0x01, 0x00, 0x05, 0x68, 0xEB, 0xEC,
	0xB2, 0x2C,
}

func videoTrackOptions() TrackOptions {
	return TrackOptions{
		Video: &media.VideoConfig{
			Codec:       media.CodecAVC,
			Width:       640,
			Height:      360,
			Description: avcDescription,
		},
	}
}

// findBoxPayload returns the payload following the first occurrence of
// the boxed four-character code.
func findBoxPayload(t *testing.T, buf []byte, typ string) []byte {
	t.Helper()
	idx := bytes.Index(buf, []byte(typ))
	require.GreaterOrEqual(t, idx, 4, "box %q not found", typ)
	size := binary.BigEndian.Uint32(buf[idx-4:])
	return buf[idx+4 : idx-4+int(size)]
}

func TestStreamingLayout(t *testing.T) {
	out := byteio.NewMemoryWriter()
	m := NewMuxer(out, Options{Mode: ModeStreaming, TimestampsStartAtZero: true})

	video, err := m.AddVideoTrack(videoTrackOptions())
	require.NoError(t, err)
	audio, err := m.AddAudioTrack(TrackOptions{
		Audio: &media.AudioConfig{
			Codec:        media.CodecAAC,
			SampleRate:   48000,
			ChannelCount: 2,
		},
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, m.Start(ctx))

	for i := 0; i < 30; i++ {
		err := m.WriteVideoSample(ctx, video, media.EncodedSample{
			Data:      []byte{0, 0, 0, 1, byte(i)},
			Timestamp: int64(i) * 1_000_000 / 30,
			Duration:  33333,
			Key:       i == 0 || i == 15,
		}, nil)
		require.NoError(t, err)
	}
	for i := 0; i < 93; i++ {
		err := m.WriteAudioSample(ctx, audio, media.EncodedSample{
			Data:      []byte{0xFF, byte(i)},
			Timestamp: int64(i) * 1024 * 1_000_000 / 48000,
			Duration:  21333,
		}, nil)
		require.NoError(t, err)
	}
	require.NoError(t, m.Finalize(ctx))

	buf := out.Bytes()

	// ftyp isom with an avc1 compatible brand.
	require.Equal(t, []byte("ftyp"), buf[4:8])
	require.Equal(t, []byte("isom"), buf[8:12])
	require.Contains(t, string(findBoxPayload(t, buf, "ftyp")), "avc1")

	// A large-size mdat follows the 32-byte ftyp, moov sits at the
	// end.
	require.Equal(t, uint32(1), binary.BigEndian.Uint32(buf[32:36]))
	require.Equal(t, []byte("mdat"), buf[36:40])
	require.Greater(t, bytes.LastIndex(buf, []byte("moov")), bytes.Index(buf, []byte("mdat")))

	// Exactly two traks.
	require.Equal(t, 2, bytes.Count(buf, []byte("trak")))
	// No stss for the audio track, one for video (it has deltas).
	require.Equal(t, 1, bytes.Count(buf, []byte("stss")))
}

func TestFastStartBFrameReordering(t *testing.T) {
	out := byteio.NewMemoryWriter()
	m := NewMuxer(out, Options{Mode: ModeFastStart, TimestampsStartAtZero: true})

	video, err := m.AddVideoTrack(videoTrackOptions())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, m.Start(ctx))

	// Decode order with presentation timestamps 0.0, 0.4, 0.1, 0.2,
	// 0.3 seconds.
	pts := []int64{0, 400_000, 100_000, 200_000, 300_000}
	for i, ts := range pts {
		err := m.WriteVideoSample(ctx, video, media.EncodedSample{
			Data:      []byte{byte(i)},
			Timestamp: ts,
			Duration:  100_000,
			Key:       i == 0,
		}, nil)
		require.NoError(t, err)
	}
	require.NoError(t, m.Finalize(ctx))

	buf := out.Bytes()

	// moov precedes mdat, with a free box between.
	require.Less(t, bytes.Index(buf, []byte("moov")), bytes.Index(buf, []byte("free")))
	require.Less(t, bytes.Index(buf, []byte("free")), bytes.Index(buf, []byte("mdat")))

	// Composition offsets 0, 17280, 0, 0, 0 at timescale 57600,
	// run-length encoded.
	ctts := findBoxPayload(t, buf, "ctts")
	expected := []byte{
		1, 0, 0, 0, // version 1
		0, 0, 0, 3, // entry count
		0, 0, 0, 1, // count 1
		0, 0, 0, 0, // offset 0
		0, 0, 0, 1, // count 1
		0, 0, 0x43, 0x80, // offset 17280
		0, 0, 0, 3, // count 3
		0, 0, 0, 0, // offset 0
	}
	require.Equal(t, expected, ctts)

	// Total duration 0.5 s in the movie timescale (1000).
	mvhd := findBoxPayload(t, buf, "mvhd")
	require.Equal(t, uint32(500), binary.BigEndian.Uint32(mvhd[16:20]))

	// The mdat payload is laid out in decode order.
	mdat := findBoxPayload(t, buf, "mdat")
	require.Equal(t, []byte{0, 1, 2, 3, 4}, mdat)
}

func TestTimestampValidation(t *testing.T) {
	ctx := context.Background()

	newVideoMuxer := func() (*Muxer, *Track) {
		m := NewMuxer(byteio.NewMemoryWriter(), Options{
			Mode:                  ModeFastStart,
			TimestampsStartAtZero: true,
		})
		tr, err := m.AddVideoTrack(videoTrackOptions())
		require.NoError(t, err)
		require.NoError(t, m.Start(ctx))
		return m, tr
	}

	t.Run("first sample must be key", func(t *testing.T) {
		m, tr := newVideoMuxer()
		err := m.WriteVideoSample(ctx, tr, media.EncodedSample{
			Data: []byte{1}, Timestamp: 0, Duration: 1000,
		}, nil)
		require.True(t, media.IsTimestampOrder(err))
	})

	t.Run("must start at zero", func(t *testing.T) {
		m, tr := newVideoMuxer()
		err := m.WriteVideoSample(ctx, tr, media.EncodedSample{
			Data: []byte{1}, Timestamp: 5000, Duration: 1000, Key: true,
		}, nil)
		require.True(t, media.IsTimestampOrder(err))
	})

	t.Run("key regression is fatal", func(t *testing.T) {
		m, tr := newVideoMuxer()
		require.NoError(t, m.WriteVideoSample(ctx, tr, media.EncodedSample{
			Data: []byte{1}, Timestamp: 0, Duration: 1000, Key: true,
		}, nil))
		require.NoError(t, m.WriteVideoSample(ctx, tr, media.EncodedSample{
			Data: []byte{2}, Timestamp: 100_000, Duration: 1000, Key: false,
		}, nil))
		err := m.WriteVideoSample(ctx, tr, media.EncodedSample{
			Data: []byte{3}, Timestamp: 50_000, Duration: 1000, Key: true,
		}, nil)
		require.True(t, media.IsTimestampOrder(err))
	})

	t.Run("timestamp offsetting", func(t *testing.T) {
		m := NewMuxer(byteio.NewMemoryWriter(), Options{
			Mode:                  ModeFastStart,
			TimestampsStartAtZero: true,
		})
		opts := videoTrackOptions()
		opts.OffsetTimestamps = true
		tr, err := m.AddVideoTrack(opts)
		require.NoError(t, err)
		require.NoError(t, m.Start(ctx))

		// A nonzero first timestamp is allowed and subtracted.
		require.NoError(t, m.WriteVideoSample(ctx, tr, media.EncodedSample{
			Data: []byte{1}, Timestamp: 900_000, Duration: 1000, Key: true,
		}, nil))
		require.NoError(t, m.WriteVideoSample(ctx, tr, media.EncodedSample{
			Data: []byte{2}, Timestamp: 901_000, Duration: 1000, Key: false,
		}, nil))
		require.NoError(t, m.Finalize(ctx))
	})

	t.Run("dimension change is fatal", func(t *testing.T) {
		m, tr := newVideoMuxer()
		require.NoError(t, m.WriteVideoSample(ctx, tr, media.EncodedSample{
			Data: []byte{1}, Timestamp: 0, Duration: 1000, Key: true,
		}, nil))
		err := m.WriteVideoSample(ctx, tr, media.EncodedSample{
			Data: []byte{2}, Timestamp: 1000, Duration: 1000, Key: true,
		}, &media.VideoConfig{Codec: media.CodecAVC, Width: 1280, Height: 720})
		require.ErrorIs(t, err, media.ErrDimensionChange)
	})

	t.Run("write after finalize is fatal", func(t *testing.T) {
		m, tr := newVideoMuxer()
		require.NoError(t, m.WriteVideoSample(ctx, tr, media.EncodedSample{
			Data: []byte{1}, Timestamp: 0, Duration: 1000, Key: true,
		}, nil))
		require.NoError(t, m.Finalize(ctx))
		err := m.WriteVideoSample(ctx, tr, media.EncodedSample{
			Data: []byte{2}, Timestamp: 2000, Duration: 1000, Key: true,
		}, nil)
		require.ErrorIs(t, err, media.ErrFinalized)
	})

	t.Run("double start is fatal", func(t *testing.T) {
		m, _ := newVideoMuxer()
		require.ErrorIs(t, m.Start(ctx), media.ErrDoubleStart)
	})
}

func TestFragmentedLayout(t *testing.T) {
	out := byteio.NewMemoryWriter()
	m := NewMuxer(out, Options{Mode: ModeFragmented, TimestampsStartAtZero: true})

	video, err := m.AddVideoTrack(videoTrackOptions())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, m.Start(ctx))

	// Three 10-second runs, each a key frame plus nine deltas.
	for i := 0; i < 30; i++ {
		err := m.WriteVideoSample(ctx, video, media.EncodedSample{
			Data:      []byte{byte(i)},
			Timestamp: int64(i) * 1_000_000,
			Duration:  1_000_000,
			Key:       i%10 == 0,
		}, nil)
		require.NoError(t, err)
	}
	require.NoError(t, m.Finalize(ctx))

	buf := out.Bytes()

	require.Equal(t, []byte("iso5"), buf[8:12])
	require.Equal(t, 1, bytes.Count(buf, []byte("mvex")))
	require.Equal(t, 3, bytes.Count(buf, []byte("moof")))
	require.Equal(t, 3, bytes.Count(buf, []byte("mdat")))
	require.Equal(t, 1, bytes.Count(buf, []byte("mfra")))

	// moov precedes the first moof.
	require.Less(t, bytes.Index(buf, []byte("moov")), bytes.Index(buf, []byte("moof")))

	// tfra carries three entries at 0 s, 10 s, 20 s in the 57600
	// track timescale.
	tfra := findBoxPayload(t, buf, "tfra")
	require.Equal(t, uint32(3), binary.BigEndian.Uint32(tfra[12:16]))
	require.Equal(t, uint64(0), binary.BigEndian.Uint64(tfra[16:24]))
	require.Equal(t, uint64(576000), binary.BigEndian.Uint64(tfra[16+19:24+19]))
	require.Equal(t, uint64(1152000), binary.BigEndian.Uint64(tfra[16+38:24+38]))

	// The mfro tail states the mfra size.
	mfraIdx := bytes.Index(buf, []byte("mfra"))
	mfraSize := binary.BigEndian.Uint32(buf[mfraIdx-4:])
	tailSize := binary.BigEndian.Uint32(buf[len(buf)-4:])
	require.Equal(t, mfraSize, tailSize)
}

func TestFragmentedMonotonicity(t *testing.T) {
	sink := &recordingSink{}
	out := byteio.NewStreamWriter(sink)
	out.EnsureMonotonicity = true

	m := NewMuxer(out, Options{Mode: ModeFragmented, TimestampsStartAtZero: true})
	video, err := m.AddVideoTrack(videoTrackOptions())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, m.Start(ctx))
	for i := 0; i < 10; i++ {
		err := m.WriteVideoSample(ctx, video, media.EncodedSample{
			Data:      []byte{byte(i)},
			Timestamp: int64(i) * 500_000,
			Duration:  500_000,
			Key:       i%5 == 0,
		}, nil)
		require.NoError(t, err)
	}
	require.NoError(t, m.Finalize(ctx))

	// Every write continued exactly where the previous one ended.
	var pos int64
	for _, w := range sink.writes {
		require.Equal(t, pos, w.pos)
		pos += int64(len(w.data))
	}
	require.NotEmpty(t, sink.writes)
}

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

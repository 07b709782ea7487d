package mkvmux

import (
	"bytes"
	"context"
	"testing"

	"mediamux/pkg/byteio"
	"mediamux/pkg/media"

	"github.com/stretchr/testify/require"
)

func vp9Track() TrackOptions {
	return TrackOptions{
		Video: &media.VideoConfig{
			Codec:  media.CodecVP9,
			Width:  320,
			Height: 240,
		},
	}
}

func TestEBMLHeaderDocType(t *testing.T) {
	for _, tc := range []struct {
		name    string
		webm    bool
		docType string
	}{
		{"webm", true, "webm"},
		{"matroska", false, "matroska"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			out := byteio.NewMemoryWriter()
			m := NewMuxer(out, Options{WebM: tc.webm})
			_, err := m.AddVideoTrack(vp9Track())
			require.NoError(t, err)

			ctx := context.Background()
			require.NoError(t, m.Start(ctx))
			require.NoError(t, m.Finalize(ctx))

			buf := out.Bytes()
			require.Equal(t, []byte{0x1A, 0x45, 0xDF, 0xA3}, buf[:4])
			require.Contains(t, string(buf[:64]), tc.docType)
		})
	}
}

func TestWebMRejectsForeignCodecs(t *testing.T) {
	m := NewMuxer(byteio.NewMemoryWriter(), Options{WebM: true})
	_, err := m.AddVideoTrack(TrackOptions{
		Video: &media.VideoConfig{Codec: media.CodecAVC, Width: 16, Height: 16},
	})
	require.ErrorIs(t, err, media.ErrInvalidMetadata)

	_, err = m.AddAudioTrack(TrackOptions{
		Audio: &media.AudioConfig{Codec: media.CodecAAC, SampleRate: 48000, ChannelCount: 2},
	})
	require.ErrorIs(t, err, media.ErrInvalidMetadata)
}

func TestStreamableIsMonotonic(t *testing.T) {
	sink := &recordingSink{}
	out := byteio.NewStreamWriter(sink)
	out.EnsureMonotonicity = true

	m := NewMuxer(out, Options{WebM: true, Streamable: true})
	tr, err := m.AddVideoTrack(vp9Track())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, m.Start(ctx))
	for i := 0; i < 10; i++ {
		require.NoError(t, m.WriteVideoSample(ctx, tr, media.EncodedSample{
			Data:      []byte{0x82, byte(i)},
			Timestamp: int64(i) * 500_000,
			Duration:  500_000,
			Key:       i%4 == 0,
		}, nil))
	}
	require.NoError(t, m.Finalize(ctx))

	var pos int64
	for _, w := range sink.writes {
		require.Equal(t, pos, w.pos)
		pos += int64(len(w.data))
	}
	require.NotEmpty(t, sink.writes)

	// The segment uses the unknown-size sentinel.
	buf := sink.bytes()
	idx := bytes.Index(buf, []byte{0x18, 0x53, 0x80, 0x67})
	require.GreaterOrEqual(t, idx, 0)
	require.Equal(t, byte(0x01), buf[idx+4])
	require.Equal(t, bytes.Repeat([]byte{0xFF}, 7), buf[idx+5:idx+12])

	// No seek head in streamable mode.
	require.Equal(t, -1, bytes.Index(buf, []byte{0x11, 0x4D, 0x9B, 0x74}))
}

func TestSegmentSizeBackpatched(t *testing.T) {
	out := byteio.NewMemoryWriter()
	m := NewMuxer(out, Options{})
	tr, err := m.AddVideoTrack(vp9Track())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, m.Start(ctx))
	require.NoError(t, m.WriteVideoSample(ctx, tr, media.EncodedSample{
		Data: []byte{1, 2, 3}, Timestamp: 0, Duration: 40_000, Key: true,
	}, nil))
	require.NoError(t, m.Finalize(ctx))

	buf := out.Bytes()
	idx := bytes.Index(buf, []byte{0x18, 0x53, 0x80, 0x67})
	require.GreaterOrEqual(t, idx, 0)

	// 6-byte fixed-width size covering everything to EOF.
	size := int64(0)
	for _, b := range buf[idx+4 : idx+10] {
		size = size<<8 | int64(b)
	}
	size &= (1 << 42) - 1 // strip the length marker
	require.Equal(t, int64(len(buf)-(idx+10)), size)
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

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

func TestWebVTTCueSplitting(t *testing.T) {
	out := byteio.NewMemoryWriter()
	m := NewMuxer(out, Options{Mode: ModeFastStart, TimestampsStartAtZero: true})

	sub, err := m.AddSubtitleTrack(TrackOptions{})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, m.Start(ctx))

	err = m.WriteSubtitleCue(ctx, sub, media.SubtitleCue{
		Timestamp:  1_500_000,
		Duration:   2_000_000,
		Text:       "Hello <00:02.000>world",
		Identifier: "c1",
		Settings:   "line:10%",
	})
	require.NoError(t, err)
	require.Equal(t, int64(1_500_000), sub.lastCueEnd)

	require.NoError(t, m.Finalize(ctx))
	require.Equal(t, int64(3_500_000), sub.lastCueEnd)

	// Two samples were registered: a gap then the cue.
	require.Len(t, sub.samples, 2)

	gap := sub.samples[0]
	require.Equal(t, int64(0), gap.ptsUs)
	require.Equal(t, int64(1_500_000), gap.durUs)

	cue := sub.samples[1]
	require.Equal(t, int64(1_500_000), cue.ptsUs)
	require.Equal(t, int64(2_000_000), cue.durUs)

	buf := out.Bytes()
	mdat := findBoxPayload(t, buf, "mdat")

	// The gap sample is a bare vtte box.
	require.Equal(t, []byte{0, 0, 0, 8, 'v', 't', 't', 'e'}, mdat[:8])

	// The cue sample is a vttc carrying iden, ctim, sttg and payl.
	vttc := mdat[8:]
	require.Equal(t, []byte("vttc"), vttc[4:8])
	require.Equal(t, "c1", string(findBoxPayload(t, vttc, "iden")))
	require.Equal(t, "00:00:01.500", string(findBoxPayload(t, vttc, "ctim")))
	require.Equal(t, "line:10%", string(findBoxPayload(t, vttc, "sttg")))
	require.Equal(t, "Hello <00:02.000>world", string(findBoxPayload(t, vttc, "payl")))
	// The cue lives in one sample only, so no source id is needed.
	require.NotContains(t, string(vttc), "vsid")

	// The sample entry is wvtt with its configuration box.
	require.Equal(t, "WEBVTT", string(findBoxPayload(t, buf, "vttC")))
}

func TestWebVTTOverlappingCues(t *testing.T) {
	out := byteio.NewMemoryWriter()
	m := NewMuxer(out, Options{Mode: ModeFastStart, TimestampsStartAtZero: true})

	sub, err := m.AddSubtitleTrack(TrackOptions{})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, m.Start(ctx))

	require.NoError(t, m.WriteSubtitleCue(ctx, sub, media.SubtitleCue{
		Timestamp: 0, Duration: 2_000_000, Text: "first",
	}))
	require.NoError(t, m.WriteSubtitleCue(ctx, sub, media.SubtitleCue{
		Timestamp: 1_000_000, Duration: 2_000_000, Text: "second",
	}))
	require.NoError(t, m.Finalize(ctx))

	// Boundaries at 0, 1, 2, 3 s: [first], [first+second], [second].
	require.Len(t, sub.samples, 3)
	require.Equal(t, int64(0), sub.samples[0].ptsUs)
	require.Equal(t, int64(1_000_000), sub.samples[0].durUs)
	require.Equal(t, int64(1_000_000), sub.samples[1].ptsUs)
	require.Equal(t, int64(1_000_000), sub.samples[1].durUs)
	require.Equal(t, int64(2_000_000), sub.samples[2].ptsUs)
	require.Equal(t, int64(1_000_000), sub.samples[2].durUs)

	// The middle sample carries both cues.
	require.Equal(t, 2, bytes.Count(sub.samples[1].data, []byte("payl")))
	// Both cues span multiple samples, so they carry source ids.
	require.Equal(t, 2, bytes.Count(sub.samples[1].data, []byte("vsid")))

	// Source ids are stable across samples.
	firstID := binary.BigEndian.Uint32(vsidPayload(t, sub.samples[0].data))
	require.Equal(t, uint32(1), firstID)
}

func vsidPayload(t *testing.T, data []byte) []byte {
	t.Helper()
	idx := bytes.Index(data, []byte("vsid"))
	require.GreaterOrEqual(t, idx, 0)
	return data[idx+4 : idx+8]
}

func TestCueOrderViolation(t *testing.T) {
	m := NewMuxer(byteio.NewMemoryWriter(), Options{Mode: ModeFastStart})
	sub, err := m.AddSubtitleTrack(TrackOptions{})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, m.Start(ctx))

	require.NoError(t, m.WriteSubtitleCue(ctx, sub, media.SubtitleCue{
		Timestamp: 2_000_000, Duration: 1_000_000, Text: "late",
	}))
	err = m.WriteSubtitleCue(ctx, sub, media.SubtitleCue{
		Timestamp: 1_000_000, Duration: 1_000_000, Text: "early",
	})
	require.True(t, media.IsTimestampOrder(err))
}

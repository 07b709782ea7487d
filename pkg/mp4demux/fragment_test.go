package mp4demux

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func makeFragment(moofOffset int64, trackID int, samples []fragSample, final bool) *fragmentInfo {
	data := &fragTrackData{samples: samples, startTsIsFinal: final}
	data.finishTimestamps()
	return &fragmentInfo{
		moofOffset: moofOffset,
		dataStart:  -1,
		tracks:     map[int]*fragTrackData{trackID: data},
	}
}

func TestResolveStartTimestamps(t *testing.T) {
	d := &Demuxer{}

	// First fragment with a known timeline [0, 100).
	first := makeFragment(0, 1, []fragSample{
		{pts: 0, dts: 0, dur: 50},
		{pts: 50, dts: 50, dur: 50},
	}, true)
	d.insertFragment(first)

	// Second fragment without a tfdt: timestamps are run-relative and
	// must be shifted by the predecessor's end.
	second := makeFragment(1000, 1, []fragSample{
		{pts: 0, dts: 0, dur: 50},
		{pts: 50, dts: 50, dur: 50},
	}, false)
	d.resolveStartTimestamps(second)
	d.insertFragment(second)

	data := second.tracks[1]
	require.True(t, data.startTsIsFinal)
	require.Equal(t, int64(100), data.startTs)
	require.Equal(t, int64(200), data.endTs)
	require.Equal(t, int64(100), data.samples[0].pts)
	require.Equal(t, int64(150), data.samples[1].dts)

	// The chain link was established.
	require.Same(t, second, first.next)
}

func TestResolveWithoutPredecessorStartsAtZero(t *testing.T) {
	d := &Demuxer{}

	frag := makeFragment(0, 1, []fragSample{
		{pts: 10, dts: 10, dur: 40},
	}, false)
	d.resolveStartTimestamps(frag)
	d.insertFragment(frag)

	data := frag.tracks[1]
	require.True(t, data.startTsIsFinal)
	require.Equal(t, int64(10), data.startTs)
}

func TestBinarySearchLessOrEqual(t *testing.T) {
	values := []int64{10, 20, 20, 30}
	at := func(i int) int64 { return values[i] }

	require.Equal(t, -1, binarySearchLessOrEqual(0, at, 10))
	require.Equal(t, -1, binarySearchLessOrEqual(len(values), at, 9))
	require.Equal(t, 0, binarySearchLessOrEqual(len(values), at, 10))
	require.Equal(t, 0, binarySearchLessOrEqual(len(values), at, 19))
	require.Equal(t, 2, binarySearchLessOrEqual(len(values), at, 20))
	require.Equal(t, 3, binarySearchLessOrEqual(len(values), at, 99))
}

package mp4mux

import (
	"context"
	"fmt"
	"sort"

	"mediamux/pkg/media"
	"mediamux/pkg/mp4"
)

// Track is the per-track muxer state.
type Track struct {
	id        int
	kind      media.TrackKind
	codec     media.Codec
	timescale int64
	opts      TrackOptions
	language  string

	firstSample     bool
	timestampOffset int64 // µs
	lastKeyPts      int64 // µs, normalized
	maxPts          int64 // µs, running max
	maxEndPts       int64 // µs, duration source
	closed          bool

	// Samples wait here until the next key sample fixes their decode
	// timestamps.
	processingQueue []*finalSample

	// Decode-complete samples awaiting interleaving.
	queue []*finalSample

	// Non-fragmented sample table.
	samples      []*finalSample
	chunks       []*trackChunk
	currentChunk *trackChunk

	// WebVTT state.
	cueQueue   []*pendingCue
	lastCueEnd int64 // µs
	nextCueID  int32

	// Fragmented random-access entries, one per fragment the track
	// participates in.
	fragmentEntries []mp4.TfraEntry
}

// ID returns the 1-based track id.
func (tr *Track) ID() int {
	return tr.id
}

type finalSample struct {
	ptsUs int64
	dtsUs int64
	durUs int64

	// Track timescale units, set once the decode timestamp is known.
	pts int64
	dts int64
	dur int64

	data      []byte
	sizeBytes uint32 // retained after data is released to the writer
	key       bool
}

type trackChunk struct {
	startPtsUs int64
	samples    []*finalSample
	offset     int64 // file offset of the first payload byte
	size       int64
	written    bool
}

// addSample validates and normalizes the sample's timing, then queues
// it for decode-timestamp assignment and interleaving.
func (m *Muxer) addSample(ctx context.Context, tr *Track, sample media.EncodedSample) error {
	if err := tr.validateTimestamp(&sample, m.opts.TimestampsStartAtZero); err != nil {
		return err
	}

	fs := &finalSample{
		ptsUs:     sample.Timestamp,
		durUs:     sample.Duration,
		data:      sample.Data,
		sizeBytes: uint32(len(sample.Data)),
		key:       sample.Key,
	}
	if sample.Key {
		tr.processQueuedTimestamps()
	}
	tr.processingQueue = append(tr.processingQueue, fs)

	return m.interleave(ctx, false)
}

// validateTimestamp enforces the timing invariants and applies the
// per-track offset. The sample's timestamp is rewritten in place.
func (tr *Track) validateTimestamp(sample *media.EncodedSample, mustStartAtZero bool) error {
	if !tr.firstSample {
		if !sample.Key {
			return &media.TimestampOrderError{
				Reason:    "first sample must be a key sample",
				Timestamp: sample.Timestamp,
			}
		}
		if tr.opts.OffsetTimestamps {
			tr.timestampOffset = sample.Timestamp
		} else if mustStartAtZero && sample.Timestamp > 0 {
			return &media.TimestampOrderError{
				Reason:    "timestamps must start at zero",
				Timestamp: sample.Timestamp,
			}
		}
		tr.firstSample = true
	}

	ts := sample.Timestamp - tr.timestampOffset
	if ts < 0 {
		return &media.TimestampOrderError{
			Reason:    "negative timestamp",
			Timestamp: ts,
		}
	}
	if sample.Duration < 0 {
		return &media.TimestampOrderError{
			Reason:    "negative duration",
			Timestamp: ts,
		}
	}
	if ts < tr.lastKeyPts {
		return &media.TimestampOrderError{
			Reason:    "timestamp before last key sample",
			Timestamp: ts,
			Last:      tr.lastKeyPts,
		}
	}
	if sample.Key {
		if ts < tr.maxPts {
			return &media.TimestampOrderError{
				Reason:    "key sample timestamp regressed",
				Timestamp: ts,
				Last:      tr.maxPts,
			}
		}
		tr.lastKeyPts = ts
	}
	if ts > tr.maxPts {
		tr.maxPts = ts
	}
	if end := ts + sample.Duration; end > tr.maxEndPts {
		tr.maxEndPts = end
	}

	sample.Timestamp = ts
	return nil
}

// processQueuedTimestamps assigns decode timestamps to the pending
// key-interval group. Encoders deliver samples in decode order, so the
// sorted presentation timestamps, capped at each sample's own
// timestamp, form the decode timeline.
func (tr *Track) processQueuedTimestamps() {
	group := tr.processingQueue
	if len(group) == 0 {
		return
	}
	tr.processingQueue = nil

	sorted := make([]int64, len(group))
	for i, s := range group {
		sorted[i] = s.ptsUs
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	for i, s := range group {
		s.dtsUs = sorted[i]
		if s.dtsUs > s.ptsUs {
			s.dtsUs = s.ptsUs
		}
		s.pts = media.ToTimescale(s.ptsUs, tr.timescale)
		s.dts = media.ToTimescale(s.dtsUs, tr.timescale)
		s.dur = media.ToTimescale(s.durUs, tr.timescale)
	}
	tr.queue = append(tr.queue, group...)
}

// interleave drains the per-track queues in presentation order. It
// stops when an open track has nothing queued, unless force is set.
func (m *Muxer) interleave(ctx context.Context, force bool) error {
	for {
		var pick *Track
		for _, tr := range m.tracks {
			if len(tr.queue) == 0 {
				if !tr.closed && !force {
					return nil // wait for the lagging track
				}
				continue
			}
			if pick == nil || tr.queue[0].ptsUs < pick.queue[0].ptsUs {
				pick = tr
			}
		}
		if pick == nil {
			return nil
		}

		// The sample stays at its queue's front while it is registered,
		// so the fragment-cut check sees it as that track's front.
		sample := pick.queue[0]
		if err := m.registerSample(ctx, pick, sample); err != nil {
			return err
		}
		pick.queue = pick.queue[1:]
	}
}

// registerSample routes an interleaved sample into the current chunk
// or fragment.
func (m *Muxer) registerSample(ctx context.Context, tr *Track, sample *finalSample) error {
	if m.opts.Mode == ModeFragmented {
		return m.addFragmentSample(ctx, tr, sample)
	}

	if tr.currentChunk != nil &&
		sample.ptsUs-tr.currentChunk.startPtsUs >= chunkDuration {
		if err := m.finalizeChunk(ctx, tr); err != nil {
			return err
		}
	}
	if tr.currentChunk == nil {
		tr.currentChunk = &trackChunk{startPtsUs: sample.ptsUs}
		tr.chunks = append(tr.chunks, tr.currentChunk)
		m.chunkOrder = append(m.chunkOrder, tr.currentChunk)
	}
	tr.currentChunk.samples = append(tr.currentChunk.samples, sample)
	tr.currentChunk.size += int64(len(sample.data))
	tr.samples = append(tr.samples, sample)
	return nil
}

// finalizeChunk emits the current chunk's payload. In streaming mode
// the bytes leave memory immediately; fast start keeps them for
// Finalize.
func (m *Muxer) finalizeChunk(ctx context.Context, tr *Track) error {
	chunk := tr.currentChunk
	tr.currentChunk = nil
	if chunk == nil || len(chunk.samples) == 0 {
		return nil
	}

	if m.opts.Mode == ModeStreaming {
		chunk.offset = m.out.Pos()
		for _, s := range chunk.samples {
			if _, err := m.out.Write(s.data); err != nil {
				return fmt.Errorf("write chunk: %w", err)
			}
			s.data = nil
		}
		chunk.written = true
		return m.out.Flush(ctx)
	}
	return nil
}

// finalizeAllChunks closes every track's open chunk.
func (m *Muxer) finalizeAllChunks(ctx context.Context) error {
	for _, tr := range m.tracks {
		if err := m.finalizeChunk(ctx, tr); err != nil {
			return err
		}
	}
	return nil
}

// trackDurationUs returns the presentation span of the track.
func (tr *Track) trackDurationUs() int64 {
	return tr.maxEndPts
}

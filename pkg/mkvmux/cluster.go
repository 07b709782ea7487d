package mkvmux

import (
	"context"
	"fmt"

	"mediamux/pkg/codecs"
	"mediamux/pkg/ebml"
	"mediamux/pkg/log"
	"mediamux/pkg/media"
)

type cluster struct {
	master     ebml.Master
	startPos   int64 // element start, for cue positions
	tsMs       int64
	startPtsUs int64
	seenTracks map[int]bool
}

type cuePoint struct {
	timeMs     int64
	clusterPos int64 // relative to segment data start
	trackIDs   []int
}

// WriteVideoSample adds one encoded video sample. A non-nil config is
// checked against the track's configuration.
func (m *Muxer) WriteVideoSample(
	ctx context.Context,
	tr *Track,
	sample media.EncodedSample,
	config *media.VideoConfig,
) error {
	unlock, err := m.mu.Lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if err := m.checkWritable(tr, media.TrackVideo); err != nil {
		return err
	}
	if config != nil {
		have := tr.opts.Video
		if config.Width != have.Width || config.Height != have.Height {
			return fmt.Errorf("%w: %dx%d -> %dx%d", media.ErrDimensionChange,
				have.Width, have.Height, config.Width, config.Height)
		}
	}

	if tr.codec == media.CodecVP9 && sample.Key && tr.opts.Video.Color.Complete() {
		// Encoders leave the frame-header color space at "unknown";
		// align the bitstream with the container's description.
		id := codecs.VP9ColorSpaceFromMatrix(tr.opts.Video.Color.Matrix)
		if err := codecs.VP9PatchColorSpace(sample.Data, id); err != nil {
			m.logf(log.LevelWarning, "vp9 color patch: %v", err)
		}
	}

	return m.addSample(ctx, tr, sample, nil)
}

// WriteAudioSample adds one encoded audio sample.
func (m *Muxer) WriteAudioSample(
	ctx context.Context,
	tr *Track,
	sample media.EncodedSample,
	config *media.AudioConfig,
) error {
	unlock, err := m.mu.Lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if err := m.checkWritable(tr, media.TrackAudio); err != nil {
		return err
	}
	if config != nil {
		have := tr.opts.Audio
		if config.SampleRate != have.SampleRate ||
			config.ChannelCount != have.ChannelCount {
			return fmt.Errorf("%w: %dHz/%dch -> %dHz/%dch", media.ErrAudioParamsChange,
				have.SampleRate, have.ChannelCount,
				config.SampleRate, config.ChannelCount)
		}
	}
	sample.Key = true
	return m.addSample(ctx, tr, sample, nil)
}

// WriteSubtitleCue adds one WebVTT cue as a block with the identifier
// and settings carried out-of-band in a block addition.
func (m *Muxer) WriteSubtitleCue(ctx context.Context, tr *Track, cue media.SubtitleCue) error {
	unlock, err := m.mu.Lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if err := m.checkWritable(tr, media.TrackSubtitle); err != nil {
		return err
	}

	sample := media.EncodedSample{
		Data:      []byte(cue.Text),
		Timestamp: cue.Timestamp,
		Duration:  cue.Duration,
		Key:       true,
	}
	var additions []byte
	if cue.Identifier != "" || cue.Settings != "" {
		additions = []byte(cue.Identifier + "\n" + cue.Settings)
	}
	return m.addSample(ctx, tr, sample, additions)
}

// CloseTrack marks a track as done. The interleaver stops waiting for
// it.
func (m *Muxer) CloseTrack(ctx context.Context, tr *Track) error {
	unlock, err := m.mu.Lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	tr.closed = true
	return m.interleave(ctx, false)
}

func (m *Muxer) checkWritable(tr *Track, kind media.TrackKind) error {
	if !m.started {
		return media.ErrNotStarted
	}
	if m.finalized {
		return media.ErrFinalized
	}
	if tr.kind != kind {
		return fmt.Errorf("%w: sample kind %v on %v track",
			media.ErrInvalidMetadata, kind, tr.kind)
	}
	return nil
}

func (m *Muxer) addSample(
	ctx context.Context,
	tr *Track,
	sample media.EncodedSample,
	additions []byte,
) error {
	if err := tr.validateTimestamp(&sample); err != nil {
		return err
	}
	tr.queue = append(tr.queue, &blockSample{
		ptsUs:     sample.Timestamp,
		durUs:     sample.Duration,
		data:      sample.Data,
		key:       sample.Key,
		additions: additions,
	})
	return m.interleave(ctx, false)
}

// validateTimestamp mirrors the ISOBMFF timing rules, without the
// starts-at-zero constraint.
func (tr *Track) validateTimestamp(sample *media.EncodedSample) error {
	if !tr.firstSample {
		if !sample.Key {
			return &media.TimestampOrderError{
				Reason:    "first sample must be a key sample",
				Timestamp: sample.Timestamp,
			}
		}
		if tr.opts.OffsetTimestamps {
			tr.timestampOffset = sample.Timestamp
		}
		tr.firstSample = true
	}

	ts := sample.Timestamp - tr.timestampOffset
	if ts < 0 || sample.Duration < 0 {
		return &media.TimestampOrderError{
			Reason:    "negative timing",
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

// interleave drains the per-track queues by smallest front timestamp,
// waiting on lagging open tracks unless force is set.
func (m *Muxer) interleave(ctx context.Context, force bool) error {
	for {
		var pick *Track
		for _, tr := range m.tracks {
			if len(tr.queue) == 0 {
				if !tr.closed && !force {
					return nil
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

		sample := pick.queue[0]
		pick.queue = pick.queue[1:]
		if err := m.writeBlock(ctx, pick, sample); err != nil {
			return err
		}
	}
}

// queueFrontsAreKeys reports whether every queued track fronts with a
// key sample.
func (m *Muxer) queueFrontsAreKeys() bool {
	for _, tr := range m.tracks {
		if len(tr.queue) > 0 && !tr.queue[0].key {
			return false
		}
	}
	return true
}

// writeBlock emits one sample, cutting a new cluster when the
// key-alignment and duration conditions hold.
func (m *Muxer) writeBlock(ctx context.Context, tr *Track, sample *blockSample) error {
	needNew := m.cluster == nil
	if !needNew && sample.key &&
		sample.ptsUs-m.cluster.startPtsUs >= clusterMinDuration &&
		m.queueFrontsAreKeys() {
		needNew = true
	}
	if needNew {
		m.closeCluster()
		m.openCluster(sample.ptsUs)
		if err := m.out.Flush(ctx); err != nil {
			return err
		}
	}

	relative := msOf(sample.ptsUs) - m.cluster.tsMs
	if relative > maxClusterRelative || relative < -maxClusterRelative-1 {
		return fmt.Errorf("%w: %d ms", ErrClusterOverflow, relative)
	}

	m.cluster.seenTracks[tr.id] = true

	durationMs := msOf(sample.durUs)
	useBlockGroup := len(sample.additions) > 0 || tr.kind == media.TrackSubtitle

	if !useBlockGroup {
		m.writeSimpleBlock(tr, sample, int16(relative))
		return m.w.TryError
	}

	group := m.w.BeginMaster(ebml.IDBlockGroup, 2)
	m.writeBlockElement(tr, sample, int16(relative))
	if !sample.key {
		m.w.WriteInt(ebml.IDReferenceBlock, tr.lastBlockMs-msOf(sample.ptsUs))
	}
	if len(sample.additions) > 0 {
		additions := m.w.BeginMaster(ebml.IDBlockAdditions, 2)
		more := m.w.BeginMaster(ebml.IDBlockMore, 2)
		m.w.WriteUint(ebml.IDBlockAddID, 1)
		m.w.WriteBinary(ebml.IDBlockAdditional, sample.additions)
		m.w.EndMaster(more)
		m.w.EndMaster(additions)
	}
	if durationMs > 0 {
		m.w.WriteUint(ebml.IDBlockDuration, uint64(durationMs))
	}
	m.w.EndMaster(group)
	tr.lastBlockMs = msOf(sample.ptsUs)
	return m.w.TryError
}

// writeSimpleBlock encodes track number, 16-bit relative timestamp and
// the key flag ahead of the frame bytes.
func (m *Muxer) writeSimpleBlock(tr *Track, sample *blockSample, relative int16) {
	payload := ebml.AppendVint(nil, uint64(tr.id), ebml.VintWidth(uint64(tr.id)))
	payload = append(payload, byte(uint16(relative)>>8), byte(uint16(relative)))
	flags := byte(0)
	if sample.key {
		flags |= 0x80
	}
	payload = append(payload, flags)
	payload = append(payload, sample.data...)
	m.w.WriteBinary(ebml.IDSimpleBlock, payload)
	tr.lastBlockMs = msOf(sample.ptsUs)
}

// writeBlockElement writes a Block, the BlockGroup flavor without the
// key bit.
func (m *Muxer) writeBlockElement(tr *Track, sample *blockSample, relative int16) {
	payload := ebml.AppendVint(nil, uint64(tr.id), ebml.VintWidth(uint64(tr.id)))
	payload = append(payload, byte(uint16(relative)>>8), byte(uint16(relative)))
	payload = append(payload, 0)
	payload = append(payload, sample.data...)
	m.w.WriteBinary(ebml.IDBlock, payload)
}

func (m *Muxer) openCluster(startPtsUs int64) {
	c := &cluster{
		startPos:   m.w.Pos(),
		tsMs:       msOf(startPtsUs),
		startPtsUs: startPtsUs,
		seenTracks: map[int]bool{},
	}
	if m.opts.Streamable {
		c.master = m.w.BeginMasterUnknown(ebml.IDCluster, 5)
	} else {
		c.master = m.w.BeginMaster(ebml.IDCluster, 5)
	}
	m.w.WriteUint(ebml.IDTimestamp, uint64(c.tsMs))
	m.cluster = c
}

// closeCluster finalizes the open cluster and records its cue point.
func (m *Muxer) closeCluster() {
	c := m.cluster
	m.cluster = nil
	if c == nil {
		return
	}
	m.w.EndMaster(c.master)

	point := cuePoint{
		timeMs:     c.tsMs,
		clusterPos: c.startPos - m.segmentDataStart,
	}
	for _, tr := range m.tracks {
		if c.seenTracks[tr.id] {
			point.trackIDs = append(point.trackIDs, tr.id)
		}
	}
	if len(point.trackIDs) > 0 {
		m.cues = append(m.cues, point)
	}
}

func (m *Muxer) writeCues() {
	cues := m.w.BeginMaster(ebml.IDCues, 4)
	for _, point := range m.cues {
		cp := m.w.BeginMaster(ebml.IDCuePoint, 2)
		m.w.WriteUint(ebml.IDCueTime, uint64(point.timeMs))
		for _, id := range point.trackIDs {
			positions := m.w.BeginMaster(ebml.IDCueTrackPositions, 2)
			m.w.WriteUint(ebml.IDCueTrack, uint64(id))
			m.w.WriteUint(ebml.IDCueClusterPosition, uint64(point.clusterPos))
			m.w.EndMaster(positions)
		}
		m.w.EndMaster(cp)
	}
	m.w.EndMaster(cues)
}

func msOf(us int64) int64 {
	if us >= 0 {
		return (us + 500) / 1000
	}
	return (us - 500) / 1000
}

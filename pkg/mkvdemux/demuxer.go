// Package mkvdemux implements the Matroska/WebM demuxer: EBML segment
// walking, track metadata, cue-assisted seeking and lazy cluster
// parsing.
package mkvdemux

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"mediamux/pkg/byteio"
	"mediamux/pkg/codecs"
	"mediamux/pkg/ebml"
	"mediamux/pkg/log"
	"mediamux/pkg/media"
	"mediamux/pkg/syncutil"
)

// Errors.
var (
	ErrNotMatroska = errors.New("not a matroska file")
	ErrNoSegment   = errors.New("no segment element")
)

var codecFromID = map[string]media.Codec{
	"V_VP8":            media.CodecVP8,
	"V_VP9":            media.CodecVP9,
	"V_AV1":            media.CodecAV1,
	"V_MPEG4/ISO/AVC":  media.CodecAVC,
	"V_MPEGH/ISO/HEVC": media.CodecHEVC,
	"A_OPUS":           media.CodecOpus,
	"A_VORBIS":         media.CodecVorbis,
	"A_AAC":            media.CodecAAC,
	"S_TEXT/WEBVTT":    media.CodecWebVTT,
}

type cueEntry struct {
	timeMs     int64
	clusterPos int64 // absolute
}

// Demuxer reads one Matroska or WebM file.
type Demuxer struct {
	r    *byteio.Reader
	logf log.Func

	mu syncutil.Mutex

	metadataRead   bool
	sourceSize     int64
	timestampScale int64 // ns per tick
	durationTicks  float64
	tracks         []*Track

	segmentDataStart int64
	segmentEnd       int64

	cues []cueEntry

	// Cluster state, guarded by mu.
	clusters       []*clusterInfo // sorted by position
	nextScanOffset int64
	scanComplete   bool
}

// NewDemuxer returns a Demuxer over r. logf may be nil.
func NewDemuxer(r *byteio.Reader, logf log.Func) *Demuxer {
	if logf == nil {
		logf = log.NopFunc
	}
	return &Demuxer{r: r, logf: logf, timestampScale: 1_000_000}
}

// Tracks reads the container metadata on first use and returns all
// recognized tracks.
func (d *Demuxer) Tracks(ctx context.Context) ([]media.Track, error) {
	if err := d.readMetadata(ctx); err != nil {
		return nil, err
	}
	tracks := make([]media.Track, len(d.tracks))
	for i, tr := range d.tracks {
		tracks[i] = tr
	}
	return tracks, nil
}

// Duration returns the longest track duration in microseconds.
func (d *Demuxer) Duration(ctx context.Context) (int64, error) {
	if err := d.readMetadata(ctx); err != nil {
		return 0, err
	}
	if d.durationTicks > 0 {
		return d.ticksToUs(int64(d.durationTicks)), nil
	}

	// No stored duration; walk every cluster.
	unlock, err := d.mu.Lock(ctx)
	if err != nil {
		return 0, err
	}
	defer unlock()
	for !d.scanComplete {
		if _, err := d.readNextCluster(ctx); err != nil {
			return 0, err
		}
	}
	var max int64
	for _, c := range d.clusters {
		for _, blocks := range c.blocks {
			for _, b := range blocks {
				if end := b.tsMs + b.durMs; end > max {
					max = end
				}
			}
		}
	}
	return max * 1000, nil
}

// ticksToUs converts timestamp-scale ticks to microseconds.
func (d *Demuxer) ticksToUs(ticks int64) int64 {
	return ticks * d.timestampScale / 1000
}

// loadRange loads and views [start, end).
func (d *Demuxer) loadRange(ctx context.Context, start, end int64) ([]byte, error) {
	if end > d.sourceSize {
		end = d.sourceSize
	}
	if err := d.r.LoadRange(ctx, start, end); err != nil {
		return nil, err
	}
	buf, off, err := d.r.View(start, end)
	if err != nil {
		return nil, err
	}
	return buf[off : off+int(end-start)], nil
}

// elementHeader parses the element header at an absolute offset and
// returns its id, payload size and header length.
func (d *Demuxer) elementHeader(ctx context.Context, offset int64) (uint32, int64, int64, error) {
	end := offset + 12
	if end > d.sourceSize {
		end = d.sourceSize
	}
	buf, err := d.loadRange(ctx, offset, end)
	if err != nil {
		return 0, 0, 0, err
	}
	r := ebml.NewReader(buf)
	id, size, err := r.NextElement()
	if err != nil {
		return 0, 0, 0, err
	}
	return id, size, int64(r.Pos()), nil
}

// readMetadata walks the segment's metadata children up to the first
// cluster.
func (d *Demuxer) readMetadata(ctx context.Context) error {
	if d.metadataRead {
		return nil
	}

	size, err := d.r.Source().Size()
	if err != nil {
		return fmt.Errorf("source size: %w", err)
	}
	d.sourceSize = size

	// EBML header.
	id, headerSize, headerLen, err := d.elementHeader(ctx, 0)
	if err != nil {
		return fmt.Errorf("ebml header: %w", err)
	}
	if id != ebml.IDEBML {
		return ErrNotMatroska
	}
	headerBody, err := d.loadRange(ctx, headerLen, headerLen+headerSize)
	if err != nil {
		return err
	}
	if err := checkDocType(headerBody); err != nil {
		return err
	}

	// Segment.
	offset := headerLen + headerSize
	var segmentSize int64 = -1
	found := false
	for offset < size {
		id, elemSize, elemLen, err := d.elementHeader(ctx, offset)
		if err != nil {
			return fmt.Errorf("segment search: %w", err)
		}
		if id == ebml.IDSegment {
			d.segmentDataStart = offset + elemLen
			segmentSize = elemSize
			found = true
			break
		}
		offset += elemLen + elemSize
	}
	if !found {
		return ErrNoSegment
	}
	if segmentSize == ebml.UnknownSize {
		d.segmentEnd = size
	} else {
		d.segmentEnd = d.segmentDataStart + segmentSize
	}

	// Walk segment children until the first cluster.
	offset = d.segmentDataStart
	for offset < d.segmentEnd {
		id, elemSize, elemLen, err := d.elementHeader(ctx, offset)
		if err != nil {
			return fmt.Errorf("segment child at %d: %w", offset, err)
		}
		if id == ebml.IDCluster {
			break
		}
		if elemSize == ebml.UnknownSize {
			return fmt.Errorf("%w: unknown-size %#x element", media.ErrUnsupportedFeature, id)
		}

		switch id {
		case ebml.IDInfo, ebml.IDTracks, ebml.IDCues:
			body, err := d.loadRange(ctx, offset+elemLen, offset+elemLen+elemSize)
			if err != nil {
				return err
			}
			switch id {
			case ebml.IDInfo:
				d.parseInfo(body)
			case ebml.IDTracks:
				d.parseTracks(body)
			case ebml.IDCues:
				d.parseCues(body)
			}
		}
		offset += elemLen + elemSize
	}
	d.nextScanOffset = offset

	// A seek head may point at cues stored behind the clusters.
	if len(d.cues) == 0 {
		if err := d.loadTrailingCues(ctx); err != nil {
			d.logf(log.LevelDebug, "no trailing cues: %v", err)
		}
	}

	d.metadataRead = true
	return nil
}

func checkDocType(body []byte) error {
	r := ebml.NewReader(body)
	for r.Remaining() > 0 {
		id, size, err := r.NextElement()
		if err != nil {
			return err
		}
		if id == ebml.IDDocType {
			docType, err := r.String(size)
			if err != nil {
				return err
			}
			if docType != "matroska" && docType != "webm" {
				return fmt.Errorf("%w: doctype %q", ErrNotMatroska, docType)
			}
			return nil
		}
		if err := r.Skip(size); err != nil {
			return err
		}
	}
	return nil
}

func (d *Demuxer) parseInfo(body []byte) {
	r := ebml.NewReader(body)
	for r.Remaining() > 0 {
		id, size, err := r.NextElement()
		if err != nil {
			return
		}
		switch id {
		case ebml.IDTimestampScale:
			if v, err := r.Uint(size); err == nil && v > 0 {
				d.timestampScale = int64(v)
			}
		case ebml.IDDuration:
			if v, err := r.Float(size); err == nil {
				d.durationTicks = v
			}
		default:
			if r.Skip(size) != nil {
				return
			}
		}
	}
}

func (d *Demuxer) parseCues(body []byte) {
	r := ebml.NewReader(body)
	for r.Remaining() > 0 {
		id, size, err := r.NextElement()
		if err != nil {
			return
		}
		if id != ebml.IDCuePoint {
			if r.Skip(size) != nil {
				return
			}
			continue
		}
		point, err := r.Bytes(size)
		if err != nil {
			return
		}
		d.parseCuePoint(point)
	}
	sort.SliceStable(d.cues, func(i, j int) bool {
		return d.cues[i].timeMs < d.cues[j].timeMs
	})
}

func (d *Demuxer) parseCuePoint(body []byte) {
	r := ebml.NewReader(body)
	var timeMs int64
	var positions []int64
	for r.Remaining() > 0 {
		id, size, err := r.NextElement()
		if err != nil {
			return
		}
		switch id {
		case ebml.IDCueTime:
			if v, err := r.Uint(size); err == nil {
				timeMs = int64(v)
			}
		case ebml.IDCueTrackPositions:
			pos, err := r.Bytes(size)
			if err != nil {
				return
			}
			pr := ebml.NewReader(pos)
			for pr.Remaining() > 0 {
				pid, psize, err := pr.NextElement()
				if err != nil {
					break
				}
				if pid == ebml.IDCueClusterPosition {
					if v, err := pr.Uint(psize); err == nil {
						positions = append(positions, int64(v))
					}
				} else if pr.Skip(psize) != nil {
					break
				}
			}
		default:
			if r.Skip(size) != nil {
				return
			}
		}
	}
	seen := map[int64]bool{}
	for _, pos := range positions {
		if seen[pos] {
			continue
		}
		seen[pos] = true
		d.cues = append(d.cues, cueEntry{
			timeMs:     timeMs,
			clusterPos: d.segmentDataStart + pos,
		})
	}
}

// loadTrailingCues probes the seek head at the segment start for a
// cues element stored after the clusters.
func (d *Demuxer) loadTrailingCues(ctx context.Context) error {
	id, size, headerLen, err := d.elementHeader(ctx, d.segmentDataStart)
	if err != nil {
		return err
	}
	if id != ebml.IDSeekHead {
		return nil
	}
	body, err := d.loadRange(ctx, d.segmentDataStart+headerLen, d.segmentDataStart+headerLen+size)
	if err != nil {
		return err
	}

	r := ebml.NewReader(body)
	for r.Remaining() > 0 {
		id, size, err := r.NextElement()
		if err != nil {
			return err
		}
		if id != ebml.IDSeek {
			if err := r.Skip(size); err != nil {
				return err
			}
			continue
		}
		seek, err := r.Bytes(size)
		if err != nil {
			return err
		}

		sr := ebml.NewReader(seek)
		var targetID []byte
		var position int64 = -1
		for sr.Remaining() > 0 {
			sid, ssize, err := sr.NextElement()
			if err != nil {
				break
			}
			switch sid {
			case ebml.IDSeekID:
				targetID, _ = sr.Bytes(ssize)
			case ebml.IDSeekPosition:
				if v, err := sr.Uint(ssize); err == nil {
					position = int64(v)
				}
			default:
				if sr.Skip(ssize) != nil {
					break
				}
			}
		}

		cuesID := ebml.AppendElementID(nil, ebml.IDCues)
		if position >= 0 && string(targetID) == string(cuesID) {
			offset := d.segmentDataStart + position
			id, size, headerLen, err := d.elementHeader(ctx, offset)
			if err != nil {
				return err
			}
			if id != ebml.IDCues {
				return nil
			}
			body, err := d.loadRange(ctx, offset+headerLen, offset+headerLen+size)
			if err != nil {
				return err
			}
			d.parseCues(body)
			return nil
		}
	}
	return nil
}

func (d *Demuxer) parseTracks(body []byte) {
	r := ebml.NewReader(body)
	for r.Remaining() > 0 {
		id, size, err := r.NextElement()
		if err != nil {
			return
		}
		if id != ebml.IDTrackEntry {
			if r.Skip(size) != nil {
				return
			}
			continue
		}
		entry, err := r.Bytes(size)
		if err != nil {
			return
		}
		if tr := d.parseTrackEntry(entry); tr != nil {
			d.tracks = append(d.tracks, tr)
		}
	}
}

func (d *Demuxer) parseTrackEntry(body []byte) *Track {
	tr := &Track{d: d, language: "und"}
	var codecID string
	var trackType uint64

	r := ebml.NewReader(body)
	for r.Remaining() > 0 {
		id, size, err := r.NextElement()
		if err != nil {
			return nil
		}
		switch id {
		case ebml.IDTrackNumber:
			if v, err := r.Uint(size); err == nil {
				tr.id = int(v)
			}
		case ebml.IDTrackType:
			trackType, _ = r.Uint(size)
		case ebml.IDCodecID:
			codecID, _ = r.String(size)
		case ebml.IDCodecPrivate:
			if p, err := r.Bytes(size); err == nil {
				tr.codecPrivate = append([]byte(nil), p...)
			}
		case ebml.IDLanguage:
			if s, err := r.String(size); err == nil && s != "" {
				tr.language = s
			}
		case ebml.IDDefaultDuration:
			if v, err := r.Uint(size); err == nil {
				tr.defaultDurationNs = int64(v)
			}
		case ebml.IDVideo:
			if p, err := r.Bytes(size); err == nil {
				tr.parseVideo(p)
			}
		case ebml.IDAudio:
			if p, err := r.Bytes(size); err == nil {
				tr.parseAudio(p)
			}
		default:
			if r.Skip(size) != nil {
				return nil
			}
		}
	}

	codec, ok := codecFromID[codecID]
	if !ok {
		d.logf(log.LevelInfo, "track %d: unknown codec id %q", tr.id, codecID)
		return nil
	}
	tr.codec = codec

	switch trackType {
	case ebml.TrackTypeVideo:
		tr.kind = media.TrackVideo
		if tr.video == nil {
			tr.video = &media.VideoConfig{}
		}
		tr.video.Codec = codec
		tr.video.Description = tr.codecPrivate
	case ebml.TrackTypeAudio:
		tr.kind = media.TrackAudio
		if tr.audio == nil {
			tr.audio = &media.AudioConfig{}
		}
		tr.audio.Codec = codec
		tr.audio.Description = tr.codecPrivate
		if codec == media.CodecOpus && len(tr.codecPrivate) >= 19 {
			// CodecPrivate is an OpusHead; pull the channel count.
			tr.audio.ChannelCount = int(tr.codecPrivate[9])
		}
		if codec == media.CodecAAC {
			var aac codecs.AACConfig
			if err := aac.Decode(tr.codecPrivate); err == nil {
				tr.audio.SampleRate = aac.SampleRate
				tr.audio.ChannelCount = aac.ChannelCount
			}
		}
	case ebml.TrackTypeSubtitle:
		tr.kind = media.TrackSubtitle
	default:
		d.logf(log.LevelInfo, "track %d: unknown track type %d", tr.id, trackType)
		return nil
	}
	return tr
}

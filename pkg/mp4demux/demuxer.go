// Package mp4demux implements the ISOBMFF demuxer: lazy metadata
// parsing from a random-access source, sample-table construction,
// incremental movie-fragment discovery and random-access chunk
// retrieval.
package mp4demux

import (
	"context"
	"errors"
	"fmt"

	"mediamux/pkg/byteio"
	"mediamux/pkg/log"
	"mediamux/pkg/media"
	"mediamux/pkg/mp4"
	"mediamux/pkg/mp4/bitio"
	"mediamux/pkg/syncutil"
)

// ErrNoMovieBox is returned for files without a moov box.
var ErrNoMovieBox = errors.New("no moov box found")

// Demuxer reads one ISOBMFF file.
type Demuxer struct {
	r    *byteio.Reader
	logf log.Func

	// mu serializes the fragment-discovery loop.
	mu syncutil.Mutex

	metadataRead bool
	sourceSize   int64
	tracks       []*Track
	fragmented   bool

	// Movie-extends defaults by track id.
	trexDefaults map[int]trexDefaults

	// Fragment state, guarded by mu.
	fragments      []*fragmentInfo // sorted by moofOffset
	lastRead       *fragmentInfo
	nextScanOffset int64
	scanComplete   bool
}

// NewDemuxer returns a Demuxer over r. logf may be nil.
func NewDemuxer(r *byteio.Reader, logf log.Func) *Demuxer {
	if logf == nil {
		logf = log.NopFunc
	}
	return &Demuxer{r: r, logf: logf}
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

// Duration returns the maximum track duration in microseconds. For
// fragmented files all fragments are read.
func (d *Demuxer) Duration(ctx context.Context) (int64, error) {
	if err := d.readMetadata(ctx); err != nil {
		return 0, err
	}
	var max int64
	for _, tr := range d.tracks {
		dur, err := tr.Duration(ctx)
		if err != nil {
			return 0, err
		}
		if dur > max {
			max = dur
		}
	}
	return max, nil
}

// readBoxHeader loads and parses the box header at offset.
func (d *Demuxer) readBoxHeader(ctx context.Context, offset int64) (mp4.BoxInfo, error) {
	end := offset + 16
	if end > d.sourceSize {
		end = d.sourceSize
	}
	if err := d.r.LoadRange(ctx, offset, end); err != nil {
		return mp4.BoxInfo{}, err
	}
	buf, bufOffset, err := d.r.View(offset, end)
	if err != nil {
		return mp4.BoxInfo{}, err
	}
	return mp4.ParseBoxHeader(buf[bufOffset:])
}

// loadBox loads a box's full extent and returns its payload bytes.
func (d *Demuxer) loadBox(ctx context.Context, offset int64, info mp4.BoxInfo) ([]byte, error) {
	start := offset + info.HeaderSize
	end := offset + info.Size
	if err := d.r.LoadRange(ctx, start, end); err != nil {
		return nil, err
	}
	buf, bufOffset, err := d.r.View(start, end)
	if err != nil {
		return nil, err
	}
	return buf[bufOffset : bufOffset+int(info.PayloadSize())], nil
}

// readMetadata walks the top-level boxes until moov is parsed. For
// fragmented movies the random-access tables are loaded from the mfra
// tail when present.
func (d *Demuxer) readMetadata(ctx context.Context) error {
	if d.metadataRead {
		return nil
	}

	size, err := d.r.Source().Size()
	if err != nil {
		return fmt.Errorf("source size: %w", err)
	}
	d.sourceSize = size

	var offset int64
	foundMoov := false
	for offset < size {
		info, err := d.readBoxHeader(ctx, offset)
		if err != nil {
			return fmt.Errorf("box header at %d: %w", offset, err)
		}
		if info.Size == -1 {
			info.Size = size - offset
		}

		if info.Type == mp4.TypeOf("moov") {
			payload, err := d.loadBox(ctx, offset, info)
			if err != nil {
				return fmt.Errorf("load moov: %w", err)
			}
			if err := d.parseMoov(payload); err != nil {
				return fmt.Errorf("parse moov: %w", err)
			}
			foundMoov = true
			d.nextScanOffset = offset + info.Size
			break
		}
		offset += info.Size
	}
	if !foundMoov {
		return ErrNoMovieBox
	}

	if d.fragmented {
		if err := d.loadRandomAccessTables(ctx); err != nil {
			// The mfra tail is an optimization; fall back to the
			// sequential scan when it is absent or damaged.
			d.logf(log.LevelDebug, "no usable mfra: %v", err)
		}
	}

	d.metadataRead = true
	return nil
}

// walkBoxes iterates the child boxes inside payload.
func walkBoxes(payload []byte, fn func(typ mp4.BoxType, body []byte) error) error {
	pos := 0
	for pos+8 <= len(payload) {
		info, err := mp4.ParseBoxHeader(payload[pos:])
		if err != nil {
			return err
		}
		if info.Size == -1 {
			info.Size = int64(len(payload) - pos)
		}
		if pos+int(info.Size) > len(payload) {
			return mp4.ErrBoxTruncated
		}
		body := payload[pos+int(info.HeaderSize) : pos+int(info.Size)]
		if err := fn(info.Type, body); err != nil {
			return err
		}
		pos += int(info.Size)
	}
	return nil
}

// childBox returns the payload of the first direct child of the given
// type, or nil.
func childBox(payload []byte, typ string) []byte {
	var found []byte
	walkBoxes(payload, func(t mp4.BoxType, body []byte) error { //nolint:errcheck
		if found == nil && t == mp4.TypeOf(typ) {
			found = body
		}
		return nil
	})
	return found
}

// parseMoov builds the track list from a fully loaded moov payload.
func (d *Demuxer) parseMoov(payload []byte) error {
	d.trexDefaults = map[int]trexDefaults{}
	return walkBoxes(payload, func(typ mp4.BoxType, body []byte) error {
		switch typ {
		case mp4.TypeOf("mvex"):
			d.fragmented = true
			return walkBoxes(body, func(t mp4.BoxType, trex []byte) error {
				if t != mp4.TypeOf("trex") || len(trex) < 24 {
					return nil
				}
				r := bitio.NewReader(trex)
				r.TrySkip(4) // fullbox
				trackID := int(r.TryReadUint32())
				r.TrySkip(4) // sample description index
				d.trexDefaults[trackID] = trexDefaults{
					duration: r.TryReadUint32(),
					size:     r.TryReadUint32(),
					flags:    r.TryReadUint32(),
				}
				return nil
			})
		case mp4.TypeOf("trak"):
			tr, err := d.parseTrak(body)
			if err != nil {
				d.logf(log.LevelWarning, "skipping track: %v", err)
				return nil
			}
			if tr != nil {
				d.tracks = append(d.tracks, tr)
			}
		}
		return nil
	})
}

// loadRandomAccessTables reads the mfra box through the mfro tail and
// fills the per-track fragment lookup tables.
func (d *Demuxer) loadRandomAccessTables(ctx context.Context) error {
	if d.sourceSize < 16 {
		return mp4.ErrBoxTruncated
	}

	// The last 4 bytes are mfro's parent-size field.
	tail := d.sourceSize - 16
	if err := d.r.LoadRange(ctx, tail, d.sourceSize); err != nil {
		return err
	}
	buf, off, err := d.r.View(tail, d.sourceSize)
	if err != nil {
		return err
	}
	mfroInfo, err := mp4.ParseBoxHeader(buf[off:])
	if err != nil || mfroInfo.Type != mp4.TypeOf("mfro") {
		return fmt.Errorf("%w: no mfro tail", mp4.ErrBoxTruncated)
	}
	p := buf[off+12:]
	mfraSize := int64(uint32(p[0])<<24 | uint32(p[1])<<16 | uint32(p[2])<<8 | uint32(p[3]))
	mfraOffset := d.sourceSize - mfraSize
	if mfraOffset < 0 {
		return fmt.Errorf("%w: bad mfra size %d", mp4.ErrBoxTruncated, mfraSize)
	}

	info, err := d.readBoxHeader(ctx, mfraOffset)
	if err != nil {
		return err
	}
	if info.Type != mp4.TypeOf("mfra") {
		return fmt.Errorf("%w: mfra not found at %d", mp4.ErrBoxTruncated, mfraOffset)
	}
	payload, err := d.loadBox(ctx, mfraOffset, info)
	if err != nil {
		return err
	}

	return walkBoxes(payload, func(typ mp4.BoxType, body []byte) error {
		if typ != mp4.TypeOf("tfra") {
			return nil
		}
		if err := d.parseTfra(body); err != nil {
			d.logf(log.LevelWarning, "skipping tfra: %v", err)
		}
		return nil
	})
}

func (d *Demuxer) trackByID(id int) *Track {
	for _, tr := range d.tracks {
		if tr.id == id {
			return tr
		}
	}
	return nil
}

// codecFromSampleEntry maps a sample entry type to a codec.
var codecFromSampleEntry = map[string]media.Codec{
	"avc1": media.CodecAVC,
	"avc3": media.CodecAVC,
	"hvc1": media.CodecHEVC,
	"hev1": media.CodecHEVC,
	"vp08": media.CodecVP8,
	"vp09": media.CodecVP9,
	"av01": media.CodecAV1,
	"mp4a": media.CodecAAC,
	"Opus": media.CodecOpus,
	"wvtt": media.CodecWebVTT,
}

// parseAudioSpecificConfigFromEsds walks the MPEG-4 descriptor chain
// and returns the DecoderSpecificInfo bytes.
func parseAudioSpecificConfigFromEsds(body []byte) ([]byte, error) {
	// Skip the FullBox header.
	if len(body) < 4 {
		return nil, mp4.ErrBoxTruncated
	}
	pos := 4
	for pos < len(body) {
		tag := body[pos]
		pos++
		// Descriptor sizes are 1-4 bytes of 7 bits with a continuation
		// bit.
		size := 0
		for i := 0; i < 4 && pos < len(body); i++ {
			b := body[pos]
			pos++
			size = size<<7 | int(b&0x7F)
			if b&0x80 == 0 {
				break
			}
		}
		if pos+size > len(body) {
			return nil, mp4.ErrBoxTruncated
		}
		switch tag {
		case mp4.ESDescrTag:
			// ES_ID (2) + flags (1), then nested descriptors.
			pos += 3
		case mp4.DecoderConfigDescrTag:
			// 13 fixed bytes, then nested descriptors.
			pos += 13
		case mp4.DecSpecificInfoTag:
			return body[pos : pos+size], nil
		default:
			pos += size
		}
	}
	return nil, fmt.Errorf("%w: no decoder specific info", media.ErrUnsupportedFeature)
}

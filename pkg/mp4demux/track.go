package mp4demux

import (
	"fmt"
	"sort"

	"mediamux/pkg/codecs"
	"mediamux/pkg/log"
	"mediamux/pkg/media"
	"mediamux/pkg/mp4"
	"mediamux/pkg/mp4/bitio"
)

// Track is one demuxed track.
type Track struct {
	d *Demuxer

	id         int
	kind       media.TrackKind
	codec      media.Codec
	timescale  int64
	durationTs int64 // mdhd units, zero for fragmented movies
	language   string
	rotation   media.Rotation
	video      *media.VideoConfig
	audio      *media.AudioConfig

	// stbl payload retained for the lazy table build.
	stblData []byte
	table    *sampleTable

	// Fragmented lookup table from tfra, sorted by time.
	fragLookup []mp4.TfraEntry
}

// ID implements media.Track.
func (tr *Track) ID() int { return tr.id }

// Kind implements media.Track.
func (tr *Track) Kind() media.TrackKind { return tr.kind }

// Codec implements media.Track.
func (tr *Track) Codec() media.Codec { return tr.codec }

// Timescale implements media.Track.
func (tr *Track) Timescale() int { return int(tr.timescale) }

// Language implements media.Track.
func (tr *Track) Language() string { return tr.language }

// Rotation implements media.Track.
func (tr *Track) Rotation() media.Rotation { return tr.rotation }

// VideoConfig implements media.Track.
func (tr *Track) VideoConfig() *media.VideoConfig { return tr.video }

// AudioConfig implements media.Track.
func (tr *Track) AudioConfig() *media.AudioConfig { return tr.audio }

/*************************** trak parsing ****************************/

func (d *Demuxer) parseTrak(payload []byte) (*Track, error) {
	tr := &Track{d: d, language: "und"}

	tkhd := childBox(payload, "tkhd")
	if tkhd == nil {
		return nil, fmt.Errorf("%w: trak without tkhd", media.ErrUnsupportedFeature)
	}
	if err := tr.parseTkhd(tkhd); err != nil {
		return nil, err
	}

	mdia := childBox(payload, "mdia")
	if mdia == nil {
		return nil, fmt.Errorf("%w: trak without mdia", media.ErrUnsupportedFeature)
	}
	if mdhd := childBox(mdia, "mdhd"); mdhd != nil {
		if err := tr.parseMdhd(mdhd); err != nil {
			return nil, err
		}
	}
	if hdlr := childBox(mdia, "hdlr"); hdlr != nil {
		tr.parseHdlr(hdlr)
	}
	if tr.kind == 0 {
		return nil, fmt.Errorf("%w: unknown handler type", media.ErrUnsupportedFeature)
	}

	minf := childBox(mdia, "minf")
	if minf == nil {
		return nil, fmt.Errorf("%w: mdia without minf", media.ErrUnsupportedFeature)
	}
	stbl := childBox(minf, "stbl")
	if stbl == nil {
		return nil, fmt.Errorf("%w: minf without stbl", media.ErrUnsupportedFeature)
	}
	tr.stblData = stbl

	stsd := childBox(stbl, "stsd")
	if stsd == nil {
		return nil, fmt.Errorf("%w: stbl without stsd", media.ErrUnsupportedFeature)
	}
	if err := tr.parseStsd(stsd); err != nil {
		return nil, err
	}
	return tr, nil
}

func (tr *Track) parseTkhd(body []byte) error {
	r := bitio.NewReader(body)
	version := r.TryReadByte()
	r.TrySkip(3) // flags
	if version == 1 {
		r.TrySkip(16) // creation + modification time
	} else {
		r.TrySkip(8)
	}
	tr.id = int(r.TryReadUint32())
	r.TrySkip(4) // reserved
	if version == 1 {
		r.TrySkip(8) // duration
	} else {
		r.TrySkip(4)
	}
	r.TrySkip(8) // reserved
	r.TrySkip(2) // layer
	r.TrySkip(2) // alternate group
	r.TrySkip(2) // volume
	r.TrySkip(2) // reserved
	var matrix [9]int32
	for i := range matrix {
		matrix[i] = int32(r.TryReadUint32())
	}
	if r.TryError != nil {
		return fmt.Errorf("tkhd: %w", r.TryError)
	}
	tr.rotation = media.RotationFromMatrix(matrix)
	return nil
}

func (tr *Track) parseMdhd(body []byte) error {
	r := bitio.NewReader(body)
	version := r.TryReadByte()
	r.TrySkip(3)
	if version == 1 {
		r.TrySkip(16)
		tr.timescale = int64(r.TryReadUint32())
		tr.durationTs = int64(r.TryReadUint64())
	} else {
		r.TrySkip(8)
		tr.timescale = int64(r.TryReadUint32())
		tr.durationTs = int64(r.TryReadUint32())
	}
	language := r.TryReadUint16()
	if r.TryError != nil {
		return fmt.Errorf("mdhd: %w", r.TryError)
	}
	tr.language = mp4.UnpackLanguage(language & 0x7FFF)
	if tr.timescale <= 0 {
		return fmt.Errorf("%w: timescale %d", media.ErrUnsupportedFeature, tr.timescale)
	}
	return nil
}

func (tr *Track) parseHdlr(body []byte) {
	if len(body) < 12 {
		return
	}
	switch string(body[8:12]) {
	case "vide":
		tr.kind = media.TrackVideo
	case "soun":
		tr.kind = media.TrackAudio
	case "text", "sbtl", "subt":
		tr.kind = media.TrackSubtitle
	}
}

func (tr *Track) parseStsd(body []byte) error {
	if len(body) < 8 {
		return mp4.ErrBoxTruncated
	}
	entries := body[8:] // FullBox + entry count

	recognized := false
	err := walkBoxes(entries, func(typ mp4.BoxType, entry []byte) error {
		if recognized {
			return nil
		}
		codec, ok := codecFromSampleEntry[typ.Str()]
		if !ok {
			tr.d.logf(log.LevelInfo, "track %d: unknown sample entry %q", tr.id, typ.Str())
			return nil
		}
		recognized = true
		tr.codec = codec
		switch {
		case codec.IsVideo():
			return tr.parseVisualSampleEntry(entry)
		case codec == media.CodecWebVTT:
			return nil
		default:
			return tr.parseAudioSampleEntry(entry, codec)
		}
	})
	if err != nil {
		return err
	}
	if !recognized {
		return fmt.Errorf("%w: no usable sample entry", media.ErrUnsupportedFeature)
	}
	return nil
}

var videoConfigBoxOf = map[media.Codec]string{
	media.CodecAVC:  "avcC",
	media.CodecHEVC: "hvcC",
	media.CodecVP9:  "vpcC",
	media.CodecVP8:  "vpcC",
	media.CodecAV1:  "av1C",
}

func (tr *Track) parseVisualSampleEntry(entry []byte) error {
	if len(entry) < 78 {
		return mp4.ErrBoxTruncated
	}
	r := bitio.NewReader(entry)
	r.TrySkip(8)  // SampleEntry
	r.TrySkip(16) // predefined + reserved
	width := r.TryReadUint16()
	height := r.TryReadUint16()
	if r.TryError != nil {
		return r.TryError
	}

	config := &media.VideoConfig{
		Codec:  tr.codec,
		Width:  int(width),
		Height: int(height),
	}

	children := entry[78:]
	walkBoxes(children, func(typ mp4.BoxType, body []byte) error { //nolint:errcheck
		switch typ.Str() {
		case videoConfigBoxOf[tr.codec]:
			config.Description = append([]byte(nil), body...)
		case "colr":
			if len(body) >= 11 && string(body[0:4]) == "nclx" {
				config.Color = media.ColorSpaceFromCodes(
					uint16(body[4])<<8|uint16(body[5]),
					uint16(body[6])<<8|uint16(body[7]),
					uint16(body[8])<<8|uint16(body[9]),
					body[10]&0x80 != 0)
			}
		}
		return nil
	})

	tr.video = config
	return nil
}

func (tr *Track) parseAudioSampleEntry(entry []byte, codec media.Codec) error {
	if len(entry) < 28 {
		return mp4.ErrBoxTruncated
	}
	r := bitio.NewReader(entry)
	r.TrySkip(8) // SampleEntry
	entryVersion := r.TryReadUint16()
	r.TrySkip(6) // reserved
	channels := int(r.TryReadUint16())
	r.TrySkip(2) // sample size
	r.TrySkip(4) // predefined + reserved
	sampleRate := int(r.TryReadUint32() >> 16)
	if r.TryError != nil {
		return r.TryError
	}

	childrenStart := 28
	if entryVersion == 1 {
		// QuickTime sound description v1 carries four extra 32-bit
		// fields before the child boxes.
		childrenStart = 44
	}
	if childrenStart > len(entry) {
		return mp4.ErrBoxTruncated
	}

	config := &media.AudioConfig{
		Codec:        codec,
		SampleRate:   sampleRate,
		ChannelCount: channels,
	}

	var childErr error
	walkBoxes(entry[childrenStart:], func(typ mp4.BoxType, body []byte) error { //nolint:errcheck
		switch typ.Str() {
		case "esds":
			asc, err := parseAudioSpecificConfigFromEsds(body)
			if err != nil {
				childErr = err
				return nil
			}
			config.Description = append([]byte(nil), asc...)
			var aac codecs.AACConfig
			if err := aac.Decode(asc); err == nil {
				// The AudioSpecificConfig wins over the fixed-point
				// sample-entry rate for non-standard rates.
				config.SampleRate = aac.SampleRate
				config.ChannelCount = aac.ChannelCount
			}
		case "dOps":
			config.Description = append([]byte(nil), body...)
			var opus codecs.OpusConfig
			if err := opus.Decode(body); err == nil {
				config.ChannelCount = opus.ChannelCount
			}
		}
		return nil
	})
	if childErr != nil {
		return childErr
	}

	tr.audio = config
	return nil
}

/*************************** sample table ****************************/

type timingRun struct {
	startIndex int
	startDts   int64
	count      int
	delta      int64
}

type compositionRun struct {
	startIndex int
	count      int
	offset     int32
}

type stscRun struct {
	firstChunk       int // 0-based
	samplesPerChunk  int
	startSampleIndex int
}

type ptsEntry struct {
	pts   int64
	index int
}

type sampleTable struct {
	sampleCount  int
	timing       []timingRun
	compositions []compositionRun
	sizes        []uint32 // length 1 means constant
	keyIndices   []int    // nil means all samples are keys
	chunkOffsets []int64
	stscRuns     []stscRun

	presentation []ptsEntry // sorted by pts, stable on index
}

// buildSampleTable parses the stbl children on first use.
func (tr *Track) buildSampleTable() (*sampleTable, error) {
	if tr.table != nil {
		return tr.table, nil
	}

	st := &sampleTable{}
	stbl := tr.stblData

	if stz2 := childBox(stbl, "stz2"); stz2 != nil {
		return nil, fmt.Errorf("%w: stz2 size table", media.ErrUnsupportedFeature)
	}

	if err := st.parseStts(childBox(stbl, "stts")); err != nil {
		return nil, fmt.Errorf("stts: %w", err)
	}
	if err := st.parseCtts(childBox(stbl, "ctts")); err != nil {
		return nil, fmt.Errorf("ctts: %w", err)
	}
	if err := st.parseStsz(childBox(stbl, "stsz")); err != nil {
		return nil, fmt.Errorf("stsz: %w", err)
	}
	if err := st.parseStss(childBox(stbl, "stss")); err != nil {
		return nil, fmt.Errorf("stss: %w", err)
	}
	if err := st.parseStsc(childBox(stbl, "stsc")); err != nil {
		return nil, fmt.Errorf("stsc: %w", err)
	}
	if err := st.parseStco(childBox(stbl, "stco"), childBox(stbl, "co64")); err != nil {
		return nil, fmt.Errorf("stco: %w", err)
	}

	st.buildPresentation()
	tr.table = st
	return st, nil
}

func (st *sampleTable) parseStts(body []byte) error {
	if body == nil {
		return mp4.ErrBoxTruncated
	}
	r := bitio.NewReader(body)
	r.TrySkip(4)
	count := int(r.TryReadUint32())
	index := 0
	var dts int64
	for i := 0; i < count; i++ {
		sampleCount := int(r.TryReadUint32())
		delta := int64(r.TryReadUint32())
		if r.TryError != nil {
			return r.TryError
		}
		st.timing = append(st.timing, timingRun{
			startIndex: index,
			startDts:   dts,
			count:      sampleCount,
			delta:      delta,
		})
		index += sampleCount
		dts += int64(sampleCount) * delta
	}
	st.sampleCount = index
	return r.TryError
}

func (st *sampleTable) parseCtts(body []byte) error {
	if body == nil {
		return nil
	}
	r := bitio.NewReader(body)
	version := r.TryReadByte()
	r.TrySkip(3)
	count := int(r.TryReadUint32())
	index := 0
	for i := 0; i < count; i++ {
		sampleCount := int(r.TryReadUint32())
		raw := r.TryReadUint32()
		if r.TryError != nil {
			return r.TryError
		}
		offset := int32(raw)
		if version == 0 && raw > 1<<31 {
			// Version 0 offsets are unsigned; clamp pathological
			// values instead of wrapping.
			offset = 0
		}
		st.compositions = append(st.compositions, compositionRun{
			startIndex: index,
			count:      sampleCount,
			offset:     offset,
		})
		index += sampleCount
	}
	return r.TryError
}

func (st *sampleTable) parseStsz(body []byte) error {
	if body == nil {
		return mp4.ErrBoxTruncated
	}
	r := bitio.NewReader(body)
	r.TrySkip(4)
	constant := r.TryReadUint32()
	count := int(r.TryReadUint32())
	if count < st.sampleCount {
		st.sampleCount = count
	}
	if constant != 0 {
		st.sizes = []uint32{constant}
		return r.TryError
	}
	st.sizes = make([]uint32, count)
	for i := 0; i < count; i++ {
		st.sizes[i] = r.TryReadUint32()
	}
	return r.TryError
}

func (st *sampleTable) parseStss(body []byte) error {
	if body == nil {
		return nil // all samples are sync samples
	}
	r := bitio.NewReader(body)
	r.TrySkip(4)
	count := int(r.TryReadUint32())
	st.keyIndices = make([]int, 0, count)
	for i := 0; i < count; i++ {
		number := r.TryReadUint32()
		if r.TryError != nil {
			return r.TryError
		}
		st.keyIndices = append(st.keyIndices, int(number)-1)
	}
	return r.TryError
}

func (st *sampleTable) parseStsc(body []byte) error {
	if body == nil {
		return mp4.ErrBoxTruncated
	}
	r := bitio.NewReader(body)
	r.TrySkip(4)
	count := int(r.TryReadUint32())
	for i := 0; i < count; i++ {
		firstChunk := int(r.TryReadUint32())
		samplesPerChunk := int(r.TryReadUint32())
		r.TrySkip(4) // sample description index
		if r.TryError != nil {
			return r.TryError
		}
		st.stscRuns = append(st.stscRuns, stscRun{
			firstChunk:      firstChunk - 1,
			samplesPerChunk: samplesPerChunk,
		})
	}
	// Augment with absolute start sample indices.
	index := 0
	for i := range st.stscRuns {
		st.stscRuns[i].startSampleIndex = index
		chunks := 0
		if i+1 < len(st.stscRuns) {
			chunks = st.stscRuns[i+1].firstChunk - st.stscRuns[i].firstChunk
		}
		index += chunks * st.stscRuns[i].samplesPerChunk
	}
	return r.TryError
}

func (st *sampleTable) parseStco(stco, co64 []byte) error {
	body := stco
	wide := false
	if body == nil {
		body = co64
		wide = true
	}
	if body == nil {
		return mp4.ErrBoxTruncated
	}
	r := bitio.NewReader(body)
	r.TrySkip(4)
	count := int(r.TryReadUint32())
	st.chunkOffsets = make([]int64, 0, count)
	for i := 0; i < count; i++ {
		if wide {
			st.chunkOffsets = append(st.chunkOffsets, int64(r.TryReadUint64()))
		} else {
			st.chunkOffsets = append(st.chunkOffsets, int64(r.TryReadUint32()))
		}
		if r.TryError != nil {
			return r.TryError
		}
	}
	return r.TryError
}

// buildPresentation materializes the pts-sorted index.
func (st *sampleTable) buildPresentation() {
	st.presentation = make([]ptsEntry, st.sampleCount)
	for i := 0; i < st.sampleCount; i++ {
		st.presentation[i] = ptsEntry{pts: st.pts(i), index: i}
	}
	sort.SliceStable(st.presentation, func(i, j int) bool {
		return st.presentation[i].pts < st.presentation[j].pts
	})
}

func (st *sampleTable) dts(i int) int64 {
	run := st.timing[binarySearchRun(len(st.timing), func(k int) int {
		return st.timing[k].startIndex
	}, i)]
	return run.startDts + int64(i-run.startIndex)*run.delta
}

func (st *sampleTable) delta(i int) int64 {
	run := st.timing[binarySearchRun(len(st.timing), func(k int) int {
		return st.timing[k].startIndex
	}, i)]
	return run.delta
}

func (st *sampleTable) compositionOffset(i int) int32 {
	if len(st.compositions) == 0 {
		return 0
	}
	k := binarySearchRun(len(st.compositions), func(k int) int {
		return st.compositions[k].startIndex
	}, i)
	run := st.compositions[k]
	if i >= run.startIndex+run.count {
		return 0
	}
	return run.offset
}

func (st *sampleTable) pts(i int) int64 {
	return st.dts(i) + int64(st.compositionOffset(i))
}

func (st *sampleTable) size(i int) uint32 {
	if len(st.sizes) == 1 {
		return st.sizes[0]
	}
	return st.sizes[i]
}

func (st *sampleTable) isKey(i int) bool {
	if st.keyIndices == nil {
		return true
	}
	k := binarySearchLessOrEqual(len(st.keyIndices), func(j int) int64 {
		return int64(st.keyIndices[j])
	}, int64(i))
	return k >= 0 && st.keyIndices[k] == i
}

// offset locates sample i's payload in the file.
func (st *sampleTable) offset(i int) int64 {
	k := binarySearchRun(len(st.stscRuns), func(j int) int {
		return st.stscRuns[j].startSampleIndex
	}, i)
	run := st.stscRuns[k]
	rel := i - run.startSampleIndex
	chunk := run.firstChunk + rel/run.samplesPerChunk
	first := i - rel%run.samplesPerChunk

	offset := st.chunkOffsets[chunk]
	for j := first; j < i; j++ {
		offset += int64(st.size(j))
	}
	return offset
}

// binarySearchRun returns the index of the last run whose start is
// <= target. Runs must be sorted by start.
func binarySearchRun(n int, start func(int) int, target int) int {
	low, high := 0, n-1
	for low < high {
		mid := low + (high-low+1)/2
		if start(mid) <= target {
			low = mid
		} else {
			high = mid - 1
		}
	}
	return low
}

// binarySearchLessOrEqual returns the index of the greatest element
// <= target, or -1 when none exists. The midpoint biases high so the
// loop converges from below.
func binarySearchLessOrEqual(n int, value func(int) int64, target int64) int {
	if n == 0 {
		return -1
	}
	if value(0) > target {
		return -1
	}
	low, high := 0, n-1
	for low < high {
		mid := low + (high-low+1)/2
		if value(mid) <= target {
			low = mid
		} else {
			high = mid - 1
		}
	}
	return low
}

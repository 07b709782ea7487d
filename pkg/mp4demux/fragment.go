package mp4demux

import (
	"context"
	"fmt"
	"sort"

	"mediamux/pkg/log"
	"mediamux/pkg/media"
	"mediamux/pkg/mp4"
	"mediamux/pkg/mp4/bitio"
)

type trexDefaults struct {
	duration uint32
	size     uint32
	flags    uint32
}

type fragSample struct {
	pts    int64 // track units
	dts    int64
	dur    int64
	size   uint32
	offset int64 // absolute file offset
	key    bool
}

type fragTrackData struct {
	samples  []fragSample
	ptsOrder []int // sample indices sorted by presentation time

	startTs        int64
	endTs          int64
	startTsIsFinal bool
}

type fragmentInfo struct {
	moofOffset int64
	moofSize   int64
	dataStart  int64
	dataEnd    int64
	next       *fragmentInfo

	tracks map[int]*fragTrackData
}

// parseTfra fills a track's fragment lookup table.
func (d *Demuxer) parseTfra(body []byte) error {
	r := bitio.NewReader(body)
	version := r.TryReadByte()
	r.TrySkip(3)
	trackID := int(r.TryReadUint32())
	lengths := r.TryReadUint32()
	count := int(r.TryReadUint32())
	if r.TryError != nil {
		return r.TryError
	}

	trafLen := int(lengths>>4&0x3) + 1
	trunLen := int(lengths>>2&0x3) + 1
	sampleLen := int(lengths&0x3) + 1

	tr := d.trackByID(trackID)
	if tr == nil {
		return fmt.Errorf("%w: tfra for unknown track %d", media.ErrUnsupportedFeature, trackID)
	}

	for i := 0; i < count; i++ {
		var entry mp4.TfraEntry
		if version == 1 {
			entry.Time = r.TryReadUint64()
			entry.MoofOffset = r.TryReadUint64()
		} else {
			entry.Time = uint64(r.TryReadUint32())
			entry.MoofOffset = uint64(r.TryReadUint32())
		}
		r.TrySkip(trafLen + trunLen + sampleLen)
		if r.TryError != nil {
			return r.TryError
		}
		tr.fragLookup = append(tr.fragLookup, entry)
	}
	return nil
}

// fragmentAt returns the already-read fragment at moofOffset, or nil.
func (d *Demuxer) fragmentAt(moofOffset int64) *fragmentInfo {
	i := sort.Search(len(d.fragments), func(i int) bool {
		return d.fragments[i].moofOffset >= moofOffset
	})
	if i < len(d.fragments) && d.fragments[i].moofOffset == moofOffset {
		return d.fragments[i]
	}
	return nil
}

// insertFragment adds a fragment to the sorted list and links it from
// the most recently read one.
func (d *Demuxer) insertFragment(frag *fragmentInfo) {
	i := sort.Search(len(d.fragments), func(i int) bool {
		return d.fragments[i].moofOffset >= frag.moofOffset
	})
	d.fragments = append(d.fragments, nil)
	copy(d.fragments[i+1:], d.fragments[i:])
	d.fragments[i] = frag

	if d.lastRead != nil && d.lastRead.moofOffset < frag.moofOffset && d.lastRead.next == nil {
		d.lastRead.next = frag
	}
	if i+1 < len(d.fragments) && frag.next == nil {
		frag.next = d.fragments[i+1]
	}
	if i > 0 && d.fragments[i-1].next == nil {
		d.fragments[i-1].next = frag
	}
	d.lastRead = frag
}

// readFragment parses the moof at moofOffset and registers it. The
// caller must hold d.mu.
func (d *Demuxer) readFragment(ctx context.Context, moofOffset int64) (*fragmentInfo, error) {
	if frag := d.fragmentAt(moofOffset); frag != nil {
		return frag, nil
	}

	info, err := d.readBoxHeader(ctx, moofOffset)
	if err != nil {
		return nil, fmt.Errorf("moof header at %d: %w", moofOffset, err)
	}
	if info.Type != mp4.TypeOf("moof") {
		return nil, fmt.Errorf("%w: expected moof at %d, got %q",
			media.ErrUnsupportedFeature, moofOffset, info.Type.Str())
	}
	payload, err := d.loadBox(ctx, moofOffset, info)
	if err != nil {
		return nil, fmt.Errorf("load moof: %w", err)
	}

	frag := &fragmentInfo{
		moofOffset: moofOffset,
		moofSize:   info.Size,
		dataStart:  -1,
		tracks:     map[int]*fragTrackData{},
	}

	err = walkBoxes(payload, func(typ mp4.BoxType, body []byte) error {
		if typ != mp4.TypeOf("traf") {
			return nil
		}
		if err := d.parseTraf(frag, body); err != nil {
			d.logf(log.LevelWarning, "skipping traf: %v", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	d.resolveStartTimestamps(frag)
	d.insertFragment(frag)
	return frag, nil
}

// parseTraf parses one track fragment into frag.
func (d *Demuxer) parseTraf(frag *fragmentInfo, payload []byte) error {
	tfhdBody := childBox(payload, "tfhd")
	if tfhdBody == nil {
		return fmt.Errorf("%w: traf without tfhd", media.ErrUnsupportedFeature)
	}

	r := bitio.NewReader(tfhdBody)
	r.TryReadByte() // version
	flags := uint32(r.TryReadUint24())
	trackID := int(r.TryReadUint32())

	base := frag.moofOffset
	if flags&mp4.TfhdBaseDataOffsetPresent != 0 {
		base = int64(r.TryReadUint64())
	}
	if flags&mp4.TfhdSampleDescriptionIndexPresent != 0 {
		r.TrySkip(4)
	}

	defaults := d.trexDefaults[trackID]
	if flags&mp4.TfhdDefaultSampleDurationPresent != 0 {
		defaults.duration = r.TryReadUint32()
	}
	if flags&mp4.TfhdDefaultSampleSizePresent != 0 {
		defaults.size = r.TryReadUint32()
	}
	if flags&mp4.TfhdDefaultSampleFlagsPresent != 0 {
		defaults.flags = r.TryReadUint32()
	}
	if r.TryError != nil {
		return fmt.Errorf("tfhd: %w", r.TryError)
	}

	tr := d.trackByID(trackID)
	if tr == nil {
		return fmt.Errorf("%w: traf for unknown track %d", media.ErrUnsupportedFeature, trackID)
	}

	var baseDecodeTime int64
	haveTfdt := false
	if tfdtBody := childBox(payload, "tfdt"); tfdtBody != nil {
		tr := bitio.NewReader(tfdtBody)
		version := tr.TryReadByte()
		tr.TrySkip(3)
		if version == 1 {
			baseDecodeTime = int64(tr.TryReadUint64())
		} else {
			baseDecodeTime = int64(tr.TryReadUint32())
		}
		if tr.TryError == nil {
			haveTfdt = true
		}
	}

	data := &fragTrackData{startTsIsFinal: haveTfdt}

	dts := baseDecodeTime
	runOffset := int64(0)
	haveRunOffset := false

	err := walkBoxes(payload, func(typ mp4.BoxType, body []byte) error {
		if typ != mp4.TypeOf("trun") {
			return nil
		}
		rr := bitio.NewReader(body)
		rr.TryReadByte() // version; offsets read as signed either way
		trunFlags := uint32(rr.TryReadUint24())
		count := int(rr.TryReadUint32())

		if trunFlags&mp4.TrunDataOffsetPresent != 0 {
			runOffset = int64(int32(rr.TryReadUint32()))
			haveRunOffset = true
		} else if !haveRunOffset {
			runOffset = frag.moofSize + 8
			haveRunOffset = true
		}

		firstFlags := defaults.flags
		haveFirstFlags := false
		if trunFlags&mp4.TrunFirstSampleFlagsPresent != 0 {
			firstFlags = rr.TryReadUint32()
			haveFirstFlags = true
		}

		pos := base + runOffset
		for i := 0; i < count; i++ {
			duration := defaults.duration
			if trunFlags&mp4.TrunSampleDurationPresent != 0 {
				duration = rr.TryReadUint32()
			}
			size := defaults.size
			if trunFlags&mp4.TrunSampleSizePresent != 0 {
				size = rr.TryReadUint32()
			}
			sampleFlags := defaults.flags
			if trunFlags&mp4.TrunSampleFlagsPresent != 0 {
				sampleFlags = rr.TryReadUint32()
			} else if i == 0 && haveFirstFlags {
				sampleFlags = firstFlags
			}
			var compOffset int32
			if trunFlags&mp4.TrunSampleCompositionTimeOffsetPresent != 0 {
				// Version 0 offsets are unsigned but fit the signed
				// range in any sane file.
				compOffset = int32(rr.TryReadUint32())
			}
			if rr.TryError != nil {
				return fmt.Errorf("trun: %w", rr.TryError)
			}

			data.samples = append(data.samples, fragSample{
				pts:    dts + int64(compOffset),
				dts:    dts,
				dur:    int64(duration),
				size:   size,
				offset: pos,
				key:    sampleFlags&mp4.SampleFlagIsNonSync == 0,
			})
			dts += int64(duration)
			pos += int64(size)
		}
		runOffset = pos - base
		return nil
	})
	if err != nil {
		return err
	}
	if len(data.samples) == 0 {
		return nil
	}

	data.finishTimestamps()
	for _, s := range data.samples {
		if frag.dataStart == -1 || s.offset < frag.dataStart {
			frag.dataStart = s.offset
		}
		if end := s.offset + int64(s.size); end > frag.dataEnd {
			frag.dataEnd = end
		}
	}
	frag.tracks[trackID] = data
	return nil
}

// finishTimestamps derives the pts order and the fragment's track
// extent.
func (data *fragTrackData) finishTimestamps() {
	data.ptsOrder = make([]int, len(data.samples))
	for i := range data.ptsOrder {
		data.ptsOrder[i] = i
	}
	sort.SliceStable(data.ptsOrder, func(a, b int) bool {
		return data.samples[data.ptsOrder[a]].pts < data.samples[data.ptsOrder[b]].pts
	})

	data.startTs = data.samples[data.ptsOrder[0]].pts
	for _, s := range data.samples {
		if end := s.pts + s.dur; end > data.endTs {
			data.endTs = end
		}
	}
}

// resolveStartTimestamps finalizes fragments that lack a tfdt by
// walking back to the closest prior fragment of the same track with a
// final end timestamp.
func (d *Demuxer) resolveStartTimestamps(frag *fragmentInfo) {
	for trackID, data := range frag.tracks {
		if data.startTsIsFinal {
			continue
		}

		var offset int64
		i := sort.Search(len(d.fragments), func(i int) bool {
			return d.fragments[i].moofOffset >= frag.moofOffset
		})
		for j := i - 1; j >= 0; j-- {
			prior, ok := d.fragments[j].tracks[trackID]
			if !ok || !prior.startTsIsFinal {
				continue
			}
			offset = prior.endTs
			break
		}
		// Without any finalized predecessor the fragment is assumed to
		// start the timeline at zero.

		for k := range data.samples {
			data.samples[k].pts += offset
			data.samples[k].dts += offset
		}
		data.startTs += offset
		data.endTs += offset
		data.startTsIsFinal = true
	}
}

// readNextFragment scans forward from the last scan position until
// another moof is parsed. It returns nil once the file is exhausted.
// The caller must hold d.mu.
func (d *Demuxer) readNextFragment(ctx context.Context) (*fragmentInfo, error) {
	for d.nextScanOffset < d.sourceSize {
		offset := d.nextScanOffset
		info, err := d.readBoxHeader(ctx, offset)
		if err != nil {
			return nil, fmt.Errorf("scan at %d: %w", offset, err)
		}
		if info.Size == -1 {
			info.Size = d.sourceSize - offset
		}
		d.nextScanOffset = offset + info.Size

		if info.Type == mp4.TypeOf("moof") {
			return d.readFragment(ctx, offset)
		}
		if info.Type == mp4.TypeOf("mfra") {
			break
		}
	}
	d.scanComplete = true
	return nil, nil
}

// readAllFragments drains the scan, used by duration computation.
func (d *Demuxer) readAllFragments(ctx context.Context) error {
	unlock, err := d.mu.Lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	for !d.scanComplete {
		if _, err := d.readNextFragment(ctx); err != nil {
			return err
		}
	}
	return nil
}

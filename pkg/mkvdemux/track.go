package mkvdemux

import (
	"context"
	"fmt"
	"sort"

	"mediamux/pkg/ebml"
	"mediamux/pkg/log"
	"mediamux/pkg/media"
)

// Track is one demuxed track.
type Track struct {
	d *Demuxer

	id                int
	kind              media.TrackKind
	codec             media.Codec
	language          string
	codecPrivate      []byte
	defaultDurationNs int64
	video             *media.VideoConfig
	audio             *media.AudioConfig
}

// ID implements media.Track.
func (tr *Track) ID() int { return tr.id }

// Kind implements media.Track.
func (tr *Track) Kind() media.TrackKind { return tr.kind }

// Codec implements media.Track.
func (tr *Track) Codec() media.Codec { return tr.codec }

// Timescale implements media.Track. Matroska tracks tick in
// milliseconds under the default timestamp scale.
func (tr *Track) Timescale() int {
	return int(1_000_000_000 / tr.d.timestampScale)
}

// Language implements media.Track.
func (tr *Track) Language() string { return tr.language }

// Rotation implements media.Track. Matroska has no rotation metadata.
func (tr *Track) Rotation() media.Rotation { return 0 }

// VideoConfig implements media.Track.
func (tr *Track) VideoConfig() *media.VideoConfig { return tr.video }

// AudioConfig implements media.Track.
func (tr *Track) AudioConfig() *media.AudioConfig { return tr.audio }

func (tr *Track) parseVideo(body []byte) {
	config := &media.VideoConfig{}
	r := ebml.NewReader(body)
	for r.Remaining() > 0 {
		id, size, err := r.NextElement()
		if err != nil {
			return
		}
		switch id {
		case ebml.IDPixelWidth:
			if v, err := r.Uint(size); err == nil {
				config.Width = int(v)
			}
		case ebml.IDPixelHeight:
			if v, err := r.Uint(size); err == nil {
				config.Height = int(v)
			}
		case ebml.IDColour:
			if p, err := r.Bytes(size); err == nil {
				config.Color = parseColour(p)
			}
		default:
			if r.Skip(size) != nil {
				return
			}
		}
	}
	tr.video = config
}

func parseColour(body []byte) media.ColorSpace {
	var primaries, transfer, matrix uint16 = 2, 2, 2
	fullRange := false
	r := ebml.NewReader(body)
	for r.Remaining() > 0 {
		id, size, err := r.NextElement()
		if err != nil {
			break
		}
		v, err := r.Uint(size)
		if err != nil {
			break
		}
		switch id {
		case ebml.IDPrimaries:
			primaries = uint16(v)
		case ebml.IDTransferCharacteristics:
			transfer = uint16(v)
		case ebml.IDMatrixCoefficients:
			matrix = uint16(v)
		case ebml.IDRange:
			fullRange = v == 2
		}
	}
	return media.ColorSpaceFromCodes(primaries, transfer, matrix, fullRange)
}

func (tr *Track) parseAudio(body []byte) {
	config := &media.AudioConfig{}
	r := ebml.NewReader(body)
	for r.Remaining() > 0 {
		id, size, err := r.NextElement()
		if err != nil {
			return
		}
		switch id {
		case ebml.IDSamplingFrequency:
			if v, err := r.Float(size); err == nil {
				config.SampleRate = int(v)
			}
		case ebml.IDChannels:
			if v, err := r.Uint(size); err == nil {
				config.ChannelCount = int(v)
			}
		default:
			if r.Skip(size) != nil {
				return
			}
		}
	}
	tr.audio = config
}

/*************************** clusters ****************************/

type blockInfo struct {
	tsMs       int64
	durMs      int64
	key        bool
	dataOffset int64 // absolute
	dataSize   int64
}

type clusterInfo struct {
	pos  int64 // element start, absolute
	end  int64
	tsMs int64
	next *clusterInfo

	blocks map[int][]blockInfo // per track, in storage order
}

// clusterAt returns the parsed cluster at pos, or nil.
func (d *Demuxer) clusterAt(pos int64) *clusterInfo {
	i := sort.Search(len(d.clusters), func(i int) bool {
		return d.clusters[i].pos >= pos
	})
	if i < len(d.clusters) && d.clusters[i].pos == pos {
		return d.clusters[i]
	}
	return nil
}

func (d *Demuxer) insertCluster(c *clusterInfo) {
	i := sort.Search(len(d.clusters), func(i int) bool {
		return d.clusters[i].pos >= c.pos
	})
	d.clusters = append(d.clusters, nil)
	copy(d.clusters[i+1:], d.clusters[i:])
	d.clusters[i] = c
	if i > 0 && d.clusters[i-1].next == nil {
		d.clusters[i-1].next = c
	}
	if i+1 < len(d.clusters) {
		c.next = d.clusters[i+1]
	}
}

// readCluster parses the cluster at pos. The caller must hold d.mu.
func (d *Demuxer) readCluster(ctx context.Context, pos int64) (*clusterInfo, error) {
	if c := d.clusterAt(pos); c != nil {
		return c, nil
	}

	id, size, headerLen, err := d.elementHeader(ctx, pos)
	if err != nil {
		return nil, fmt.Errorf("cluster header at %d: %w", pos, err)
	}
	if id != ebml.IDCluster {
		return nil, fmt.Errorf("%w: expected cluster at %d", media.ErrUnsupportedFeature, pos)
	}
	dataStart := pos + headerLen
	end := dataStart + size
	if size == ebml.UnknownSize {
		// Unknown-size cluster: runs until the next cluster or the
		// segment end; scan forward for the boundary.
		end, err = d.findClusterEnd(ctx, dataStart)
		if err != nil {
			return nil, err
		}
	}

	body, err := d.loadRange(ctx, dataStart, end)
	if err != nil {
		return nil, err
	}

	c := &clusterInfo{
		pos:    pos,
		end:    end,
		blocks: map[int][]blockInfo{},
	}
	if err := d.parseClusterBody(c, body, dataStart); err != nil {
		return nil, err
	}
	d.insertCluster(c)
	if end > d.nextScanOffset {
		d.nextScanOffset = end
	}
	return c, nil
}

// findClusterEnd locates the next top-level cluster id after start,
// bounding an unknown-size cluster.
func (d *Demuxer) findClusterEnd(ctx context.Context, start int64) (int64, error) {
	offset := start
	for offset < d.segmentEnd {
		id, size, headerLen, err := d.elementHeader(ctx, offset)
		if err != nil {
			return 0, err
		}
		if id == ebml.IDCluster || id == ebml.IDCues {
			return offset, nil
		}
		if size == ebml.UnknownSize {
			return 0, fmt.Errorf("%w: nested unknown-size element", media.ErrUnsupportedFeature)
		}
		offset += headerLen + size
	}
	return d.segmentEnd, nil
}

func (d *Demuxer) parseClusterBody(c *clusterInfo, body []byte, dataStart int64) error {
	r := ebml.NewReader(body)
	for r.Remaining() > 0 {
		id, size, err := r.NextElement()
		if err != nil {
			return err
		}
		switch id {
		case ebml.IDTimestamp:
			v, err := r.Uint(size)
			if err != nil {
				return err
			}
			c.tsMs = int64(v)

		case ebml.IDSimpleBlock:
			start := r.Pos()
			payload, err := r.Bytes(size)
			if err != nil {
				return err
			}
			d.parseBlock(c, payload, dataStart+int64(start), true, 0, false)

		case ebml.IDBlockGroup:
			group, err := r.Bytes(size)
			if err != nil {
				return err
			}
			d.parseBlockGroup(c, group, dataStart+int64(r.Pos())-size)

		default:
			if err := r.Skip(size); err != nil {
				return err
			}
		}
	}

	// Storage order inside a cluster is timestamp order per track;
	// keep it stable but sorted for the binary searches.
	for id := range c.blocks {
		blocks := c.blocks[id]
		sort.SliceStable(blocks, func(a, b int) bool {
			return blocks[a].tsMs < blocks[b].tsMs
		})
	}
	return nil
}

func (d *Demuxer) parseBlockGroup(c *clusterInfo, body []byte, bodyOffset int64) {
	var blockPayload []byte
	var blockOffset int64
	durMs := int64(-1)
	hasReference := false

	r := ebml.NewReader(body)
	for r.Remaining() > 0 {
		id, size, err := r.NextElement()
		if err != nil {
			return
		}
		switch id {
		case ebml.IDBlock:
			start := r.Pos()
			p, err := r.Bytes(size)
			if err != nil {
				return
			}
			blockPayload = p
			blockOffset = bodyOffset + int64(start)
		case ebml.IDBlockDuration:
			if v, err := r.Uint(size); err == nil {
				durMs = int64(v)
			}
		case ebml.IDReferenceBlock:
			hasReference = true
			if r.Skip(size) != nil {
				return
			}
		default:
			if r.Skip(size) != nil {
				return
			}
		}
	}
	if blockPayload == nil {
		return
	}
	dur := int64(0)
	if durMs >= 0 {
		dur = durMs
	}
	d.parseBlock(c, blockPayload, blockOffset, !hasReference, dur, durMs >= 0)
}

// parseBlock decodes a block header (track vint, relative s16, flags)
// and registers its frames, undoing lacing when present.
func (d *Demuxer) parseBlock(
	c *clusterInfo,
	payload []byte,
	payloadOffset int64,
	key bool,
	durMs int64,
	haveDur bool,
) {
	r := ebml.NewReader(payload)
	trackNum, err := r.ReadVint()
	if err != nil {
		return
	}
	if r.Remaining() < 3 {
		return
	}
	rel := int16(uint16(payload[r.Pos()])<<8 | uint16(payload[r.Pos()+1]))
	flags := payload[r.Pos()+2]
	r.SetPos(r.Pos() + 3)

	tr := d.trackByID(int(trackNum))
	if tr == nil {
		d.logf(log.LevelDebug, "block for unknown track %d", trackNum)
		return
	}

	isKey := key
	if flags&0x80 != 0 {
		isKey = true
	}
	tsMs := c.tsMs + int64(rel)

	frames, err := deLace(payload, r.Pos(), flags)
	if err != nil {
		d.logf(log.LevelWarning, "bad lacing on track %d: %v", trackNum, err)
		return
	}

	dur := durMs
	if !haveDur && tr.defaultDurationNs > 0 {
		dur = tr.defaultDurationNs / 1_000_000
	}

	for i, f := range frames {
		frameTs := tsMs
		if len(frames) > 1 && tr.defaultDurationNs > 0 {
			frameTs += int64(i) * tr.defaultDurationNs / 1_000_000
		}
		c.blocks[tr.id] = append(c.blocks[tr.id], blockInfo{
			tsMs:       frameTs,
			durMs:      dur,
			key:        isKey,
			dataOffset: payloadOffset + int64(f.start),
			dataSize:   int64(f.size),
		})
	}
}

type laceFrame struct {
	start int
	size  int
}

// deLace splits a block payload into frames per the lacing flags:
// none, Xiph, fixed or EBML.
func deLace(payload []byte, pos int, flags byte) ([]laceFrame, error) {
	total := len(payload)
	switch flags & 0x06 {
	case 0x00: // no lacing
		return []laceFrame{{start: pos, size: total - pos}}, nil
	}

	if pos >= total {
		return nil, ebml.ErrTruncated
	}
	frameCount := int(payload[pos]) + 1
	pos++

	sizes := make([]int, frameCount)
	switch flags & 0x06 {
	case 0x02: // Xiph
		for i := 0; i < frameCount-1; i++ {
			size := 0
			for {
				if pos >= total {
					return nil, ebml.ErrTruncated
				}
				b := payload[pos]
				pos++
				size += int(b)
				if b != 255 {
					break
				}
			}
			sizes[i] = size
		}

	case 0x04: // fixed
		remaining := total - pos
		if remaining%frameCount != 0 {
			return nil, fmt.Errorf("%w: fixed lace remainder", ebml.ErrVintInvalid)
		}
		for i := range sizes {
			sizes[i] = remaining / frameCount
		}

	case 0x06: // EBML
		r := ebml.NewReader(payload)
		r.SetPos(pos)
		first, err := r.ReadVint()
		if err != nil {
			return nil, err
		}
		sizes[0] = int(first)
		prev := int64(first)
		for i := 1; i < frameCount-1; i++ {
			delta, err := readLaceDelta(r)
			if err != nil {
				return nil, err
			}
			prev += delta
			if prev < 0 {
				return nil, fmt.Errorf("%w: negative lace size", ebml.ErrVintInvalid)
			}
			sizes[i] = int(prev)
		}
		pos = r.Pos()
	}

	if flags&0x06 != 0x04 {
		used := 0
		for i := 0; i < frameCount-1; i++ {
			used += sizes[i]
		}
		last := total - pos - used
		if last < 0 {
			return nil, ebml.ErrTruncated
		}
		sizes[frameCount-1] = last
	}

	frames := make([]laceFrame, frameCount)
	for i, size := range sizes {
		frames[i] = laceFrame{start: pos, size: size}
		pos += size
		if pos > total {
			return nil, ebml.ErrTruncated
		}
	}
	return frames, nil
}

// readLaceDelta reads a signed EBML-lace size delta. The stored value
// is shifted by half the unsigned range of its encoded width.
func readLaceDelta(r *ebml.Reader) (int64, error) {
	v, width, err := r.ReadVintWidth()
	if err != nil {
		return 0, err
	}
	bias := int64(1)<<(7*width-1) - 1
	return int64(v) - bias, nil
}

func (d *Demuxer) trackByID(id int) *Track {
	for _, tr := range d.tracks {
		if tr.id == id {
			return tr
		}
	}
	return nil
}

// readNextCluster scans forward for the next cluster. Returns nil at
// the segment end. The caller must hold d.mu.
func (d *Demuxer) readNextCluster(ctx context.Context) (*clusterInfo, error) {
	for d.nextScanOffset < d.segmentEnd {
		offset := d.nextScanOffset
		id, size, headerLen, err := d.elementHeader(ctx, offset)
		if err != nil {
			return nil, fmt.Errorf("cluster scan at %d: %w", offset, err)
		}
		if id == ebml.IDCluster {
			return d.readCluster(ctx, offset)
		}
		if size == ebml.UnknownSize {
			return nil, fmt.Errorf("%w: unknown-size %#x element", media.ErrUnsupportedFeature, id)
		}
		d.nextScanOffset = offset + headerLen + size
	}
	d.scanComplete = true
	return nil, nil
}

package mp4mux

import (
	"context"
	"fmt"

	"mediamux/pkg/byteio"
	"mediamux/pkg/codecs"
	"mediamux/pkg/media"
	"mediamux/pkg/mp4"
	"mediamux/pkg/mp4/bitio"
)

func boxWriter(out byteio.Writer) *bitio.Writer {
	return bitio.NewWriter(bitio.NewByteWriter(out))
}

func brand(s string) mp4.CompatibleBrandElem {
	var b [4]byte
	copy(b[:], s)
	return mp4.CompatibleBrandElem{CompatibleBrand: b}
}

func (m *Muxer) writeMovie(fragmented bool) error {
	moov := m.generateMoov(fragmented)
	return moov.Marshal(boxWriter(m.out))
}

func (m *Muxer) writeFtyp() error {
	ftyp := &mp4.Ftyp{MinorVersion: 512}
	if m.opts.Mode == ModeFragmented {
		copy(ftyp.MajorBrand[:], "iso5")
		ftyp.CompatibleBrands = []mp4.CompatibleBrandElem{
			brand("iso5"), brand("iso6"), brand("mp41"),
		}
	} else {
		copy(ftyp.MajorBrand[:], "isom")
		ftyp.CompatibleBrands = []mp4.CompatibleBrandElem{
			brand("isom"), brand("iso2"), brand("mp41"),
		}
	}
	if m.hasAVC {
		ftyp.CompatibleBrands = append(ftyp.CompatibleBrands, brand("avc1"))
	}

	w := boxWriter(m.out)
	_, err := mp4.WriteSingleBox(w, ftyp)
	return err
}

// writeLargeMdatHeader writes a 16-byte mdat header carrying a 64-bit
// size, so the payload length can be patched in afterwards.
func writeLargeMdatHeader(out byteio.Writer, totalSize uint64) error {
	w := boxWriter(out)
	w.TryWriteUint32(1)
	w.TryWrite([]byte{'m', 'd', 'a', 't'})
	w.TryWriteUint64(totalSize)
	return w.TryError
}

/*************************** moov ****************************/

// movieDurationUs returns the longest track duration.
func (m *Muxer) movieDurationUs() int64 {
	var max int64
	for _, tr := range m.tracks {
		if d := tr.trackDurationUs(); d > max {
			max = d
		}
	}
	return max
}

// generateMoov builds the movie box. In fragmented form the sample
// tables are empty and a movie-extends box carries per-track defaults.
func (m *Muxer) generateMoov(fragmented bool) mp4.Boxes {
	/*
	   moov
	   - mvhd
	   - trak (per track)
	   - mvex (fragmented only)
	*/

	durationUs := m.movieDurationUs()
	if fragmented {
		durationUs = 0
	}

	moov := mp4.Boxes{
		Box: &mp4.Moov{},
		Children: []mp4.Boxes{
			{Box: &mp4.Mvhd{
				Timescale:   movieTimescale,
				DurationV0:  uint32(media.ToTimescale(durationUs, movieTimescale)),
				Rate:        65536,
				Volume:      256,
				Matrix:      mp4.IdentityMatrix,
				NextTrackID: uint32(len(m.tracks) + 1),
			}},
		},
	}

	for _, tr := range m.tracks {
		moov.Children = append(moov.Children, m.generateTrak(tr, fragmented))
	}

	if fragmented {
		mvex := mp4.Boxes{Box: &mp4.Mvex{}}
		for _, tr := range m.tracks {
			mvex.Children = append(mvex.Children, mp4.Boxes{
				Box: &mp4.Trex{
					TrackID:                       uint32(tr.id),
					DefaultSampleDescriptionIndex: 1,
				},
			})
		}
		moov.Children = append(moov.Children, mvex)
	}

	return moov
}

func (m *Muxer) generateTrak(tr *Track, fragmented bool) mp4.Boxes {
	/*
	   trak
	   - tkhd
	   - mdia
	     - mdhd
	     - hdlr
	     - minf
	*/

	durationUs := tr.trackDurationUs()
	if fragmented {
		durationUs = 0
	}

	tkhd := &mp4.Tkhd{
		FullBox: mp4.FullBox{Flags: [3]byte{0, 0, 3}},
		TrackID: uint32(tr.id),
		DurationV0: uint32(
			media.ToTimescale(durationUs, movieTimescale)),
		Matrix: tr.opts.Rotation.RotationMatrix(),
	}

	var hdlr *mp4.Hdlr
	switch tr.kind {
	case media.TrackVideo:
		tkhd.Width = uint32(tr.opts.Video.Width) * 65536
		tkhd.Height = uint32(tr.opts.Video.Height) * 65536
		hdlr = &mp4.Hdlr{
			HandlerType: [4]byte{'v', 'i', 'd', 'e'},
			Name:        "VideoHandler",
		}
	case media.TrackAudio:
		tkhd.AlternateGroup = 1
		tkhd.Volume = 256
		hdlr = &mp4.Hdlr{
			HandlerType: [4]byte{'s', 'o', 'u', 'n'},
			Name:        "SoundHandler",
		}
	default:
		hdlr = &mp4.Hdlr{
			HandlerType: [4]byte{'t', 'e', 'x', 't'},
			Name:        "TextHandler",
		}
	}

	return mp4.Boxes{
		Box: &mp4.Trak{},
		Children: []mp4.Boxes{
			{Box: tkhd},
			{
				Box: &mp4.Mdia{},
				Children: []mp4.Boxes{
					{Box: &mp4.Mdhd{
						Timescale: uint32(tr.timescale),
						DurationV0: uint32(
							media.ToTimescale(durationUs, tr.timescale)),
						Language: mp4.PackLanguage(tr.language),
					}},
					{Box: hdlr},
					m.generateMinf(tr),
				},
			},
		},
	}
}

func (m *Muxer) generateMinf(tr *Track) mp4.Boxes {
	/*
	   minf
	   - vmhd | smhd | nmhd
	   - dinf
	     - dref
	       - url
	   - stbl
	*/

	var header mp4.ImmutableBox
	switch tr.kind {
	case media.TrackVideo:
		header = &mp4.Vmhd{FullBox: mp4.FullBox{Flags: [3]byte{0, 0, 1}}}
	case media.TrackAudio:
		header = &mp4.Smhd{}
	default:
		header = &mp4.Nmhd{}
	}

	return mp4.Boxes{
		Box: &mp4.Minf{},
		Children: []mp4.Boxes{
			{Box: header},
			{
				Box: &mp4.Dinf{},
				Children: []mp4.Boxes{
					{
						Box: &mp4.Dref{EntryCount: 1},
						Children: []mp4.Boxes{
							{Box: &mp4.URL{
								FullBox: mp4.FullBox{Flags: [3]byte{0, 0, 1}},
							}},
						},
					},
				},
			},
			m.generateStbl(tr),
		},
	}
}

func (m *Muxer) generateStbl(tr *Track) mp4.Boxes {
	/*
	   stbl
	   - stsd
	   - stts
	   - stss (only when delta samples exist)
	   - ctts (only when composition offsets exist)
	   - stsc
	   - stsz
	   - stco | co64
	*/

	stbl := mp4.Boxes{
		Box:      &mp4.Stbl{},
		Children: []mp4.Boxes{m.generateStsd(tr)},
	}

	stbl.Children = append(stbl.Children, mp4.Boxes{
		Box: &mp4.Stts{Entries: tr.generateStts()},
	})

	if stss := tr.generateStss(); stss != nil {
		stbl.Children = append(stbl.Children, mp4.Boxes{
			Box: &mp4.Stss{SampleNumbers: stss},
		})
	}

	if ctts := tr.generateCtts(); ctts != nil {
		stbl.Children = append(stbl.Children, mp4.Boxes{
			Box: &mp4.Ctts{
				FullBox: mp4.FullBox{Version: 1},
				Entries: ctts,
			},
		})
	}

	stbl.Children = append(stbl.Children, mp4.Boxes{
		Box: &mp4.Stsc{Entries: tr.generateStsc()},
	})

	stsz := &mp4.Stsz{SampleCount: uint32(len(tr.samples))}
	sizes := tr.sampleSizes()
	constant := len(sizes) > 0
	for _, size := range sizes {
		if size != sizes[0] {
			constant = false
			break
		}
	}
	if constant {
		stsz.SampleSize = sizes[0]
	} else {
		stsz.EntrySizes = sizes
	}
	stbl.Children = append(stbl.Children, mp4.Boxes{Box: stsz})

	offsets := tr.chunkOffsets()
	needCo64 := false
	for _, offset := range offsets {
		if offset >= 1<<32 {
			needCo64 = true
			break
		}
	}
	if needCo64 {
		stbl.Children = append(stbl.Children, mp4.Boxes{
			Box: &mp4.Co64{ChunkOffsets: offsets},
		})
	} else {
		offsets32 := make([]uint32, len(offsets))
		for i, offset := range offsets {
			offsets32[i] = uint32(offset)
		}
		stbl.Children = append(stbl.Children, mp4.Boxes{
			Box: &mp4.Stco{ChunkOffsets: offsets32},
		})
	}

	return stbl
}

func (tr *Track) sampleSizes() []uint32 {
	sizes := make([]uint32, 0, len(tr.samples))
	for _, s := range tr.samples {
		sizes = append(sizes, s.size())
	}
	return sizes
}

func (s *finalSample) size() uint32 {
	if s.data != nil {
		return uint32(len(s.data))
	}
	return s.sizeBytes
}

func (tr *Track) chunkOffsets() []uint64 {
	offsets := make([]uint64, 0, len(tr.chunks))
	for _, c := range tr.chunks {
		offsets = append(offsets, uint64(c.offset))
	}
	return offsets
}

func (tr *Track) generateStts() []mp4.SttsEntry {
	var entries []mp4.SttsEntry
	for i, s := range tr.samples {
		delta := s.dur
		if i+1 < len(tr.samples) {
			delta = tr.samples[i+1].dts - s.dts
		}
		if len(entries) > 0 && entries[len(entries)-1].SampleDelta == uint32(delta) {
			entries[len(entries)-1].SampleCount++
		} else {
			entries = append(entries, mp4.SttsEntry{
				SampleCount: 1,
				SampleDelta: uint32(delta),
			})
		}
	}
	return entries
}

// generateStss returns nil when every sample is a key sample, which
// by convention means the box is omitted entirely.
func (tr *Track) generateStss() []uint32 {
	allKey := true
	var numbers []uint32
	for i, s := range tr.samples {
		if s.key {
			numbers = append(numbers, uint32(i+1))
		} else {
			allKey = false
		}
	}
	if allKey {
		return nil
	}
	return numbers
}

// generateCtts returns nil when no sample has a composition offset.
func (tr *Track) generateCtts() []mp4.CttsEntry {
	var entries []mp4.CttsEntry
	anyNonZero := false
	for _, s := range tr.samples {
		offset := int32(s.pts - s.dts)
		if offset != 0 {
			anyNonZero = true
		}
		if len(entries) > 0 && entries[len(entries)-1].SampleOffsetV1 == offset {
			entries[len(entries)-1].SampleCount++
		} else {
			entries = append(entries, mp4.CttsEntry{
				SampleCount:    1,
				SampleOffsetV1: offset,
			})
		}
	}
	if !anyNonZero {
		return nil
	}
	return entries
}

func (tr *Track) generateStsc() []mp4.StscEntry {
	var entries []mp4.StscEntry
	for i, c := range tr.chunks {
		count := uint32(len(c.samples))
		if len(entries) > 0 && entries[len(entries)-1].SamplesPerChunk == count {
			continue
		}
		entries = append(entries, mp4.StscEntry{
			FirstChunk:             uint32(i + 1),
			SamplesPerChunk:        count,
			SampleDescriptionIndex: 1,
		})
	}
	return entries
}

/*************************** stsd ****************************/

func (m *Muxer) generateStsd(tr *Track) mp4.Boxes {
	stsd := mp4.Boxes{
		Box: &mp4.Stsd{EntryCount: 1},
	}

	switch tr.kind {
	case media.TrackVideo:
		stsd.Children = []mp4.Boxes{m.generateVideoSampleEntry(tr)}
	case media.TrackAudio:
		stsd.Children = []mp4.Boxes{m.generateAudioSampleEntry(tr)}
	default:
		stsd.Children = []mp4.Boxes{{
			Box: &mp4.WvttSampleEntry{
				SampleEntry: mp4.SampleEntry{DataReferenceIndex: 1},
			},
			Children: []mp4.Boxes{
				{Box: &mp4.TextBox{Typ: mp4.TypeOf("vttC"), Text: "WEBVTT"}},
			},
		}}
	}

	return stsd
}

var videoSampleEntryTypes = map[media.Codec]string{
	media.CodecAVC:  "avc1",
	media.CodecHEVC: "hvc1",
	media.CodecVP8:  "vp08",
	media.CodecVP9:  "vp09",
	media.CodecAV1:  "av01",
}

var videoConfigBoxTypes = map[media.Codec]string{
	media.CodecAVC:  "avcC",
	media.CodecHEVC: "hvcC",
	media.CodecAV1:  "av1C",
}

func (m *Muxer) generateVideoSampleEntry(tr *Track) mp4.Boxes {
	/*
	   avc1 | hvc1 | vp09 | av01
	   - avcC | hvcC | vpcC | av1C
	   - colr (only when the color space is complete)
	*/

	c := tr.opts.Video
	entry := mp4.Boxes{
		Box: &mp4.VisualSampleEntry{
			SampleEntry:     mp4.SampleEntry{DataReferenceIndex: 1},
			Typ:             mp4.TypeOf(videoSampleEntryTypes[tr.codec]),
			Width:           uint16(c.Width),
			Height:          uint16(c.Height),
			Horizresolution: 4718592,
			Vertresolution:  4718592,
			FrameCount:      1,
			Depth:           24,
			PreDefined3:     -1,
		},
	}

	if typ, ok := videoConfigBoxTypes[tr.codec]; ok {
		entry.Children = append(entry.Children, mp4.Boxes{
			Box: &mp4.RawBox{Typ: mp4.TypeOf(typ), Data: c.Description},
		})
	} else {
		vpcc := &mp4.VpcC{
			FullBox:           mp4.FullBox{Version: 1},
			Level:             10,
			BitDepth:          8,
			ChromaSubsampling: 1,
		}
		if c.Color.Complete() {
			vpcc.Primaries = uint8(c.Color.PrimariesCode())
			vpcc.Transfer = uint8(c.Color.TransferCode())
			vpcc.Matrix = uint8(c.Color.MatrixCode())
			vpcc.VideoFullRange = c.Color.FullRange
		} else {
			vpcc.Primaries = 2
			vpcc.Transfer = 2
			vpcc.Matrix = 2
		}
		entry.Children = append(entry.Children, mp4.Boxes{Box: vpcc})
	}

	if c.Color.Complete() {
		entry.Children = append(entry.Children, mp4.Boxes{
			Box: &mp4.Colr{
				Primaries: c.Color.PrimariesCode(),
				Transfer:  c.Color.TransferCode(),
				Matrix:    c.Color.MatrixCode(),
				FullRange: c.Color.FullRange,
			},
		})
	}

	return entry
}

func (m *Muxer) generateAudioSampleEntry(tr *Track) mp4.Boxes {
	/*
	   mp4a | Opus
	   - esds | dOps
	*/

	c := tr.opts.Audio
	typ := "mp4a"
	if tr.codec == media.CodecOpus {
		typ = "Opus"
	}

	entry := mp4.Boxes{
		Box: &mp4.AudioSampleEntry{
			SampleEntry:  mp4.SampleEntry{DataReferenceIndex: 1},
			Typ:          mp4.TypeOf(typ),
			ChannelCount: uint16(c.ChannelCount),
			SampleSize:   16,
			SampleRate:   uint32(c.SampleRate) * 65536,
		},
	}

	switch tr.codec {
	case media.CodecOpus:
		description := c.Description
		if len(description) == 0 {
			config := codecs.OpusConfig{
				ChannelCount:    c.ChannelCount,
				InputSampleRate: uint32(c.SampleRate),
			}
			description, _ = config.Encode()
		}
		entry.Children = append(entry.Children, mp4.Boxes{
			Box: &mp4.RawBox{Typ: mp4.TypeOf("dOps"), Data: description},
		})

	default:
		config := c.Description
		if len(config) == 0 {
			built, err := codecs.AACConfig{
				SampleRate:   c.SampleRate,
				ChannelCount: c.ChannelCount,
			}.Encode()
			if err == nil {
				config = built
			}
		}
		entry.Children = append(entry.Children, mp4.Boxes{
			Box: &mp4.Esds{ESID: uint8(tr.id), Config: config},
		})
	}

	return entry
}

/*************************** finalize ****************************/

func (m *Muxer) finalizeStreaming(ctx context.Context) error {
	if err := m.finalizeAllChunks(ctx); err != nil {
		return err
	}

	mdatEnd := m.out.Pos()
	mdatSize := uint64(mdatEnd - m.mdatHeaderPos)

	// Patch the reserved large-size header.
	m.out.Seek(m.mdatHeaderPos)
	if err := writeLargeMdatHeader(m.out, mdatSize); err != nil {
		return fmt.Errorf("patch mdat header: %w", err)
	}
	m.out.Seek(mdatEnd)

	moov := m.generateMoov(false)
	if err := moov.Marshal(boxWriter(m.out)); err != nil {
		return fmt.Errorf("marshal moov: %w", err)
	}
	return m.out.Flush(ctx)
}

func (m *Muxer) finalizeFastStart(ctx context.Context) error {
	if err := m.finalizeAllChunks(ctx); err != nil {
		return err
	}

	// Lay out the interleaved chunk order and sizes.
	var mdatPayload int64
	for _, chunk := range m.chunkOrder {
		chunk.offset = mdatPayload // relative for now
		mdatPayload += chunk.size
	}

	mdatHeaderSize := int64(8)
	if mdatPayload+8 >= 1<<32 {
		mdatHeaderSize = 16
	}
	const freeSize = 8

	// Two passes: adding absolute offsets can push the offset table to
	// co64, which grows moov and moves every offset.
	ftypEnd := m.out.Pos()
	relative := make([]int64, len(m.chunkOrder))
	for i, chunk := range m.chunkOrder {
		relative[i] = chunk.offset
	}
	for pass := 0; pass < 2; pass++ {
		moov := m.generateMoov(false)
		base := ftypEnd + int64(moov.Size()) + freeSize + mdatHeaderSize
		overflow := false
		for i, chunk := range m.chunkOrder {
			chunk.offset = relative[i] + base
			if chunk.offset >= 1<<32 {
				overflow = true
			}
		}
		if !overflow {
			break
		}
	}
	moov := m.generateMoov(false)

	w := boxWriter(m.out)
	if err := moov.Marshal(w); err != nil {
		return fmt.Errorf("marshal moov: %w", err)
	}
	if _, err := mp4.WriteSingleBox(w, &mp4.Free{}); err != nil {
		return fmt.Errorf("write free: %w", err)
	}

	if mdatHeaderSize == 16 {
		if err := writeLargeMdatHeader(m.out, uint64(mdatPayload)+16); err != nil {
			return fmt.Errorf("write mdat header: %w", err)
		}
	} else {
		hw := boxWriter(m.out)
		hw.TryWriteUint32(uint32(mdatPayload) + 8)
		hw.TryWrite([]byte{'m', 'd', 'a', 't'})
		if hw.TryError != nil {
			return fmt.Errorf("write mdat header: %w", hw.TryError)
		}
	}

	for _, chunk := range m.chunkOrder {
		for _, s := range chunk.samples {
			if _, err := m.out.Write(s.data); err != nil {
				return fmt.Errorf("write mdat: %w", err)
			}
		}
	}
	return m.out.Flush(ctx)
}

package mp4mux

import (
	"context"
	"fmt"

	"mediamux/pkg/mp4"
)

// fragment accumulates one moof/mdat pair across tracks.
type fragment struct {
	startPtsUs int64
	tracks     []*fragmentTrack
}

type fragmentTrack struct {
	track   *Track
	samples []*finalSample
}

func (f *fragment) trackData(tr *Track) *fragmentTrack {
	for _, ft := range f.tracks {
		if ft.track == tr {
			return ft
		}
	}
	ft := &fragmentTrack{track: tr}
	f.tracks = append(f.tracks, ft)
	return ft
}

// addFragmentSample routes an interleaved sample into the current
// fragment, cutting a new one at aligned key samples.
func (m *Muxer) addFragmentSample(ctx context.Context, tr *Track, sample *finalSample) error {
	if m.fragment != nil && sample.key &&
		sample.ptsUs-m.fragment.startPtsUs >= m.opts.FragmentMinDuration &&
		m.queueFrontsAreKeys() {
		if err := m.flushFragment(ctx); err != nil {
			return err
		}
	}
	if m.fragment == nil {
		m.fragment = &fragment{startPtsUs: sample.ptsUs}
	}
	ft := m.fragment.trackData(tr)
	ft.samples = append(ft.samples, sample)
	return nil
}

// queueFrontsAreKeys reports whether every open track with queued
// samples fronts with a key sample, the alignment condition for a
// fragment cut.
func (m *Muxer) queueFrontsAreKeys() bool {
	for _, tr := range m.tracks {
		if len(tr.queue) > 0 && !tr.queue[0].key {
			return false
		}
	}
	return true
}

// flushFragment writes the pending moof/mdat pair and records the
// random-access entries.
func (m *Muxer) flushFragment(ctx context.Context) error {
	frag := m.fragment
	m.fragment = nil
	if frag == nil || len(frag.tracks) == 0 {
		return nil
	}

	m.fragmentSeq++
	moofOffset := m.out.Pos()

	// First pass with zero data offsets to learn the moof size.
	moof := m.generateMoof(frag, 0)
	moofSize := int64(moof.Size())

	var payload int64
	for _, ft := range frag.tracks {
		for _, s := range ft.samples {
			payload += int64(len(s.data))
		}
	}

	moof = m.generateMoof(frag, moofSize+8)
	if err := moof.Marshal(boxWriter(m.out)); err != nil {
		return fmt.Errorf("marshal moof: %w", err)
	}

	w := boxWriter(m.out)
	w.TryWriteUint32(uint32(payload) + 8)
	w.TryWrite([]byte{'m', 'd', 'a', 't'})
	if w.TryError != nil {
		return fmt.Errorf("write mdat header: %w", w.TryError)
	}
	for _, ft := range frag.tracks {
		for _, s := range ft.samples {
			if _, err := m.out.Write(s.data); err != nil {
				return fmt.Errorf("write mdat: %w", err)
			}
			s.data = nil
		}
	}

	for _, ft := range frag.tracks {
		tr := ft.track
		tr.fragmentEntries = append(tr.fragmentEntries, mp4.TfraEntry{
			Time:       uint64(ft.samples[0].dts),
			MoofOffset: uint64(moofOffset),
		})
	}

	return m.out.Flush(ctx)
}

// generateMoof builds the movie fragment box. dataBase is the offset
// from the start of moof to the first mdat payload byte, zero during
// the sizing pass.
func (m *Muxer) generateMoof(frag *fragment, dataBase int64) mp4.Boxes {
	/*
	   moof
	   - mfhd
	   - traf (per participating track)
	     - tfhd
	     - tfdt
	     - trun
	*/

	moof := mp4.Boxes{
		Box: &mp4.Moof{},
		Children: []mp4.Boxes{
			{Box: &mp4.Mfhd{SequenceNumber: m.fragmentSeq}},
		},
	}

	var trackOffset int64
	for _, ft := range frag.tracks {
		moof.Children = append(moof.Children,
			generateTraf(ft, dataBase+trackOffset))
		for _, s := range ft.samples {
			trackOffset += int64(len(s.data))
		}
	}
	return moof
}

func generateTraf(ft *fragmentTrack, dataOffset int64) mp4.Boxes {
	/*
	   traf
	   - tfhd
	   - tfdt
	   - trun
	*/

	samples := ft.samples

	defaultDuration := sampleDelta(samples, 0)
	constantDuration := true
	defaultSize := uint32(len(samples[0].data))
	constantSize := true
	for i, s := range samples {
		if sampleDelta(samples, i) != defaultDuration {
			constantDuration = false
		}
		if uint32(len(s.data)) != defaultSize {
			constantSize = false
		}
	}

	flagsOf := func(s *finalSample) uint32 {
		if s.key {
			return 0
		}
		return mp4.SampleFlagIsNonSync | mp4.SampleFlagDependsOnOther
	}
	defaultFlags := flagsOf(samples[len(samples)-1])
	constantFlags := true
	firstDiffers := false
	for i, s := range samples {
		if flagsOf(s) == defaultFlags {
			continue
		}
		if i == 0 {
			firstDiffers = true
		} else {
			constantFlags = false
		}
	}

	anyOffset := false
	for _, s := range samples {
		if s.pts != s.dts {
			anyOffset = true
			break
		}
	}

	tfhdFlags := uint32(mp4.TfhdDefaultBaseIsMoof)
	tfhdFlags |= mp4.TfhdDefaultSampleDurationPresent
	tfhdFlags |= mp4.TfhdDefaultSampleSizePresent
	tfhdFlags |= mp4.TfhdDefaultSampleFlagsPresent

	trunFlags := uint32(mp4.TrunDataOffsetPresent)
	if !constantDuration {
		trunFlags |= mp4.TrunSampleDurationPresent
	}
	if !constantSize {
		trunFlags |= mp4.TrunSampleSizePresent
	}
	if !constantFlags {
		trunFlags |= mp4.TrunSampleFlagsPresent
	} else if firstDiffers {
		trunFlags |= mp4.TrunFirstSampleFlagsPresent
	}
	if anyOffset {
		trunFlags |= mp4.TrunSampleCompositionTimeOffsetPresent
	}

	tfhd := &mp4.Tfhd{
		FullBox:               mp4.FullBox{Flags: mp4.FlagsOf(tfhdFlags)},
		TrackID:               uint32(ft.track.id),
		DefaultSampleDuration: defaultDuration,
		DefaultSampleSize:     defaultSize,
		DefaultSampleFlags:    defaultFlags,
	}

	tfdt := &mp4.Tfdt{
		FullBox: mp4.FullBox{Version: 1},
		// Sum of decode durations of all earlier samples.
		BaseMediaDecodeTimeV1: uint64(samples[0].dts),
	}

	trun := &mp4.Trun{
		FullBox: mp4.FullBox{
			Version: 1,
			Flags:   mp4.FlagsOf(trunFlags),
		},
		DataOffset: int32(dataOffset),
	}
	if trunFlags&mp4.TrunFirstSampleFlagsPresent != 0 {
		trun.FirstSampleFlags = flagsOf(samples[0])
	}
	trun.Entries = make([]mp4.TrunEntry, len(samples))
	for i, s := range samples {
		trun.Entries[i] = mp4.TrunEntry{
			SampleDuration:                sampleDelta(samples, i),
			SampleSize:                    uint32(len(s.data)),
			SampleFlags:                   flagsOf(s),
			SampleCompositionTimeOffsetV1: int32(s.pts - s.dts),
		}
	}

	return mp4.Boxes{
		Box: &mp4.Traf{},
		Children: []mp4.Boxes{
			{Box: tfhd},
			{Box: tfdt},
			{Box: trun},
		},
	}
}

// sampleDelta returns the decode delta of sample i, falling back to
// its own duration at the run's end.
func sampleDelta(samples []*finalSample, i int) uint32 {
	if i+1 < len(samples) {
		return uint32(samples[i+1].dts - samples[i].dts)
	}
	return uint32(samples[i].dur)
}

func (m *Muxer) finalizeFragmented(ctx context.Context) error {
	if err := m.flushFragment(ctx); err != nil {
		return err
	}

	/*
	   mfra
	   - tfra (per track)
	   - mfro
	*/

	mfra := mp4.Boxes{Box: &mp4.Mfra{}}
	any := false
	for _, tr := range m.tracks {
		if len(tr.fragmentEntries) == 0 {
			continue
		}
		any = true
		mfra.Children = append(mfra.Children, mp4.Boxes{
			Box: &mp4.Tfra{
				FullBox: mp4.FullBox{Version: 1},
				TrackID: uint32(tr.id),
				Entries: tr.fragmentEntries,
			},
		})
	}
	if !any {
		return nil
	}

	mfro := mp4.Boxes{Box: &mp4.Mfro{}}
	mfra.Children = append(mfra.Children, mfro)
	size := mfra.Size()
	mfra.Children[len(mfra.Children)-1].Box.(*mp4.Mfro).ParentSize = uint32(size)

	if err := mfra.Marshal(boxWriter(m.out)); err != nil {
		return fmt.Errorf("marshal mfra: %w", err)
	}
	return m.out.Flush(ctx)
}

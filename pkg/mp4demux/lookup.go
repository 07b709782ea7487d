package mp4demux

import (
	"context"

	"mediamux/pkg/media"
)

// Duration implements media.Track.
func (tr *Track) Duration(ctx context.Context) (int64, error) {
	if tr.d.fragmented {
		if err := tr.d.readAllFragments(ctx); err != nil {
			return 0, err
		}
		var max int64
		for _, frag := range tr.d.fragments {
			if data, ok := frag.tracks[tr.id]; ok && data.endTs > max {
				max = data.endTs
			}
		}
		return media.ToMicroseconds(max, tr.timescale), nil
	}

	if tr.durationTs > 0 {
		return media.ToMicroseconds(tr.durationTs, tr.timescale), nil
	}
	st, err := tr.buildSampleTable()
	if err != nil {
		return 0, err
	}
	var max int64
	for i := 0; i < st.sampleCount; i++ {
		if end := st.pts(i) + st.delta(i); end > max {
			max = end
		}
	}
	return media.ToMicroseconds(max, tr.timescale), nil
}

// FirstChunk implements media.Track.
func (tr *Track) FirstChunk(ctx context.Context, opts media.GetChunkOptions) (*media.Chunk, error) {
	if tr.d.fragmented {
		return tr.firstFragmentChunk(ctx, opts)
	}
	st, err := tr.buildSampleTable()
	if err != nil {
		return nil, err
	}
	if st.sampleCount == 0 {
		return nil, nil
	}
	return tr.tableChunk(ctx, st, 0, opts)
}

// ChunkAt implements media.Track.
func (tr *Track) ChunkAt(ctx context.Context, t int64, opts media.GetChunkOptions) (*media.Chunk, error) {
	if tr.d.fragmented {
		return tr.fragmentChunkAt(ctx, t, opts, false)
	}
	st, err := tr.buildSampleTable()
	if err != nil {
		return nil, err
	}
	pos := binarySearchLessOrEqual(len(st.presentation), func(i int) int64 {
		return media.ToMicroseconds(st.presentation[i].pts, tr.timescale)
	}, t)
	if pos < 0 {
		return nil, nil
	}
	return tr.tableChunk(ctx, st, pos, opts)
}

// NextChunk implements media.Track.
func (tr *Track) NextChunk(ctx context.Context, prev *media.Chunk, opts media.GetChunkOptions) (*media.Chunk, error) {
	if prev == nil {
		return tr.FirstChunk(ctx, opts)
	}
	if tr.d.fragmented {
		return tr.nextFragmentChunk(ctx, prev, opts)
	}
	st, err := tr.buildSampleTable()
	if err != nil {
		return nil, err
	}
	if prev.SampleIndex+1 >= len(st.presentation) {
		return nil, nil
	}
	return tr.tableChunk(ctx, st, prev.SampleIndex+1, opts)
}

// KeyChunkAt implements media.Track.
func (tr *Track) KeyChunkAt(ctx context.Context, t int64, opts media.GetChunkOptions) (*media.Chunk, error) {
	if tr.d.fragmented {
		return tr.fragmentChunkAt(ctx, t, opts, true)
	}
	st, err := tr.buildSampleTable()
	if err != nil {
		return nil, err
	}
	pos := binarySearchLessOrEqual(len(st.presentation), func(i int) int64 {
		return media.ToMicroseconds(st.presentation[i].pts, tr.timescale)
	}, t)
	if pos < 0 {
		return nil, nil
	}
	if st.keyIndices == nil {
		return tr.tableChunk(ctx, st, pos, opts)
	}
	index := st.presentation[pos].index
	k := binarySearchLessOrEqual(len(st.keyIndices), func(i int) int64 {
		return int64(st.keyIndices[i])
	}, int64(index))
	if k < 0 {
		return nil, nil
	}
	return tr.tableChunk(ctx, st, st.sortedPos(st.keyIndices[k]), opts)
}

// NextKeyChunk implements media.Track.
func (tr *Track) NextKeyChunk(ctx context.Context, prev *media.Chunk, opts media.GetChunkOptions) (*media.Chunk, error) {
	if prev == nil {
		return tr.FirstChunk(ctx, opts)
	}
	if tr.d.fragmented {
		return tr.nextFragmentKeyChunk(ctx, prev, opts)
	}
	st, err := tr.buildSampleTable()
	if err != nil {
		return nil, err
	}
	index := st.presentation[prev.SampleIndex].index
	if st.keyIndices == nil {
		return tr.NextChunk(ctx, prev, opts)
	}
	for _, key := range st.keyIndices {
		if key > index {
			return tr.tableChunk(ctx, st, st.sortedPos(key), opts)
		}
	}
	return nil, nil
}

// sortedPos maps a decode-order sample index to its position in the
// presentation order.
func (st *sampleTable) sortedPos(index int) int {
	pts := st.pts(index)
	pos := binarySearchLessOrEqual(len(st.presentation), func(i int) int64 {
		return st.presentation[i].pts
	}, pts)
	// Entries sharing a pts sit together; scan left then right for the
	// exact index.
	for i := pos; i >= 0 && st.presentation[i].pts == pts; i-- {
		if st.presentation[i].index == index {
			return i
		}
	}
	for i := pos + 1; i < len(st.presentation) && st.presentation[i].pts == pts; i++ {
		if st.presentation[i].index == index {
			return i
		}
	}
	return pos
}

// tableChunk materializes the sample at presentation position pos.
func (tr *Track) tableChunk(
	ctx context.Context,
	st *sampleTable,
	pos int,
	opts media.GetChunkOptions,
) (*media.Chunk, error) {
	index := st.presentation[pos].index

	chunk := &media.Chunk{
		Timestamp:      media.ToMicroseconds(st.pts(index), tr.timescale),
		Duration:       media.ToMicroseconds(st.delta(index), tr.timescale),
		Key:            st.isKey(index),
		TrackID:        tr.id,
		SampleIndex:    pos,
		FragmentOffset: -1,
	}
	if opts.MetadataOnly {
		return chunk, nil
	}

	offset := st.offset(index)
	size := int64(st.size(index))
	if err := tr.d.r.LoadRange(ctx, offset, offset+size); err != nil {
		return nil, err
	}
	buf, bufOffset, err := tr.d.r.View(offset, offset+size)
	if err != nil {
		return nil, err
	}
	chunk.Data = append([]byte(nil), buf[bufOffset:bufOffset+int(size)]...)
	return chunk, nil
}

/*************************** fragmented ****************************/

// fragmentTrackChunk materializes sample at ptsOrder position pos of
// frag.
func (tr *Track) fragmentTrackChunk(
	ctx context.Context,
	frag *fragmentInfo,
	pos int,
	opts media.GetChunkOptions,
) (*media.Chunk, error) {
	data := frag.tracks[tr.id]
	s := data.samples[data.ptsOrder[pos]]

	chunk := &media.Chunk{
		Timestamp:      media.ToMicroseconds(s.pts, tr.timescale),
		Duration:       media.ToMicroseconds(s.dur, tr.timescale),
		Key:            s.key,
		TrackID:        tr.id,
		SampleIndex:    pos,
		FragmentOffset: frag.moofOffset,
	}
	if opts.MetadataOnly {
		return chunk, nil
	}

	end := s.offset + int64(s.size)
	if err := tr.d.r.LoadRange(ctx, s.offset, end); err != nil {
		return nil, err
	}
	buf, bufOffset, err := tr.d.r.View(s.offset, end)
	if err != nil {
		return nil, err
	}
	chunk.Data = append([]byte(nil), buf[bufOffset:bufOffset+int(s.size)]...)
	return chunk, nil
}

// firstFragmentChunk returns sample 0 of the first fragment holding
// the track.
func (tr *Track) firstFragmentChunk(ctx context.Context, opts media.GetChunkOptions) (*media.Chunk, error) {
	unlock, err := tr.d.mu.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	for i := 0; ; i++ {
		for i >= len(tr.d.fragments) {
			frag, err := tr.d.readNextFragment(ctx)
			if err != nil {
				return nil, err
			}
			if frag == nil {
				return nil, nil
			}
		}
		if _, ok := tr.d.fragments[i].tracks[tr.id]; ok {
			return tr.fragmentTrackChunk(ctx, tr.d.fragments[i], 0, opts)
		}
	}
}

// fragmentChunkAt finds the sample with the greatest pts <= t,
// reading further fragments while their start timestamp allows a
// better match. With keyOnly it returns the closest preceding key
// sample instead.
func (tr *Track) fragmentChunkAt(
	ctx context.Context,
	t int64,
	opts media.GetChunkOptions,
	keyOnly bool,
) (*media.Chunk, error) {
	unlock, err := tr.d.mu.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	target := media.ToTimescale(t, tr.timescale)

	// Jump close with the random-access table when available.
	if len(tr.fragLookup) > 0 {
		k := binarySearchLessOrEqual(len(tr.fragLookup), func(i int) int64 {
			return int64(tr.fragLookup[i].Time)
		}, target)
		if k >= 0 {
			if _, err := tr.d.readFragment(ctx, int64(tr.fragLookup[k].MoofOffset)); err != nil {
				return nil, err
			}
		}
	}

	// The fragment list grows (and shifts) while reading, so track the
	// best match by fragment, not by list index.
	var bestFrag *fragmentInfo
	bestPos := -1
	var bestPts int64

	for i := 0; ; i++ {
		for i >= len(tr.d.fragments) {
			if tr.d.scanComplete {
				break
			}
			if _, err := tr.d.readNextFragment(ctx); err != nil {
				return nil, err
			}
		}
		if i >= len(tr.d.fragments) {
			break
		}
		frag := tr.d.fragments[i]
		data, ok := frag.tracks[tr.id]
		if !ok {
			continue
		}
		if data.startTs > target {
			break
		}
		pos := binarySearchLessOrEqual(len(data.ptsOrder), func(j int) int64 {
			return data.samples[data.ptsOrder[j]].pts
		}, target)
		if keyOnly {
			for pos >= 0 && !data.samples[data.ptsOrder[pos]].key {
				pos--
			}
		}
		if pos >= 0 {
			pts := data.samples[data.ptsOrder[pos]].pts
			if bestFrag == nil || pts >= bestPts {
				bestFrag, bestPos, bestPts = frag, pos, pts
			}
		}
	}

	if bestFrag == nil {
		return nil, nil
	}
	return tr.fragmentTrackChunk(ctx, bestFrag, bestPos, opts)
}

// nextFragmentChunk advances within the fragment, then along the
// fragment chain.
func (tr *Track) nextFragmentChunk(ctx context.Context, prev *media.Chunk, opts media.GetChunkOptions) (*media.Chunk, error) {
	unlock, err := tr.d.mu.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	frag := tr.d.fragmentAt(prev.FragmentOffset)
	if frag == nil {
		frag, err = tr.d.readFragment(ctx, prev.FragmentOffset)
		if err != nil {
			return nil, err
		}
	}
	if data := frag.tracks[tr.id]; prev.SampleIndex+1 < len(data.ptsOrder) {
		return tr.fragmentTrackChunk(ctx, frag, prev.SampleIndex+1, opts)
	}

	for {
		next, err := tr.d.nextInChain(ctx, frag)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return nil, nil
		}
		frag = next
		if _, ok := frag.tracks[tr.id]; ok {
			return tr.fragmentTrackChunk(ctx, frag, 0, opts)
		}
	}
}

// nextFragmentKeyChunk walks forward until a key sample.
func (tr *Track) nextFragmentKeyChunk(ctx context.Context, prev *media.Chunk, opts media.GetChunkOptions) (*media.Chunk, error) {
	chunk := prev
	for {
		next, err := tr.NextChunk(ctx, chunk, media.GetChunkOptions{MetadataOnly: true})
		if err != nil {
			return nil, err
		}
		if next == nil {
			return nil, nil
		}
		if next.Key {
			if opts.MetadataOnly {
				return next, nil
			}
			unlock, err := tr.d.mu.Lock(ctx)
			if err != nil {
				return nil, err
			}
			frag := tr.d.fragmentAt(next.FragmentOffset)
			result, err := tr.fragmentTrackChunk(ctx, frag, next.SampleIndex, opts)
			unlock()
			return result, err
		}
		chunk = next
	}
}

// nextInChain follows the fragment link, reading from disk when the
// chain has not been extended yet. The caller must hold mu.
func (d *Demuxer) nextInChain(ctx context.Context, frag *fragmentInfo) (*fragmentInfo, error) {
	if frag.next != nil {
		return frag.next, nil
	}
	for !d.scanComplete {
		read, err := d.readNextFragment(ctx)
		if err != nil {
			return nil, err
		}
		if read == nil {
			break
		}
		if frag.next != nil {
			return frag.next, nil
		}
		if read.moofOffset > frag.moofOffset {
			return read, nil
		}
	}
	return frag.next, nil
}

var _ media.Track = (*Track)(nil)

package mkvdemux

import (
	"context"

	"mediamux/pkg/media"
)

// Duration implements media.Track. Matroska stores one duration for
// the whole segment; per-track durations require a full cluster walk.
func (tr *Track) Duration(ctx context.Context) (int64, error) {
	if err := tr.d.readMetadata(ctx); err != nil {
		return 0, err
	}
	if tr.d.durationTicks > 0 {
		return tr.d.ticksToUs(int64(tr.d.durationTicks)), nil
	}

	unlock, err := tr.d.mu.Lock(ctx)
	if err != nil {
		return 0, err
	}
	defer unlock()
	for !tr.d.scanComplete {
		if _, err := tr.d.readNextCluster(ctx); err != nil {
			return 0, err
		}
	}
	var max int64
	for _, c := range tr.d.clusters {
		for _, b := range c.blocks[tr.id] {
			if end := b.tsMs + b.durMs; end > max {
				max = end
			}
		}
	}
	return max * 1000, nil
}

// chunkFrom materializes block pos of cluster c.
func (tr *Track) chunkFrom(
	ctx context.Context,
	c *clusterInfo,
	pos int,
	opts media.GetChunkOptions,
) (*media.Chunk, error) {
	b := c.blocks[tr.id][pos]
	chunk := &media.Chunk{
		Timestamp:      b.tsMs * 1000,
		Duration:       b.durMs * 1000,
		Key:            b.key,
		TrackID:        tr.id,
		SampleIndex:    pos,
		FragmentOffset: c.pos,
	}
	if opts.MetadataOnly {
		return chunk, nil
	}

	end := b.dataOffset + b.dataSize
	if err := tr.d.r.LoadRange(ctx, b.dataOffset, end); err != nil {
		return nil, err
	}
	buf, off, err := tr.d.r.View(b.dataOffset, end)
	if err != nil {
		return nil, err
	}
	chunk.Data = append([]byte(nil), buf[off:off+int(b.dataSize)]...)
	return chunk, nil
}

// FirstChunk implements media.Track.
func (tr *Track) FirstChunk(ctx context.Context, opts media.GetChunkOptions) (*media.Chunk, error) {
	if err := tr.d.readMetadata(ctx); err != nil {
		return nil, err
	}
	unlock, err := tr.d.mu.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	for i := 0; ; i++ {
		for i >= len(tr.d.clusters) {
			c, err := tr.d.readNextCluster(ctx)
			if err != nil {
				return nil, err
			}
			if c == nil {
				return nil, nil
			}
		}
		if len(tr.d.clusters[i].blocks[tr.id]) > 0 {
			return tr.chunkFrom(ctx, tr.d.clusters[i], 0, opts)
		}
	}
}

// ChunkAt implements media.Track.
func (tr *Track) ChunkAt(ctx context.Context, t int64, opts media.GetChunkOptions) (*media.Chunk, error) {
	return tr.chunkAt(ctx, t, opts, false)
}

// KeyChunkAt implements media.Track.
func (tr *Track) KeyChunkAt(ctx context.Context, t int64, opts media.GetChunkOptions) (*media.Chunk, error) {
	return tr.chunkAt(ctx, t, opts, true)
}

func (tr *Track) chunkAt(
	ctx context.Context,
	t int64,
	opts media.GetChunkOptions,
	keyOnly bool,
) (*media.Chunk, error) {
	if err := tr.d.readMetadata(ctx); err != nil {
		return nil, err
	}
	unlock, err := tr.d.mu.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	targetMs := t / 1000

	// Jump close using the cues.
	if k := lessOrEqual(len(tr.d.cues), func(i int) int64 {
		return tr.d.cues[i].timeMs
	}, targetMs); k >= 0 {
		if _, err := tr.d.readCluster(ctx, tr.d.cues[k].clusterPos); err != nil {
			return nil, err
		}
	}

	// The cluster list grows (and shifts) while reading, so track the
	// best match by cluster, not by list index.
	var bestCluster *clusterInfo
	bestPos := -1
	var bestTs int64

	for i := 0; ; i++ {
		for i >= len(tr.d.clusters) {
			if tr.d.scanComplete {
				break
			}
			if _, err := tr.d.readNextCluster(ctx); err != nil {
				return nil, err
			}
		}
		if i >= len(tr.d.clusters) {
			break
		}
		c := tr.d.clusters[i]
		if c.tsMs > targetMs && bestCluster != nil {
			break
		}
		blocks := c.blocks[tr.id]
		pos := lessOrEqual(len(blocks), func(j int) int64 {
			return blocks[j].tsMs
		}, targetMs)
		if keyOnly {
			for pos >= 0 && !blocks[pos].key {
				pos--
			}
		}
		if pos >= 0 {
			if bestCluster == nil || blocks[pos].tsMs >= bestTs {
				bestCluster, bestPos, bestTs = c, pos, blocks[pos].tsMs
			}
		}
	}

	if bestCluster == nil {
		return nil, nil
	}
	return tr.chunkFrom(ctx, bestCluster, bestPos, opts)
}

// NextChunk implements media.Track.
func (tr *Track) NextChunk(ctx context.Context, prev *media.Chunk, opts media.GetChunkOptions) (*media.Chunk, error) {
	if prev == nil {
		return tr.FirstChunk(ctx, opts)
	}
	unlock, err := tr.d.mu.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	c := tr.d.clusterAt(prev.FragmentOffset)
	if c == nil {
		c, err = tr.d.readCluster(ctx, prev.FragmentOffset)
		if err != nil {
			return nil, err
		}
	}
	if prev.SampleIndex+1 < len(c.blocks[tr.id]) {
		return tr.chunkFrom(ctx, c, prev.SampleIndex+1, opts)
	}

	for {
		next, err := tr.d.nextCluster(ctx, c)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return nil, nil
		}
		c = next
		if len(c.blocks[tr.id]) > 0 {
			return tr.chunkFrom(ctx, c, 0, opts)
		}
	}
}

// NextKeyChunk implements media.Track.
func (tr *Track) NextKeyChunk(ctx context.Context, prev *media.Chunk, opts media.GetChunkOptions) (*media.Chunk, error) {
	if prev == nil {
		return tr.FirstChunk(ctx, opts)
	}
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
			c := tr.d.clusterAt(next.FragmentOffset)
			result, err := tr.chunkFrom(ctx, c, next.SampleIndex, opts)
			unlock()
			return result, err
		}
		chunk = next
	}
}

// nextCluster follows the chain, scanning forward when needed. The
// caller must hold mu.
func (d *Demuxer) nextCluster(ctx context.Context, c *clusterInfo) (*clusterInfo, error) {
	if c.next != nil {
		return c.next, nil
	}
	for !d.scanComplete {
		read, err := d.readNextCluster(ctx)
		if err != nil {
			return nil, err
		}
		if read == nil {
			break
		}
		if c.next != nil {
			return c.next, nil
		}
		if read.pos > c.pos {
			return read, nil
		}
	}
	return c.next, nil
}

// lessOrEqual returns the index of the greatest element <= target, or
// -1. The midpoint biases high so the loop converges from below.
func lessOrEqual(n int, value func(int) int64, target int64) int {
	if n == 0 || value(0) > target {
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

var _ media.Track = (*Track)(nil)

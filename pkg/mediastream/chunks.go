// Package mediastream layers lazy iterators over a demuxed track: a
// bounded chunk producer/consumer and decoded-frame streams that
// orchestrate an external decoder.
package mediastream

import (
	"context"
	"math"

	"mediamux/pkg/media"
)

// MaxQueueSize bounds in-flight chunks and frames.
const MaxQueueSize = 8

// ChunkStream produces a track's chunks in presentation order through
// a bounded queue filled by a background producer.
type ChunkStream struct {
	ch     chan *media.Chunk
	errCh  chan error
	cancel context.CancelFunc
}

// Chunks streams the track's chunks from start (nil means the first
// chunk) until endTimestamp (µs, exclusive). Close the stream to stop
// the producer early.
func Chunks(
	ctx context.Context,
	track media.Track,
	start *media.Chunk,
	endTimestamp int64,
	opts media.GetChunkOptions,
) *ChunkStream {
	if endTimestamp == 0 {
		endTimestamp = math.MaxInt64
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &ChunkStream{
		ch:     make(chan *media.Chunk, MaxQueueSize),
		errCh:  make(chan error, 1),
		cancel: cancel,
	}

	go func() {
		defer close(s.ch)

		chunk := start
		var err error
		if chunk == nil {
			chunk, err = track.FirstChunk(ctx, opts)
		}
		for err == nil && chunk != nil && chunk.Timestamp < endTimestamp {
			select {
			case s.ch <- chunk:
			case <-ctx.Done():
				return
			}
			chunk, err = track.NextChunk(ctx, chunk, opts)
		}
		if err != nil && ctx.Err() == nil {
			s.errCh <- err
		}
	}()

	return s
}

// Next returns the following chunk, or nil at the end of the stream.
func (s *ChunkStream) Next(ctx context.Context) (*media.Chunk, error) {
	select {
	case err := <-s.errCh:
		return nil, err
	case chunk, ok := <-s.ch:
		if !ok {
			select {
			case err := <-s.errCh:
				return nil, err
			default:
			}
			return nil, nil
		}
		return chunk, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the producer. In-flight reads finish but their results
// are dropped.
func (s *ChunkStream) Close() {
	s.cancel()
}

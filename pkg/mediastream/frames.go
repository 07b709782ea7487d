package mediastream

import (
	"context"
	"fmt"
	"sync"

	"mediamux/pkg/media"
)

// Frame is one decoded frame produced by the external decoder.
type Frame struct {
	Data      []byte
	Timestamp int64 // µs
	Duration  int64 // µs
}

// Decoder is the minimal surface of an external decoder. Decode
// receives chunks in decode order; decoded frames come back in
// presentation order through the factory's output callback. QueueSize
// reports frames buffered inside the decoder for backpressure.
type Decoder interface {
	Decode(chunk *media.Chunk) error
	Flush() error
	Reset()
	QueueSize() int
}

// DecoderFactory builds a decoder whose output lands in onFrame.
type DecoderFactory func(onFrame func(Frame)) (Decoder, error)

// FrameStream produces decoded frames. It is filled by a background
// producer that pushes chunks into the decoder under a bounded
// in-flight budget.
type FrameStream struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []Frame
	err     error
	done    bool
	closed  bool
}

func newFrameStream() *FrameStream {
	s := &FrameStream{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Next returns the following frame, nil at the end of the stream.
func (s *FrameStream) Next(ctx context.Context) (*Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.pending) == 0 && !s.done && s.err == nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s.cond.Wait()
	}
	if len(s.pending) > 0 {
		frame := s.pending[0]
		s.pending = s.pending[1:]
		s.cond.Broadcast()
		return &frame, nil
	}
	return nil, s.err
}

// Close cancels the stream; unused frames are dropped.
func (s *FrameStream) Close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *FrameStream) emit(frame Frame) {
	s.mu.Lock()
	if !s.closed {
		s.pending = append(s.pending, frame)
	}
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *FrameStream) finish(err error) {
	s.mu.Lock()
	s.err = err
	s.done = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// waitForSpace blocks the producer while the bounded budget is full.
func (s *FrameStream) waitForSpace(dec Decoder) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.pending)+dec.QueueSize() >= MaxQueueSize && !s.closed {
		s.cond.Wait()
	}
	return !s.closed
}

func (s *FrameStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// FramesInRange decodes every frame whose presentation interval
// intersects [start, end). The most recent frame before start is
// emitted first so consumers always have a defined frame at start.
func FramesInRange(
	ctx context.Context,
	track media.Track,
	factory DecoderFactory,
	start, end int64,
) (*FrameStream, error) {
	s := newFrameStream()

	var preStart *Frame
	holdingPre := true
	dec, err := factory(func(frame Frame) {
		if frame.Timestamp >= end {
			return
		}
		if holdingPre && frame.Timestamp <= start {
			preStart = &frame
			return
		}
		if holdingPre {
			if preStart != nil {
				s.emit(*preStart)
				preStart = nil
			}
			holdingPre = false
		}
		s.emit(frame)
	})
	if err != nil {
		return nil, err
	}

	go func() {
		keyChunk, err := track.KeyChunkAt(ctx, start, media.GetChunkOptions{})
		if err != nil {
			s.finish(fmt.Errorf("key chunk at %d: %w", start, err))
			return
		}
		if keyChunk == nil {
			keyChunk, err = track.FirstChunk(ctx, media.GetChunkOptions{})
			if err != nil || keyChunk == nil {
				s.finish(err)
				return
			}
		}

		chunk := keyChunk
		for chunk != nil && chunk.Timestamp < end {
			if !s.waitForSpace(dec) {
				return
			}
			if err := dec.Decode(chunk); err != nil {
				s.finish(fmt.Errorf("decode: %w", err))
				return
			}
			chunk, err = track.NextChunk(ctx, chunk, media.GetChunkOptions{})
			if err != nil {
				s.finish(fmt.Errorf("next chunk: %w", err))
				return
			}
		}
		if err := dec.Flush(); err != nil {
			s.finish(fmt.Errorf("flush: %w", err))
			return
		}
		if holdingPre && preStart != nil && !s.isClosed() {
			s.emit(*preStart)
		}
		s.finish(nil)
	}()

	return s, nil
}

// FramesAtTimestamps decodes exactly one frame per requested
// timestamp, reusing the decoder state when the required decode prefix
// matches and duplicating the previous frame for repeats.
func FramesAtTimestamps(
	ctx context.Context,
	track media.Track,
	factory DecoderFactory,
	timestamps []int64,
) (*FrameStream, error) {
	s := newFrameStream()

	var mu sync.Mutex
	var interest []int64 // target pts queue
	var lastFrame *Frame

	dec, err := factory(func(frame Frame) {
		mu.Lock()
		emitted := false
		for len(interest) > 0 && interest[0] == frame.Timestamp {
			interest = interest[1:]
			emitted = true
			s.emit(frame)
		}
		if emitted {
			lastFrame = &frame
		}
		mu.Unlock()
	})
	if err != nil {
		return nil, err
	}

	go func() {
		meta := media.GetChunkOptions{MetadataOnly: true}

		var lastKeyTs int64 = -1
		var lastFed *media.Chunk
		var lastTargetTs int64 = -1

		for _, t := range timestamps {
			if s.isClosed() {
				return
			}
			target, err := track.ChunkAt(ctx, t, meta)
			if err != nil {
				s.finish(fmt.Errorf("chunk at %d: %w", t, err))
				return
			}
			if target == nil {
				continue
			}
			key, err := track.KeyChunkAt(ctx, t, meta)
			if err != nil {
				s.finish(fmt.Errorf("key chunk at %d: %w", t, err))
				return
			}
			if key == nil {
				continue
			}

			if lastKeyTs == key.Timestamp && target.Timestamp == lastTargetTs {
				// Repeat timestamp: duplicate the previous frame.
				mu.Lock()
				if lastFrame != nil {
					s.emit(*lastFrame)
				}
				mu.Unlock()
				continue
			}

			reuse := lastKeyTs == key.Timestamp &&
				lastFed != nil && target.Timestamp > lastTargetTs

			mu.Lock()
			interest = append(interest, target.Timestamp)
			mu.Unlock()

			if !reuse {
				if err := dec.Flush(); err != nil {
					s.finish(err)
					return
				}
				dec.Reset()
				lastFed = nil
				full, err := track.KeyChunkAt(ctx, t, media.GetChunkOptions{})
				if err != nil {
					s.finish(err)
					return
				}
				lastFed = full
				lastKeyTs = key.Timestamp
				if !s.waitForSpace(dec) {
					return
				}
				if err := dec.Decode(full); err != nil {
					s.finish(err)
					return
				}
			}

			// Feed forward until the target chunk has entered the
			// decoder.
			for lastFed != nil && lastFed.Timestamp < target.Timestamp {
				next, err := track.NextChunk(ctx, lastFed, media.GetChunkOptions{})
				if err != nil {
					s.finish(err)
					return
				}
				if next == nil {
					break
				}
				if !s.waitForSpace(dec) {
					return
				}
				if err := dec.Decode(next); err != nil {
					s.finish(err)
					return
				}
				lastFed = next
			}
			if err := dec.Flush(); err != nil {
				s.finish(err)
				return
			}
			lastTargetTs = target.Timestamp
		}
		s.finish(nil)
	}()

	return s, nil
}

package media

import "context"

// Track is the uniform per-track surface exposed by the demuxers.
// All timestamps are microseconds. Lookup methods return nil when no
// matching chunk exists.
type Track interface {
	// ID is the container-assigned track id.
	ID() int
	Kind() TrackKind
	Codec() Codec

	// Timescale is the track's internal timing unit in ticks per
	// second.
	Timescale() int

	// Language is the ISO-639-2 code, "und" when undetermined.
	Language() string

	// Rotation is the display rotation of a video track.
	Rotation() Rotation

	// VideoConfig returns the decoder configuration of a video track,
	// nil otherwise.
	VideoConfig() *VideoConfig

	// AudioConfig returns the decoder configuration of an audio track,
	// nil otherwise.
	AudioConfig() *AudioConfig

	// Duration computes the track duration in microseconds. For
	// fragmented inputs this may read further fragments.
	Duration(ctx context.Context) (int64, error)

	// FirstChunk returns the first sample of the track.
	FirstChunk(ctx context.Context, opts GetChunkOptions) (*Chunk, error)

	// ChunkAt returns the sample whose presentation time is the
	// greatest one ≤ t.
	ChunkAt(ctx context.Context, t int64, opts GetChunkOptions) (*Chunk, error)

	// NextChunk returns the sample following prev in presentation
	// order.
	NextChunk(ctx context.Context, prev *Chunk, opts GetChunkOptions) (*Chunk, error)

	// KeyChunkAt returns the key sample with the greatest presentation
	// time ≤ t.
	KeyChunkAt(ctx context.Context, t int64, opts GetChunkOptions) (*Chunk, error)

	// NextKeyChunk returns the first key sample after prev.
	NextKeyChunk(ctx context.Context, prev *Chunk, opts GetChunkOptions) (*Chunk, error)
}

// Input is the uniform per-file surface exposed by the demuxers.
type Input interface {
	// Tracks reads the container metadata on first use and returns all
	// recognized tracks.
	Tracks(ctx context.Context) ([]Track, error)

	// Duration is the maximum track duration in microseconds.
	Duration(ctx context.Context) (int64, error)
}

// Package media defines the data model shared by the muxers and
// demuxers: encoded samples, track descriptions, chunks, the demuxer
// Track interface, and the library's error taxonomy.
package media

import "math"

// TrackKind classifies a track.
type TrackKind int

// Track kinds.
const (
	TrackVideo TrackKind = iota + 1
	TrackAudio
	TrackSubtitle
)

func (k TrackKind) String() string {
	switch k {
	case TrackVideo:
		return "video"
	case TrackAudio:
		return "audio"
	case TrackSubtitle:
		return "subtitle"
	}
	return "unknown"
}

// Codec identifies the encoding of a track's samples. The container
// layers never touch payload bytes; the codec only selects sample
// descriptions and codec-id strings.
type Codec int

// Codecs.
const (
	CodecUnknown Codec = iota
	CodecAVC
	CodecHEVC
	CodecVP8
	CodecVP9
	CodecAV1
	CodecAAC
	CodecOpus
	CodecVorbis
	CodecWebVTT
)

func (c Codec) String() string {
	switch c {
	case CodecAVC:
		return "avc"
	case CodecHEVC:
		return "hevc"
	case CodecVP8:
		return "vp8"
	case CodecVP9:
		return "vp9"
	case CodecAV1:
		return "av1"
	case CodecAAC:
		return "aac"
	case CodecOpus:
		return "opus"
	case CodecVorbis:
		return "vorbis"
	case CodecWebVTT:
		return "webvtt"
	}
	return "unknown"
}

// IsVideo reports whether the codec carries video samples.
func (c Codec) IsVideo() bool {
	switch c {
	case CodecAVC, CodecHEVC, CodecVP8, CodecVP9, CodecAV1:
		return true
	}
	return false
}

// EncodedSample is one encoded unit handed to a muxer: a video frame,
// an audio frame or a subtitle cue. Timestamps are microseconds.
type EncodedSample struct {
	Data      []byte
	Timestamp int64
	Duration  int64
	Key       bool
}

// Chunk is one encoded unit returned by a demuxer. Timestamps are
// microseconds. Data is empty when the chunk was fetched with
// MetadataOnly.
//
// SampleIndex and FragmentOffset locate the chunk inside its track and
// are consumed by NextChunk/NextKeyChunk; callers treat them as opaque.
type Chunk struct {
	Data      []byte
	Timestamp int64
	Duration  int64
	Key       bool
	TrackID   int

	SampleIndex    int
	FragmentOffset int64
}

// GetChunkOptions controls chunk retrieval.
type GetChunkOptions struct {
	// MetadataOnly skips loading sample bytes; timestamp, duration and
	// key-ness are still computed.
	MetadataOnly bool
}

// ColorSpace carries the color description of a video track. Zero
// fields mean unspecified.
type ColorSpace struct {
	Primaries string // "bt709", "bt470bg", "smpte170m", "bt2020"
	Transfer  string // "bt709", "smpte170m", "iec61966-2-1", "pq", "hlg"
	Matrix    string // "rgb", "bt709", "bt470bg", "smpte170m", "bt2020-ncl"
	FullRange bool
	HasRange  bool
}

// Complete reports whether every field is populated.
func (c ColorSpace) Complete() bool {
	return c.Primaries != "" && c.Transfer != "" && c.Matrix != "" && c.HasRange
}

// VideoConfig describes a video track's decoder configuration.
type VideoConfig struct {
	Codec       Codec
	Width       int
	Height      int
	Description []byte // codec-specific record (avcC, hvcC, ...), opaque
	Color       ColorSpace
}

// AudioConfig describes an audio track's decoder configuration.
type AudioConfig struct {
	Codec        Codec
	SampleRate   int
	ChannelCount int
	Description  []byte // AudioSpecificConfig for AAC, id header for Vorbis
}

// SubtitleCue is one WebVTT cue handed to a muxer.
type SubtitleCue struct {
	Timestamp  int64 // µs
	Duration   int64 // µs
	Text       string
	Identifier string
	Settings   string
	Notes      string
}

// Rotation in degrees, clockwise. Only 0, 90, 180, 270 are valid.
type Rotation int

// RotationMatrix returns the 2D transformation matrix encoding r,
// in 16.16 / 2.30 fixed point as stored in tkhd.
func (r Rotation) RotationMatrix() [9]int32 {
	switch ((r % 360) + 360) % 360 {
	case 90:
		return [9]int32{0, 0x00010000, 0, -0x00010000, 0, 0, 0, 0, 0x40000000}
	case 180:
		return [9]int32{-0x00010000, 0, 0, 0, -0x00010000, 0, 0, 0, 0x40000000}
	case 270:
		return [9]int32{0, -0x00010000, 0, 0x00010000, 0, 0, 0, 0, 0x40000000}
	}
	return [9]int32{0x00010000, 0, 0, 0, 0x00010000, 0, 0, 0, 0x40000000}
}

// RotationFromMatrix matches m against the four standard rotation
// matrices. Unrecognized matrices map to 0.
func RotationFromMatrix(m [9]int32) Rotation {
	for _, r := range []Rotation{0, 90, 180, 270} {
		if r.RotationMatrix() == m {
			return r
		}
	}
	return 0
}

// MicrosecondsPerSecond is the unit of all public timestamps.
const MicrosecondsPerSecond = 1e6

// ToTimescale converts microseconds to units of the given timescale,
// rounding to nearest.
func ToTimescale(us int64, timescale int64) int64 {
	return int64(math.Round(float64(us) * float64(timescale) / MicrosecondsPerSecond))
}

// ToMicroseconds converts timescale units to microseconds, rounding to
// nearest.
func ToMicroseconds(units int64, timescale int64) int64 {
	return int64(math.Round(float64(units) * MicrosecondsPerSecond / float64(timescale)))
}

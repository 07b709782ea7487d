// Package mp4mux implements the ISOBMFF muxer. It accepts encoded
// samples per track, validates timing invariants, interleaves samples
// across tracks and emits MP4 bytes through a byteio.Writer, in
// streaming, in-memory fast-start or fragmented form.
package mp4mux

import (
	"context"
	"fmt"

	"mediamux/pkg/byteio"
	"mediamux/pkg/log"
	"mediamux/pkg/media"
	"mediamux/pkg/syncutil"
)

// Mode selects the output layout.
type Mode int

// Output modes.
const (
	// ModeStreaming writes a large-size mdat first and moov at the
	// end. Sample bytes leave memory as chunks complete.
	ModeStreaming Mode = iota

	// ModeFastStart buffers all sample bytes and writes moov ahead of
	// mdat at Finalize.
	ModeFastStart

	// ModeFragmented writes moov with movie-extends defaults followed
	// by moof/mdat pairs and a trailing mfra.
	ModeFragmented
)

// Default cut points.
const (
	chunkDuration       = 500_000   // µs, non-fragmented chunk cut
	minFragmentDuration = 1_000_000 // µs, fragment cut
)

const movieTimescale = 1000

// DefaultVideoTimescale is used when no frame rate hint is given.
const DefaultVideoTimescale = 57600

const subtitleTimescale = 1000

// Options configures a Muxer.
type Options struct {
	Mode Mode

	// TimestampsStartAtZero rejects a first sample with a positive
	// timestamp on any track.
	TimestampsStartAtZero bool

	// FragmentMinDuration overrides the 1 s fragment cut threshold,
	// in microseconds.
	FragmentMinDuration int64

	Logf log.Func
}

// TrackOptions configures one output track. Exactly one of Video and
// Audio must be set, or neither for a WebVTT subtitle track.
type TrackOptions struct {
	Video *media.VideoConfig
	Audio *media.AudioConfig

	Rotation  media.Rotation
	Language  string
	FrameRate float64

	// OffsetTimestamps records the first sample's timestamp as a
	// per-track offset and subtracts it from all samples.
	OffsetTimestamps bool
}

// Muxer writes one ISOBMFF file.
type Muxer struct {
	opts Options
	out  byteio.Writer
	logf log.Func

	mu        syncutil.Mutex
	tracks    []*Track
	started   bool
	finalized bool

	// Chunks across all tracks in creation order; this is the mdat
	// payload layout.
	chunkOrder []*trackChunk

	// streaming non-fragmented state
	mdatHeaderPos int64
	mdatDataStart int64

	// fragmented state
	fragment    *fragment
	fragmentSeq uint32
	hasAVC      bool
}

// NewMuxer returns a Muxer emitting to out.
func NewMuxer(out byteio.Writer, opts Options) *Muxer {
	logf := opts.Logf
	if logf == nil {
		logf = log.NopFunc
	}
	if opts.FragmentMinDuration == 0 {
		opts.FragmentMinDuration = minFragmentDuration
	}
	return &Muxer{opts: opts, out: out, logf: logf}
}

// AddVideoTrack adds a video track. All tracks must be added before
// Start.
func (m *Muxer) AddVideoTrack(opts TrackOptions) (*Track, error) {
	if opts.Video == nil {
		return nil, fmt.Errorf("%w: missing video config", media.ErrInvalidMetadata)
	}
	c := opts.Video
	if !c.Codec.IsVideo() || c.Width <= 0 || c.Height <= 0 {
		return nil, fmt.Errorf("%w: codec %v %dx%d",
			media.ErrInvalidMetadata, c.Codec, c.Width, c.Height)
	}
	switch c.Codec {
	case media.CodecAVC, media.CodecHEVC, media.CodecAV1:
		if len(c.Description) == 0 {
			return nil, fmt.Errorf("%w: %v requires a decoder description",
				media.ErrInvalidMetadata, c.Codec)
		}
	case media.CodecVP8, media.CodecVP9:
	default:
		return nil, fmt.Errorf("%w: codec %v has no mp4 sample entry",
			media.ErrInvalidMetadata, c.Codec)
	}

	timescale := int64(DefaultVideoTimescale)
	if opts.FrameRate > 0 {
		timescale = frameRateTimescale(opts.FrameRate)
	}
	if c.Codec == media.CodecAVC {
		m.hasAVC = true
	}
	return m.addTrack(media.TrackVideo, c.Codec, timescale, opts)
}

// AddAudioTrack adds an audio track.
func (m *Muxer) AddAudioTrack(opts TrackOptions) (*Track, error) {
	if opts.Audio == nil {
		return nil, fmt.Errorf("%w: missing audio config", media.ErrInvalidMetadata)
	}
	c := opts.Audio
	if c.SampleRate <= 0 || c.ChannelCount <= 0 {
		return nil, fmt.Errorf("%w: sample rate %d, channels %d",
			media.ErrInvalidMetadata, c.SampleRate, c.ChannelCount)
	}
	if c.Codec != media.CodecAAC && c.Codec != media.CodecOpus {
		return nil, fmt.Errorf("%w: codec %v has no mp4 sample entry",
			media.ErrInvalidMetadata, c.Codec)
	}
	return m.addTrack(media.TrackAudio, c.Codec, int64(c.SampleRate), opts)
}

// AddSubtitleTrack adds a WebVTT subtitle track.
func (m *Muxer) AddSubtitleTrack(opts TrackOptions) (*Track, error) {
	return m.addTrack(media.TrackSubtitle, media.CodecWebVTT, subtitleTimescale, opts)
}

func (m *Muxer) addTrack(
	kind media.TrackKind,
	codec media.Codec,
	timescale int64,
	opts TrackOptions,
) (*Track, error) {
	if m.started {
		return nil, fmt.Errorf("add track: %w", media.ErrDoubleStart)
	}
	language := opts.Language
	if language == "" {
		language = "und"
	}
	tr := &Track{
		id:        len(m.tracks) + 1,
		kind:      kind,
		codec:     codec,
		timescale: timescale,
		opts:      opts,
		language:  language,
	}
	m.tracks = append(m.tracks, tr)
	return tr, nil
}

// frameRateTimescale derives a track timescale from a frame rate hint
// so that integral frame durations stay exact.
func frameRateTimescale(frameRate float64) int64 {
	rounded := int64(frameRate + 0.5)
	if rounded <= 0 {
		return DefaultVideoTimescale
	}
	if DefaultVideoTimescale%rounded == 0 {
		return DefaultVideoTimescale
	}
	return rounded * 1000
}

// Start freezes the track list and writes the file type header. In
// fragmented mode the movie box with per-track defaults follows.
func (m *Muxer) Start(ctx context.Context) error {
	unlock, err := m.mu.Lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if m.started {
		return media.ErrDoubleStart
	}
	if m.finalized {
		return media.ErrFinalized
	}
	m.started = true

	if err := m.writeFtyp(); err != nil {
		return fmt.Errorf("write ftyp: %w", err)
	}

	switch m.opts.Mode {
	case ModeStreaming:
		// Reserve a large-size mdat header; the size is patched on
		// Finalize.
		m.mdatHeaderPos = m.out.Pos()
		if err := writeLargeMdatHeader(m.out, 0); err != nil {
			return fmt.Errorf("write mdat header: %w", err)
		}
		m.mdatDataStart = m.out.Pos()

	case ModeFragmented:
		if err := m.writeMovie(true); err != nil {
			return fmt.Errorf("write moov: %w", err)
		}

	case ModeFastStart:
		// Everything is deferred to Finalize.
	}

	return m.out.Flush(ctx)
}

// WriteVideoSample adds one encoded video sample. A non-nil config is
// checked against the track's configuration.
func (m *Muxer) WriteVideoSample(
	ctx context.Context,
	tr *Track,
	sample media.EncodedSample,
	config *media.VideoConfig,
) error {
	unlock, err := m.mu.Lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if err := m.checkWritable(tr, media.TrackVideo); err != nil {
		return err
	}
	if config != nil {
		have := tr.opts.Video
		if config.Width != have.Width || config.Height != have.Height {
			return fmt.Errorf("%w: %dx%d -> %dx%d", media.ErrDimensionChange,
				have.Width, have.Height, config.Width, config.Height)
		}
	}
	return m.addSample(ctx, tr, sample)
}

// WriteAudioSample adds one encoded audio sample. A non-nil config is
// checked against the track's configuration.
func (m *Muxer) WriteAudioSample(
	ctx context.Context,
	tr *Track,
	sample media.EncodedSample,
	config *media.AudioConfig,
) error {
	unlock, err := m.mu.Lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if err := m.checkWritable(tr, media.TrackAudio); err != nil {
		return err
	}
	if config != nil {
		have := tr.opts.Audio
		if config.SampleRate != have.SampleRate ||
			config.ChannelCount != have.ChannelCount {
			return fmt.Errorf("%w: %dHz/%dch -> %dHz/%dch", media.ErrAudioParamsChange,
				have.SampleRate, have.ChannelCount,
				config.SampleRate, config.ChannelCount)
		}
	}
	// Audio samples are always sync samples.
	sample.Key = true
	return m.addSample(ctx, tr, sample)
}

// WriteSubtitleCue adds one WebVTT cue. The cue is split into gap and
// cue samples on the shared timeline.
func (m *Muxer) WriteSubtitleCue(ctx context.Context, tr *Track, cue media.SubtitleCue) error {
	unlock, err := m.mu.Lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if err := m.checkWritable(tr, media.TrackSubtitle); err != nil {
		return err
	}
	return m.addCue(ctx, tr, cue)
}

// CloseTrack marks a track as done. The interleaver stops waiting for
// it.
func (m *Muxer) CloseTrack(ctx context.Context, tr *Track) error {
	unlock, err := m.mu.Lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if tr.closed {
		return nil
	}
	if tr.kind == media.TrackSubtitle {
		if err := m.flushCues(ctx, tr); err != nil {
			return err
		}
	}
	tr.processQueuedTimestamps()
	tr.closed = true
	return m.interleave(ctx, false)
}

// Finalize drains all tracks and writes the movie metadata. No
// samples may be added afterwards.
func (m *Muxer) Finalize(ctx context.Context) error {
	unlock, err := m.mu.Lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if !m.started {
		return media.ErrNotStarted
	}
	if m.finalized {
		return media.ErrFinalized
	}
	m.finalized = true

	for _, tr := range m.tracks {
		if tr.kind == media.TrackSubtitle && !tr.closed {
			if err := m.flushCues(ctx, tr); err != nil {
				return err
			}
		}
		tr.processQueuedTimestamps()
		tr.closed = true
	}
	if err := m.interleave(ctx, true); err != nil {
		return err
	}

	switch m.opts.Mode {
	case ModeStreaming:
		if err := m.finalizeStreaming(ctx); err != nil {
			return err
		}
	case ModeFastStart:
		if err := m.finalizeFastStart(ctx); err != nil {
			return err
		}
	case ModeFragmented:
		if err := m.finalizeFragmented(ctx); err != nil {
			return err
		}
	}

	return m.out.Finalize(ctx)
}

func (m *Muxer) checkWritable(tr *Track, kind media.TrackKind) error {
	if !m.started {
		return media.ErrNotStarted
	}
	if m.finalized {
		return media.ErrFinalized
	}
	if tr.kind != kind {
		return fmt.Errorf("%w: sample kind %v on %v track",
			media.ErrInvalidMetadata, kind, tr.kind)
	}
	return nil
}

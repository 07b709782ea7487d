// Package mkvmux implements the Matroska/WebM muxer: EBML header,
// segment metadata, key-aligned clusters, cue points and the final
// seek-head/duration backpatch.
package mkvmux

import (
	"context"
	"fmt"

	"mediamux/pkg/byteio"
	"mediamux/pkg/ebml"
	"mediamux/pkg/log"
	"mediamux/pkg/media"
	"mediamux/pkg/syncutil"
)

// ErrClusterOverflow is returned when a block's cluster-relative
// timestamp does not fit the signed 16-bit field.
var ErrClusterOverflow = fmt.Errorf("cluster relative timestamp overflow")

// Matroska timestamps tick in milliseconds.
const timestampScale = 1_000_000 // ns per tick

const clusterMinDuration = 1_000_000 // µs between key-aligned cluster cuts

const maxClusterRelative = 32767 // ms, signed 16-bit block field

const writingApp = "mediamux"

// Options configures a Muxer.
type Options struct {
	// WebM restricts codecs to the WebM set and stamps the doctype.
	WebM bool

	// Streamable emits unknown-size segment and cluster elements and
	// never seeks back; SeekHead, Duration and Cues sizes that need
	// backpatching are omitted or written forward-only.
	Streamable bool

	Logf log.Func
}

// TrackOptions configures one output track.
type TrackOptions struct {
	Video *media.VideoConfig
	Audio *media.AudioConfig

	Language  string
	FrameRate float64

	// OffsetTimestamps records the first sample's timestamp as a
	// per-track offset and subtracts it from all samples.
	OffsetTimestamps bool
}

var codecIDs = map[media.Codec]string{
	media.CodecVP8:    "V_VP8",
	media.CodecVP9:    "V_VP9",
	media.CodecAV1:    "V_AV1",
	media.CodecAVC:    "V_MPEG4/ISO/AVC",
	media.CodecHEVC:   "V_MPEGH/ISO/HEVC",
	media.CodecOpus:   "A_OPUS",
	media.CodecVorbis: "A_VORBIS",
	media.CodecAAC:    "A_AAC",
	media.CodecWebVTT: "S_TEXT/WEBVTT",
}

var webmCodecs = map[media.Codec]bool{
	media.CodecVP8:    true,
	media.CodecVP9:    true,
	media.CodecAV1:    true,
	media.CodecOpus:   true,
	media.CodecVorbis: true,
	media.CodecWebVTT: true,
}

// Track is the per-track muxer state.
type Track struct {
	id    int
	kind  media.TrackKind
	codec media.Codec
	opts  TrackOptions

	firstSample     bool
	timestampOffset int64 // µs
	lastKeyPts      int64
	maxPts          int64
	maxEndPts       int64
	lastBlockMs     int64
	closed          bool

	queue []*blockSample
}

// ID returns the 1-based track number.
func (tr *Track) ID() int {
	return tr.id
}

type blockSample struct {
	ptsUs     int64
	durUs     int64
	data      []byte
	key       bool
	additions []byte // BlockAdditional payload, WebVTT sidecar data
}

// Muxer writes one Matroska or WebM file.
type Muxer struct {
	opts Options
	out  byteio.Writer
	w    *ebml.Writer
	logf log.Func

	mu        syncutil.Mutex
	tracks    []*Track
	started   bool
	finalized bool

	segment          ebml.Master
	segmentDataStart int64
	seekHeadPos      int64
	infoPos          int64
	tracksPos        int64
	durationElemPos  int64

	cluster *cluster
	cues    []cuePoint
}

// NewMuxer returns a Muxer emitting to out.
func NewMuxer(out byteio.Writer, opts Options) *Muxer {
	logf := opts.Logf
	if logf == nil {
		logf = log.NopFunc
	}
	return &Muxer{
		opts: opts,
		out:  out,
		w:    ebml.NewWriter(out),
		logf: logf,
	}
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
	return m.addTrack(media.TrackVideo, c.Codec, opts)
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
	return m.addTrack(media.TrackAudio, c.Codec, opts)
}

// AddSubtitleTrack adds a WebVTT subtitle track.
func (m *Muxer) AddSubtitleTrack(opts TrackOptions) (*Track, error) {
	return m.addTrack(media.TrackSubtitle, media.CodecWebVTT, opts)
}

func (m *Muxer) addTrack(kind media.TrackKind, codec media.Codec, opts TrackOptions) (*Track, error) {
	if m.started {
		return nil, fmt.Errorf("add track: %w", media.ErrDoubleStart)
	}
	if _, ok := codecIDs[codec]; !ok {
		return nil, fmt.Errorf("%w: codec %v has no matroska codec id",
			media.ErrInvalidMetadata, codec)
	}
	if m.opts.WebM && !webmCodecs[codec] {
		return nil, fmt.Errorf("%w: codec %v not allowed in webm",
			media.ErrInvalidMetadata, codec)
	}
	tr := &Track{
		id:    len(m.tracks) + 1,
		kind:  kind,
		codec: codec,
		opts:  opts,
	}
	m.tracks = append(m.tracks, tr)
	return tr, nil
}

// Start writes the EBML header, opens the segment and emits the
// segment metadata.
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

	m.writeEBMLHeader()

	if m.opts.Streamable {
		m.segment = m.w.BeginMasterUnknown(ebml.IDSegment, 8)
	} else {
		m.segment = m.w.BeginMaster(ebml.IDSegment, 6)
	}
	m.segmentDataStart = m.segment.DataPos()

	if !m.opts.Streamable {
		m.writeSeekHeadPlaceholder()
	}
	m.writeInfo()
	m.writeTracks()

	if m.w.TryError != nil {
		return fmt.Errorf("write segment metadata: %w", m.w.TryError)
	}
	return m.out.Flush(ctx)
}

func (m *Muxer) writeEBMLHeader() {
	docType := "matroska"
	if m.opts.WebM {
		docType = "webm"
	}
	header := m.w.BeginMaster(ebml.IDEBML, 1)
	m.w.WriteUint(ebml.IDEBMLVersion, 1)
	m.w.WriteUint(ebml.IDEBMLReadVersion, 1)
	m.w.WriteUint(ebml.IDEBMLMaxIDLength, 4)
	m.w.WriteUint(ebml.IDEBMLMaxSizeLength, 8)
	m.w.WriteString(ebml.IDDocType, docType)
	m.w.WriteUint(ebml.IDDocTypeVersion, 2)
	m.w.WriteUint(ebml.IDDocTypeReadVersion, 2)
	m.w.EndMaster(header)
}

// writeSeekHeadPlaceholder reserves a fixed-size seek head whose
// positions are patched on Finalize.
func (m *Muxer) writeSeekHeadPlaceholder() {
	m.seekHeadPos = m.w.Pos()
	m.writeSeekHead(0, 0, 0)
}

// writeSeekHead writes entries pointing at Info, Tracks and Cues,
// relative to the segment data start. Fixed 8-byte positions keep the
// layout stable across the patch.
func (m *Muxer) writeSeekHead(info, tracks, cues int64) {
	seekHead := m.w.BeginMaster(ebml.IDSeekHead, 2)
	entry := func(id uint32, pos int64) {
		seek := m.w.BeginMaster(ebml.IDSeek, 1)
		m.w.WriteBinary(ebml.IDSeekID, ebml.AppendElementID(nil, id))
		m.w.WriteUintWidth(ebml.IDSeekPosition, uint64(pos), 8)
		m.w.EndMaster(seek)
	}
	entry(ebml.IDInfo, info)
	entry(ebml.IDTracks, tracks)
	entry(ebml.IDCues, cues)
	m.w.EndMaster(seekHead)
}

func (m *Muxer) writeInfo() {
	m.infoPos = m.w.Pos()
	info := m.w.BeginMaster(ebml.IDInfo, 2)
	m.w.WriteUint(ebml.IDTimestampScale, timestampScale)
	m.w.WriteString(ebml.IDMuxingApp, writingApp)
	m.w.WriteString(ebml.IDWritingApp, writingApp)
	if !m.opts.Streamable {
		m.durationElemPos = m.w.Pos()
		m.w.WriteFloat64(ebml.IDDuration, 0)
	}
	m.w.EndMaster(info)
}

func (m *Muxer) writeTracks() {
	m.tracksPos = m.w.Pos()
	tracks := m.w.BeginMaster(ebml.IDTracks, 3)
	for _, tr := range m.tracks {
		m.writeTrackEntry(tr)
	}
	m.w.EndMaster(tracks)
}

func (m *Muxer) writeTrackEntry(tr *Track) {
	entry := m.w.BeginMaster(ebml.IDTrackEntry, 2)
	m.w.WriteUint(ebml.IDTrackNumber, uint64(tr.id))
	m.w.WriteUint(ebml.IDTrackUID, uint64(tr.id))
	switch tr.kind {
	case media.TrackVideo:
		m.w.WriteUint(ebml.IDTrackType, ebml.TrackTypeVideo)
	case media.TrackAudio:
		m.w.WriteUint(ebml.IDTrackType, ebml.TrackTypeAudio)
	default:
		m.w.WriteUint(ebml.IDTrackType, ebml.TrackTypeSubtitle)
	}
	m.w.WriteUint(ebml.IDFlagLacing, 0)
	if tr.opts.Language != "" {
		m.w.WriteString(ebml.IDLanguage, tr.opts.Language)
	}
	m.w.WriteString(ebml.IDCodecID, codecIDs[tr.codec])

	switch tr.kind {
	case media.TrackVideo:
		c := tr.opts.Video
		if len(c.Description) > 0 {
			m.w.WriteBinary(ebml.IDCodecPrivate, c.Description)
		}
		if tr.opts.FrameRate > 0 {
			m.w.WriteUint(ebml.IDDefaultDuration,
				uint64(1e9/tr.opts.FrameRate))
		}
		video := m.w.BeginMaster(ebml.IDVideo, 2)
		m.w.WriteUint(ebml.IDPixelWidth, uint64(c.Width))
		m.w.WriteUint(ebml.IDPixelHeight, uint64(c.Height))
		if c.Color.Complete() {
			colour := m.w.BeginMaster(ebml.IDColour, 1)
			m.w.WriteUint(ebml.IDMatrixCoefficients, uint64(c.Color.MatrixCode()))
			m.w.WriteUint(ebml.IDTransferCharacteristics, uint64(c.Color.TransferCode()))
			m.w.WriteUint(ebml.IDPrimaries, uint64(c.Color.PrimariesCode()))
			if c.Color.FullRange {
				m.w.WriteUint(ebml.IDRange, 2)
			} else {
				m.w.WriteUint(ebml.IDRange, 1)
			}
			m.w.EndMaster(colour)
		}
		m.w.EndMaster(video)

	case media.TrackAudio:
		c := tr.opts.Audio
		if len(c.Description) > 0 {
			m.w.WriteBinary(ebml.IDCodecPrivate, c.Description)
		}
		audio := m.w.BeginMaster(ebml.IDAudio, 2)
		m.w.WriteFloat32(ebml.IDSamplingFrequency, float32(c.SampleRate))
		m.w.WriteUint(ebml.IDChannels, uint64(c.ChannelCount))
		m.w.EndMaster(audio)
	}

	m.w.EndMaster(entry)
}

// Finalize drains all tracks, closes the open cluster, writes the cues
// and patches the deferred sizes.
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
		tr.closed = true
	}
	if err := m.interleave(ctx, true); err != nil {
		return err
	}
	m.closeCluster()

	cuesPos := m.w.Pos()
	m.writeCues()

	if !m.opts.Streamable {
		m.w.EndMaster(m.segment)

		// Patch Duration.
		end := m.w.Pos()
		m.w.Seek(m.durationElemPos)
		m.w.WriteFloat64(ebml.IDDuration,
			float64(m.movieDurationUs())/1000)

		// Patch SeekHead positions.
		m.w.Seek(m.seekHeadPos)
		m.writeSeekHead(
			m.infoPos-m.segmentDataStart,
			m.tracksPos-m.segmentDataStart,
			cuesPos-m.segmentDataStart)
		m.w.Seek(end)
	}

	if m.w.TryError != nil {
		return fmt.Errorf("finalize: %w", m.w.TryError)
	}
	return m.out.Finalize(ctx)
}

func (m *Muxer) movieDurationUs() int64 {
	var max int64
	for _, tr := range m.tracks {
		if tr.maxEndPts > max {
			max = tr.maxEndPts
		}
	}
	return max
}

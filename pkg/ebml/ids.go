package ebml

// Matroska/WebM element IDs, kept verbatim with their length prefix.
const (
	IDEBML               = 0x1A45DFA3
	IDEBMLVersion        = 0x4286
	IDEBMLReadVersion    = 0x42F7
	IDEBMLMaxIDLength    = 0x42F2
	IDEBMLMaxSizeLength  = 0x42F3
	IDDocType            = 0x4282
	IDDocTypeVersion     = 0x4287
	IDDocTypeReadVersion = 0x4285

	IDSegment      = 0x18538067
	IDSeekHead     = 0x114D9B74
	IDSeek         = 0x4DBB
	IDSeekID       = 0x53AB
	IDSeekPosition = 0x53AC

	IDInfo           = 0x1549A966
	IDTimestampScale = 0x2AD7B1
	IDMuxingApp      = 0x4D80
	IDWritingApp     = 0x5741
	IDDuration       = 0x4489

	IDTracks          = 0x1654AE6B
	IDTrackEntry      = 0xAE
	IDTrackNumber     = 0xD7
	IDTrackUID        = 0x73C5
	IDTrackType       = 0x83
	IDFlagLacing      = 0x9C
	IDDefaultDuration = 0x23E383
	IDLanguage        = 0x22B59C
	IDCodecID         = 0x86
	IDCodecPrivate    = 0x63A2

	IDVideo       = 0xE0
	IDPixelWidth  = 0xB0
	IDPixelHeight = 0xBA

	IDColour                  = 0x55B0
	IDMatrixCoefficients      = 0x55B1
	IDRange                   = 0x55B9
	IDTransferCharacteristics = 0x55BA
	IDPrimaries               = 0x55BB

	IDAudio             = 0xE1
	IDSamplingFrequency = 0xB5
	IDChannels          = 0x9F

	IDCluster         = 0x1F43B675
	IDTimestamp       = 0xE7
	IDSimpleBlock     = 0xA3
	IDBlockGroup      = 0xA0
	IDBlock           = 0xA1
	IDBlockAdditions  = 0x75A1
	IDBlockMore       = 0xA6
	IDBlockAddID      = 0xEE
	IDBlockAdditional = 0xA5
	IDBlockDuration   = 0x9B
	IDReferenceBlock  = 0xFB

	IDCues               = 0x1C53BB6B
	IDCuePoint           = 0xBB
	IDCueTime            = 0xB3
	IDCueTrackPositions  = 0xB7
	IDCueTrack           = 0xF7
	IDCueClusterPosition = 0xF1
)

// Matroska track types.
const (
	TrackTypeVideo    = 1
	TrackTypeAudio    = 2
	TrackTypeSubtitle = 17
)

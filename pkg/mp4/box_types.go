package mp4

import (
	"mediamux/pkg/mp4/bitio"
)

/************************* FullBox **************************/

// FullBox is ISOBMFF FullBox.
type FullBox struct {
	Version uint8
	Flags   [3]byte
}

// GetFlags returns the flags.
func (b *FullBox) GetFlags() uint32 {
	flag := uint32(b.Flags[0]) << 16
	flag ^= uint32(b.Flags[1]) << 8
	flag ^= uint32(b.Flags[2])
	return flag
}

// CheckFlag checks the flag status.
func (b *FullBox) CheckFlag(flag uint32) bool {
	return b.GetFlags()&flag != 0
}

// FieldSize returns the marshaled size in bytes.
func (b *FullBox) FieldSize() int {
	return 4
}

// MarshalField writes the version and flags.
func (b *FullBox) MarshalField(w *bitio.Writer) error {
	w.TryWriteByte(b.Version)
	w.TryWriteByte(b.Flags[0])
	w.TryWriteByte(b.Flags[1])
	w.TryWriteByte(b.Flags[2])
	return w.TryError
}

// FlagsOf packs a flag word into the 3-byte array.
func FlagsOf(flags uint32) [3]byte {
	return [3]byte{byte(flags >> 16), byte(flags >> 8), byte(flags)}
}

/*************************** raw ****************************/

// RawBox carries an opaque payload, used for codec configuration
// records (avcC, hvcC, av1C, dOps) passed through unparsed.
type RawBox struct {
	Typ  BoxType
	Data []byte
}

// Type returns the BoxType.
func (b *RawBox) Type() BoxType {
	return b.Typ
}

// Size returns the marshaled size in bytes.
func (b *RawBox) Size() int {
	return len(b.Data)
}

// Marshal box to writer.
func (b *RawBox) Marshal(w *bitio.Writer) error {
	w.TryWrite(b.Data)
	return w.TryError
}

/*************************** container ****************************/

// Container is a childless payload-free box of arbitrary type, used
// for pure container boxes without a dedicated struct.
type Container struct {
	Typ BoxType
}

// Type returns the BoxType.
func (b *Container) Type() BoxType {
	return b.Typ
}

// Size returns the marshaled size in bytes.
func (b *Container) Size() int {
	return 0
}

// Marshal is never called.
func (b *Container) Marshal(w *bitio.Writer) error {
	return nil
}

/*************************** text ****************************/

// TextBox carries a UTF-8 string without terminator, used by the
// WebVTT sample-internal boxes (payl, iden, ctim, sttg, vtta).
type TextBox struct {
	Typ  BoxType
	Text string
}

// Type returns the BoxType.
func (b *TextBox) Type() BoxType {
	return b.Typ
}

// Size returns the marshaled size in bytes.
func (b *TextBox) Size() int {
	return len(b.Text)
}

// Marshal box to writer.
func (b *TextBox) Marshal(w *bitio.Writer) error {
	w.TryWrite([]byte(b.Text))
	return w.TryError
}

/*************************** ftyp ****************************/

// Ftyp is ISOBMFF ftyp box type.
type Ftyp struct {
	MajorBrand       [4]byte
	MinorVersion     uint32
	CompatibleBrands []CompatibleBrandElem
}

// CompatibleBrandElem .
type CompatibleBrandElem struct {
	CompatibleBrand [4]byte
}

// Type returns the BoxType.
func (*Ftyp) Type() BoxType {
	return [4]byte{'f', 't', 'y', 'p'}
}

// Size returns the marshaled size in bytes.
func (b *Ftyp) Size() int {
	return 8 + len(b.CompatibleBrands)*4
}

// Marshal box to writer.
func (b *Ftyp) Marshal(w *bitio.Writer) error {
	w.TryWrite(b.MajorBrand[:])
	w.TryWriteUint32(b.MinorVersion)
	for _, brands := range b.CompatibleBrands {
		w.TryWrite(brands.CompatibleBrand[:])
	}
	return w.TryError
}

/*************************** free ****************************/

// Free is ISOBMFF free box type.
type Free struct {
	Padding int
}

// Type returns the BoxType.
func (*Free) Type() BoxType {
	return [4]byte{'f', 'r', 'e', 'e'}
}

// Size returns the marshaled size in bytes.
func (b *Free) Size() int {
	return b.Padding
}

// Marshal box to writer.
func (b *Free) Marshal(w *bitio.Writer) error {
	w.TryWrite(make([]byte, b.Padding))
	return w.TryError
}

/*************************** mdat ****************************/

// Mdat is ISOBMFF mdat box type.
type Mdat struct {
	Data []byte
}

// Type returns the BoxType.
func (*Mdat) Type() BoxType {
	return [4]byte{'m', 'd', 'a', 't'}
}

// Size returns the marshaled size in bytes.
func (b *Mdat) Size() int {
	return len(b.Data)
}

// Marshal box to writer.
func (b *Mdat) Marshal(w *bitio.Writer) error {
	w.TryWrite(b.Data)
	return w.TryError
}

/*************************** moov ****************************/

// Moov is ISOBMFF moov box type.
type Moov struct{}

// Type returns the BoxType.
func (*Moov) Type() BoxType {
	return [4]byte{'m', 'o', 'o', 'v'}
}

// Size returns the marshaled size in bytes.
func (b *Moov) Size() int {
	return 0
}

// Marshal is never called.
func (b *Moov) Marshal(w *bitio.Writer) error {
	return nil
}

/*************************** mvhd ****************************/

// Mvhd is ISOBMFF mvhd box type.
type Mvhd struct {
	FullBox
	CreationTimeV0     uint32
	ModificationTimeV0 uint32
	CreationTimeV1     uint64
	ModificationTimeV1 uint64
	Timescale          uint32
	DurationV0         uint32
	DurationV1         uint64
	Rate               int32 // fixed-point 16.16 - template=0x00010000
	Volume             int16 // template=0x0100
	Reserved           int16
	Reserved2          [2]uint32
	Matrix             [9]int32
	PreDefined         [6]int32
	NextTrackID        uint32
}

// Type returns the BoxType.
func (*Mvhd) Type() BoxType {
	return [4]byte{'m', 'v', 'h', 'd'}
}

// Size returns the marshaled size in bytes.
func (b *Mvhd) Size() int {
	if b.FullBox.Version == 0 {
		return 100
	}
	return 112
}

// Marshal box to writer.
func (b *Mvhd) Marshal(w *bitio.Writer) error {
	b.FullBox.MarshalField(w)
	if b.FullBox.Version == 0 {
		w.TryWriteUint32(b.CreationTimeV0)
		w.TryWriteUint32(b.ModificationTimeV0)
	} else {
		w.TryWriteUint64(b.CreationTimeV1)
		w.TryWriteUint64(b.ModificationTimeV1)
	}
	w.TryWriteUint32(b.Timescale)
	if b.FullBox.Version == 0 {
		w.TryWriteUint32(b.DurationV0)
	} else {
		w.TryWriteUint64(b.DurationV1)
	}
	w.TryWriteUint32(uint32(b.Rate))
	w.TryWriteUint16(uint16(b.Volume))
	w.TryWriteUint16(uint16(b.Reserved))
	for _, reserved := range b.Reserved2 {
		w.TryWriteUint32(reserved)
	}
	for _, matrix := range b.Matrix {
		w.TryWriteUint32(uint32(matrix))
	}
	for _, preDefined := range b.PreDefined {
		w.TryWriteUint32(uint32(preDefined))
	}
	w.TryWriteUint32(b.NextTrackID)
	return w.TryError
}

/*************************** trak ****************************/

// Trak is ISOBMFF trak box type.
type Trak struct{}

// Type returns the BoxType.
func (*Trak) Type() BoxType {
	return [4]byte{'t', 'r', 'a', 'k'}
}

// Size returns the marshaled size in bytes.
func (b *Trak) Size() int {
	return 0
}

// Marshal is never called.
func (b *Trak) Marshal(w *bitio.Writer) error {
	return nil
}

/*************************** tkhd ****************************/

// Tkhd is ISOBMFF tkhd box type.
type Tkhd struct {
	FullBox
	CreationTimeV0     uint32
	ModificationTimeV0 uint32
	CreationTimeV1     uint64
	ModificationTimeV1 uint64
	TrackID            uint32
	Reserved0          uint32
	DurationV0         uint32
	DurationV1         uint64

	Reserved1      [2]uint32
	Layer          int16 // template=0
	AlternateGroup int16 // template=0
	Volume         int16 // template={if track_is_audio 0x0100 else 0}
	Reserved2      uint16
	Matrix         [9]int32
	Width          uint32 // fixed-point 16.16
	Height         uint32 // fixed-point 16.16
}

// Type returns the BoxType.
func (*Tkhd) Type() BoxType {
	return [4]byte{'t', 'k', 'h', 'd'}
}

// Size returns the marshaled size in bytes.
func (b *Tkhd) Size() int {
	if b.FullBox.Version == 0 {
		return 84
	}
	return 96
}

// Marshal box to writer.
func (b *Tkhd) Marshal(w *bitio.Writer) error {
	b.FullBox.MarshalField(w)
	if b.FullBox.Version == 0 {
		w.TryWriteUint32(b.CreationTimeV0)
		w.TryWriteUint32(b.ModificationTimeV0)
	} else {
		w.TryWriteUint64(b.CreationTimeV1)
		w.TryWriteUint64(b.ModificationTimeV1)
	}
	w.TryWriteUint32(b.TrackID)
	w.TryWriteUint32(b.Reserved0)
	if b.FullBox.Version == 0 {
		w.TryWriteUint32(b.DurationV0)
	} else {
		w.TryWriteUint64(b.DurationV1)
	}
	for _, reserved := range b.Reserved1 {
		w.TryWriteUint32(reserved)
	}
	w.TryWriteUint16(uint16(b.Layer))
	w.TryWriteUint16(uint16(b.AlternateGroup))
	w.TryWriteUint16(uint16(b.Volume))
	w.TryWriteUint16(b.Reserved2)
	for _, matrix := range b.Matrix {
		w.TryWriteUint32(uint32(matrix))
	}
	w.TryWriteUint32(b.Width)
	w.TryWriteUint32(b.Height)
	return w.TryError
}

/*************************** mdia ****************************/

// Mdia is ISOBMFF mdia box type.
type Mdia struct{}

// Type returns the BoxType.
func (*Mdia) Type() BoxType {
	return [4]byte{'m', 'd', 'i', 'a'}
}

// Size returns the marshaled size in bytes.
func (b *Mdia) Size() int {
	return 0
}

// Marshal is never called.
func (b *Mdia) Marshal(w *bitio.Writer) error {
	return nil
}

/*************************** mdhd ****************************/

// Mdhd is ISOBMFF mdhd box type.
type Mdhd struct {
	FullBox
	CreationTimeV0     uint32
	ModificationTimeV0 uint32
	CreationTimeV1     uint64
	ModificationTimeV1 uint64
	Timescale          uint32
	DurationV0         uint32
	DurationV1         uint64

	Language   uint16 // 5 bits × 3, ISO-639-2/T language code
	PreDefined uint16
}

// Type returns the BoxType.
func (*Mdhd) Type() BoxType {
	return [4]byte{'m', 'd', 'h', 'd'}
}

// Size returns the marshaled size in bytes.
func (b *Mdhd) Size() int {
	if b.FullBox.Version == 0 {
		return 24
	}
	return 36
}

// Marshal box to writer.
func (b *Mdhd) Marshal(w *bitio.Writer) error {
	b.FullBox.MarshalField(w)
	if b.FullBox.Version == 0 {
		w.TryWriteUint32(b.CreationTimeV0)
		w.TryWriteUint32(b.ModificationTimeV0)
	} else {
		w.TryWriteUint64(b.CreationTimeV1)
		w.TryWriteUint64(b.ModificationTimeV1)
	}
	w.TryWriteUint32(b.Timescale)
	if b.FullBox.Version == 0 {
		w.TryWriteUint32(b.DurationV0)
	} else {
		w.TryWriteUint64(b.DurationV1)
	}
	w.TryWriteUint16(b.Language)
	w.TryWriteUint16(b.PreDefined)
	return w.TryError
}

/*************************** hdlr ****************************/

// Hdlr is ISOBMFF hdlr box type.
type Hdlr struct {
	FullBox
	PreDefined  uint32
	HandlerType [4]byte
	Reserved    [3]uint32
	Name        string
}

// Type returns the BoxType.
func (*Hdlr) Type() BoxType {
	return [4]byte{'h', 'd', 'l', 'r'}
}

// Size returns the marshaled size in bytes.
func (b *Hdlr) Size() int {
	return 25 + len(b.Name)
}

// Marshal box to writer.
func (b *Hdlr) Marshal(w *bitio.Writer) error {
	b.FullBox.MarshalField(w)
	w.TryWriteUint32(b.PreDefined)
	w.TryWrite(b.HandlerType[:])
	for _, reserved := range b.Reserved {
		w.TryWriteUint32(reserved)
	}
	w.TryWriteString(b.Name)
	return w.TryError
}

/*************************** minf ****************************/

// Minf is ISOBMFF minf box type.
type Minf struct{}

// Type returns the BoxType.
func (*Minf) Type() BoxType {
	return [4]byte{'m', 'i', 'n', 'f'}
}

// Size returns the marshaled size in bytes.
func (b *Minf) Size() int {
	return 0
}

// Marshal is never called.
func (b *Minf) Marshal(w *bitio.Writer) error {
	return nil
}

/*************************** vmhd ****************************/

// Vmhd is ISOBMFF vmhd box type.
type Vmhd struct {
	FullBox
	Graphicsmode uint16    // template=0
	Opcolor      [3]uint16 // template={0, 0, 0}
}

// Type returns the BoxType.
func (*Vmhd) Type() BoxType {
	return [4]byte{'v', 'm', 'h', 'd'}
}

// Size returns the marshaled size in bytes.
func (b *Vmhd) Size() int {
	return 12
}

// Marshal box to writer.
func (b *Vmhd) Marshal(w *bitio.Writer) error {
	b.FullBox.MarshalField(w)
	w.TryWriteUint16(b.Graphicsmode)
	for _, color := range b.Opcolor {
		w.TryWriteUint16(color)
	}
	return w.TryError
}

/*************************** smhd ****************************/

// Smhd is ISOBMFF smhd box type.
type Smhd struct {
	FullBox
	Balance  int16 // fixed-point 8.8 template=0
	Reserved uint16
}

// Type returns the BoxType.
func (*Smhd) Type() BoxType {
	return [4]byte{'s', 'm', 'h', 'd'}
}

// Size returns the marshaled size in bytes.
func (b *Smhd) Size() int {
	return 8
}

// Marshal box to writer.
func (b *Smhd) Marshal(w *bitio.Writer) error {
	b.FullBox.MarshalField(w)
	w.TryWriteUint16(uint16(b.Balance))
	w.TryWriteUint16(b.Reserved)
	return w.TryError
}

/*************************** nmhd ****************************/

// Nmhd is ISOBMFF nmhd box type, the null media header used by
// subtitle tracks.
type Nmhd struct {
	FullBox
}

// Type returns the BoxType.
func (*Nmhd) Type() BoxType {
	return [4]byte{'n', 'm', 'h', 'd'}
}

// Size returns the marshaled size in bytes.
func (b *Nmhd) Size() int {
	return 4
}

// Marshal box to writer.
func (b *Nmhd) Marshal(w *bitio.Writer) error {
	return b.FullBox.MarshalField(w)
}

/*************************** dinf ****************************/

// Dinf is ISOBMFF dinf box type.
type Dinf struct{}

// Type returns the BoxType.
func (*Dinf) Type() BoxType {
	return [4]byte{'d', 'i', 'n', 'f'}
}

// Size returns the marshaled size in bytes.
func (b *Dinf) Size() int {
	return 0
}

// Marshal is never called.
func (b *Dinf) Marshal(w *bitio.Writer) error {
	return nil
}

/*************************** dref ****************************/

// Dref is ISOBMFF dref box type.
type Dref struct {
	FullBox
	EntryCount uint32
}

// Type returns the BoxType.
func (*Dref) Type() BoxType {
	return [4]byte{'d', 'r', 'e', 'f'}
}

// Size returns the marshaled size in bytes.
func (b *Dref) Size() int {
	return 8
}

// Marshal box to writer.
func (b *Dref) Marshal(w *bitio.Writer) error {
	b.FullBox.MarshalField(w)
	w.TryWriteUint32(b.EntryCount)
	return w.TryError
}

/*************************** url ****************************/

// URL is ISOBMFF url box type.
type URL struct {
	FullBox
	Location string
}

// URLNopt means the data is in the same file.
const URLNopt = 0x000001

// Type returns the BoxType.
func (*URL) Type() BoxType {
	return [4]byte{'u', 'r', 'l', ' '}
}

// Size returns the marshaled size in bytes.
func (b *URL) Size() int {
	if !b.FullBox.CheckFlag(URLNopt) {
		return len(b.Location) + 5
	}
	return 4
}

// Marshal box to writer.
func (b *URL) Marshal(w *bitio.Writer) error {
	b.FullBox.MarshalField(w)
	if !b.FullBox.CheckFlag(URLNopt) {
		w.TryWriteString(b.Location)
	}
	return w.TryError
}

/*************************** stbl ****************************/

// Stbl is ISOBMFF stbl box type.
type Stbl struct{}

// Type returns the BoxType.
func (*Stbl) Type() BoxType {
	return [4]byte{'s', 't', 'b', 'l'}
}

// Size returns the marshaled size in bytes.
func (b *Stbl) Size() int {
	return 0
}

// Marshal is never called.
func (b *Stbl) Marshal(w *bitio.Writer) error {
	return nil
}

/*************************** stsd ****************************/

// Stsd is ISOBMFF stsd box type.
type Stsd struct {
	FullBox
	EntryCount uint32
}

// Type returns the BoxType.
func (*Stsd) Type() BoxType {
	return [4]byte{'s', 't', 's', 'd'}
}

// Size returns the marshaled size in bytes.
func (b *Stsd) Size() int {
	return 8
}

// Marshal box to writer.
func (b *Stsd) Marshal(w *bitio.Writer) error {
	b.FullBox.MarshalField(w)
	w.TryWriteUint32(b.EntryCount)
	return w.TryError
}

/*********************** SampleEntry *************************/

// SampleEntry .
type SampleEntry struct {
	Reserved           [6]uint8
	DataReferenceIndex uint16
}

// MarshalField writes the entry fields.
func (b *SampleEntry) MarshalField(w *bitio.Writer) error {
	for _, reserved := range b.Reserved {
		w.TryWriteByte(reserved)
	}
	w.TryWriteUint16(b.DataReferenceIndex)
	return w.TryError
}

/*********************** visual sample entry *************************/

// VisualSampleEntry is the shared layout of the coded-video sample
// entries (avc1, hvc1, hev1, vp09, av01).
type VisualSampleEntry struct {
	SampleEntry
	Typ             BoxType
	PreDefined      uint16
	Reserved        uint16
	PreDefined2     [3]uint32
	Width           uint16
	Height          uint16
	Horizresolution uint32
	Vertresolution  uint32
	Reserved2       uint32
	FrameCount      uint16
	Compressorname  [32]byte
	Depth           uint16
	PreDefined3     int16
}

// Type returns the BoxType.
func (b *VisualSampleEntry) Type() BoxType {
	return b.Typ
}

// Size returns the marshaled size in bytes.
func (b *VisualSampleEntry) Size() int {
	return 78
}

// Marshal box to writer.
func (b *VisualSampleEntry) Marshal(w *bitio.Writer) error {
	b.SampleEntry.MarshalField(w)
	w.TryWriteUint16(b.PreDefined)
	w.TryWriteUint16(b.Reserved)
	for _, preDefined := range b.PreDefined2 {
		w.TryWriteUint32(preDefined)
	}
	w.TryWriteUint16(b.Width)
	w.TryWriteUint16(b.Height)
	w.TryWriteUint32(b.Horizresolution)
	w.TryWriteUint32(b.Vertresolution)
	w.TryWriteUint32(b.Reserved2)
	w.TryWriteUint16(b.FrameCount)
	w.TryWrite(b.Compressorname[:])
	w.TryWriteUint16(b.Depth)
	w.TryWriteUint16(uint16(b.PreDefined3))
	return w.TryError
}

/*********************** audio sample entry *************************/

// AudioSampleEntry is the shared layout of the coded-audio sample
// entries (mp4a, Opus).
type AudioSampleEntry struct {
	SampleEntry
	Typ          BoxType
	EntryVersion uint16
	Reserved     [3]uint16
	ChannelCount uint16
	SampleSize   uint16
	PreDefined   uint16
	Reserved2    uint16
	SampleRate   uint32 // fixed-point 16.16
}

// Type returns the BoxType.
func (b *AudioSampleEntry) Type() BoxType {
	return b.Typ
}

// Size returns the marshaled size in bytes.
func (b *AudioSampleEntry) Size() int {
	return 28
}

// Marshal box to writer.
func (b *AudioSampleEntry) Marshal(w *bitio.Writer) error {
	b.SampleEntry.MarshalField(w)
	w.TryWriteUint16(b.EntryVersion)
	for _, reserved := range b.Reserved {
		w.TryWriteUint16(reserved)
	}
	w.TryWriteUint16(b.ChannelCount)
	w.TryWriteUint16(b.SampleSize)
	w.TryWriteUint16(b.PreDefined)
	w.TryWriteUint16(b.Reserved2)
	w.TryWriteUint32(b.SampleRate)
	return w.TryError
}

/*********************** wvtt sample entry *************************/

// WvttSampleEntry is the WebVTT text sample entry.
type WvttSampleEntry struct {
	SampleEntry
}

// Type returns the BoxType.
func (*WvttSampleEntry) Type() BoxType {
	return [4]byte{'w', 'v', 't', 't'}
}

// Size returns the marshaled size in bytes.
func (b *WvttSampleEntry) Size() int {
	return 8
}

// Marshal box to writer.
func (b *WvttSampleEntry) Marshal(w *bitio.Writer) error {
	return b.SampleEntry.MarshalField(w)
}

/*************************** esds ****************************/

// MPEG-4 descriptor tags.
// https://developer.apple.com/library/content/documentation/QuickTime/QTFF/QTFFChap3/qtff3.html
const (
	ESDescrTag            = 0x03
	DecoderConfigDescrTag = 0x04
	DecSpecificInfoTag    = 0x05
	SLConfigDescrTag      = 0x06
)

// Esds is the MPEG-4 elementary stream descriptor box. ISO/IEC 14496-1.
type Esds struct {
	FullBox
	ESID   uint8
	Config []byte // DecoderSpecificInfo, e.g. AudioSpecificConfig
}

// Type returns the BoxType.
func (*Esds) Type() BoxType {
	return [4]byte{'e', 's', 'd', 's'}
}

// Size returns the marshaled size in bytes.
func (b *Esds) Size() int {
	return 41 + len(b.Config)
}

// Marshal box to writer.
func (b *Esds) Marshal(w *bitio.Writer) error {
	err := b.FullBox.MarshalField(w)
	if err != nil {
		return err
	}

	decSpecificInfoTagSize := uint8(len(b.Config))

	w.TryWrite([]byte{
		ESDescrTag,
		0x80, 0x80, 0x80,
		32 + decSpecificInfoTagSize, // Size.
		0, b.ESID, // ES_ID.
		0, // Flags.
	})

	w.TryWrite([]byte{
		DecoderConfigDescrTag,
		0x80, 0x80, 0x80,
		18 + decSpecificInfoTagSize, // Size

		0x40,    // Object type indicator (MPEG-4 Audio)
		0x15,    // StreamType and upStream.
		0, 0, 0, // BufferSizeDB.
		0, 1, 0xf7, 0x39, // MaxBitrate.
		0, 1, 0xf7, 0x39, // AverageBitrate.
	})

	w.TryWrite([]byte{
		DecSpecificInfoTag,
		0x80, 0x80, 0x80,
		decSpecificInfoTagSize, // Size.
	})
	w.TryWrite(b.Config)

	w.TryWrite([]byte{
		SLConfigDescrTag,
		0x80, 0x80, 0x80,
		1, // Size.
		2, // Flags.
	})

	return w.TryError
}

/*************************** colr ****************************/

// Colr is ISOBMFF colr box type with an nclx colour description.
type Colr struct {
	Primaries uint16
	Transfer  uint16
	Matrix    uint16
	FullRange bool
}

// Type returns the BoxType.
func (*Colr) Type() BoxType {
	return [4]byte{'c', 'o', 'l', 'r'}
}

// Size returns the marshaled size in bytes.
func (b *Colr) Size() int {
	return 11
}

// Marshal box to writer.
func (b *Colr) Marshal(w *bitio.Writer) error {
	w.TryWrite([]byte{'n', 'c', 'l', 'x'})
	w.TryWriteUint16(b.Primaries)
	w.TryWriteUint16(b.Transfer)
	w.TryWriteUint16(b.Matrix)
	if b.FullRange {
		w.TryWriteByte(0x80)
	} else {
		w.TryWriteByte(0)
	}
	return w.TryError
}

/*************************** vpcC ****************************/

// VpcC is the VP9 codec configuration box.
type VpcC struct {
	FullBox
	Profile           uint8
	Level             uint8
	BitDepth          uint8 // 4 bits
	ChromaSubsampling uint8 // 3 bits
	VideoFullRange    bool
	Primaries         uint8
	Transfer          uint8
	Matrix            uint8
}

// Type returns the BoxType.
func (*VpcC) Type() BoxType {
	return [4]byte{'v', 'p', 'c', 'C'}
}

// Size returns the marshaled size in bytes.
func (b *VpcC) Size() int {
	return 12
}

// Marshal box to writer.
func (b *VpcC) Marshal(w *bitio.Writer) error {
	b.FullBox.MarshalField(w)
	w.TryWriteByte(b.Profile)
	w.TryWriteByte(b.Level)
	packed := b.BitDepth<<4 | b.ChromaSubsampling<<1
	if b.VideoFullRange {
		packed |= 1
	}
	w.TryWriteByte(packed)
	w.TryWriteByte(b.Primaries)
	w.TryWriteByte(b.Transfer)
	w.TryWriteByte(b.Matrix)
	w.TryWriteUint16(0) // codecInitializationDataSize
	return w.TryError
}

/*************************** stts ****************************/

// Stts is ISOBMFF stts box type.
type Stts struct {
	FullBox
	Entries []SttsEntry
}

// SttsEntry .
type SttsEntry struct {
	SampleCount uint32
	SampleDelta uint32
}

// Type returns the BoxType.
func (*Stts) Type() BoxType {
	return [4]byte{'s', 't', 't', 's'}
}

// Size returns the marshaled size in bytes.
func (b *Stts) Size() int {
	return 8 + len(b.Entries)*8
}

// Marshal box to writer.
func (b *Stts) Marshal(w *bitio.Writer) error {
	b.FullBox.MarshalField(w)
	w.TryWriteUint32(uint32(len(b.Entries)))
	for _, entry := range b.Entries {
		w.TryWriteUint32(entry.SampleCount)
		w.TryWriteUint32(entry.SampleDelta)
	}
	return w.TryError
}

/*************************** stss ****************************/

// Stss is ISOBMFF stss box type.
type Stss struct {
	FullBox
	SampleNumbers []uint32
}

// Type returns the BoxType.
func (*Stss) Type() BoxType {
	return [4]byte{'s', 't', 's', 's'}
}

// Size returns the marshaled size in bytes.
func (b *Stss) Size() int {
	return 8 + len(b.SampleNumbers)*4
}

// Marshal box to writer.
func (b *Stss) Marshal(w *bitio.Writer) error {
	b.FullBox.MarshalField(w)
	w.TryWriteUint32(uint32(len(b.SampleNumbers)))
	for _, number := range b.SampleNumbers {
		w.TryWriteUint32(number)
	}
	return w.TryError
}

/*************************** ctts ****************************/

// Ctts is ISOBMFF ctts box type.
type Ctts struct {
	FullBox
	Entries []CttsEntry
}

// CttsEntry .
type CttsEntry struct {
	SampleCount    uint32
	SampleOffsetV0 uint32
	SampleOffsetV1 int32
}

// Type returns the BoxType.
func (*Ctts) Type() BoxType {
	return [4]byte{'c', 't', 't', 's'}
}

// Size returns the marshaled size in bytes.
func (b *Ctts) Size() int {
	return 8 + len(b.Entries)*8
}

// Marshal box to writer.
func (b *Ctts) Marshal(w *bitio.Writer) error {
	b.FullBox.MarshalField(w)
	w.TryWriteUint32(uint32(len(b.Entries)))
	for _, entry := range b.Entries {
		w.TryWriteUint32(entry.SampleCount)
		if b.FullBox.Version == 0 {
			w.TryWriteUint32(entry.SampleOffsetV0)
		} else {
			w.TryWriteUint32(uint32(entry.SampleOffsetV1))
		}
	}
	return w.TryError
}

/*************************** stsc ****************************/

// StscEntry .
type StscEntry struct {
	FirstChunk             uint32
	SamplesPerChunk        uint32
	SampleDescriptionIndex uint32
}

// Stsc is ISOBMFF stsc box type.
type Stsc struct {
	FullBox
	Entries []StscEntry
}

// Type returns the BoxType.
func (*Stsc) Type() BoxType {
	return [4]byte{'s', 't', 's', 'c'}
}

// Size returns the marshaled size in bytes.
func (b *Stsc) Size() int {
	return 8 + len(b.Entries)*12
}

// Marshal box to writer.
func (b *Stsc) Marshal(w *bitio.Writer) error {
	b.FullBox.MarshalField(w)
	w.TryWriteUint32(uint32(len(b.Entries)))
	for _, entry := range b.Entries {
		w.TryWriteUint32(entry.FirstChunk)
		w.TryWriteUint32(entry.SamplesPerChunk)
		w.TryWriteUint32(entry.SampleDescriptionIndex)
	}
	return w.TryError
}

/*************************** stsz ****************************/

// Stsz is ISOBMFF stsz box type.
type Stsz struct {
	FullBox
	SampleSize  uint32
	SampleCount uint32
	EntrySizes  []uint32
}

// Type returns the BoxType.
func (*Stsz) Type() BoxType {
	return [4]byte{'s', 't', 's', 'z'}
}

// Size returns the marshaled size in bytes.
func (b *Stsz) Size() int {
	return 12 + len(b.EntrySizes)*4
}

// Marshal box to writer.
func (b *Stsz) Marshal(w *bitio.Writer) error {
	b.FullBox.MarshalField(w)
	w.TryWriteUint32(b.SampleSize)
	w.TryWriteUint32(b.SampleCount)
	for _, entry := range b.EntrySizes {
		w.TryWriteUint32(entry)
	}
	return w.TryError
}

/*************************** stco ****************************/

// Stco is ISOBMFF stco box type.
type Stco struct {
	FullBox
	ChunkOffsets []uint32
}

// Type returns the BoxType.
func (*Stco) Type() BoxType {
	return [4]byte{'s', 't', 'c', 'o'}
}

// Size returns the marshaled size in bytes.
func (b *Stco) Size() int {
	return 8 + len(b.ChunkOffsets)*4
}

// Marshal box to writer.
func (b *Stco) Marshal(w *bitio.Writer) error {
	b.FullBox.MarshalField(w)
	w.TryWriteUint32(uint32(len(b.ChunkOffsets)))
	for _, offset := range b.ChunkOffsets {
		w.TryWriteUint32(offset)
	}
	return w.TryError
}

/*************************** co64 ****************************/

// Co64 is ISOBMFF co64 box type, the 64-bit chunk offset table.
type Co64 struct {
	FullBox
	ChunkOffsets []uint64
}

// Type returns the BoxType.
func (*Co64) Type() BoxType {
	return [4]byte{'c', 'o', '6', '4'}
}

// Size returns the marshaled size in bytes.
func (b *Co64) Size() int {
	return 8 + len(b.ChunkOffsets)*8
}

// Marshal box to writer.
func (b *Co64) Marshal(w *bitio.Writer) error {
	b.FullBox.MarshalField(w)
	w.TryWriteUint32(uint32(len(b.ChunkOffsets)))
	for _, offset := range b.ChunkOffsets {
		w.TryWriteUint64(offset)
	}
	return w.TryError
}

/*************************** mvex ****************************/

// Mvex is ISOBMFF mvex box type.
type Mvex struct{}

// Type returns the BoxType.
func (*Mvex) Type() BoxType {
	return [4]byte{'m', 'v', 'e', 'x'}
}

// Size returns the marshaled size in bytes.
func (b *Mvex) Size() int {
	return 0
}

// Marshal is never called.
func (b *Mvex) Marshal(w *bitio.Writer) error {
	return nil
}

/*************************** trex ****************************/

// Trex is ISOBMFF trex box type.
type Trex struct {
	FullBox
	TrackID                       uint32
	DefaultSampleDescriptionIndex uint32
	DefaultSampleDuration         uint32
	DefaultSampleSize             uint32
	DefaultSampleFlags            uint32
}

// Type returns the BoxType.
func (*Trex) Type() BoxType {
	return [4]byte{'t', 'r', 'e', 'x'}
}

// Size returns the marshaled size in bytes.
func (b *Trex) Size() int {
	return 24
}

// Marshal box to writer.
func (b *Trex) Marshal(w *bitio.Writer) error {
	b.FullBox.MarshalField(w)
	w.TryWriteUint32(b.TrackID)
	w.TryWriteUint32(b.DefaultSampleDescriptionIndex)
	w.TryWriteUint32(b.DefaultSampleDuration)
	w.TryWriteUint32(b.DefaultSampleSize)
	w.TryWriteUint32(b.DefaultSampleFlags)
	return w.TryError
}

/*************************** moof ****************************/

// Moof is ISOBMFF moof box type.
type Moof struct{}

// Type returns the BoxType.
func (*Moof) Type() BoxType {
	return [4]byte{'m', 'o', 'o', 'f'}
}

// Size returns the marshaled size in bytes.
func (b *Moof) Size() int {
	return 0
}

// Marshal is never called.
func (b *Moof) Marshal(w *bitio.Writer) error {
	return nil
}

/*************************** mfhd ****************************/

// Mfhd is ISOBMFF mfhd box type.
type Mfhd struct {
	FullBox
	SequenceNumber uint32
}

// Type returns the BoxType.
func (*Mfhd) Type() BoxType {
	return [4]byte{'m', 'f', 'h', 'd'}
}

// Size returns the marshaled size in bytes.
func (b *Mfhd) Size() int {
	return 8
}

// Marshal box to writer.
func (b *Mfhd) Marshal(w *bitio.Writer) error {
	b.FullBox.MarshalField(w)
	w.TryWriteUint32(b.SequenceNumber)
	return w.TryError
}

/*************************** traf ****************************/

// Traf is ISOBMFF traf box type.
type Traf struct{}

// Type returns the BoxType.
func (*Traf) Type() BoxType {
	return [4]byte{'t', 'r', 'a', 'f'}
}

// Size returns the marshaled size in bytes.
func (b *Traf) Size() int {
	return 0
}

// Marshal is never called.
func (b *Traf) Marshal(w *bitio.Writer) error {
	return nil
}

/*************************** tfhd ****************************/

// Tfhd is ISOBMFF tfhd box type.
type Tfhd struct {
	FullBox
	TrackID uint32

	// optional
	BaseDataOffset         uint64
	SampleDescriptionIndex uint32
	DefaultSampleDuration  uint32
	DefaultSampleSize      uint32
	DefaultSampleFlags     uint32
}

// tfhd flags.
const (
	TfhdBaseDataOffsetPresent         = 0x000001
	TfhdSampleDescriptionIndexPresent = 0x000002
	TfhdDefaultSampleDurationPresent  = 0x000008
	TfhdDefaultSampleSizePresent      = 0x000010
	TfhdDefaultSampleFlagsPresent     = 0x000020
	TfhdDurationIsEmpty               = 0x010000
	TfhdDefaultBaseIsMoof             = 0x020000
)

// Type returns the BoxType.
func (*Tfhd) Type() BoxType {
	return [4]byte{'t', 'f', 'h', 'd'}
}

// Size returns the marshaled size in bytes.
func (b *Tfhd) Size() int {
	total := b.FullBox.FieldSize() + 4
	if b.FullBox.CheckFlag(TfhdBaseDataOffsetPresent) {
		total += 8
	}
	if b.FullBox.CheckFlag(TfhdSampleDescriptionIndexPresent) {
		total += 4
	}
	if b.FullBox.CheckFlag(TfhdDefaultSampleDurationPresent) {
		total += 4
	}
	if b.FullBox.CheckFlag(TfhdDefaultSampleSizePresent) {
		total += 4
	}
	if b.FullBox.CheckFlag(TfhdDefaultSampleFlagsPresent) {
		total += 4
	}
	return total
}

// Marshal box to writer.
func (b *Tfhd) Marshal(w *bitio.Writer) error {
	b.FullBox.MarshalField(w)
	w.TryWriteUint32(b.TrackID)
	if b.FullBox.CheckFlag(TfhdBaseDataOffsetPresent) {
		w.TryWriteUint64(b.BaseDataOffset)
	}
	if b.FullBox.CheckFlag(TfhdSampleDescriptionIndexPresent) {
		w.TryWriteUint32(b.SampleDescriptionIndex)
	}
	if b.FullBox.CheckFlag(TfhdDefaultSampleDurationPresent) {
		w.TryWriteUint32(b.DefaultSampleDuration)
	}
	if b.FullBox.CheckFlag(TfhdDefaultSampleSizePresent) {
		w.TryWriteUint32(b.DefaultSampleSize)
	}
	if b.FullBox.CheckFlag(TfhdDefaultSampleFlagsPresent) {
		w.TryWriteUint32(b.DefaultSampleFlags)
	}
	return w.TryError
}

/*************************** tfdt ****************************/

// Tfdt is ISOBMFF tfdt box type.
type Tfdt struct {
	FullBox
	BaseMediaDecodeTimeV0 uint32
	BaseMediaDecodeTimeV1 uint64
}

// Type returns the BoxType.
func (*Tfdt) Type() BoxType {
	return [4]byte{'t', 'f', 'd', 't'}
}

// Size returns the marshaled size in bytes.
func (b *Tfdt) Size() int {
	if b.FullBox.Version == 0 {
		return 8
	}
	return 12
}

// Marshal box to writer.
func (b *Tfdt) Marshal(w *bitio.Writer) error {
	b.FullBox.MarshalField(w)
	if b.FullBox.Version == 0 {
		w.TryWriteUint32(b.BaseMediaDecodeTimeV0)
	} else {
		w.TryWriteUint64(b.BaseMediaDecodeTimeV1)
	}
	return w.TryError
}

/*************************** trun ****************************/

// TrunEntry .
type TrunEntry struct {
	SampleDuration                uint32
	SampleSize                    uint32
	SampleFlags                   uint32
	SampleCompositionTimeOffsetV0 uint32
	SampleCompositionTimeOffsetV1 int32
}

// trun flags.
const (
	TrunDataOffsetPresent                  = 0x000001
	TrunFirstSampleFlagsPresent            = 0x000004
	TrunSampleDurationPresent              = 0x000100
	TrunSampleSizePresent                  = 0x000200
	TrunSampleFlagsPresent                 = 0x000400
	TrunSampleCompositionTimeOffsetPresent = 0x000800
)

// SampleFlagIsNonSync is the sample_is_non_sync_sample flag bit.
const SampleFlagIsNonSync = 1 << 16

// SampleFlagDependsOnOther marks a sample depending on others.
const SampleFlagDependsOnOther = 1 << 24

// Trun is ISOBMFF trun box type.
type Trun struct {
	FullBox
	DataOffset       int32
	FirstSampleFlags uint32
	Entries          []TrunEntry
}

// Type returns the BoxType.
func (*Trun) Type() BoxType {
	return [4]byte{'t', 'r', 'u', 'n'}
}

func (b *Trun) entrySize() int {
	total := 0
	if b.FullBox.CheckFlag(TrunSampleDurationPresent) {
		total += 4
	}
	if b.FullBox.CheckFlag(TrunSampleSizePresent) {
		total += 4
	}
	if b.FullBox.CheckFlag(TrunSampleFlagsPresent) {
		total += 4
	}
	if b.FullBox.CheckFlag(TrunSampleCompositionTimeOffsetPresent) {
		total += 4
	}
	return total
}

// Size returns the marshaled size in bytes.
func (b *Trun) Size() int {
	total := 8
	if b.FullBox.CheckFlag(TrunDataOffsetPresent) {
		total += 4
	}
	if b.FullBox.CheckFlag(TrunFirstSampleFlagsPresent) {
		total += 4
	}
	total += len(b.Entries) * b.entrySize()
	return total
}

// Marshal box to writer.
func (b *Trun) Marshal(w *bitio.Writer) error {
	b.FullBox.MarshalField(w)
	w.TryWriteUint32(uint32(len(b.Entries)))
	if b.FullBox.CheckFlag(TrunDataOffsetPresent) {
		w.TryWriteUint32(uint32(b.DataOffset))
	}
	if b.FullBox.CheckFlag(TrunFirstSampleFlagsPresent) {
		w.TryWriteUint32(b.FirstSampleFlags)
	}
	for _, entry := range b.Entries {
		if b.FullBox.CheckFlag(TrunSampleDurationPresent) {
			w.TryWriteUint32(entry.SampleDuration)
		}
		if b.FullBox.CheckFlag(TrunSampleSizePresent) {
			w.TryWriteUint32(entry.SampleSize)
		}
		if b.FullBox.CheckFlag(TrunSampleFlagsPresent) {
			w.TryWriteUint32(entry.SampleFlags)
		}
		if b.FullBox.CheckFlag(TrunSampleCompositionTimeOffsetPresent) {
			if b.FullBox.Version == 0 {
				w.TryWriteUint32(entry.SampleCompositionTimeOffsetV0)
			} else {
				w.TryWriteUint32(uint32(entry.SampleCompositionTimeOffsetV1))
			}
		}
	}
	return w.TryError
}

/*************************** mfra ****************************/

// Mfra is ISOBMFF mfra box type.
type Mfra struct{}

// Type returns the BoxType.
func (*Mfra) Type() BoxType {
	return [4]byte{'m', 'f', 'r', 'a'}
}

// Size returns the marshaled size in bytes.
func (b *Mfra) Size() int {
	return 0
}

// Marshal is never called.
func (b *Mfra) Marshal(w *bitio.Writer) error {
	return nil
}

/*************************** tfra ****************************/

// TfraEntry is one random-access point of a track.
type TfraEntry struct {
	Time       uint64
	MoofOffset uint64
}

// Tfra is ISOBMFF tfra box type, written as version 1 with 1-byte
// traf/trun/sample numbers all fixed to 1.
type Tfra struct {
	FullBox
	TrackID uint32
	Entries []TfraEntry
}

// Type returns the BoxType.
func (*Tfra) Type() BoxType {
	return [4]byte{'t', 'f', 'r', 'a'}
}

// Size returns the marshaled size in bytes.
func (b *Tfra) Size() int {
	return 16 + len(b.Entries)*19
}

// Marshal box to writer.
func (b *Tfra) Marshal(w *bitio.Writer) error {
	b.FullBox.MarshalField(w)
	w.TryWriteUint32(b.TrackID)
	w.TryWriteUint32(0) // length sizes, all 1 byte
	w.TryWriteUint32(uint32(len(b.Entries)))
	for _, entry := range b.Entries {
		w.TryWriteUint64(entry.Time)
		w.TryWriteUint64(entry.MoofOffset)
		w.TryWriteByte(1) // traf number
		w.TryWriteByte(1) // trun number
		w.TryWriteByte(1) // sample number
	}
	return w.TryError
}

/*************************** mfro ****************************/

// Mfro is ISOBMFF mfro box type.
type Mfro struct {
	FullBox
	ParentSize uint32
}

// Type returns the BoxType.
func (*Mfro) Type() BoxType {
	return [4]byte{'m', 'f', 'r', 'o'}
}

// Size returns the marshaled size in bytes.
func (b *Mfro) Size() int {
	return 8
}

// Marshal box to writer.
func (b *Mfro) Marshal(w *bitio.Writer) error {
	b.FullBox.MarshalField(w)
	w.TryWriteUint32(b.ParentSize)
	return w.TryError
}

package ebml

import (
	"math"

	"mediamux/pkg/byteio"
)

// Writer emits EBML elements through a byteio.Writer. The first write
// error is latched in TryError, mirroring the box writer.
type Writer struct {
	out byteio.Writer

	// TryError holds the first error occurred in write methods.
	TryError error
}

// NewWriter returns a Writer emitting to out.
func NewWriter(out byteio.Writer) *Writer {
	return &Writer{out: out}
}

// Pos returns the output position.
func (w *Writer) Pos() int64 {
	return w.out.Pos()
}

// Seek moves the output position.
func (w *Writer) Seek(pos int64) {
	w.out.Seek(pos)
}

func (w *Writer) write(p []byte) {
	if w.TryError == nil {
		_, w.TryError = w.out.Write(p)
	}
}

// WriteElementID writes a bare element ID.
func (w *Writer) WriteElementID(id uint32) {
	w.write(AppendElementID(nil, id))
}

// WriteVint writes v as a minimal-width size vint.
func (w *Writer) WriteVint(v uint64) {
	w.write(AppendVint(nil, v, VintWidth(v)))
}

// WriteVintWidth writes v as a size vint of fixed width, so the field
// can be backpatched later without shifting the payload.
func (w *Writer) WriteVintWidth(v uint64, width int) {
	w.write(AppendVint(nil, v, width))
}

// WriteUnknownSize writes the unknown-size sentinel of the given
// width.
func (w *Writer) WriteUnknownSize(width int) {
	w.write(AppendUnknownSize(nil, width))
}

// WriteUint writes a full unsigned integer element.
func (w *Writer) WriteUint(id uint32, v uint64) {
	payload := AppendUint(nil, v)
	buf := AppendElementID(nil, id)
	buf = AppendVint(buf, uint64(len(payload)), VintWidth(uint64(len(payload))))
	w.write(append(buf, payload...))
}

// WriteUintWidth writes an unsigned integer element with a fixed
// payload width, so the value can be backpatched in place later.
func (w *Writer) WriteUintWidth(id uint32, v uint64, width int) {
	buf := AppendElementID(nil, id)
	buf = AppendVint(buf, uint64(width), VintWidth(uint64(width)))
	for i := width - 1; i >= 0; i-- {
		buf = append(buf, byte(v>>(8*i)))
	}
	w.write(buf)
}

// WriteInt writes a full signed integer element.
func (w *Writer) WriteInt(id uint32, v int64) {
	payload := AppendInt(nil, v)
	buf := AppendElementID(nil, id)
	buf = AppendVint(buf, uint64(len(payload)), VintWidth(uint64(len(payload))))
	w.write(append(buf, payload...))
}

// WriteFloat64 writes an 8-byte float element.
func (w *Writer) WriteFloat64(id uint32, v float64) {
	bits := math.Float64bits(v)
	payload := []byte{
		byte(bits >> 56), byte(bits >> 48), byte(bits >> 40), byte(bits >> 32),
		byte(bits >> 24), byte(bits >> 16), byte(bits >> 8), byte(bits),
	}
	w.WriteBinary(id, payload)
}

// WriteFloat32 writes a 4-byte float element.
func (w *Writer) WriteFloat32(id uint32, v float32) {
	bits := math.Float32bits(v)
	payload := []byte{byte(bits >> 24), byte(bits >> 16), byte(bits >> 8), byte(bits)}
	w.WriteBinary(id, payload)
}

// WriteString writes an ASCII/UTF-8 string element.
func (w *Writer) WriteString(id uint32, s string) {
	w.WriteBinary(id, []byte(s))
}

// WriteBinary writes a binary element.
func (w *Writer) WriteBinary(id uint32, payload []byte) {
	buf := AppendElementID(nil, id)
	buf = AppendVint(buf, uint64(len(payload)), VintWidth(uint64(len(payload))))
	w.write(buf)
	w.write(payload)
}

// Master is an open master element whose size is patched on End.
type Master struct {
	sizePos   int64
	sizeWidth int
	unknown   bool
}

// BeginMaster opens a master element with a fixed-width size field.
func (w *Writer) BeginMaster(id uint32, sizeWidth int) Master {
	w.WriteElementID(id)
	m := Master{sizePos: w.out.Pos(), sizeWidth: sizeWidth}
	w.WriteVintWidth(0, sizeWidth)
	return m
}

// BeginMasterUnknown opens a master element with the unknown-size
// sentinel; EndMaster leaves it untouched. Used in streaming mode
// where seeking back is not possible.
func (w *Writer) BeginMasterUnknown(id uint32, sizeWidth int) Master {
	w.WriteElementID(id)
	m := Master{sizePos: w.out.Pos(), sizeWidth: sizeWidth, unknown: true}
	w.WriteUnknownSize(sizeWidth)
	return m
}

// EndMaster patches the element's size to cover everything written
// since BeginMaster.
func (w *Writer) EndMaster(m Master) {
	if m.unknown {
		return
	}
	end := w.out.Pos()
	size := end - m.sizePos - int64(m.sizeWidth)
	w.out.Seek(m.sizePos)
	w.WriteVintWidth(uint64(size), m.sizeWidth)
	w.out.Seek(end)
}

// DataPos returns the position of the master element's first payload
// byte.
func (m Master) DataPos() int64 {
	return m.sizePos + int64(m.sizeWidth)
}

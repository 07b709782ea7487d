package media

// ISO/IEC 23001-8 coding-independent code points, shared by the colr
// box (nclx) and the Matroska Colour element.

var primariesCodes = map[string]uint16{
	"bt709":     1,
	"bt470bg":   5,
	"smpte170m": 6,
	"bt2020":    9,
}

var transferCodes = map[string]uint16{
	"bt709":        1,
	"smpte170m":    6,
	"iec61966-2-1": 13,
	"pq":           16,
	"hlg":          18,
}

var matrixCodes = map[string]uint16{
	"rgb":        0,
	"bt709":      1,
	"bt470bg":    5,
	"smpte170m":  6,
	"bt2020-ncl": 9,
}

func reverseLookup(m map[string]uint16, code uint16) string {
	for name, c := range m {
		if c == code {
			return name
		}
	}
	return ""
}

// PrimariesCode returns the CICP code of the primaries, 2 (unspecified)
// when unknown.
func (c ColorSpace) PrimariesCode() uint16 {
	if code, ok := primariesCodes[c.Primaries]; ok {
		return code
	}
	return 2
}

// TransferCode returns the CICP code of the transfer characteristics,
// 2 (unspecified) when unknown.
func (c ColorSpace) TransferCode() uint16 {
	if code, ok := transferCodes[c.Transfer]; ok {
		return code
	}
	return 2
}

// MatrixCode returns the CICP code of the matrix coefficients,
// 2 (unspecified) when unknown.
func (c ColorSpace) MatrixCode() uint16 {
	if code, ok := matrixCodes[c.Matrix]; ok {
		return code
	}
	return 2
}

// ColorSpaceFromCodes builds a ColorSpace from CICP code points.
// Unrecognized codes leave their field empty.
func ColorSpaceFromCodes(primaries, transfer, matrix uint16, fullRange bool) ColorSpace {
	return ColorSpace{
		Primaries: reverseLookup(primariesCodes, primaries),
		Transfer:  reverseLookup(transferCodes, transfer),
		Matrix:    reverseLookup(matrixCodes, matrix),
		FullRange: fullRange,
		HasRange:  true,
	}
}

package codecs

import (
	"bytes"
	"fmt"

	"github.com/icza/bitio"
)

// OpusConfig carries the fields of an OpusSpecificBox (dOps) payload.
type OpusConfig struct {
	ChannelCount    int
	PreSkip         uint16
	InputSampleRate uint32
	OutputGain      int16
}

// Decode decodes a dOps payload.
func (c *OpusConfig) Decode(byts []byte) error {
	if len(byts) < 11 {
		return fmt.Errorf("dOps: %w", ErrRecordTooShort)
	}

	r := bitio.NewReader(bytes.NewReader(byts))
	version, _ := r.ReadBits(8)
	if version != 0 {
		return fmt.Errorf("dOps: unsupported version %d", version)
	}
	channels, _ := r.ReadBits(8)
	preSkip, _ := r.ReadBits(16)
	sampleRate, _ := r.ReadBits(32)
	gain, err := r.ReadBits(16)
	if err != nil {
		return fmt.Errorf("dOps: %w", err)
	}

	c.ChannelCount = int(channels)
	c.PreSkip = uint16(preSkip)
	c.InputSampleRate = uint32(sampleRate)
	c.OutputGain = int16(gain)
	return nil
}

// Encode encodes a dOps payload with channel mapping family 0.
func (c OpusConfig) Encode() ([]byte, error) {
	var buf bytes.Buffer
	w := bitio.NewWriter(&buf)

	w.WriteBits(0, 8)                             //nolint:errcheck // version
	w.WriteBits(uint64(c.ChannelCount), 8)        //nolint:errcheck
	w.WriteBits(uint64(c.PreSkip), 16)            //nolint:errcheck
	w.WriteBits(uint64(c.InputSampleRate), 32)    //nolint:errcheck
	w.WriteBits(uint64(uint16(c.OutputGain)), 16) //nolint:errcheck
	if err := w.WriteBits(0, 8); err != nil { // mapping family
		return nil, err
	}

	w.Close()
	return buf.Bytes(), nil
}

// Package codecs provides the bit-packed codec configuration
// structures the containers embed: AAC AudioSpecificConfig, AVC and
// HEVC decoder configuration records, the Opus identification header
// and the VP9 uncompressed frame header.
package codecs

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/icza/bitio"
)

// Errors.
var (
	ErrAACSampleRateInvalid = errors.New("invalid sample rate index")
	ErrAACChannelInvalid    = errors.New("invalid channel configuration")
	ErrAACChannelCount      = errors.New("invalid channel count")
)

var aacSampleRates = []int{
	96000, 88200, 64000, 48000, 44100, 32000,
	24000, 22050, 16000, 12000, 11025, 8000, 7350,
}

func aacSampleRateIndex(rate int) (int, bool) {
	for i, r := range aacSampleRates {
		if r == rate {
			return i, true
		}
	}
	return 0, false
}

// AACConfig is an MPEG-4 AudioSpecificConfig.
type AACConfig struct {
	ObjectType   int
	SampleRate   int
	ChannelCount int
}

// Decode decodes an AudioSpecificConfig.
func (c *AACConfig) Decode(byts []byte) error {
	// ref: https://wiki.multimedia.cx/index.php/MPEG-4_Audio

	r := bitio.NewReader(bytes.NewBuffer(byts))

	objectType, err := r.ReadBits(5)
	if err != nil {
		return err
	}
	if objectType == 31 {
		ext, err := r.ReadBits(6)
		if err != nil {
			return err
		}
		objectType = 32 + ext
	}
	c.ObjectType = int(objectType)

	sampleRateIndex, err := r.ReadBits(4)
	if err != nil {
		return err
	}

	switch {
	case sampleRateIndex <= 12:
		c.SampleRate = aacSampleRates[sampleRateIndex]

	case sampleRateIndex == 15:
		rate, err := r.ReadBits(24)
		if err != nil {
			return err
		}
		c.SampleRate = int(rate)

	default:
		return fmt.Errorf("%w (%d)", ErrAACSampleRateInvalid, sampleRateIndex)
	}

	channelConfig, err := r.ReadBits(4)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}

	switch {
	case channelConfig >= 1 && channelConfig <= 6:
		c.ChannelCount = int(channelConfig)

	case channelConfig == 7:
		c.ChannelCount = 8

	default:
		return fmt.Errorf("%w (%d)", ErrAACChannelInvalid, channelConfig)
	}

	return nil
}

func (c AACConfig) encodeSize() int {
	n := 5 + 4 + 4
	if _, ok := aacSampleRateIndex(c.SampleRate); !ok {
		n += 24
	}

	ret := n / 8
	if n%8 != 0 {
		ret++
	}
	return ret
}

// Encode encodes an AudioSpecificConfig.
func (c AACConfig) Encode() ([]byte, error) {
	buf := make([]byte, c.encodeSize())
	w := bitio.NewWriter(bytes.NewBuffer(buf[:0]))

	objectType := c.ObjectType
	if objectType == 0 {
		objectType = 2 // AAC-LC
	}
	if err := w.WriteBits(uint64(objectType), 5); err != nil {
		return nil, err
	}

	sampleRateIndex, ok := aacSampleRateIndex(c.SampleRate)
	if !ok {
		w.WriteBits(uint64(15), 4)            //nolint:errcheck
		w.WriteBits(uint64(c.SampleRate), 24) //nolint:errcheck
	} else {
		w.WriteBits(uint64(sampleRateIndex), 4) //nolint:errcheck
	}

	var channelConfig int
	switch {
	case c.ChannelCount >= 1 && c.ChannelCount <= 6:
		channelConfig = c.ChannelCount

	case c.ChannelCount == 8:
		channelConfig = 7

	default:
		return nil, fmt.Errorf("%w (%d)", ErrAACChannelCount, c.ChannelCount)
	}

	if err := w.WriteBits(uint64(channelConfig), 4); err != nil {
		return nil, err
	}

	w.Close()

	return buf, nil
}

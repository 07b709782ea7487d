package codecs

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/icza/bitio"
)

// ErrRecordTooShort is returned for truncated decoder configuration
// records.
var ErrRecordTooShort = errors.New("record too short")

// AVCDecoderConfig carries the fields of an AVCDecoderConfigurationRecord
// (the avcC box contents) the container layers care about. The record
// bytes themselves stay opaque.
type AVCDecoderConfig struct {
	ConfigurationVersion uint8
	Profile              uint8
	ProfileCompatibility uint8
	Level                uint8
	LengthSize           int // bytes per NAL length prefix, 1..4
}

// Decode extracts the header fields of an avcC record.
func (c *AVCDecoderConfig) Decode(record []byte) error {
	if len(record) < 5 {
		return fmt.Errorf("avcC: %w", ErrRecordTooShort)
	}

	r := bitio.NewReader(bytes.NewReader(record))
	version, _ := r.ReadBits(8)
	profile, _ := r.ReadBits(8)
	compat, _ := r.ReadBits(8)
	level, _ := r.ReadBits(8)
	_, _ = r.ReadBits(6) // reserved
	lengthSizeMinusOne, err := r.ReadBits(2)
	if err != nil {
		return fmt.Errorf("avcC: %w", err)
	}

	c.ConfigurationVersion = uint8(version)
	c.Profile = uint8(profile)
	c.ProfileCompatibility = uint8(compat)
	c.Level = uint8(level)
	c.LengthSize = int(lengthSizeMinusOne) + 1
	return nil
}

// HEVCDecoderConfig carries the header fields of an
// HEVCDecoderConfigurationRecord (the hvcC box contents).
type HEVCDecoderConfig struct {
	ConfigurationVersion uint8
	GeneralProfileSpace  uint8
	GeneralTierFlag      bool
	GeneralProfileIDC    uint8
	GeneralLevelIDC      uint8
	LengthSize           int
}

// Decode extracts the header fields of an hvcC record.
func (c *HEVCDecoderConfig) Decode(record []byte) error {
	if len(record) < 23 {
		return fmt.Errorf("hvcC: %w", ErrRecordTooShort)
	}

	r := bitio.NewReader(bytes.NewReader(record))
	version, _ := r.ReadBits(8)
	profileSpace, _ := r.ReadBits(2)
	tier, _ := r.ReadBits(1)
	profileIDC, err := r.ReadBits(5)
	if err != nil {
		return fmt.Errorf("hvcC: %w", err)
	}

	c.ConfigurationVersion = uint8(version)
	c.GeneralProfileSpace = uint8(profileSpace)
	c.GeneralTierFlag = tier == 1
	c.GeneralProfileIDC = uint8(profileIDC)
	c.GeneralLevelIDC = record[12]
	c.LengthSize = int(record[21]&0x3) + 1
	return nil
}

package media

import (
	"errors"
	"fmt"
)

// Errors shared across the container packages.
var (
	// ErrInvalidMetadata means a caller-supplied decoder configuration
	// is missing required fields or combines unsupported values.
	ErrInvalidMetadata = errors.New("invalid metadata")

	// ErrDimensionChange means a video track changed its coded size
	// mid-stream.
	ErrDimensionChange = errors.New("video dimensions changed mid-track")

	// ErrAudioParamsChange means an audio track changed its sample rate
	// or channel layout mid-stream.
	ErrAudioParamsChange = errors.New("audio parameters changed mid-track")

	// ErrUnsupportedFeature means the container uses a structure this
	// library does not handle.
	ErrUnsupportedFeature = errors.New("unsupported container feature")

	// ErrNotStarted means a sample was written before Start.
	ErrNotStarted = errors.New("output not started")

	// ErrDoubleStart means Start was called twice.
	ErrDoubleStart = errors.New("output already started")

	// ErrFinalized means an operation was attempted after Finalize.
	ErrFinalized = errors.New("output already finalized")
)

// TimestampOrderError reports a violated timing invariant on a muxer
// input sample.
type TimestampOrderError struct {
	Reason    string
	Timestamp int64 // µs
	Last      int64 // µs
}

func (e *TimestampOrderError) Error() string {
	return fmt.Sprintf("timestamp order: %s (timestamp %dµs, last %dµs)",
		e.Reason, e.Timestamp, e.Last)
}

// IsTimestampOrder reports whether err is a TimestampOrderError.
func IsTimestampOrder(err error) bool {
	var t *TimestampOrderError
	return errors.As(err, &t)
}

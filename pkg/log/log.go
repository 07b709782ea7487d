package log

// API inspired by zerolog https://github.com/rs/zerolog

import "fmt"

// Level defines log level.
type Level uint8

// Logging constants, matching ffmpeg.
const (
	LevelError   Level = 16
	LevelWarning Level = 24
	LevelInfo    Level = 32
	LevelDebug   Level = 48
)

// Func is the logging callback consumed by the container packages.
// Demuxers use it to report skipped structures without failing.
type Func func(level Level, format string, a ...interface{})

// NopFunc discards all events.
func NopFunc(Level, string, ...interface{}) {}

// Printf adapts a fmt-style printer into a Func.
func Printf(printf func(format string, a ...interface{})) Func {
	return func(level Level, format string, a ...interface{}) {
		printf("[%s] %s", levelName(level), fmt.Sprintf(format, a...))
	}
}

func levelName(l Level) string {
	switch l {
	case LevelError:
		return "error"
	case LevelWarning:
		return "warning"
	case LevelInfo:
		return "info"
	case LevelDebug:
		return "debug"
	}
	return "unknown"
}

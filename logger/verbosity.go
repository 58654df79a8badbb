package logger

import "go.uber.org/zap/zapcore"

// -v flag counts
const (
	VerbosityQuiet = 0
	VerbosityInfo  = 1
	VerbosityDebug = 2
)

// VerbosityToLevel maps a -v count to a level: none is warn, -v is info,
// anything more is debug.
func VerbosityToLevel(verbosity int) zapcore.Level {
	if verbosity >= VerbosityDebug {
		return zapcore.DebugLevel
	}
	if verbosity == VerbosityInfo {
		return zapcore.InfoLevel
	}
	return zapcore.WarnLevel
}

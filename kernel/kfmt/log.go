package kfmt

import (
	"io"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger returns a logger that writes console-formatted entries to w.
// Entries carry no timestamp; the kernel has no wall clock and tick counts
// are logged explicitly where they matter.
func NewLogger(w io.Writer, level zapcore.LevelEnabler) *zap.Logger {
	encCfg := zapcore.EncoderConfig{
		LevelKey:         "L",
		NameKey:          "N",
		MessageKey:       "M",
		StacktraceKey:    "S",
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeLevel:      zapcore.CapitalLevelEncoder,
		EncodeName:       bracketNameEncoder,
		EncodeDuration:   zapcore.StringDurationEncoder,
		ConsoleSeparator: " ",
	}

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(w), level)
	return zap.New(core)
}

// ParseLevel converts a level name (debug, info, warn, error) into a zap
// level. Unknown names select the info level.
func ParseLevel(name string) zapcore.Level {
	level, err := zapcore.ParseLevel(name)
	if err != nil {
		return zapcore.InfoLevel
	}
	return level
}

func bracketNameEncoder(name string, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString("[" + name + "]")
}

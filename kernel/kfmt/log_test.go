package kfmt

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, zapcore.InfoLevel).Named("sched")

	logger.Debug("not shown")
	logger.Info("spawned task", zap.Uint64("tid", 3))

	assert.Equal(t, "INFO [sched] spawned task {\"tid\": 3}\n", buf.String())
}

func TestParseLevel(t *testing.T) {
	specs := []struct {
		in  string
		exp zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"warn", zapcore.WarnLevel},
		{"ERROR", zapcore.ErrorLevel},
		{"", zapcore.InfoLevel},
		{"bogus", zapcore.InfoLevel},
	}

	for _, spec := range specs {
		assert.Equal(t, spec.exp, ParseLevel(spec.in), "level %q", spec.in)
	}
}

package observability

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewConsoleLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewConsoleLogger("jobsender", zapcore.InfoLevel, false, zapcore.AddSync(&buf))

	l.Debug("hidden")
	l.Info("Submitted tasks", zap.String("indices", "0-3"))

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "INFO")
	assert.Contains(t, out, "jobsender")
	assert.Contains(t, out, "Submitted tasks")
	assert.Contains(t, out, `"indices": "0-3"`)
}

func TestInitCLILogger(t *testing.T) {
	orig := CLILogger
	t.Cleanup(func() { CLILogger = orig })

	l := InitCLILogger("test", true)
	require.NotNil(t, l)
	assert.Same(t, l, CLILogger)
	assert.True(t, CLILogger.Core().Enabled(zapcore.DebugLevel))

	InitCLILogger("test", false)
	assert.False(t, CLILogger.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, CLILogger.Core().Enabled(zapcore.InfoLevel))
}

func TestSetLevel(t *testing.T) {
	orig := CLILogger
	t.Cleanup(func() { CLILogger = orig })

	tests := []struct {
		level   string
		verbose bool
		enabled zapcore.Level
		off     zapcore.Level
		wantErr bool
	}{
		{level: "warn", enabled: zapcore.WarnLevel, off: zapcore.InfoLevel},
		{level: "ERROR", enabled: zapcore.ErrorLevel, off: zapcore.WarnLevel},
		{level: "error", verbose: true, enabled: zapcore.DebugLevel, off: zapcore.DebugLevel - 1},
		{level: "loud", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			err := SetLevel("test", tt.level, tt.verbose)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, CLILogger.Core().Enabled(tt.enabled))
			assert.False(t, CLILogger.Core().Enabled(tt.off))
		})
	}
}

package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/smukkama/safety-engine/pkg/config"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zapcore.WarnLevel, ParseLevel("warn"))
	assert.Equal(t, zapcore.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel("info"))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel("verbose"))
}

func TestNew(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		l, err := New("warn", format, "safety-engine")
		require.NoError(t, err, format)
		assert.False(t, l.Core().Enabled(zapcore.InfoLevel), format)
		assert.True(t, l.Core().Enabled(zapcore.ErrorLevel), format)
	}
}

func TestFromConfig_RotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.log")

	l, err := FromConfig(config.LogConfig{
		Level:      "info",
		Format:     "json",
		File:       path,
		MaxSizeMB:  1,
		MaxBackups: 1,
	}, "safety-engine")
	require.NoError(t, err)

	l.Debug("not written")
	l.Info("countdown started", zap.String("protected_id", "alice"))
	_ = l.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"countdown started"`)
	assert.Contains(t, string(data), `"service_name":"safety-engine"`)
	assert.Contains(t, string(data), `"protected_id":"alice"`)
	assert.NotContains(t, string(data), "not written")
}

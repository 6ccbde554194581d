package logger

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := NewLogger(Config{Level: "loud"})
	assert.Error(t, err)
}

func TestNewLoggerWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")

	log, err := NewLogger(Config{Level: "debug", Format: "json", File: path})
	require.NoError(t, err)

	log.Info("hello", zap.String("task_id", "t-1"))
	_ = log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"task_id":"t-1"`)
	assert.Contains(t, string(data), `"message":"hello"`)
}

type arrayEncoder struct {
	zapcore.PrimitiveArrayEncoder
	values []string
}

func (a *arrayEncoder) AppendString(s string) { a.values = append(a.values, s) }

func TestCustomTimeEncoderUsesTimezone(t *testing.T) {
	enc := &arrayEncoder{}
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	customTimeEncoder("2006-01-02 15:04", "Asia/Shanghai")(ts, enc)
	require.Len(t, enc.values, 1)
	assert.Equal(t, "2024-03-01 20:00", enc.values[0])
}

func TestCustomCallerEncoderTrimsProjectPath(t *testing.T) {
	enc := &arrayEncoder{}
	caller := zapcore.NewEntryCaller(0, "/src/geo-xi-tong-sub013/internal/service/scheduler/scheduler.go", 42, true)

	customCallerEncoder(caller, enc)
	require.Len(t, enc.values, 1)
	assert.Equal(t, "internal/service/scheduler/scheduler.go:42", enc.values[0])
}

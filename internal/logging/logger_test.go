package logging

import (
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T, maxHistory int) *Logger {
	t.Helper()
	logger, err := New(&Config{
		LogDir:     t.TempDir(),
		Level:      LevelDebug,
		MaxHistory: maxHistory,
		Console:    false,
	})
	require.NoError(t, err)
	t.Cleanup(func() { logger.Close() })
	return logger
}

func TestLogger_HistoryIsBounded(t *testing.T) {
	logger := newTestLogger(t, 3)

	for i := 0; i < 10; i++ {
		logger.Info("test", fmt.Sprintf("message %d", i), nil)
	}

	history := logger.GetHistory(0)
	require.Len(t, history, 3, "history capped at MaxHistory")
	assert.Equal(t, "message 7", history[0].Message)
	assert.Equal(t, "message 9", history[2].Message)
}

func TestLogger_GetHistoryLimit(t *testing.T) {
	logger := newTestLogger(t, 100)

	logger.Debug("test", "one", nil)
	logger.Warn("test", "two", map[string]interface{}{"k": "v"})

	recent := logger.GetHistory(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "one", recent[0].Message)
	assert.Equal(t, "debug", recent[0].Level)
	assert.Equal(t, "two", recent[1].Message)
	assert.Equal(t, "warn", recent[1].Level)
	assert.Contains(t, recent[1].Data, "k=v")

	// A limit beyond the stored count returns everything.
	all := logger.GetHistory(1000)
	assert.Len(t, all, 3) // includes the init entry
}

func TestLogger_WritesLogFile(t *testing.T) {
	logger := newTestLogger(t, 10)

	logger.Info("test", "persisted line", nil)

	data, err := os.ReadFile(logger.GetLogPath())
	require.NoError(t, err)
	assert.Contains(t, string(data), "persisted line")
	assert.Contains(t, string(data), `"component":"test"`)
}

package logger_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/exchange-agent/pkg/config"
	"github.com/exchange-agent/pkg/logger"
)

// mockFatalHook 捕获 fatal 日志（不退出进程）
type mockFatalHook struct {
	called bool
}

func (h *mockFatalHook) Hook(e zapcore.Entry) error {
	if e.Level == zapcore.FatalLevel {
		h.called = true
	}
	return nil
}

func TestLoggerLevels(t *testing.T) {
	cfg := &config.ZapLogConfig{
		Level:   "debug",
		Format:  "console",
		Path:    t.TempDir(),
		MaxSize: 10,
	}

	l, err := logger.InitLogger(cfg)
	require.NoError(t, err)
	require.NotNil(t, l)

	logger.Debug("debug msg")
	logger.Info("info msg")
	logger.Warn("warn msg")
	logger.Error("error msg")

	assert.Panics(t, func() { logger.Panic("panic msg") })

	hook := &mockFatalHook{}
	fatal := logger.GetGlobalLogger().WithOptions(
		zap.Hooks(hook.Hook),
		zap.WithFatalHook(zapcore.WriteThenNoop),
	)
	fatal.Fatal("fatal msg")
	assert.True(t, hook.called, "fatal hook was not triggered")

	assert.NoError(t, logger.Sync())
}

func TestHelpersAttachComponentAndGoroutine(t *testing.T) {
	prev := logger.GetGlobalLogger()
	t.Cleanup(func() { logger.ReplaceGlobalLogger(prev) })

	core, logs := observer.New(zapcore.DebugLevel)
	logger.ReplaceGlobalLogger(zap.New(core))
	logger.SetDefaultComponent("exchange")
	t.Cleanup(func() { logger.SetDefaultComponent("agent") })

	logger.Info("exchange completed", zap.Int("acked", 3))

	entries := logs.All()
	require.Len(t, entries, 1)
	ctx := entries[0].ContextMap()
	assert.Equal(t, "exchange", ctx["component"])
	assert.NotEmpty(t, ctx["goid"])
	assert.EqualValues(t, 3, ctx["acked"])
}

func TestNamedLogger(t *testing.T) {
	prev := logger.GetGlobalLogger()
	t.Cleanup(func() { logger.ReplaceGlobalLogger(prev) })

	core, logs := observer.New(zapcore.InfoLevel)
	logger.ReplaceGlobalLogger(zap.New(core))

	logger.Named("store").Info("replayed")
	require.Equal(t, 1, logs.FilterField(zap.String("component", "store")).Len())
}

package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/exchange-agent/pkg/config"
	"github.com/exchange-agent/pkg/goid"
)

type Logger = zap.Logger

var (
	mu               sync.RWMutex
	baseLogger       = zap.NewNop()
	defaultComponent = "agent"
	initOnce         sync.Once
)

// InitLogger 初始化全局日志（控制台彩色输出 + JSON 滚动文件）
// 可重复调用，只有第一次会构建 core
func InitLogger(cfg *config.ZapLogConfig) (*zap.Logger, error) {
	var err error
	initOnce.Do(func() {
		var l *zap.Logger
		l, err = build(cfg)
		if err != nil {
			return
		}
		mu.Lock()
		baseLogger = l
		mu.Unlock()
	})
	if err != nil {
		return nil, err
	}
	return GetGlobalLogger(), nil
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(s) {
	case "dbg", "debug":
		return zapcore.DebugLevel
	case "war", "warn":
		return zapcore.WarnLevel
	case "err", "error":
		return zapcore.ErrorLevel
	case "pan", "panic":
		return zapcore.PanicLevel
	case "fat", "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

func build(cfg *config.ZapLogConfig) (*zap.Logger, error) {
	level := parseLevel(cfg.Level)

	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	maxAge := time.Duration(cfg.MaxAge) * 24 * time.Hour
	if maxAge <= 0 {
		maxAge = 7 * 24 * time.Hour
	}
	writer, err := rotatelogs.New(
		filepath.Join(cfg.Path, "exchange-agent-%Y%m%d.log"),
		rotatelogs.WithMaxAge(maxAge),
		rotatelogs.WithRotationTime(24*time.Hour),
		rotatelogs.WithRotationSize(int64(cfg.MaxSize)*1024*1024),
	)
	if err != nil {
		return nil, fmt.Errorf("open rotating log: %w", err)
	}

	consoleTime := func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(fmt.Sprintf("\033[34m%s\033[0m", t.Format("2006-01-02 15:04:05.000 -07:00")))
	}
	jsonTime := func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.Format("2006-01-02 15:04:05.000 -07:00"))
	}

	consoleCfg := zap.NewDevelopmentEncoderConfig()
	consoleCfg.ConsoleSeparator = " "
	consoleCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	consoleCfg.EncodeTime = consoleTime
	// 两级调用路径："exchange/manager.go:120"
	consoleCfg.EncodeCaller = func(c zapcore.EntryCaller, enc zapcore.PrimitiveArrayEncoder) {
		rel := filepath.Join(filepath.Base(filepath.Dir(c.File)), filepath.Base(c.File))
		enc.AppendString(fmt.Sprintf("%s:%d", rel, c.Line))
	}

	jsonCfg := zap.NewProductionEncoderConfig()
	jsonCfg.TimeKey = "timestamp"
	jsonCfg.EncodeTime = jsonTime
	jsonCfg.EncodeLevel = zapcore.LowercaseLevelEncoder

	var stdoutEncoder zapcore.Encoder
	if cfg.Format == "json" {
		stdoutEncoder = zapcore.NewJSONEncoder(jsonCfg)
	} else {
		stdoutEncoder = zapcore.NewConsoleEncoder(consoleCfg)
	}

	core := zapcore.NewTee(
		zapcore.NewCore(stdoutEncoder, zapcore.AddSync(os.Stdout), level),
		zapcore.NewCore(zapcore.NewJSONEncoder(jsonCfg), zapcore.AddSync(writer), level),
	)

	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

// SetDefaultComponent 调用方未传 component 时使用的默认标签
func SetDefaultComponent(component string) {
	mu.Lock()
	defer mu.Unlock()
	defaultComponent = component
}

// ReplaceGlobalLogger 替换基础 logger，测试中配合 zaptest/observer 使用
func ReplaceGlobalLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	baseLogger = l
}

// GetGlobalLogger 返回进程 logger（InitLogger 之前为 no-op）
func GetGlobalLogger() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return baseLogger
}

// Named 返回带 component 标签的 logger，供通过实例记录日志的包使用
func Named(component string) *zap.Logger {
	return GetGlobalLogger().WithOptions(zap.AddCallerSkip(-1)).With(zap.String("component", component))
}

func log(level zapcore.Level, msg string, fields ...zapcore.Field) {
	mu.RLock()
	l := baseLogger
	component := defaultComponent
	mu.RUnlock()

	merged := make([]zapcore.Field, 0, len(fields)+2)
	merged = append(merged, zap.String("component", component), zap.String("goid", goid.String()))
	merged = append(merged, fields...)

	l = l.WithOptions(zap.AddCallerSkip(1))
	switch level {
	case zapcore.DebugLevel:
		l.Debug(msg, merged...)
	case zapcore.InfoLevel:
		l.Info(msg, merged...)
	case zapcore.WarnLevel:
		l.Warn(msg, merged...)
	case zapcore.ErrorLevel:
		l.Error(msg, merged...)
	case zapcore.PanicLevel:
		l.Panic(msg, merged...)
	case zapcore.FatalLevel:
		l.Fatal(msg, merged...)
	}
}

func Debug(msg string, fields ...zapcore.Field) { log(zapcore.DebugLevel, msg, fields...) }
func Info(msg string, fields ...zapcore.Field)  { log(zapcore.InfoLevel, msg, fields...) }
func Warn(msg string, fields ...zapcore.Field)  { log(zapcore.WarnLevel, msg, fields...) }
func Error(msg string, fields ...zapcore.Field) { log(zapcore.ErrorLevel, msg, fields...) }
func Panic(msg string, fields ...zapcore.Field) { log(zapcore.PanicLevel, msg, fields...) }
func Fatal(msg string, fields ...zapcore.Field) { log(zapcore.FatalLevel, msg, fields...) }

// Sync 刷新缓冲日志。部分终端对 stdout 返回的 "bad file descriptor"/"invalid argument"
// 错误不上报
func Sync() error {
	err := GetGlobalLogger().Sync()
	if err != nil && (strings.Contains(err.Error(), "bad file descriptor") ||
		strings.Contains(err.Error(), "invalid argument")) {
		return nil
	}
	return err
}

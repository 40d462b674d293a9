package utils

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/michaelpento.lv/arbexec/config"
)

var (
	log  *zap.Logger
	once sync.Once
)

// InitLogger initializes the global logger instance. When file logging is
// configured the JSON stream is also written to a rotating file.
func InitLogger(debug bool, fileCfg config.LogConfig) *zap.Logger {
	once.Do(func() {
		log = NewLogger(debug, fileCfg)
	})

	return log
}

// NewLogger builds a logger without touching the global instance.
func NewLogger(debug bool, fileCfg config.LogConfig) *zap.Logger {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if debug {
		level.SetLevel(zapcore.DebugLevel)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.StacktraceKey = "stacktrace"
	encoder := zapcore.NewJSONEncoder(encoderConfig)

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), level),
	}
	if fileCfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   fileCfg.File,
			MaxSize:    fileCfg.MaxSizeMB,
			MaxBackups: fileCfg.MaxBackups,
			MaxAge:     fileCfg.MaxAgeDays,
			Compress:   fileCfg.Compress,
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(rotator), level))
	}

	return zap.New(zapcore.NewTee(cores...),
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.ErrorOutput(zapcore.Lock(os.Stderr)),
	)
}

// GetLogger returns the global logger instance, creating a default one if
// InitLogger has not run yet. Safe for concurrent use.
func GetLogger() *zap.Logger {
	return InitLogger(false, config.LogConfig{})
}

// CleanupLogger flushes any buffered log entries
func CleanupLogger() {
	_ = GetLogger().Sync()
}

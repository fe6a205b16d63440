package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ZapConfig defines the zap backend configuration
type ZapConfig struct {
	Level  string // "debug", "info", "warn", "error"
	Format string // "json", "console"
	Caller bool   // Include caller information

	// Rotated file output, disabled when FilePath is empty
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	Compress   bool
}

// DefaultZapConfig returns the console configuration used before the
// configuration file has been read.
func DefaultZapConfig() ZapConfig {
	return ZapConfig{
		Level:      "info",
		Format:     "console",
		MaxSizeMB:  5,
		MaxBackups: 3,
	}
}

// NewZapLogger builds a zap logger that writes info and warnings to stdout,
// errors to stderr, and everything at or above the configured level to the
// rotated file if one is configured.
func NewZapLogger(config ZapConfig) (*zap.Logger, error) {
	level, err := getLevelFromString(config.Level)
	if err != nil {
		return nil, err
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.LevelKey = "level"
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	newEncoder := func() zapcore.Encoder {
		switch config.Format {
		case "json":
			return zapcore.NewJSONEncoder(encoderConfig)
		default:
			return zapcore.NewConsoleEncoder(encoderConfig)
		}
	}

	lowPriority := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return l >= level && l < zapcore.ErrorLevel
	})
	highPriority := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return l >= level && l >= zapcore.ErrorLevel
	})

	cores := []zapcore.Core{
		zapcore.NewCore(newEncoder(), zapcore.Lock(os.Stdout), lowPriority),
		zapcore.NewCore(newEncoder(), zapcore.Lock(os.Stderr), highPriority),
	}

	if config.FilePath != "" {
		fileSyncer := zapcore.AddSync(&lumberjack.Logger{
			Filename:   config.FilePath,
			MaxSize:    config.MaxSizeMB,
			MaxBackups: config.MaxBackups,
			Compress:   config.Compress,
		})
		cores = append(cores, zapcore.NewCore(newEncoder(), fileSyncer, level))
	}

	opts := []zap.Option{}
	if config.Caller {
		opts = append(opts, zap.AddCaller(), zap.AddCallerSkip(2))
	}

	return zap.New(zapcore.NewTee(cores...), opts...), nil
}

// NewZapBackedLogger adapts a zap logger to the Logger interface.
func NewZapBackedLogger(prefix string, zapLogger *zap.Logger) Logger {
	sugar := zapLogger.Sugar()
	return NewLogger(prefix, LogFuncs{
		Debugf: sugar.Debugf,
		Infof:  sugar.Infof,
		Warnf:  sugar.Warnf,
		Errorf: sugar.Errorf,
	})
}

// ValidLevel reports whether the level string is accepted by NewZapLogger.
func ValidLevel(levelStr string) bool {
	_, err := getLevelFromString(levelStr)
	return err == nil
}

// Older zap (v1.20.0) has no zapcore.ParseLevel
func getLevelFromString(levelStr string) (zapcore.Level, error) {
	switch levelStr {
	case "debug":
		return zap.DebugLevel, nil
	case "info", "":
		return zap.InfoLevel, nil
	case "warn":
		return zap.WarnLevel, nil
	case "error":
		return zap.ErrorLevel, nil
	default:
		return -1, fmt.Errorf("invalid log level: %s", levelStr)
	}
}

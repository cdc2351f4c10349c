package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. LOG_LEVEL selects the minimum level
// (debug, info, warn, error); unknown values fall back to info.
func New() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Level = zap.NewAtomicLevelAt(levelFromEnv(os.Getenv("LOG_LEVEL")))

	l, err := cfg.Build()
	if err != nil {
		return zap.NewExample()
	}
	return l
}

func levelFromEnv(v string) zapcore.Level {
	lvl := zapcore.InfoLevel
	if v == "" {
		return lvl
	}
	if err := lvl.UnmarshalText([]byte(v)); err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

package logger

import (
	"os"
	"strings"

	"signal-trader/internal/models"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var sugaredLogger *zap.SugaredLogger

// InitLogger builds the global zap logger from config. Safe to call more than
// once; the last call wins.
func InitLogger(cfg models.LogConfig) {
	logLevel := zap.NewAtomicLevel()
	if err := logLevel.UnmarshalText([]byte(cfg.Level)); err != nil {
		logLevel.SetLevel(zap.InfoLevel)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoder := zapcore.NewConsoleEncoder(encoderConfig)

	var cores []zapcore.Core
	output := strings.ToLower(cfg.Output)
	if output == "file" || output == "both" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(rotator), logLevel))
	}
	if output == "console" || output == "both" || len(cores) == 0 {
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), logLevel))
	}

	sugaredLogger = zap.New(zapcore.NewTee(cores...), zap.AddCaller()).Sugar()
}

// S returns the global sugared logger, falling back to a development logger
// when InitLogger has not run yet (early startup, tests).
func S() *zap.SugaredLogger {
	if sugaredLogger == nil {
		l, _ := zap.NewDevelopment()
		return l.Sugar()
	}
	return sugaredLogger
}

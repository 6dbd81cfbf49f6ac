// Copyright 2025 James Ross
package obs

import (
    "os"
    "strings"

    "go.uber.org/zap"
    "go.uber.org/zap/zapcore"
    "gopkg.in/natefinch/lumberjack.v2"
)

func NewLogger(level string) (*zap.Logger, error) {
    lvl := zapcore.InfoLevel
    switch strings.ToLower(level) {
    case "debug":
        lvl = zapcore.DebugLevel
    case "warn":
        lvl = zapcore.WarnLevel
    case "error":
        lvl = zapcore.ErrorLevel
    }
    cfg := zap.NewProductionConfig()
    cfg.Level = zap.NewAtomicLevelAt(lvl)
    cfg.Encoding = "json"
    return cfg.Build()
}

// NewLoggerWithFile builds a JSON logger at the same level as NewLogger that
// writes to stderr and also fans out to a lumberjack-rotated file at
// filePath (500MB per file, 5 backups, 28 days retention). Unlike NewLogger
// it encodes timestamps as ISO8601 and applies no sampling. Pass an empty
// filePath to get NewLogger's stderr-only behavior.
func NewLoggerWithFile(level, filePath string) (*zap.Logger, error) {
    if filePath == "" {
        return NewLogger(level)
    }
    lvl := zapcore.InfoLevel
    switch strings.ToLower(level) {
    case "debug":
        lvl = zapcore.DebugLevel
    case "warn":
        lvl = zapcore.WarnLevel
    case "error":
        lvl = zapcore.ErrorLevel
    }

    encoderCfg := zap.NewProductionEncoderConfig()
    encoderCfg.TimeKey = "ts"
    encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

    fileSink := zapcore.AddSync(&lumberjack.Logger{
        Filename:   filePath,
        MaxSize:    500,
        MaxBackups: 5,
        MaxAge:     28,
        Compress:   true,
    })

    core := zapcore.NewTee(
        zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.Lock(os.Stderr), lvl),
        zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), fileSink, lvl),
    )
    return zap.New(core, zap.AddCaller()), nil
}

// Convenience typed fields
func String(k, v string) zap.Field { return zap.String(k, v) }
func Int(k string, v int) zap.Field { return zap.Int(k, v) }
func Bool(k string, v bool) zap.Field { return zap.Bool(k, v) }
func Err(err error) zap.Field { return zap.Error(err) }

// This package defines a common config struct which can be used by any subsystem within chirp.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Debug              bool
	RootDir            string
	LoggingPrefix      string
	GroupSyncWaitMs    int64
	SoundMinIntervalMs int64
	ProcessedKeepCount int
	TaskDeadlineMs     int64
	writer             io.Writer
}

func (c Config) Logger(source string) *zap.SugaredLogger {
	var p string
	if source == "" {
		p = c.LoggingPrefix
	} else {
		p = fmt.Sprintf("%s:%s", c.LoggingPrefix, source)
	}

	level := zapcore.InfoLevel
	if c.Debug {
		level = zapcore.DebugLevel
	}
	opts := []zap.Option{
		zap.Fields(zap.String("source", p)),
	}

	de := zap.NewDevelopmentEncoderConfig()
	fileEncoder := zapcore.NewJSONEncoder(de)
	consoleEncoder := zapcore.NewConsoleEncoder(de)
	core := zapcore.NewTee(
		zapcore.NewCore(fileEncoder, zapcore.AddSync(c.writer), level),
		zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), level),
	)
	logger := zap.New(core, opts...)
	sugar := logger.Sugar()
	return sugar
}

type Option func(*Config)

func WithDebug(d bool) Option {
	return func(c *Config) {
		c.Debug = d
	}
}

func WithRootDir(d string) Option {
	return func(c *Config) {
		c.RootDir = d
	}
}

func WithLoggingPrefix(p string) Option {
	return func(c *Config) {
		c.LoggingPrefix = p
	}
}

// Wait applied before the queue-empty completion fires while group-pending
// notifications exist, giving a group-sync round trip time to land.
func WithGroupSyncWaitMs(n int64) Option {
	return func(c *Config) {
		c.GroupSyncWaitMs = n
	}
}

func WithSoundMinIntervalMs(n int64) Option {
	return func(c *Config) {
		c.SoundMinIntervalMs = n
	}
}

func WithProcessedKeepCount(n int) Option {
	return func(c *Config) {
		c.ProcessedKeepCount = n
	}
}

func WithTaskDeadlineMs(n int64) Option {
	return func(c *Config) {
		c.TaskDeadlineMs = n
	}
}

func NewConfig(opts ...Option) *Config {
	c := &Config{
		Debug:              os.Getenv("DEBUG") == "1",
		LoggingPrefix:      "",
		RootDir:            ".",
		GroupSyncWaitMs:    5000,
		SoundMinIntervalMs: 500,
		ProcessedKeepCount: 300,
		TaskDeadlineMs:     25000,

		writer: nil,
	}
	for _, o := range opts {
		o(c)
	}

	writer := &lumberjack.Logger{
		Filename:   filepath.Join(c.RootDir, "out.log"),
		MaxSize:    500, // megabytes
		MaxBackups: 3,
		MaxAge:     28,   // days
		Compress:   true, // disabled by default
	}
	c.writer = writer
	return c
}

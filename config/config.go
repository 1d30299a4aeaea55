// This package defines a common config struct which can be used by any subsystem within courier.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Debug         bool
	RootDir       string
	LoggingPrefix string

	// remote endpoints
	ServerURL     string
	WebsocketURL  string
	FileServerURL string
	Username      string
	Password      string

	// delivery
	StaleKeyRetries   int
	MaxEnvelopeSize   int
	ResponseTimeoutMs int64
	RequestTimeoutMs  int64

	// durable jobs
	SendMaxAttempts int
	JobLifespanMs   int64
	JobMaxBackoffMs int64

	// pagination and live updates
	PageSize         int
	WindowDebounceMs int64
	ChangeDebounceMs int64

	UploadProgressIntervalMs int64
	TokenRefreshIntervalMs   int64

	writer io.Writer
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
	return zap.New(core, opts...).Sugar()
}

// MaxWindowSize is the most messages a conversation window keeps in memory.
func (c Config) MaxWindowSize() int {
	return 3 * c.PageSize
}

func (c Config) ResponseTimeout() time.Duration {
	return time.Duration(c.ResponseTimeoutMs) * time.Millisecond
}

func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
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

func WithServerURL(u string) Option {
	return func(c *Config) {
		c.ServerURL = u
	}
}

func WithWebsocketURL(u string) Option {
	return func(c *Config) {
		c.WebsocketURL = u
	}
}

func WithFileServerURL(u string) Option {
	return func(c *Config) {
		c.FileServerURL = u
	}
}

func WithCredentials(username, password string) Option {
	return func(c *Config) {
		c.Username = username
		c.Password = password
	}
}

func WithStaleKeyRetries(n int) Option {
	return func(c *Config) {
		c.StaleKeyRetries = n
	}
}

func WithMaxEnvelopeSize(n int) Option {
	return func(c *Config) {
		c.MaxEnvelopeSize = n
	}
}

func WithResponseTimeoutMs(n int64) Option {
	return func(c *Config) {
		c.ResponseTimeoutMs = n
	}
}

func WithSendMaxAttempts(n int) Option {
	return func(c *Config) {
		c.SendMaxAttempts = n
	}
}

func WithJobLifespanMs(n int64) Option {
	return func(c *Config) {
		c.JobLifespanMs = n
	}
}

func WithJobMaxBackoffMs(n int64) Option {
	return func(c *Config) {
		c.JobMaxBackoffMs = n
	}
}

func WithPageSize(n int) Option {
	return func(c *Config) {
		c.PageSize = n
	}
}

func WithWindowDebounceMs(n int64) Option {
	return func(c *Config) {
		c.WindowDebounceMs = n
	}
}

func WithChangeDebounceMs(n int64) Option {
	return func(c *Config) {
		c.ChangeDebounceMs = n
	}
}

func WithUploadProgressIntervalMs(n int64) Option {
	return func(c *Config) {
		c.UploadProgressIntervalMs = n
	}
}

func WithTokenRefreshIntervalMs(n int64) Option {
	return func(c *Config) {
		c.TokenRefreshIntervalMs = n
	}
}

func NewConfig(opts ...Option) *Config {
	c := &Config{
		Debug:                    os.Getenv("DEBUG") == "1",
		RootDir:                  ".",
		LoggingPrefix:            "",
		StaleKeyRetries:          3,
		MaxEnvelopeSize:          256 * 1024,
		ResponseTimeoutMs:        10000,
		RequestTimeoutMs:         30000,
		SendMaxAttempts:          3,
		JobLifespanMs:            24 * 60 * 60 * 1000,
		JobMaxBackoffMs:          60000,
		PageSize:                 20,
		WindowDebounceMs:         500,
		ChangeDebounceMs:         50,
		UploadProgressIntervalMs: 200,
		TokenRefreshIntervalMs:   5 * 60 * 1000,

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

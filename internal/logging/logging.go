// Package logging configures the global zerolog logger for the binaries.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotation defaults for the optional log file.
const (
	DefaultMaxSizeMB  = 100
	DefaultMaxBackups = 5
	DefaultMaxAgeDays = 30
)

// Options controls logger setup.
type Options struct {
	Level string // zerolog level name; invalid or empty means info
	File  string // rotating JSON log file; console only when empty
}

// Setup points the global logger at a console writer on stderr, plus a rotating
// file when configured. The returned closer flushes the file and is never nil.
func Setup(opts Options) io.Closer {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(ParseLevel(opts.Level))

	console := zerolog.ConsoleWriter{Out: os.Stderr}
	if opts.File == "" {
		log.Logger = log.Output(console)
		return nopCloser{}
	}

	file := NewFileWriter(opts.File)
	log.Logger = log.Output(zerolog.MultiLevelWriter(console, file))
	return file
}

// ParseLevel parses a level name, defaulting to info.
func ParseLevel(name string) zerolog.Level {
	if name == "" {
		return zerolog.InfoLevel
	}
	level, err := zerolog.ParseLevel(name)
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

// NewFileWriter returns a size-rotated, compressed log file writer.
func NewFileWriter(path string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    DefaultMaxSizeMB,
		MaxBackups: DefaultMaxBackups,
		MaxAge:     DefaultMaxAgeDays,
		Compress:   true,
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

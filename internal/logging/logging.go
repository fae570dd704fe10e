// Package logging configures the global zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects level and outputs.
type Config struct {
	Level string
	// File, when set, also receives JSON lines and is rotated.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// Console writes human-readable output to this writer; os.Stderr if nil.
	Console io.Writer
}

// Setup installs the global logger and returns a closer for the log file.
func Setup(cfg Config) (io.Closer, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	out := cfg.Console
	if out == nil {
		out = os.Stderr
	}
	writers := []io.Writer{zerolog.ConsoleWriter{Out: out, TimeFormat: "2006-01-02 15:04:05"}}

	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    orDefault(cfg.MaxSizeMB, 50),
			MaxBackups: orDefault(cfg.MaxBackups, 5),
			MaxAge:     orDefault(cfg.MaxAgeDays, 28),
			Compress:   true,
		}
		writers = append(writers, lj)
		closer = lj
	}
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
	return closer, nil
}

func orDefault(v, d int) int {
	if v <= 0 {
		return d
	}
	return v
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

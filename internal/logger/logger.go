// Package logger builds the slog loggers used by the binaries.
package logger

import (
	"io"
	"log/slog"
	"os"
	"time"

	charmlog "github.com/charmbracelet/log"
)

type config struct {
	level  slog.Level
	json   bool
	pretty bool
	w      io.Writer
}

// Option configures a logger created with New.
type Option func(*config)

// WithDebug lowers the level to Debug.
func WithDebug(debug bool) Option {
	return func(c *config) {
		c.level = slog.LevelInfo
		if debug {
			c.level = slog.LevelDebug
		}
	}
}

// WithJSON selects slog's JSON handler.
func WithJSON(json bool) Option { return func(c *config) { c.json = json } }

// WithPretty selects the charmbracelet/log handler. It wins over WithJSON.
func WithPretty(pretty bool) Option { return func(c *config) { c.pretty = pretty } }

// WithWriter sets the output. Defaults to os.Stderr.
func WithWriter(w io.Writer) Option { return func(c *config) { c.w = w } }

func New(opts ...Option) *slog.Logger {
	c := &config{level: slog.LevelInfo, w: os.Stderr}
	for _, o := range opts {
		o(c)
	}

	switch {
	case c.pretty:
		h := charmlog.NewWithOptions(c.w, charmlog.Options{
			Level:           charmLevel(c.level),
			ReportTimestamp: true,
			TimeFormat:      time.Kitchen,
		})
		return slog.New(h)
	case c.json:
		return slog.New(slog.NewJSONHandler(c.w, &slog.HandlerOptions{Level: c.level}))
	default:
		return slog.New(slog.NewTextHandler(c.w, &slog.HandlerOptions{Level: c.level}))
	}
}

// Nop discards everything.
func Nop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func charmLevel(l slog.Level) charmlog.Level {
	if l <= slog.LevelDebug {
		return charmlog.DebugLevel
	}
	return charmlog.InfoLevel
}

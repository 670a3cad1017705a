// Package logging builds the error and access loggers and manages their sinks.
package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"pdf2zh-proxy/internal/config"
)

// AccessLog is the logger that receives one line per proxied request.
// It is a distinct type so the application and access loggers can be
// injected independently.
type AccessLog struct {
	*slog.Logger
}

// Sinks owns the files opened for log output.
type Sinks struct {
	files []*os.File
}

// New returns the application (error) logger and the access logger, each
// writing to the destination configured in cfg.Log. Call Sinks.Close on
// shutdown to release any files that were opened.
func New(cfg *config.Config) (*slog.Logger, *AccessLog, *Sinks, error) {
	sinks := &Sinks{}
	opened := make(map[string]io.Writer)

	open := func(dest string) (io.Writer, error) {
		if w, ok := opened[dest]; ok {
			return w, nil
		}
		w, f, err := openSink(dest)
		if err != nil {
			return nil, err
		}
		if f != nil {
			sinks.files = append(sinks.files, f)
		}
		opened[dest] = w
		return w, nil
	}

	errW, err := open(cfg.Log.ErrorLog)
	if err != nil {
		_ = sinks.Close()
		return nil, nil, nil, fmt.Errorf("open error log: %w", err)
	}
	accessW, err := open(cfg.Log.AccessLog)
	if err != nil {
		_ = sinks.Close()
		return nil, nil, nil, fmt.Errorf("open access log: %w", err)
	}

	level := ParseLevel(cfg.Log.Level)
	logger := slog.New(newHandler(errW, cfg.Log.Format, level))
	access := &AccessLog{Logger: slog.New(newHandler(accessW, cfg.Log.Format, slog.LevelInfo))}

	return logger, access, sinks, nil
}

// ParseLevel maps a config level name to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func newHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(format) == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// openSink resolves "-" (or empty) to stdout and anything else to a file
// opened for appending.
func openSink(dest string) (io.Writer, *os.File, error) {
	if dest == "" || dest == config.StdoutSink {
		return os.Stdout, nil, nil
	}
	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return f, f, nil
}

// Close closes every file sink.
func (s *Sinks) Close() error {
	var errs []error
	for _, f := range s.files {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.files = nil
	return errors.Join(errs...)
}

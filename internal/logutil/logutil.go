// Package logutil holds the small pslog helpers shared by every pkgd
// subsystem.
package logutil

import (
	"context"
	"io"
	"strings"
	"sync"

	"pkt.systems/pslog"
)

// SubsystemKey is the key carrying the subsystem tag on every entry.
const SubsystemKey = pslog.TrustedString("sys")

var (
	discardOnce sync.Once
	discard     pslog.Logger
)

// Discard returns a disabled logger.
func Discard() pslog.Logger {
	discardOnce.Do(func() {
		discard = pslog.NewWithOptions(context.Background(), io.Discard, pslog.Options{
			Mode:     pslog.ModeStructured,
			MinLevel: pslog.Disabled,
		})
	})
	return discard
}

// Ensure returns l, or a disabled logger when l is nil.
func Ensure(l pslog.Logger) pslog.Logger {
	if l == nil {
		return Discard()
	}
	return l
}

// Subsystem joins non-empty parts with dots.
func Subsystem(parts ...string) string {
	kept := parts[:0:0]
	for _, part := range parts {
		if part = strings.Trim(part, ". "); part != "" {
			kept = append(kept, part)
		}
	}
	return strings.Join(kept, ".")
}

// WithSubsystem tags logger with the given subsystem path.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	logger = Ensure(logger)
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}

// Writer adapts logger into an io.Writer that emits one entry per write.
// It backs http.Server.ErrorLog.
func Writer(logger pslog.Logger, msg string) io.Writer {
	return lineWriter{logger: Ensure(logger), msg: msg}
}

type lineWriter struct {
	logger pslog.Logger
	msg    string
}

func (w lineWriter) Write(p []byte) (int, error) {
	line := strings.TrimRight(string(p), "\r\n")
	if line != "" {
		w.logger.Warn(w.msg, "detail", line)
	}
	return len(p), nil
}

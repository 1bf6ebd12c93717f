package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap/zapcore"
)

// TimeFormat is the timestamp layout of console lines.
const TimeFormat = "2006-01-02T15:04:05.000Z0700"

// Appender receives every entry a logger emits. It is the subset of `zapcore.Core` the logger
// needs, so an observer core can be used directly.
type Appender interface {
	Write(zapcore.Entry, []zapcore.Field) error
	Sync() error
}

// ConsoleAppender writes tab separated lines: time, level, logger name, caller, message and, when
// present, the fields as one JSON object.
type ConsoleAppender struct {
	io.Writer
}

// NewStdoutAppender returns an appender writing to stdout.
func NewStdoutAppender() ConsoleAppender {
	return ConsoleAppender{os.Stdout}
}

// NewWriterAppender returns an appender writing to w.
func NewWriterAppender(w io.Writer) ConsoleAppender {
	return ConsoleAppender{w}
}

// Write formats and writes one line.
func (a ConsoleAppender) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	line, err := formatLine(entry, fields, entry.LoggerName != "")
	if _, werr := fmt.Fprintln(a.Writer, line); werr != nil {
		return werr
	}
	return err
}

// Sync is a no-op.
func (a ConsoleAppender) Sync() error {
	return nil
}

// formatLine renders entry as a console line. On a field encoding error the line is returned
// without the fields, together with the error.
func formatLine(entry zapcore.Entry, fields []zapcore.Field, withName bool) (string, error) {
	parts := make([]string, 0, 6)
	parts = append(parts, entry.Time.Format(TimeFormat), strings.ToUpper(entry.Level.String()))
	if withName {
		parts = append(parts, entry.LoggerName)
	}
	if entry.Caller.Defined {
		parts = append(parts, entry.Caller.TrimmedPath())
	}
	parts = append(parts, entry.Message)
	if len(fields) == 0 {
		return strings.Join(parts, "\t"), nil
	}

	// The JSON encoder keeps the fields in call order.
	enc := zapcore.NewJSONEncoder(zapcore.EncoderConfig{SkipLineEnding: true})
	buf, err := enc.EncodeEntry(zapcore.Entry{}, fields)
	if err != nil {
		return strings.Join(parts, "\t"), err
	}
	defer buf.Free()
	parts = append(parts, buf.String())
	return strings.Join(parts, "\t"), nil
}

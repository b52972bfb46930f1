// Package parser reads PHP and WordPress debug logs into structured entries.
package parser

import (
	"bufio"
	"context"
	"errors"
	"io"
	"time"
)

// Common errors returned by parsers.
var (
	ErrInvalidFormat = errors.New("invalid log format")
	ErrEmptyLine     = errors.New("empty line")
)

// Level is the PHP error level of an entry.
type Level string

const (
	LevelFatal      Level = "fatal"
	LevelParse      Level = "parse"
	LevelError      Level = "error"
	LevelWarning    Level = "warning"
	LevelNotice     Level = "notice"
	LevelDeprecated Level = "deprecated"
	LevelUnknown    Level = "unknown"
)

// IsFatal reports whether the level stops script execution.
func (l Level) IsFatal() bool {
	return l == LevelFatal || l == LevelParse
}

// Entry is one parsed log record, including any continuation lines.
type Entry struct {
	Timestamp time.Time
	Timezone  string
	Level     Level
	// Source is php, wordpress_database, wordpress or unknown.
	Source     string
	Message    string
	File       string
	Line       int
	StackTrace []string
	Raw        string
	// Offset is the byte offset just past the entry in the stream.
	Offset int64
}

// Scan reads r from its current position and calls fn for each complete
// entry. Continuation lines (stack traces) are attached to the preceding
// entry. A trailing line without a newline is left unread so a later scan
// sees it whole. It returns the number of bytes consumed.
func Scan(ctx context.Context, p *WordPressParser, r io.Reader, fn func(*Entry) error) (int64, error) {
	reader := bufio.NewReaderSize(r, 64*1024)

	var (
		consumed int64
		pending  []string
		pendEnd  int64
	)

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		lines := pending
		pending = nil
		entry, err := p.ParseMultiLine(lines)
		if err != nil {
			// Lines before the first recognizable entry are skipped.
			return nil
		}
		entry.Offset = pendEnd
		return fn(entry)
	}

	for {
		if err := ctx.Err(); err != nil {
			return consumed, err
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return consumed, err
		}
		consumed += int64(len(line))
		line = trimEOL(line)

		if p.IsStartOfEntry(line) {
			if err := flush(); err != nil {
				return consumed, err
			}
		}
		if line == "" && len(pending) == 0 {
			pendEnd = consumed
			continue
		}
		pending = append(pending, line)
		pendEnd = consumed
	}

	if err := flush(); err != nil {
		return consumed, err
	}
	return consumed, nil
}

func trimEOL(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

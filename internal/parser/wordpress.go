package parser

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// WordPressParser parses WordPress debug.log and PHP error logs.
// WordPress debug.log format: [DD-Mon-YYYY HH:MM:SS TZ] PHP Level: message
// Examples:
//
//	[15-Jan-2024 10:23:45 UTC] PHP Notice:  Undefined variable: foo
//	[15-Jan-2024 10:23:45 UTC] PHP Fatal error:  Uncaught Exception: ...
//	[15-Jan-2024 10:23:45 UTC] WordPress database error ...
type WordPressParser struct {
	// Groups: 1=timestamp, 2=timezone, 3=message
	regex *regexp.Regexp
	// Regex to detect the start of a new log entry
	startRegex *regexp.Regexp
	// Regex to extract PHP file location: "in /path/file.php on line 123"
	inLineRegex *regexp.Regexp
	// Regex to extract PHP file location: "in /path/file.php:123"
	colonRegex *regexp.Regexp
}

// WordPress timestamp format: 15-Jan-2024 10:23:45
const wordpressTimeFormat = "02-Jan-2006 15:04:05"

// NewWordPressParser creates a new WordPress log parser.
func NewWordPressParser() *WordPressParser {
	return &WordPressParser{
		regex:       regexp.MustCompile(`^\[(\d{2}-[A-Za-z]{3}-\d{4} \d{2}:\d{2}:\d{2}) ([A-Za-z_/+\-0-9]{1,32})\] (.*)$`),
		startRegex:  regexp.MustCompile(`^\[\d{2}-[A-Za-z]{3}-\d{4} \d{2}:\d{2}:\d{2}`),
		inLineRegex: regexp.MustCompile(` in ([^\s]+\.php) on line (\d+)`),
		colonRegex:  regexp.MustCompile(` in ([^\s]+\.php):(\d+)`),
	}
}

// Parse parses a single WordPress log line.
func (p *WordPressParser) Parse(line string) (*Entry, error) {
	if line == "" {
		return nil, ErrEmptyLine
	}

	matches := p.regex.FindStringSubmatch(line)
	if matches == nil {
		return nil, ErrInvalidFormat
	}

	entry := &Entry{Raw: line, Timezone: matches[2]}

	timestamp, err := time.Parse(wordpressTimeFormat, matches[1])
	if err != nil {
		return nil, ErrInvalidFormat
	}
	if loc, err := time.LoadLocation(matches[2]); err == nil {
		timestamp = time.Date(timestamp.Year(), timestamp.Month(), timestamp.Day(),
			timestamp.Hour(), timestamp.Minute(), timestamp.Second(), 0, loc)
	}
	entry.Timestamp = timestamp.UTC()

	message := matches[3]

	switch {
	case strings.HasPrefix(message, "PHP "):
		entry.Source = "php"
		entry.Level, entry.Message = parsePHPLevel(message[4:])
		p.extractPHPLocation(entry)
	case strings.HasPrefix(message, "WordPress database error"):
		entry.Source = "wordpress_database"
		entry.Level = LevelError
		entry.Message = message
	case strings.HasPrefix(message, "WordPress "):
		entry.Source = "wordpress"
		entry.Level = LevelNotice
		entry.Message = message
	default:
		entry.Source = "unknown"
		entry.Level = LevelUnknown
		entry.Message = message
	}

	return entry, nil
}

// parsePHPLevel extracts the level from a PHP error message.
// PHP error levels: Notice, Warning, Fatal error, Parse error, Deprecated, Strict Standards
func parsePHPLevel(message string) (Level, string) {
	levels := []struct {
		prefix string
		level  Level
	}{
		{"Fatal error:", LevelFatal},
		{"Parse error:", LevelParse},
		{"Catchable fatal error:", LevelFatal},
		{"Error:", LevelError},
		{"Warning:", LevelWarning},
		{"Notice:", LevelNotice},
		{"Strict Standards:", LevelNotice},
		{"Deprecated:", LevelDeprecated},
	}

	for _, l := range levels {
		if strings.HasPrefix(message, l.prefix) {
			return l.level, strings.TrimSpace(message[len(l.prefix):])
		}
	}

	return LevelUnknown, message
}

// extractPHPLocation extracts file path and line number from PHP error messages.
// Common format: "... in /path/to/file.php on line 123"
// Or: "... in /path/to/file.php:123"
func (p *WordPressParser) extractPHPLocation(entry *Entry) {
	matches := p.inLineRegex.FindStringSubmatch(entry.Message)
	if matches == nil {
		matches = p.colonRegex.FindStringSubmatch(entry.Message)
	}
	if matches == nil {
		return
	}
	entry.File = matches[1]
	entry.Line, _ = strconv.Atoi(matches[2])
}

// CanParse returns true if the line looks like a WordPress debug.log line.
func (p *WordPressParser) CanParse(line string) bool {
	matches := p.regex.FindStringSubmatch(line)
	if len(matches) < 4 {
		return false
	}
	message := matches[3]
	return strings.HasPrefix(message, "PHP ") || strings.HasPrefix(message, "WordPress")
}

// IsStartOfEntry returns true if the line is the start of a new log entry.
func (p *WordPressParser) IsStartOfEntry(line string) bool {
	return p.startRegex.MatchString(line)
}

// ParseMultiLine parses multiple lines as a single log entry.
// This handles stack traces and other multiline content in WordPress logs.
func (p *WordPressParser) ParseMultiLine(lines []string) (*Entry, error) {
	if len(lines) == 0 {
		return nil, ErrEmptyLine
	}

	entry, err := p.Parse(lines[0])
	if err != nil {
		return nil, err
	}

	if len(lines) > 1 {
		entry.Raw = strings.Join(lines, "\n")
		for _, line := range lines[1:] {
			if trimmed := strings.TrimSpace(line); trimmed != "" {
				entry.StackTrace = append(entry.StackTrace, trimmed)
			}
		}
	}

	return entry, nil
}

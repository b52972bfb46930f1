package parser

import (
	"testing"
	"time"
)

func TestWordPressParser_Parse(t *testing.T) {
	parser := NewWordPressParser()

	tests := []struct {
		name           string
		line           string
		expectError    bool
		expectedLevel  Level
		expectedMsg    string
		expectedSource string
	}{
		{
			name:           "PHP Notice",
			line:           `[15-Jan-2024 10:23:45 UTC] PHP Notice:  Undefined variable: foo in /var/www/html/wp-content/plugins/test/test.php on line 123`,
			expectedLevel:  LevelNotice,
			expectedMsg:    "Undefined variable: foo in /var/www/html/wp-content/plugins/test/test.php on line 123",
			expectedSource: "php",
		},
		{
			name:           "PHP Warning",
			line:           `[15-Jan-2024 10:23:45 UTC] PHP Warning:  array_merge(): Expected parameter 1 to be an array in /var/www/html/wp-includes/functions.php on line 456`,
			expectedLevel:  LevelWarning,
			expectedMsg:    "array_merge(): Expected parameter 1 to be an array in /var/www/html/wp-includes/functions.php on line 456",
			expectedSource: "php",
		},
		{
			name:           "PHP Fatal error",
			line:           `[15-Jan-2024 10:23:45 UTC] PHP Fatal error:  Uncaught Error: Class 'WP_Widget' not found in /var/www/html/wp-content/plugins/test/widget.php on line 10`,
			expectedLevel:  LevelFatal,
			expectedMsg:    "Uncaught Error: Class 'WP_Widget' not found in /var/www/html/wp-content/plugins/test/widget.php on line 10",
			expectedSource: "php",
		},
		{
			name:           "PHP Parse error",
			line:           `[15-Jan-2024 10:23:45 UTC] PHP Parse error:  syntax error, unexpected '}' in /var/www/html/wp-content/plugins/broken.php on line 50`,
			expectedLevel:  LevelParse,
			expectedMsg:    "syntax error, unexpected '}' in /var/www/html/wp-content/plugins/broken.php on line 50",
			expectedSource: "php",
		},
		{
			name:           "PHP Deprecated",
			line:           `[15-Jan-2024 10:23:45 UTC] PHP Deprecated:  Function create_function() is deprecated in /var/www/html/wp-content/plugins/old-plugin.php on line 200`,
			expectedLevel:  LevelDeprecated,
			expectedMsg:    "Function create_function() is deprecated in /var/www/html/wp-content/plugins/old-plugin.php on line 200",
			expectedSource: "php",
		},
		{
			name:           "PHP Catchable fatal error",
			line:           `[15-Jan-2024 10:23:45 UTC] PHP Catchable fatal error:  Argument 1 passed to test() must be an array, string given in /var/www/html/test.php on line 5`,
			expectedLevel:  LevelFatal,
			expectedMsg:    "Argument 1 passed to test() must be an array, string given in /var/www/html/test.php on line 5",
			expectedSource: "php",
		},
		{
			name:           "WordPress database error",
			line:           `[15-Jan-2024 10:23:45 UTC] WordPress database error Table 'wp_options' doesn't exist for query SELECT * FROM wp_options`,
			expectedLevel:  LevelError,
			expectedMsg:    "WordPress database error Table 'wp_options' doesn't exist for query SELECT * FROM wp_options",
			expectedSource: "wordpress_database",
		},
		{
			name:           "unrecognized message",
			line:           `[15-Jan-2024 10:23:45 UTC] something else entirely`,
			expectedLevel:  LevelUnknown,
			expectedMsg:    "something else entirely",
			expectedSource: "unknown",
		},
		{
			name:        "empty line",
			line:        "",
			expectError: true,
		},
		{
			name:        "invalid format - no brackets",
			line:        "15-Jan-2024 10:23:45 UTC PHP Notice: Test",
			expectError: true,
		},
		{
			name:        "invalid format - Monolog style",
			line:        "[2024-01-15 10:23:45] main.ERROR: Test [] []",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry, err := parser.Parse(tt.line)
			if tt.expectError {
				if err == nil {
					t.Errorf("Parse(%q): expected error, got nil", tt.line)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q): unexpected error: %v", tt.line, err)
			}
			if entry.Level != tt.expectedLevel {
				t.Errorf("level = %v, want %v", entry.Level, tt.expectedLevel)
			}
			if entry.Message != tt.expectedMsg {
				t.Errorf("message = %q, want %q", entry.Message, tt.expectedMsg)
			}
			if entry.Source != tt.expectedSource {
				t.Errorf("source = %q, want %q", entry.Source, tt.expectedSource)
			}
			if entry.Raw != tt.line {
				t.Errorf("raw = %q, want %q", entry.Raw, tt.line)
			}
		})
	}
}

func TestWordPressParser_ParseTimestamp(t *testing.T) {
	parser := NewWordPressParser()

	entry, err := parser.Parse(`[31-Dec-2024 23:59:58 UTC] PHP Warning:  New Year's Eve warning`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := time.Date(2024, time.December, 31, 23, 59, 58, 0, time.UTC)
	if !entry.Timestamp.Equal(want) {
		t.Errorf("timestamp = %v, want %v", entry.Timestamp, want)
	}
	if entry.Timezone != "UTC" {
		t.Errorf("timezone = %q, want UTC", entry.Timezone)
	}
}

func TestWordPressParser_Timezones(t *testing.T) {
	parser := NewWordPressParser()

	for _, tz := range []string{"UTC", "PST", "EST", "CDT", "Europe/Berlin"} {
		t.Run(tz, func(t *testing.T) {
			entry, err := parser.Parse(`[15-Jan-2024 10:23:45 ` + tz + `] PHP Notice:  Test message`)
			if err != nil {
				t.Fatalf("Parse: unexpected error: %v", err)
			}
			if entry.Timezone != tz {
				t.Errorf("timezone = %q, want %q", entry.Timezone, tz)
			}
			if entry.Timestamp.Location() != time.UTC {
				t.Errorf("timestamp location = %v, want UTC", entry.Timestamp.Location())
			}
		})
	}
}

func TestWordPressParser_MonthParsing(t *testing.T) {
	parser := NewWordPressParser()

	months := []struct {
		abbr     string
		expected time.Month
	}{
		{"Jan", time.January},
		{"Feb", time.February},
		{"Mar", time.March},
		{"Apr", time.April},
		{"May", time.May},
		{"Jun", time.June},
		{"Jul", time.July},
		{"Aug", time.August},
		{"Sep", time.September},
		{"Oct", time.October},
		{"Nov", time.November},
		{"Dec", time.December},
	}

	for _, m := range months {
		t.Run(m.abbr, func(t *testing.T) {
			entry, err := parser.Parse(`[15-` + m.abbr + `-2024 10:23:45 UTC] PHP Notice:  Test`)
			if err != nil {
				t.Fatalf("Parse: unexpected error: %v", err)
			}
			if entry.Timestamp.Month() != m.expected {
				t.Errorf("month = %v, want %v", entry.Timestamp.Month(), m.expected)
			}
		})
	}
}

func TestWordPressParser_ParsePHPLocation(t *testing.T) {
	parser := NewWordPressParser()

	tests := []struct {
		name         string
		line         string
		expectedFile string
		expectedLine int
	}{
		{
			name:         "standard location format",
			line:         `[15-Jan-2024 10:23:45 UTC] PHP Notice:  Undefined variable in /var/www/html/wp-content/plugins/test.php on line 123`,
			expectedFile: "/var/www/html/wp-content/plugins/test.php",
			expectedLine: 123,
		},
		{
			name:         "location with colon format",
			line:         `[15-Jan-2024 10:23:45 UTC] PHP Fatal error:  Error in /var/www/test.php:456`,
			expectedFile: "/var/www/test.php",
			expectedLine: 456,
		},
		{
			name:         "windows-style path",
			line:         `[15-Jan-2024 10:23:45 UTC] PHP Warning:  Warning in C:/xampp/htdocs/wordpress/wp-content/themes/theme/functions.php on line 78`,
			expectedFile: "C:/xampp/htdocs/wordpress/wp-content/themes/theme/functions.php",
			expectedLine: 78,
		},
		{
			name: "no location info",
			line: `[15-Jan-2024 10:23:45 UTC] PHP Notice:  Some general notice without location`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry, err := parser.Parse(tt.line)
			if err != nil {
				t.Fatalf("Parse(%q): unexpected error: %v", tt.line, err)
			}
			if entry.File != tt.expectedFile {
				t.Errorf("file = %q, want %q", entry.File, tt.expectedFile)
			}
			if entry.Line != tt.expectedLine {
				t.Errorf("line = %d, want %d", entry.Line, tt.expectedLine)
			}
		})
	}
}

func TestWordPressParser_ParseMultiLine(t *testing.T) {
	parser := NewWordPressParser()

	lines := []string{
		`[15-Jan-2024 10:23:45 UTC] PHP Fatal error:  Uncaught Exception: boom in /var/www/html/wp-content/plugins/test.php:25`,
		`Stack trace:`,
		`#0 /var/www/html/wp-includes/class-wp-hook.php(307): test_function()`,
		`#1 /var/www/html/wp-includes/plugin.php(191): WP_Hook->apply_filters()`,
		``,
		`  thrown in /var/www/html/wp-content/plugins/test.php on line 25`,
	}

	entry, err := parser.ParseMultiLine(lines)
	if err != nil {
		t.Fatalf("ParseMultiLine: %v", err)
	}
	if entry.Level != LevelFatal {
		t.Errorf("level = %v, want %v", entry.Level, LevelFatal)
	}
	if len(entry.StackTrace) != 4 {
		t.Errorf("stack trace lines = %d, want 4: %v", len(entry.StackTrace), entry.StackTrace)
	}
	if entry.File != "/var/www/html/wp-content/plugins/test.php" || entry.Line != 25 {
		t.Errorf("location = %s:%d", entry.File, entry.Line)
	}

	if _, err := parser.ParseMultiLine(nil); err != ErrEmptyLine {
		t.Errorf("ParseMultiLine(nil) error = %v, want ErrEmptyLine", err)
	}
	if _, err := parser.ParseMultiLine([]string{"#0 orphan frame"}); err == nil {
		t.Error("ParseMultiLine(orphan) expected error")
	}
}

func TestWordPressParser_IsStartOfEntry(t *testing.T) {
	parser := NewWordPressParser()

	tests := []struct {
		line     string
		expected bool
	}{
		{`[15-Jan-2024 10:23:45 UTC] PHP Notice:  Test`, true},
		{`[15-Jan-2024 10:23:45 UTC] WordPress database error`, true},
		{`[01-Dec-2000 23:59:59 PST] PHP Warning:  Warning`, true},
		{`#0 /var/www/html/wp-includes/plugin.php(525): call_user_func()`, false},
		{`  thrown in /var/www/html/wp-content/plugins/test.php on line 25`, false},
		{`Stack trace:`, false},
		{"", false},
		{`[2024-01-15 10:23:45] request.INFO: Message [] []`, false},
	}

	for _, tt := range tests {
		if got := parser.IsStartOfEntry(tt.line); got != tt.expected {
			t.Errorf("IsStartOfEntry(%q) = %v, want %v", tt.line, got, tt.expected)
		}
	}
}

func TestWordPressParser_CanParse(t *testing.T) {
	parser := NewWordPressParser()

	tests := []struct {
		line     string
		expected bool
	}{
		{`[15-Jan-2024 10:23:45 UTC] PHP Notice:  Test`, true},
		{`[15-Jan-2024 10:23:45 UTC] WordPress database error for query`, true},
		{`[15-Jan-2024 10:23:45 UTC] custom plugin output`, false},
		{`[2024-01-15 10:23:45] main.ERROR: Test [] []`, false},
		{"plain text", false},
	}

	for _, tt := range tests {
		if got := parser.CanParse(tt.line); got != tt.expected {
			t.Errorf("CanParse(%q) = %v, want %v", tt.line, got, tt.expected)
		}
	}
}

func TestParsePHPLevel(t *testing.T) {
	tests := []struct {
		input      string
		level      Level
		cleanedMsg string
	}{
		{"Fatal error:  Test message", LevelFatal, "Test message"},
		{"Parse error:  Test message", LevelParse, "Test message"},
		{"Catchable fatal error:  Test message", LevelFatal, "Test message"},
		{"Error:  Test message", LevelError, "Test message"},
		{"Warning:  Test message", LevelWarning, "Test message"},
		{"Notice:  Test message", LevelNotice, "Test message"},
		{"Strict Standards:  Test message", LevelNotice, "Test message"},
		{"Deprecated:  Test message", LevelDeprecated, "Test message"},
		{"Unknown level message", LevelUnknown, "Unknown level message"},
	}

	for _, tt := range tests {
		level, msg := parsePHPLevel(tt.input)
		if level != tt.level {
			t.Errorf("parsePHPLevel(%q) level = %v, want %v", tt.input, level, tt.level)
		}
		if msg != tt.cleanedMsg {
			t.Errorf("parsePHPLevel(%q) msg = %q, want %q", tt.input, msg, tt.cleanedMsg)
		}
	}
}

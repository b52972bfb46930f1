package builtin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/good-yellow-bee/blazeguard/internal/fingerprint"
	"github.com/good-yellow-bee/blazeguard/internal/issuer"
	"github.com/good-yellow-bee/blazeguard/internal/logging"
	"github.com/good-yellow-bee/blazeguard/internal/models"
	"github.com/good-yellow-bee/blazeguard/internal/parser"
)

// PHPLogIssuer reads new entries from a WordPress or PHP debug.log on each
// scan and reports the configured error levels.
type PHPLogIssuer struct {
	*issuer.Base
	logger *zap.Logger
	parser *parser.WordPressParser

	mu        sync.Mutex
	path      string
	fromStart bool
	levels    map[parser.Level]bool
	offset    int64
	started   bool
}

// NewPHPLogIssuer creates the debug.log issuer. It is disabled until a path
// is configured.
func NewPHPLogIssuer(logger *zap.Logger) *PHPLogIssuer {
	return &PHPLogIssuer{
		Base:   issuer.NewBase(NamePHPLog, issuer.KindScan, 40),
		logger: logging.OrNop(logger).Named("php_log"),
		parser: parser.NewWordPressParser(),
		levels: map[parser.Level]bool{parser.LevelFatal: true, parser.LevelParse: true},
	}
}

// Configure reads "path", "levels" and "from_start". Changing the path
// resets the read position.
func (i *PHPLogIssuer) Configure(opts map[string]any) error {
	if err := i.ApplyCommon(opts); err != nil {
		return err
	}
	path, err := issuer.String(opts, "path", "")
	if err != nil {
		return err
	}
	levels, err := issuer.Strings(opts, "levels", nil)
	if err != nil {
		return err
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	fromStart, err := issuer.Bool(opts, "from_start", i.fromStart)
	if err != nil {
		return err
	}
	i.fromStart = fromStart

	if levels != nil {
		set := make(map[parser.Level]bool, len(levels))
		for _, l := range levels {
			set[parser.Level(strings.ToLower(strings.TrimSpace(l)))] = true
		}
		i.levels = set
	}
	if path != "" && path != i.path {
		i.path = path
		i.offset = 0
		i.started = false
	}
	return nil
}

// Offset returns the byte position the next scan reads from.
func (i *PHPLogIssuer) Offset() int64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.offset
}

// Detect parses entries appended since the previous scan. A missing log
// file is not an error. A file shorter than the stored offset was rotated
// or truncated and is read from the start.
func (i *PHPLogIssuer) Detect(ctx context.Context) ([]*models.RawFinding, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.path == "" {
		return nil, nil
	}

	file, err := os.Open(i.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// A log created later is read from its beginning.
			i.started = true
			i.offset = 0
			return nil, nil
		}
		return nil, fmt.Errorf("open %s: %w", i.path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", i.path, err)
	}

	if !i.started {
		i.started = true
		if !i.fromStart {
			i.offset = info.Size()
			return nil, nil
		}
	}
	if info.Size() < i.offset {
		i.logger.Info("log truncated or rotated, reading from start",
			zap.String("path", i.path),
			zap.Int64("offset", i.offset),
			zap.Int64("size", info.Size()),
		)
		i.offset = 0
	}
	if info.Size() == i.offset {
		return nil, nil
	}

	if _, err := file.Seek(i.offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek %s: %w", i.path, err)
	}

	var findings []*models.RawFinding
	consumed, err := parser.Scan(ctx, i.parser, file, func(e *parser.Entry) error {
		if i.levels[e.Level] {
			findings = append(findings, i.toFinding(e))
		}
		return nil
	})
	i.offset += consumed
	if err != nil {
		return findings, fmt.Errorf("read %s: %w", i.path, err)
	}
	return findings, nil
}

func (i *PHPLogIssuer) toFinding(e *parser.Entry) *models.RawFinding {
	sev := models.SeverityLow
	switch e.Level {
	case parser.LevelFatal, parser.LevelParse:
		sev = models.SeverityHigh
	case parser.LevelError, parser.LevelWarning:
		sev = models.SeverityMedium
	}

	title := fmt.Sprintf("PHP %s", e.Level)
	if e.File != "" {
		title = fmt.Sprintf("PHP %s in %s:%d", e.Level, e.File, e.Line)
	}

	f := models.NewFinding(i.Name(), "php_"+string(e.Level), sev, title)
	f.Description = e.Message
	f.RawData = e.Raw
	f.FilePath = e.File
	f.Backtrace = strings.Join(e.StackTrace, "\n")
	if !e.Timestamp.IsZero() {
		f.DetectedAt = e.Timestamp
	}
	if e.File != "" {
		f.LineCodeHash = fingerprint.LineCodeHash(e.File, e.Line, "")
		f.Identity = []string{e.File, strconv.Itoa(e.Line)}
	} else {
		f.Identity = []string{e.Source, e.Message}
	}
	f.SetMeta("line", e.Line)
	f.SetMeta("source", e.Source)
	f.SetMeta("log_path", i.path)
	return f
}

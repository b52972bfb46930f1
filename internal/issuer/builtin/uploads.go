package builtin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/good-yellow-bee/blazeguard/internal/events"
	"github.com/good-yellow-bee/blazeguard/internal/fingerprint"
	"github.com/good-yellow-bee/blazeguard/internal/issuer"
	"github.com/good-yellow-bee/blazeguard/internal/logging"
	"github.com/good-yellow-bee/blazeguard/internal/models"
)

var defaultExecutableExtensions = []string{
	".php", ".php3", ".php4", ".php5", ".php7", ".phtml", ".phar", ".pht", ".phps",
}

// phpOpenTags mark a file as PHP source regardless of its name.
var phpOpenTags = [][]byte{[]byte("<?php"), []byte("<?=")}

// candidate is an uploaded file waiting for validation.
type candidate struct {
	path      string
	ipAddress string
	userAgent string
	reason    string
}

// UploadIssuer watches upload directories and validates uploaded files on
// each scan. Host upload events and filesystem events only register
// candidates; Detect decides which of them are findings.
type UploadIssuer struct {
	*issuer.Base
	logger *zap.Logger

	mu            sync.Mutex
	directories   []string
	extensions    map[string]bool
	maxFileSize   int64
	maxCandidates int
	rescan        bool
	candidates    map[string]candidate
}

// NewUploadIssuer creates the upload issuer.
func NewUploadIssuer(logger *zap.Logger) *UploadIssuer {
	i := &UploadIssuer{
		Base:          issuer.NewBase(NameUploads, issuer.KindHybrid, 10),
		logger:        logging.OrNop(logger).Named("uploads"),
		maxFileSize:   5 << 20,
		maxCandidates: 10000,
		candidates:    make(map[string]candidate),
	}
	i.extensions = extensionSet(defaultExecutableExtensions)
	return i
}

func extensionSet(exts []string) map[string]bool {
	set := make(map[string]bool, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		set[e] = true
	}
	return set
}

// Configure reads "directories", "extensions", "max_file_size",
// "max_candidates" and "rescan".
func (i *UploadIssuer) Configure(opts map[string]any) error {
	if err := i.ApplyCommon(opts); err != nil {
		return err
	}
	dirs, err := issuer.Strings(opts, "directories", nil)
	if err != nil {
		return err
	}
	exts, err := issuer.Strings(opts, "extensions", nil)
	if err != nil {
		return err
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	maxSize, err := issuer.Int(opts, "max_file_size", int(i.maxFileSize))
	if err != nil {
		return err
	}
	maxCandidates, err := issuer.Int(opts, "max_candidates", i.maxCandidates)
	if err != nil {
		return err
	}
	rescan, err := issuer.Bool(opts, "rescan", i.rescan)
	if err != nil {
		return err
	}
	if maxSize <= 0 || maxCandidates <= 0 {
		return fmt.Errorf("%w: max_file_size and max_candidates must be positive", issuer.ErrInvalidOption)
	}

	if dirs != nil {
		i.directories = make([]string, 0, len(dirs))
		for _, d := range dirs {
			i.directories = append(i.directories, filepath.Clean(d))
		}
	}
	if exts != nil {
		i.extensions = extensionSet(exts)
	}
	i.maxFileSize = int64(maxSize)
	i.maxCandidates = maxCandidates
	i.rescan = rescan
	return nil
}

func (i *UploadIssuer) Events() []events.Kind {
	return []events.Kind{events.KindMaliciousUpload}
}

// Handle registers the uploaded file as a candidate. The finding, if any,
// is produced by the next scan.
func (i *UploadIssuer) Handle(ctx context.Context, ev events.Event) []*models.RawFinding {
	upload, ok := ev.(*events.MaliciousUpload)
	if !ok || upload.FilePath == "" {
		return nil
	}
	i.addCandidate(candidate{
		path:      filepath.Clean(upload.FilePath),
		ipAddress: upload.IPAddress,
		userAgent: upload.UserAgent,
		reason:    upload.Reason,
	})
	return nil
}

// AddCandidate registers a path for validation on the next scan.
func (i *UploadIssuer) AddCandidate(path string) {
	i.addCandidate(candidate{path: filepath.Clean(path)})
}

func (i *UploadIssuer) addCandidate(c candidate) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if existing, ok := i.candidates[c.path]; ok {
		// Keep the request context of a host event over a bare fs event.
		if c.ipAddress == "" {
			c.ipAddress = existing.ipAddress
			c.userAgent = existing.userAgent
		}
		if c.reason == "" {
			c.reason = existing.reason
		}
		i.candidates[c.path] = c
		return
	}
	if len(i.candidates) >= i.maxCandidates {
		i.logger.Warn("upload candidate limit reached, dropping", zap.String("path", c.path))
		return
	}
	i.candidates[c.path] = c
}

// Pending returns the number of candidates awaiting validation.
func (i *UploadIssuer) Pending() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.candidates)
}

// Detect validates every candidate and returns findings for executable
// uploads. Candidates that vanished or are benign are dropped.
func (i *UploadIssuer) Detect(ctx context.Context) ([]*models.RawFinding, error) {
	i.mu.Lock()
	rescan := i.rescan
	dirs := append([]string(nil), i.directories...)
	i.mu.Unlock()

	if rescan {
		for _, dir := range dirs {
			if err := i.walk(ctx, dir); err != nil {
				return nil, err
			}
		}
	}

	i.mu.Lock()
	pending := make([]candidate, 0, len(i.candidates))
	for _, c := range i.candidates {
		pending = append(pending, c)
	}
	i.candidates = make(map[string]candidate)
	exts := i.extensions
	maxSize := i.maxFileSize
	i.mu.Unlock()

	sort.Slice(pending, func(a, b int) bool { return pending[a].path < pending[b].path })

	var findings []*models.RawFinding
	for _, c := range pending {
		if err := ctx.Err(); err != nil {
			return findings, err
		}
		f, err := i.validate(c, exts, maxSize)
		if err != nil {
			i.logger.Debug("skipping upload candidate", zap.String("path", c.path), zap.Error(err))
			continue
		}
		if f != nil {
			findings = append(findings, f)
		}
	}
	return findings, nil
}

func (i *UploadIssuer) validate(c candidate, exts map[string]bool, maxSize int64) (*models.RawFinding, error) {
	info, err := os.Stat(c.path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, nil
	}

	file, err := os.Open(c.path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxSize))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", c.path, err)
	}

	executableExt := exts[strings.ToLower(filepath.Ext(c.path))]
	phpTag := containsPHPTag(data)
	if !executableExt && !phpTag {
		return nil, nil
	}

	sev := models.SeverityHigh
	reason := "executable extension"
	switch {
	case executableExt && phpTag:
		sev = models.SeverityCritical
		reason = "PHP code with executable extension"
	case phpTag:
		reason = "PHP open tag in non-PHP file"
	}

	f := models.NewFinding(i.Name(), "executable_upload", sev, "Executable file uploaded: "+filepath.Base(c.path))
	f.FilePath = c.path
	f.IPAddress = c.ipAddress
	f.UserAgent = c.userAgent
	f.Description = reason
	f.Details = c.reason
	// The hash covers the whole file even when only a prefix was inspected.
	if int64(len(data)) < info.Size() {
		f.ContentHash, err = fingerprint.FileHash(c.path)
		if err != nil {
			return nil, err
		}
	} else {
		f.ContentHash = fingerprint.ContentHash(data)
	}
	f.Identity = []string{c.path}
	f.SetMeta("size", info.Size())
	f.SetMeta("php_tag", phpTag)
	return f, nil
}

func containsPHPTag(data []byte) bool {
	lower := bytes.ToLower(data)
	for _, tag := range phpOpenTags {
		if bytes.Contains(lower, tag) {
			return true
		}
	}
	return false
}

func (i *UploadIssuer) walk(ctx context.Context, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.Type().IsRegular() {
			i.AddCandidate(path)
		}
		return nil
	})
}

// Watch follows the configured directories with fsnotify until ctx is done,
// registering created and written files as candidates. Subdirectories
// created while watching are added to the watch.
func (i *UploadIssuer) Watch(ctx context.Context) error {
	i.mu.Lock()
	dirs := append([]string(nil), i.directories...)
	i.mu.Unlock()
	if len(dirs) == 0 {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	for _, dir := range dirs {
		if err := addTree(watcher, dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	i.logger.Info("watching upload directories", zap.Strings("directories", dirs))

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			i.handleFSEvent(watcher, event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			i.logger.Warn("upload watcher error", zap.Error(err))
		}
	}
}

func (i *UploadIssuer) handleFSEvent(watcher *fsnotify.Watcher, event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	info, err := os.Stat(event.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		if event.Has(fsnotify.Create) {
			if err := addTree(watcher, event.Name); err != nil {
				i.logger.Warn("watch new directory failed", zap.String("path", event.Name), zap.Error(err))
			}
			// Files may land before the directory watch is in place.
			_ = i.walk(context.Background(), event.Name)
		}
		return
	}
	i.AddCandidate(event.Name)
}

func addTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}

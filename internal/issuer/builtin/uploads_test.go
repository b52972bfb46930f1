package builtin

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/good-yellow-bee/blazeguard/internal/events"
	"github.com/good-yellow-bee/blazeguard/internal/fingerprint"
	"github.com/good-yellow-bee/blazeguard/internal/models"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestUploadIssuer_Detect(t *testing.T) {
	dir := t.TempDir()
	shell := filepath.Join(dir, "shell.php")
	disguised := filepath.Join(dir, "avatar.jpg")
	script := filepath.Join(dir, "empty.phtml")
	benign := filepath.Join(dir, "notes.txt")
	writeFile(t, shell, "<?php system($_GET['c']); ?>")
	writeFile(t, disguised, "\xff\xd8\xff<?PHP eval($x);")
	writeFile(t, script, "just text")
	writeFile(t, benign, "hello")

	i := NewUploadIssuer(nil)
	ctx := context.Background()

	i.Handle(ctx, &events.MaliciousUpload{
		Common:   events.Common{IPAddress: "192.0.2.10", UserAgent: "curl/8"},
		FilePath: shell,
		Reason:   "double extension",
	})
	for _, p := range []string{disguised, script, benign, filepath.Join(dir, "gone.php")} {
		i.AddCandidate(p)
	}
	if i.Pending() != 5 {
		t.Fatalf("Pending() = %d, want 5", i.Pending())
	}

	findings, err := i.Detect(ctx)
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if i.Pending() != 0 {
		t.Errorf("Pending() after Detect = %d, want 0", i.Pending())
	}

	byPath := make(map[string]*models.RawFinding)
	for _, f := range findings {
		byPath[f.FilePath] = f
	}
	if len(byPath) != 3 {
		t.Fatalf("findings = %d, want 3", len(findings))
	}

	f := byPath[shell]
	if f == nil || f.Severity != models.SeverityCritical {
		t.Fatalf("shell finding = %+v", f)
	}
	if f.IPAddress != "192.0.2.10" || f.Details != "double extension" {
		t.Errorf("shell context = ip %q details %q", f.IPAddress, f.Details)
	}
	if want := fingerprint.ContentHash([]byte("<?php system($_GET['c']); ?>")); f.ContentHash != want {
		t.Errorf("content hash = %s, want %s", f.ContentHash, want)
	}
	if byPath[disguised].Severity != models.SeverityHigh {
		t.Errorf("disguised severity = %s, want high", byPath[disguised].Severity)
	}
	if byPath[script].Severity != models.SeverityHigh {
		t.Errorf("extension-only severity = %s, want high", byPath[script].Severity)
	}
}

func TestUploadIssuer_LargeFileHashesWholeContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.php")
	content := "<?php // padding ........................................"
	writeFile(t, path, content)

	i := NewUploadIssuer(nil)
	if err := i.Configure(map[string]any{"max_file_size": 8}); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	i.AddCandidate(path)

	findings, err := i.Detect(context.Background())
	if err != nil || len(findings) != 1 {
		t.Fatalf("Detect() = %d findings, err %v", len(findings), err)
	}
	if want := fingerprint.ContentHash([]byte(content)); findings[0].ContentHash != want {
		t.Errorf("content hash = %s, want whole-file hash %s", findings[0].ContentHash, want)
	}
}

func TestUploadIssuer_Rescan(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "2026", "04", "x.php"), "<?php echo 1;")
	writeFile(t, filepath.Join(dir, "2026", "04", "photo.png"), "png")

	i := NewUploadIssuer(nil)
	if err := i.Configure(map[string]any{"directories": []any{dir}, "rescan": true}); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	findings, err := i.Detect(context.Background())
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if len(findings) != 1 || filepath.Base(findings[0].FilePath) != "x.php" {
		t.Fatalf("findings = %+v", findings)
	}
}

func TestUploadIssuer_Configure(t *testing.T) {
	i := NewUploadIssuer(nil)
	if err := i.Configure(map[string]any{"max_candidates": 0}); err == nil {
		t.Fatal("Configure(max_candidates=0) expected error")
	}
	if err := i.Configure(map[string]any{"extensions": []any{"asp", ".JSP"}, "max_candidates": 1}); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	if !i.extensions[".asp"] || !i.extensions[".jsp"] || i.extensions[".php"] {
		t.Errorf("extensions = %v", i.extensions)
	}

	i.AddCandidate("/tmp/a")
	i.AddCandidate("/tmp/b")
	if i.Pending() != 1 {
		t.Errorf("Pending() = %d, want candidate limit 1", i.Pending())
	}
}

func TestUploadIssuer_Watch(t *testing.T) {
	dir := t.TempDir()
	i := NewUploadIssuer(nil)
	if err := i.Configure(map[string]any{"directories": []any{dir}}); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- i.Watch(ctx) }()

	path := filepath.Join(dir, "dropped.php")
	deadline := time.Now().Add(5 * time.Second)
	for i.Pending() == 0 && time.Now().Before(deadline) {
		writeFile(t, path, "<?php echo 1;")
		time.Sleep(50 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	if i.Pending() == 0 {
		t.Fatal("watcher registered no candidate")
	}
}

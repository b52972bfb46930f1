package fingerprint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/good-yellow-bee/blazeguard/internal/models"
)

func TestIssueHash_Deterministic(t *testing.T) {
	a := models.NewFinding("failed_login", "brute_force", models.SeverityHigh, "Repeated failed logins")
	a.Identity = []string{"203.0.113.7", "admin"}
	b := models.NewFinding("failed_login", "brute_force", models.SeverityLow, "Different title")
	b.Identity = []string{"203.0.113.7", "admin"}

	if IssueHash(a) != IssueHash(b) {
		t.Error("same identity must produce same hash regardless of other fields")
	}
	if len(IssueHash(a)) != 64 {
		t.Errorf("hash length = %d, want 64", len(IssueHash(a)))
	}
}

func TestIssueHash_Distinguishes(t *testing.T) {
	base := func() *models.RawFinding {
		f := models.NewFinding("php_log", "php_fatal", models.SeverityHigh, "Fatal")
		f.FilePath = "/var/www/index.php"
		return f
	}

	tests := []struct {
		name   string
		mutate func(f *models.RawFinding)
	}{
		{"issuer", func(f *models.RawFinding) { f.IssuerName = "uploads" }},
		{"type", func(f *models.RawFinding) { f.IssueType = "php_parse" }},
		{"file", func(f *models.RawFinding) { f.FilePath = "/var/www/other.php" }},
		{"ip", func(f *models.RawFinding) { f.IPAddress = "10.0.0.1" }},
		{"title", func(f *models.RawFinding) { f.Title = "Other" }},
	}

	want := IssueHash(base())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := base()
			tt.mutate(f)
			if IssueHash(f) == want {
				t.Errorf("changing %s should change the hash", tt.name)
			}
		})
	}
}

func TestIssueHash_NoBoundaryCollision(t *testing.T) {
	a := models.NewFinding("x", "y", models.SeverityLow, "t")
	a.Identity = []string{"ab", "c"}
	b := models.NewFinding("x", "y", models.SeverityLow, "t")
	b.Identity = []string{"a", "bc"}
	if IssueHash(a) == IssueHash(b) {
		t.Error("identity parts must not be concatenated ambiguously")
	}
}

func TestLineCodeHash(t *testing.T) {
	h1 := LineCodeHash("/var/www/a.php", 10, "eval($_POST['x']);")
	h2 := LineCodeHash("/var/www/a.php", 10, "    eval($_POST['x']);  ")
	if h1 != h2 {
		t.Error("whitespace around code should not change the hash")
	}
	if h1 == LineCodeHash("/var/www/a.php", 11, "eval($_POST['x']);") {
		t.Error("different line should change the hash")
	}
}

func TestFileHash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shell.php")
	data := []byte("<?php system($_GET['c']);")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := FileHash(path)
	if err != nil {
		t.Fatalf("FileHash: %v", err)
	}
	if got != ContentHash(data) {
		t.Errorf("FileHash = %s, want %s", got, ContentHash(data))
	}

	if _, err := FileHash(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for missing file")
	}
}

// Package fingerprint computes the stable identities used to merge repeated
// detections of the same condition into one issue.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/good-yellow-bee/blazeguard/internal/models"
)

// separator cannot appear in the text parts, so ("ab","c") and ("a","bc")
// never collide.
const separator = "\x00"

// IssueHash returns the issue_hash of a finding: sha256 over issuer name,
// issue type and the finding's identity parts. Findings without identity
// parts are identified by file path, IP address and title.
func IssueHash(f *models.RawFinding) string {
	parts := f.Identity
	if len(parts) == 0 {
		parts = []string{f.FilePath, f.IPAddress, f.Title}
	}

	h := sha256.New()
	io.WriteString(h, f.IssuerName)
	io.WriteString(h, separator)
	io.WriteString(h, f.IssueType)
	for _, p := range parts {
		io.WriteString(h, separator)
		io.WriteString(h, strings.TrimSpace(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// LineCodeHash identifies one matched line of a file. Surrounding whitespace
// in code is ignored so reindenting a line keeps its hash.
func LineCodeHash(filePath string, line int, code string) string {
	data := filePath + separator + strconv.Itoa(line) + separator + strings.TrimSpace(code)
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// ContentHash returns the hex sha256 of data.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// FileHash returns the hex sha256 of a file's contents.
func FileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Package archive implements the archive validator (C3): safe
// decompression bookkeeping with path, count, and size limits, rejecting
// archive expansion bombs, path traversal, and symlink-style escapes.
package archive

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tonaudit/controlplane/internal/safepath"
)

// acceptedExtensions is the allow-list of file extensions an archive
// entry must carry to survive validation.
var acceptedExtensions = map[string]bool{
	".sol": true, ".vy": true, ".rs": true, ".tact": true, ".fc": true, ".func": true,
	".ts": true, ".js": true, ".py": true, ".go": true,
	".json": true, ".yaml": true, ".yml": true, ".toml": true, ".md": true, ".txt": true,
}

var testPathRe = regexp.MustCompile(`(^|/)(test|tests|__tests__)/`)

// Entry is one raw archive entry before validation.
type Entry struct {
	Path             string
	UncompressedSize int64
}

// ValidatedEntry is an accepted entry, tagged with detected language and
// test-file status.
type ValidatedEntry struct {
	Path             string
	UncompressedSize int64
	Language         string
	IsTestFile       bool
}

// Limits bounds the total entry count and total uncompressed size an
// archive may expand to.
type Limits struct {
	MaxFiles int
	MaxBytes int64
}

// ValidationError names which §4.3 step rejected the archive.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "archive: " + e.Reason }

// Validate runs the six-step algorithm from §4.3 over entries, returning
// the accepted, normalized, deduplicated, size-capped entry list.
func Validate(entries []Entry, limits Limits) ([]ValidatedEntry, error) {
	if len(entries) > limits.MaxFiles {
		return nil, &ValidationError{Reason: fmt.Sprintf("entry count %d exceeds max files %d", len(entries), limits.MaxFiles)}
	}

	seen := make(map[string]bool, len(entries))
	var out []ValidatedEntry
	var total int64

	for _, e := range entries {
		normalized, err := safepath.Normalize(e.Path)
		if err != nil {
			return nil, &ValidationError{Reason: "unsafe archive path: " + e.Path}
		}

		ext := extensionOf(normalized)
		if !acceptedExtensions[ext] {
			continue
		}

		if seen[normalized] {
			continue // first wins
		}
		seen[normalized] = true

		total += e.UncompressedSize
		if total > limits.MaxBytes {
			return nil, &ValidationError{Reason: fmt.Sprintf("uncompressed total exceeds max bytes %d", limits.MaxBytes)}
		}

		out = append(out, ValidatedEntry{
			Path:             normalized,
			UncompressedSize: e.UncompressedSize,
			Language:         languageFor(ext, normalized),
			IsTestFile:       isTestFile(normalized),
		})
	}

	return out, nil
}

func extensionOf(path string) string {
	idx := strings.LastIndexByte(path, '.')
	if idx < 0 {
		return ""
	}
	// Support compound extensions like .func distinctly from .fc; both are
	// already single-dot so a simple suffix search is sufficient here.
	return path[idx:]
}

func languageFor(ext, path string) string {
	switch ext {
	case ".sol":
		return "solidity"
	case ".vy":
		return "vyper"
	case ".rs":
		return "rust"
	case ".tact":
		return "tact"
	case ".fc", ".func":
		return "func-fift"
	case ".ts":
		return "typescript"
	case ".js":
		return "javascript"
	case ".py":
		return "python"
	case ".go":
		return "go"
	default:
		return ""
	}
}

func isTestFile(path string) bool {
	return testPathRe.MatchString(path) || strings.Contains(path, ".spec.")
}

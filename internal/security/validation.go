package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Validation errors
var (
	ErrPathTraversal     = errors.New("security: path traversal detected")
	ErrInvalidPath       = errors.New("security: invalid path")
	ErrPathOutsideRoot   = errors.New("security: path outside allowed root")
	ErrInvalidInput      = errors.New("security: invalid input")
	ErrInputTooLong      = errors.New("security: input exceeds maximum length")
	ErrNullByte          = errors.New("security: null byte in input")
	ErrInvalidUTF8       = errors.New("security: invalid UTF-8 encoding")
	ErrControlCharacters = errors.New("security: control characters in input")
)

// PathValidator provides secure path validation.
type PathValidator struct {
	// AllowedRoots are the directories that paths must be within.
	AllowedRoots []string

	AllowSymlinks bool
	MaxPathLength int
}

// DefaultPathValidator returns a PathValidator with sensible defaults.
func DefaultPathValidator() *PathValidator {
	return &PathValidator{MaxPathLength: 4096}
}

// ValidatePath returns the cleaned absolute form of path, rejecting
// traversal, null bytes and paths outside AllowedRoots.
func (v *PathValidator) ValidatePath(path string) (string, error) {
	if path == "" {
		return "", ErrInvalidPath
	}
	if strings.Contains(path, "\x00") {
		return "", ErrNullByte
	}
	if v.MaxPathLength > 0 && len(path) > v.MaxPathLength {
		return "", fmt.Errorf("%w: length %d exceeds maximum %d", ErrInputTooLong, len(path), v.MaxPathLength)
	}
	if containsTraversal(path) {
		return "", ErrPathTraversal
	}

	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}

	if len(v.AllowedRoots) > 0 {
		within := false
		for _, root := range v.AllowedRoots {
			absRoot, err := filepath.Abs(root)
			if err != nil {
				continue
			}
			if absPath == absRoot || strings.HasPrefix(absPath, absRoot+string(filepath.Separator)) {
				within = true
				break
			}
		}
		if !within {
			return "", ErrPathOutsideRoot
		}
	}

	if !v.AllowSymlinks {
		realPath, err := filepath.EvalSymlinks(absPath)
		switch {
		case err == nil:
			absPath = realPath
		case os.IsNotExist(err):
			parent := filepath.Dir(absPath)
			if realParent, perr := filepath.EvalSymlinks(parent); perr == nil && realParent != parent {
				absPath = filepath.Join(realParent, filepath.Base(absPath))
			}
		default:
			return "", fmt.Errorf("%w: symlink evaluation failed: %v", ErrInvalidPath, err)
		}
	}
	return absPath, nil
}

func containsTraversal(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return true
		}
	}
	if strings.Contains(strings.ToLower(path), "%2e%2e") {
		return true
	}
	return strings.Contains(path, "..\\") || strings.Contains(path, "\\..")
}

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidateSessionID accepts ULIDs and other short opaque identifiers made
// of letters, digits, '-' and '_'.
func ValidateSessionID(id string) error {
	if !sessionIDPattern.MatchString(id) {
		return fmt.Errorf("%w: session id %q", ErrInvalidInput, id)
	}
	return nil
}

// ValidateLabel checks free text reported by clients, such as device
// labels and user agents: valid UTF-8, no control characters, at most
// maxLen bytes.
func ValidateLabel(s string, maxLen int) error {
	if maxLen > 0 && len(s) > maxLen {
		return fmt.Errorf("%w: length %d exceeds maximum %d", ErrInputTooLong, len(s), maxLen)
	}
	if strings.Contains(s, "\x00") {
		return ErrNullByte
	}
	if !utf8.ValidString(s) {
		return ErrInvalidUTF8
	}
	for _, r := range s {
		if unicode.IsControl(r) {
			return ErrControlCharacters
		}
	}
	return nil
}

var sensitivePatterns = []struct {
	pattern     *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password|passwd|pwd|auth(?:orization)?)([\s:="']+)(?:bearer\s+)?[\w\-./+=]{16,}["']?`), "$1$2[REDACTED]"},
	{regexp.MustCompile(`(?i)\bbearer\s+[\w\-./+=]{16,}`), "Bearer [REDACTED]"},
	{regexp.MustCompile(`(?i)(key|seed|private|secret)[\s:=]+["']?[0-9a-f]{64,}["']?`), "$1=[REDACTED]"},
	{regexp.MustCompile(`(?s)-----BEGIN[\w\s]+PRIVATE KEY-----.*?-----END[\w\s]+PRIVATE KEY-----`), "[PRIVATE KEY REDACTED]"},
}

// SanitizeLogOutput masks credentials in text from remote services before
// it is logged or surfaced, for example gateway error bodies.
func SanitizeLogOutput(input string) string {
	result := input
	for _, sp := range sensitivePatterns {
		result = sp.pattern.ReplaceAllString(result, sp.replacement)
	}
	return result
}

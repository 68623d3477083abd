package detector

import (
	"path"
	"strings"
)

// placeholderValues are well-known stand-in tokens that are never real
// credentials. Matching is exact (case-insensitive) against the normalized
// matched text so real secrets that merely contain one of these words, like
// the canonical AWS documentation key, are not suppressed.
var placeholderValues = map[string]struct{}{
	"example":           {},
	"sample":            {},
	"placeholder":       {},
	"dummy":             {},
	"fake":              {},
	"changeme":          {},
	"test_key":          {},
	"test-key":          {},
	"your_api_key":      {},
	"your-api-key":      {},
	"insert_key_here":   {},
	"api_key_goes_here": {},
}

// fixturePathSegments mark paths whose findings get a confidence penalty
// rather than suppression, so real leaks in test code are not silently hidden.
var fixturePathSegments = map[string]struct{}{
	"test":      {},
	"tests":     {},
	"testdata":  {},
	"fixtures":  {},
	"fixture":   {},
	"spec":      {},
	"specs":     {},
	"__tests__": {},
	"mock":      {},
	"mocks":     {},
}

// isPlaceholder reports whether the normalized matched text is a known
// placeholder or a degenerate token (all-x, repeated character, strictly
// sequential). Degenerate tokens are dropped regardless of entropy. Matches
// that carry a keyword prefix, like API_KEY=<value>, are additionally judged
// by their value part so the prefix cannot mask a placeholder value.
func isPlaceholder(matched string) bool {
	normalized := strings.ToLower(strings.Trim(strings.TrimSpace(matched), `"'`))
	if isDegenerateToken(normalized) {
		return true
	}

	if idx := strings.LastIndexAny(normalized, ":="); idx >= 0 && idx < len(normalized)-1 {
		value := strings.Trim(strings.TrimSpace(normalized[idx+1:]), `"'`)
		if isDegenerateToken(value) {
			return true
		}
	}

	return false
}

func isDegenerateToken(s string) bool {
	if s == "" {
		return true
	}
	if _, ok := placeholderValues[s]; ok {
		return true
	}
	if strings.Trim(s, "x") == "" {
		return true
	}
	return isRepeatedChar(s) || isSequential(s)
}

// isRepeatedChar reports whether s consists of a single repeated character.
func isRepeatedChar(s string) bool {
	if len(s) < 2 {
		return false
	}
	for i := 1; i < len(s); i++ {
		if s[i] != s[0] {
			return false
		}
	}
	return true
}

// isSequential reports whether every character in s is exactly one code
// point above (or below) its predecessor, e.g. "abcdefgh" or "987654321".
func isSequential(s string) bool {
	if len(s) < 3 {
		return false
	}

	ascending, descending := true, true
	for i := 1; i < len(s); i++ {
		if s[i] != s[i-1]+1 {
			ascending = false
		}
		if s[i] != s[i-1]-1 {
			descending = false
		}
	}
	return ascending || descending
}

// isFixturePath reports whether any segment of filePath names a test or
// fixture directory.
func isFixturePath(filePath string) bool {
	cleaned := strings.ToLower(path.Clean(filePath))
	for _, segment := range strings.Split(cleaned, "/") {
		if _, ok := fixturePathSegments[segment]; ok {
			return true
		}
	}
	return false
}

// scannableExtensions gates which files are worth fetching and scanning.
// Extensionless files (Dockerfile, Makefile, dotenv variants) are scanned.
var scannableExtensions = map[string]struct{}{
	".py": {}, ".js": {}, ".ts": {}, ".java": {}, ".go": {}, ".rb": {},
	".php": {}, ".cs": {}, ".cpp": {}, ".c": {}, ".sh": {}, ".bash": {},
	".zsh": {}, ".env": {}, ".config": {}, ".cfg": {}, ".ini": {},
	".toml": {}, ".yaml": {}, ".yml": {}, ".json": {}, ".xml": {},
	".properties": {}, ".conf": {}, ".txt": {}, ".md": {},
}

// ShouldScanFile reports whether the file at filePath is a candidate for
// secret scanning based on its extension.
func ShouldScanFile(filePath string) bool {
	ext := strings.ToLower(path.Ext(filePath))
	if ext == "" {
		return true
	}
	_, ok := scannableExtensions[ext]
	return ok
}

package utils

import (
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// Truncate shortens s to at most max runes, appending an ellipsis when cut.
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	if max <= 3 {
		return string(runes[:max])
	}
	return string(runes[:max-3]) + "..."
}

// SanitizeFilename strips path components and traversal sequences from a
// transport-supplied filename so it is safe to echo into logs and history.
func SanitizeFilename(filename string) string {
	base := filepath.Base(filename)
	base = strings.ReplaceAll(base, "..", "")
	base = strings.ReplaceAll(base, "/", "_")
	base = strings.ReplaceAll(base, "\\", "_")
	return base
}

// IsImageMime reports whether a MIME type denotes an image payload.
func IsImageMime(mimeType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(mimeType)), "image/")
}

// IsTextMime reports whether a MIME type denotes decodable text content.
// Covers text/* plus the common structured-text application types.
func IsTextMime(mimeType string) bool {
	m := strings.ToLower(strings.TrimSpace(mimeType))
	if strings.HasPrefix(m, "text/") {
		return true
	}
	switch m {
	case "application/json", "application/xml", "application/yaml",
		"application/x-yaml", "application/javascript", "application/csv":
		return true
	}
	return false
}

// ImageMimeFromName guesses an image MIME type from a filename extension.
// Returns "" when the extension is not a known image format.
func ImageMimeFromName(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	}
	return ""
}

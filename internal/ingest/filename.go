package ingest

import (
	"path/filepath"
	"strings"

	"github.com/leca/imagevault/internal/apperr"
	"github.com/leca/imagevault/internal/model"
)

// SanitizeFilename rejects traversal attempts outright, replaces every
// character outside [A-Za-z0-9._-] with '_', and caps the length at maxLen
// while keeping the extension.
func SanitizeFilename(name string, maxLen int) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", apperr.Validation("filename is required")
	}
	if strings.Contains(name, "..") || strings.ContainsAny(name, "/\\\x00") {
		return "", apperr.Validation("filename contains a path component")
	}

	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()

	if maxLen > 0 && len(out) > maxLen {
		ext := filepath.Ext(out)
		if len(ext) >= maxLen {
			return out[:maxLen], nil
		}
		out = out[:maxLen-len(ext)] + ext
	}
	return out, nil
}

// extension returns the canonical file extension for an accepted format.
func extension(f model.Format) string {
	switch f {
	case model.FormatJPEG:
		return ".jpg"
	case model.FormatPNG:
		return ".png"
	case model.FormatWebP:
		return ".webp"
	}
	return ""
}

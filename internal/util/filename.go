package util

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const maxFilenameLen = 200

// stripMarks folds accented characters to their base letter.
var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// SafeFilename turns a media title into a filename that is safe in a
// Content-Disposition header and on common filesystems. The extension is
// appended unchanged.
func SafeFilename(title, ext string) string {
	folded, _, err := transform.String(stripMarks, title)
	if err != nil {
		folded = title
	}

	var b strings.Builder
	lastSpace := false
	for _, r := range folded {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
			lastSpace = false
		case strings.ContainsRune("-_.()[]", r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r) || r == '/' || r == '\\' || r == ':':
			if !lastSpace && b.Len() > 0 {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}

	name := strings.Trim(b.String(), " .")
	if len(name) > maxFilenameLen {
		name = strings.TrimRight(name[:maxFilenameLen], " .")
	}
	if name == "" {
		name = "download"
	}
	return name + ext
}

// SanitizeKey maps an arbitrary key onto [A-Za-z0-9_-] for use in cache file names.
func SanitizeKey(key string) string {
	return strings.Map(func(r rune) rune {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_') {
			return r
		}
		return '_'
	}, key)
}

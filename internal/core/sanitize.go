package core

import (
	"regexp"
	"strings"
)

var (
	idPattern  = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	tagPattern = regexp.MustCompile(`<[^>]*>`)

	htmlEscaper = strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"'", "&#39;",
		`"`, "&quot;",
	)
)

// ValidID reports whether s is a well-formed session or client identifier.
func ValidID(s string) bool {
	return idPattern.MatchString(s)
}

// SanitizeText trims whitespace and replaces HTML-significant characters with
// entities. Applied to every user-visible string before it is stored or
// fanned out.
func SanitizeText(s string) string {
	return htmlEscaper.Replace(strings.TrimSpace(s))
}

// StripHTML removes tags, then escapes what remains. Used for display names
// and track titles, which render as plain text.
func StripHTML(s string) string {
	return SanitizeText(tagPattern.ReplaceAllString(s, ""))
}

// clip truncates s to at most max runes.
func clip(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

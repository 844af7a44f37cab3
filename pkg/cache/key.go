package cache

import (
	"net/url"
	"path"
	"strings"
)

// MatchURL returns rawURL with its query string removed.
// Pattern and extension matching use this form; cache keys keep the query.
//
// Example:
//
//	https://img1.example.com/a/logo.png?v=3 -> https://img1.example.com/a/logo.png
func MatchURL(rawURL string) string {
	before, _, _ := strings.Cut(rawURL, "?")
	return before
}

// Extension returns the lower-cased file extension of the last path segment
// of rawURL, ignoring the query string. Returns "" when there is none.
func Extension(rawURL string) string {
	p := MatchURL(rawURL)
	if u, err := url.Parse(p); err == nil && u.Host != "" {
		p = u.Path
	}
	ext := path.Ext(p)
	if len(ext) <= 1 {
		return ""
	}
	return strings.ToLower(ext[1:])
}

package cache

import "testing"

func TestMatchURL(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want string
	}{
		{"no query", "https://img1.example.com/a/logo.png", "https://img1.example.com/a/logo.png"},
		{"with query", "https://img1.example.com/a/logo.png?v=3&w=10", "https://img1.example.com/a/logo.png"},
		{"empty query", "https://example.com/api?", "https://example.com/api"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MatchURL(tt.url); got != tt.want {
				t.Errorf("MatchURL(%q) = %q, want %q", tt.url, got, tt.want)
			}
		})
	}
}

func TestExtension(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want string
	}{
		{"png", "https://example.com/logo.png", "png"},
		{"query ignored", "https://example.com/photo.jpeg?size=large", "jpeg"},
		{"upper case", "https://example.com/LOGO.SVG", "svg"},
		{"dot in directory only", "https://example.com/v1.2/assets/app", ""},
		{"host only", "https://example.com", ""},
		{"fragment ignored", "https://example.com/a.css#top", "css"},
		{"not absolute", "assets/logo.GIF", "gif"},
		{"trailing dot", "https://example.com/file.", ""},
		{"script", "https://example.com/static/app.min.js", "js"},
		{"dot in query", "https://example.com/img?name=a.png", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Extension(tt.url); got != tt.want {
				t.Errorf("Extension(%q) = %q, want %q", tt.url, got, tt.want)
			}
		})
	}
}

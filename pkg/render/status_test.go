package render

import (
	"errors"
	"net/url"
	"strings"
	"testing"
)

func TestResolveStatus(t *testing.T) {
	tests := []struct {
		name     string
		observed int
		override string
		want     int
	}{
		{"plain 200", 200, "", 200},
		{"override 404 on 200", 200, "404", 404},
		{"override ignored on 500", 500, "404", 500},
		{"override ignored on 301", 301, "200", 301},
		{"304 normalized", 304, "", 200},
		{"304 then override", 304, "503", 503},
		{"leading integer", 200, " 410 Gone", 410},
		{"not a number", 200, "abc", 200},
		{"zero ignored", 200, "0", 200},
		{"out of range ignored", 200, "999", 200},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResolveStatus(tt.observed, tt.override); got != tt.want {
				t.Errorf("ResolveStatus(%d, %q) = %d, want %d", tt.observed, tt.override, got, tt.want)
			}
		})
	}
}

func TestScreenshotError(t *testing.T) {
	cause := errors.New("blocked")
	err := error(&ScreenshotError{Kind: KindForbidden, URL: "https://x.test/", Err: cause})

	if !errors.Is(err, cause) {
		t.Error("ScreenshotError should unwrap to its cause")
	}
	kind, ok := KindOf(err)
	if !ok || kind != KindForbidden {
		t.Errorf("KindOf = %q, %v", kind, ok)
	}
	if got := err.Error(); got != "screenshot Forbidden (https://x.test/): blocked" {
		t.Errorf("Error() = %q", got)
	}

	bare := &ScreenshotError{Kind: KindNoResponse, URL: "https://x.test/"}
	if got := bare.Error(); got != "screenshot NoResponse (https://x.test/)" {
		t.Errorf("Error() = %q", got)
	}

	if _, ok := KindOf(errors.New("other")); ok {
		t.Error("plain error should carry no kind")
	}
}

func TestInjectBaseHrefScript(t *testing.T) {
	u, _ := url.Parse("https://shop.example.com:8443/a/b?c=d")
	script := injectBaseHrefScript(u)

	if !strings.Contains(script, `"https://shop.example.com:8443"`) {
		t.Errorf("script does not carry the origin: %s", script)
	}
	if strings.Contains(script, "/a/b") {
		t.Error("script should carry the origin only")
	}

	evil, _ := url.Parse(`https://x.test/`)
	evil.Host = `x.test"+alert(1)+"`
	if strings.Contains(injectBaseHrefScript(evil), `"+alert(1)+"`) {
		t.Error("origin must be quoted")
	}
}

func TestDefaultHooks(t *testing.T) {
	hooks := DefaultHooks()
	if len(hooks.BeforeNavigation) != 4 {
		t.Errorf("expected 4 pre-navigation scripts, got %d", len(hooks.BeforeNavigation))
	}

	u, _ := url.Parse("https://example.com/")
	names := make([]string, 0, len(hooks.BeforeExtraction))
	for _, h := range hooks.BeforeExtraction {
		names = append(names, h.Name)
		if h.Script(u) == "" {
			t.Errorf("hook %s produced an empty script", h.Name)
		}
	}
	want := "strip_scripts,inject_base_href,annotate_styles,append_style_replay"
	if got := strings.Join(names, ","); got != want {
		t.Errorf("hook order = %s, want %s", got, want)
	}
}

package render

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/Sternrassler/render-gateway/pkg/browser"
)

// metadataFlavorHeader is set by cloud instance-metadata services.
const metadataFlavorHeader = "Metadata-Flavor"

// isMetadataResponse reports whether resp came from a cloud metadata
// endpoint. Serving such a page would leak instance credentials.
func isMetadataResponse(resp browser.Response) bool {
	return strings.EqualFold(resp.Headers().Get(metadataFlavorHeader), "Google")
}

// ResolveStatus computes the status returned for a render. 304 is treated
// as 200, and only a 200 may be replaced by the page's
// <meta name="render:status_code"> value.
func ResolveStatus(observed int, override string) int {
	status := observed
	if status == http.StatusNotModified {
		status = http.StatusOK
	}
	if status == http.StatusOK {
		if code, ok := parseStatusOverride(override); ok {
			status = code
		}
	}
	return status
}

// parseStatusOverride reads the leading integer of a meta tag value.
func parseStatusOverride(s string) (int, bool) {
	s = strings.TrimSpace(s)
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, false
	}
	code, err := strconv.Atoi(s[:end])
	if err != nil || code < 100 || code > 599 {
		return 0, false
	}
	return code, true
}

package cache

import (
	"net/http"
	"time"
)

// DefaultContentType is used when a cached response carries no Content-Type header.
const DefaultContentType = "text/html"

// Entry represents a cached sub-resource response.
type Entry struct {
	// Key is the full request URL the entry was stored under
	Key string

	// StatusCode is the HTTP status code of the cached response
	StatusCode int

	// Headers are the response headers
	Headers http.Header

	// ContentType is the resolved content type served with the body
	ContentType string

	// Data is the response body
	Data []byte

	// CachedAt is when the entry was stored
	CachedAt time.Time

	// TTL is how long the entry stays valid after CachedAt
	TTL time.Duration
}

// NewEntry builds an entry from a completed response. The content type is
// taken from the Content-Type header, falling back to DefaultContentType.
func NewEntry(statusCode int, headers http.Header, body []byte) *Entry {
	contentType := headers.Get("Content-Type")
	if contentType == "" {
		contentType = DefaultContentType
	}
	return &Entry{
		StatusCode:  statusCode,
		Headers:     headers.Clone(),
		ContentType: contentType,
		Data:        body,
	}
}

// Expires returns when the entry stops being served.
func (e *Entry) Expires() time.Time {
	return e.CachedAt.Add(e.TTL)
}

// IsExpired returns true if the entry has expired.
func (e *Entry) IsExpired() bool {
	return e.expiredAt(time.Now())
}

func (e *Entry) expiredAt(now time.Time) bool {
	return !now.Before(e.Expires())
}

// Remaining returns the time until expiration.
// Returns 0 if already expired.
func (e *Entry) Remaining() time.Duration {
	ttl := time.Until(e.Expires())
	if ttl < 0 {
		return 0
	}
	return ttl
}

// clone returns a deep copy so the stored entry cannot be mutated by the caller.
func (e *Entry) clone() *Entry {
	c := *e
	c.Headers = e.Headers.Clone()
	if e.Data != nil {
		c.Data = append([]byte(nil), e.Data...)
	}
	return &c
}

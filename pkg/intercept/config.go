package intercept

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ImagePolicy selects how image sub-resources are handled.
type ImagePolicy int

const (
	// ImagePlaceholder serves a blank image of the same type.
	ImagePlaceholder ImagePolicy = iota
	// ImageBlock aborts image requests.
	ImageBlock
	// ImagePassThrough fetches images live.
	ImagePassThrough
)

func (p ImagePolicy) String() string {
	switch p {
	case ImagePlaceholder:
		return "placeholder"
	case ImageBlock:
		return "block"
	case ImagePassThrough:
		return "passthrough"
	default:
		return fmt.Sprintf("ImagePolicy(%d)", int(p))
	}
}

// ParseImagePolicy parses a policy name. The legacy names blank_pixel,
// ignore and allow are accepted as aliases.
func ParseImagePolicy(s string) (ImagePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "placeholder", "blank_pixel":
		return ImagePlaceholder, nil
	case "block", "ignore":
		return ImageBlock, nil
	case "passthrough", "allow":
		return ImagePassThrough, nil
	default:
		return 0, fmt.Errorf("unknown image policy %q", s)
	}
}

// Config is the per-deployment interception configuration. It is not
// modified after construction.
type Config struct {
	// CacheExpiry is the TTL for opportunistically cached responses
	CacheExpiry time.Duration

	// CacheURLPattern selects cache-eligible sub-resources (query stripped).
	// Nil disables caching.
	CacheURLPattern *regexp.Regexp

	ImagePolicy ImagePolicy

	// AllowURLPattern restricts top-level navigation targets. Nil allows all.
	AllowURLPattern *regexp.Regexp

	// RestrictSubresources also aborts non-image sub-resources that do not
	// match AllowURLPattern.
	RestrictSubresources bool
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	if c.CacheURLPattern != nil && c.CacheExpiry <= 0 {
		errs = append(errs, fmt.Errorf("cache expiry must be positive (got %s)", c.CacheExpiry))
	}
	if c.ImagePolicy < ImagePlaceholder || c.ImagePolicy > ImagePassThrough {
		errs = append(errs, fmt.Errorf("invalid image policy %d", int(c.ImagePolicy)))
	}
	if c.RestrictSubresources && c.AllowURLPattern == nil {
		errs = append(errs, errors.New("restricting sub-resources requires an allow pattern"))
	}
	return errors.Join(errs...)
}

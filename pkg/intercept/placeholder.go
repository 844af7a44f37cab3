package intercept

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
)

// Placeholder is a blank image served in place of an image sub-resource.
type Placeholder struct {
	Extension   string
	ContentType string
	Body        []byte
}

// Placeholders maps a lower-case file extension to its placeholder.
type Placeholders map[string]*Placeholder

// imageTypes maps the image extensions the policy recognizes to their
// content types.
var imageTypes = map[string]string{
	"png":  "image/png",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"gif":  "image/gif",
	"svg":  "image/svg+xml",
}

// IsImageExtension reports whether ext (lower-case, no dot) is an image type.
func IsImageExtension(ext string) bool {
	_, ok := imageTypes[ext]
	return ok
}

const blankSVG = `<svg xmlns="http://www.w3.org/2000/svg" width="1" height="1" viewBox="0 0 1 1"></svg>`

// DefaultPlaceholders returns generated 1x1 blank images for every
// recognized extension.
func DefaultPlaceholders() (Placeholders, error) {
	transparent := image.NewNRGBA(image.Rect(0, 0, 1, 1))
	white := image.NewRGBA(image.Rect(0, 0, 1, 1))
	white.Set(0, 0, color.White)

	var pngBuf, gifBuf, jpegBuf bytes.Buffer
	if err := png.Encode(&pngBuf, transparent); err != nil {
		return nil, fmt.Errorf("encode png placeholder: %w", err)
	}
	paletted := image.NewPaletted(image.Rect(0, 0, 1, 1), color.Palette{color.Transparent, color.White})
	if err := gif.Encode(&gifBuf, paletted, nil); err != nil {
		return nil, fmt.Errorf("encode gif placeholder: %w", err)
	}
	if err := jpeg.Encode(&jpegBuf, white, &jpeg.Options{Quality: 50}); err != nil {
		return nil, fmt.Errorf("encode jpeg placeholder: %w", err)
	}

	bodies := map[string][]byte{
		"png":  pngBuf.Bytes(),
		"gif":  gifBuf.Bytes(),
		"jpg":  jpegBuf.Bytes(),
		"jpeg": jpegBuf.Bytes(),
		"svg":  []byte(blankSVG),
	}

	out := make(Placeholders, len(bodies))
	for ext, body := range bodies {
		out[ext] = &Placeholder{
			Extension:   ext,
			ContentType: imageTypes[ext],
			Body:        body,
		}
	}
	return out, nil
}

// LoadPlaceholders reads blank.<ext> files from dir, falling back to the
// generated defaults for extensions without a file. A file whose content
// does not match its extension is an error.
func LoadPlaceholders(dir string) (Placeholders, error) {
	out, err := DefaultPlaceholders()
	if err != nil {
		return nil, err
	}
	if dir == "" {
		return out, nil
	}

	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("placeholder dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("placeholder dir %s is not a directory", dir)
	}

	for ext, contentType := range imageTypes {
		path := filepath.Join(dir, "blank."+ext)
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read placeholder %s: %w", path, err)
		}

		mtype := mimetype.Detect(data)
		if !mtype.Is(contentType) {
			return nil, fmt.Errorf("placeholder %s has content type %s, want %s", path, mtype.String(), contentType)
		}

		out[ext] = &Placeholder{
			Extension:   ext,
			ContentType: contentType,
			Body:        data,
		}
	}
	return out, nil
}

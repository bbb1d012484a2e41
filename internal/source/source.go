// Package source provides the frames the scan orchestrator looks at: a still
// image, a directory of images played back as a camera, or a live ffmpeg
// capture.
package source

import (
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"visionscan/internal/scan"
)

// ErrNoFrame is returned when a source has not produced a frame yet.
var ErrNoFrame = errors.New("no frame available")

// Source yields the current frame on demand.
type Source interface {
	// Kind reports whether the orchestrator should treat this as a camera.
	Kind() scan.SourceKind
	// Frame returns the latest frame, or ErrNoFrame.
	Frame() (image.Image, error)
	Close() error
}

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
	".bmp":  true,
	".tif":  true,
	".tiff": true,
}

// IsImageFile reports whether name has a decodable image extension.
func IsImageFile(name string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(name))]
}

// Decode reads any registered image format.
func Decode(r io.Reader) (image.Image, string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode image: %w", err)
	}
	return img, format, nil
}

// LoadImage decodes the image file at path.
func LoadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	img, _, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// Still is a single image file.
type Still struct {
	path string
	img  image.Image
}

// NewStill loads path.
func NewStill(path string) (*Still, error) {
	img, err := LoadImage(path)
	if err != nil {
		return nil, err
	}
	return &Still{path: path, img: img}, nil
}

func (s *Still) Kind() scan.SourceKind { return scan.SourceStill }

func (s *Still) Frame() (image.Image, error) { return s.img, nil }

func (s *Still) Close() error { return nil }

// Path returns the file the image was loaded from.
func (s *Still) Path() string { return s.path }

package source

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"visionscan/internal/scan"
)

// Directory plays the images of a directory back as a camera feed. Each
// image is shown for hold consecutive frames, in file name order.
type Directory struct {
	mu     sync.Mutex
	paths  []string
	hold   int
	repeat bool
	index  int
	shown  int
	cached image.Image
	cIndex int
}

// NewDirectory lists the images in dir. hold below 1 is treated as 1.
// With repeat the playback wraps around; otherwise the last image stays.
func NewDirectory(dir string, hold int, repeat bool) (*Directory, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read frame directory: %w", err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() || !IsImageFile(e.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no images in %s", dir)
	}
	sort.Strings(paths)

	if hold < 1 {
		hold = 1
	}
	return &Directory{paths: paths, hold: hold, repeat: repeat, cIndex: -1}, nil
}

func (d *Directory) Kind() scan.SourceKind { return scan.SourceCamera }

// Frame returns the current image and advances playback by one frame.
func (d *Directory) Frame() (image.Image, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cIndex != d.index {
		img, err := LoadImage(d.paths[d.index])
		if err != nil {
			return nil, err
		}
		d.cached = img
		d.cIndex = d.index
	}
	img := d.cached

	d.shown++
	if d.shown >= d.hold {
		d.shown = 0
		switch {
		case d.index+1 < len(d.paths):
			d.index++
		case d.repeat:
			d.index = 0
		}
	}
	return img, nil
}

// Len returns the number of images.
func (d *Directory) Len() int { return len(d.paths) }

// Position returns the index of the image the next Frame call returns.
func (d *Directory) Position() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.index
}

func (d *Directory) Close() error { return nil }

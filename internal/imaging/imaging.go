// Package imaging prepares a frame for submission: crop to the target
// region, resize per analysis mode and network quality, encode as a JPEG
// data URL.
package imaging

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"math"

	"golang.org/x/image/draw"
)

// MinQuality is the floor applied after network scaling.
const MinQuality = 0.3

// Region is a normalized sub-rectangle of the frame; all fields are in [0,1].
type Region struct {
	X      float64 `mapstructure:"x" json:"x" yaml:"x"`
	Y      float64 `mapstructure:"y" json:"y" yaml:"y"`
	Width  float64 `mapstructure:"width" json:"width" yaml:"width"`
	Height float64 `mapstructure:"height" json:"height" yaml:"height"`
}

// FullFrame covers the whole source.
var FullFrame = Region{X: 0, Y: 0, Width: 1, Height: 1}

// Validate reports whether r lies inside the unit square and is non-empty.
func (r Region) Validate() error {
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("region must have positive size, got %gx%g", r.Width, r.Height)
	}
	if r.X < 0 || r.Y < 0 || r.X+r.Width > 1+1e-9 || r.Y+r.Height > 1+1e-9 {
		return fmt.Errorf("region %+v exceeds the frame", r)
	}
	return nil
}

// Rect maps r onto bounds. The result is never empty for a non-empty bounds.
func (r Region) Rect(bounds image.Rectangle) image.Rectangle {
	w, h := float64(bounds.Dx()), float64(bounds.Dy())
	x0 := bounds.Min.X + int(math.Round(r.X*w))
	y0 := bounds.Min.Y + int(math.Round(r.Y*h))
	x1 := bounds.Min.X + int(math.Round((r.X+r.Width)*w))
	y1 := bounds.Min.Y + int(math.Round((r.Y+r.Height)*h))
	rect := image.Rect(x0, y0, x1, y1).Intersect(bounds)
	if rect.Empty() && !bounds.Empty() {
		rect = image.Rect(x0, y0, x0+1, y0+1).Intersect(bounds)
	}
	return rect
}

// Crop copies the region of src into a new RGBA image with origin (0,0).
func Crop(src image.Image, r Region) *image.RGBA {
	rect := r.Rect(src.Bounds())
	dst := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Copy(dst, image.Point{}, src, rect, draw.Src, nil)
	return dst
}

// Profile is the size and quality used for one analysis mode.
type Profile struct {
	MaxWidth int     `mapstructure:"max_width" json:"max_width" yaml:"max_width"`
	Quality  float64 `mapstructure:"quality" json:"quality" yaml:"quality"`
}

// DefaultProfiles keys submission size by analysis mode. Text and label
// reading need fine detail; classification and web matching do not.
func DefaultProfiles() map[string]Profile {
	return map[string]Profile{
		"text":     {MaxWidth: 1920, Quality: 0.92},
		"label":    {MaxWidth: 1920, Quality: 0.92},
		"object":   {MaxWidth: 1280, Quality: 0.85},
		"face":     {MaxWidth: 1280, Quality: 0.85},
		"logo":     {MaxWidth: 1280, Quality: 0.85},
		"classify": {MaxWidth: 1024, Quality: 0.8},
		"web":      {MaxWidth: 1024, Quality: 0.8},
	}
}

// fallbackProfile is used for a mode missing from the table.
var fallbackProfile = Profile{MaxWidth: 1280, Quality: 0.85}

// NetworkInfo is the connection signal reported by the host. An empty
// EffectiveType means no signal.
type NetworkInfo struct {
	EffectiveType string  `json:"effective_type"`
	SaveData      bool    `json:"save_data"`
	Downlink      float64 `json:"downlink"`
}

// Multipliers returns the width and quality scale factors for n.
func (n NetworkInfo) Multipliers() (width, quality float64) {
	switch n.EffectiveType {
	case "slow-2g":
		width, quality = 0.35, 0.6
	case "2g":
		width, quality = 0.5, 0.7
	case "3g":
		width, quality = 0.75, 0.85
	default:
		width, quality = 1, 1
	}
	if n.SaveData {
		width *= 0.75
		quality *= 0.85
	}
	return width, quality
}

// Effective applies the network multipliers to p, flooring quality at MinQuality.
func Effective(p Profile, n NetworkInfo) Profile {
	wm, qm := n.Multipliers()
	out := Profile{
		MaxWidth: int(math.Round(float64(p.MaxWidth) * wm)),
		Quality:  p.Quality * qm,
	}
	if out.MaxWidth < 1 {
		out.MaxWidth = 1
	}
	if out.Quality < MinQuality {
		out.Quality = MinQuality
	}
	if out.Quality > 1 {
		out.Quality = 1
	}
	return out
}

// ProfileFor resolves the effective profile for mode.
func ProfileFor(profiles map[string]Profile, mode string, n NetworkInfo) Profile {
	p, ok := profiles[mode]
	if !ok {
		p = fallbackProfile
	}
	return Effective(p, n)
}

// Resize scales img down so its width is at most maxWidth, keeping the
// aspect ratio. Images already narrow enough are returned as is.
func Resize(img image.Image, maxWidth int) image.Image {
	b := img.Bounds()
	if maxWidth <= 0 || b.Dx() <= maxWidth {
		return img
	}
	h := int(math.Round(float64(b.Dy()) * float64(maxWidth) / float64(b.Dx())))
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, maxWidth, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// EncodeJPEG encodes img at quality in [0,1].
func EncodeJPEG(img image.Image, quality float64) ([]byte, error) {
	q := int(math.Round(quality * 100))
	if q < 1 {
		q = 1
	}
	if q > 100 {
		q = 100
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: q}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// DataURL wraps JPEG bytes as a data URL.
func DataURL(jpegBytes []byte) string {
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpegBytes)
}

// Prepared is a crop ready for fingerprinting and submission.
type Prepared struct {
	Crop    image.Image
	Profile Profile
}

// Prepare crops src to region and resizes it for mode under network n.
func Prepare(src image.Image, region Region, profiles map[string]Profile, mode string, n NetworkInfo) Prepared {
	p := ProfileFor(profiles, mode, n)
	return Prepared{
		Crop:    Resize(Crop(src, region), p.MaxWidth),
		Profile: p,
	}
}

// Encode returns the data URL of the prepared crop.
func (p Prepared) Encode() (string, error) {
	b, err := EncodeJPEG(p.Crop, p.Profile.Quality)
	if err != nil {
		return "", err
	}
	return DataURL(b), nil
}

package imaging

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/jpeg"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func checker(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if x < w/2 {
				img.Set(x, y, color.RGBA{255, 0, 0, 255})
			} else {
				img.Set(x, y, color.RGBA{0, 0, 255, 255})
			}
		}
	}
	return img
}

func TestRegionRect(t *testing.T) {
	bounds := image.Rect(0, 0, 200, 100)
	tests := []struct {
		name   string
		region Region
		want   image.Rectangle
	}{
		{"full", FullFrame, bounds},
		{"center", Region{X: 0.25, Y: 0.25, Width: 0.5, Height: 0.5}, image.Rect(50, 25, 150, 75)},
		{"right half", Region{X: 0.5, Y: 0, Width: 0.5, Height: 1}, image.Rect(100, 0, 200, 100)},
		{"tiny", Region{X: 0.5, Y: 0.5, Width: 0.0001, Height: 0.0001}, image.Rect(100, 50, 101, 51)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.region.Rect(bounds))
		})
	}
}

func TestRegionValidate(t *testing.T) {
	assert.NoError(t, FullFrame.Validate())
	assert.Error(t, Region{Width: 0, Height: 1}.Validate())
	assert.Error(t, Region{X: 0.6, Width: 0.5, Height: 1}.Validate())
	assert.Error(t, Region{X: -0.1, Width: 0.5, Height: 1}.Validate())
}

func TestCropKeepsPixels(t *testing.T) {
	src := checker(100, 50)
	crop := Crop(src, Region{X: 0.5, Y: 0, Width: 0.5, Height: 1})
	require.Equal(t, image.Rect(0, 0, 50, 50), crop.Bounds())
	assert.Equal(t, color.RGBA{0, 0, 255, 255}, crop.RGBAAt(0, 0))
	assert.Equal(t, color.RGBA{0, 0, 255, 255}, crop.RGBAAt(49, 49))
}

func TestNetworkMultipliers(t *testing.T) {
	tests := []struct {
		kind      string
		wantWidth float64
		wantQual  float64
	}{
		{"", 1, 1},
		{"4g", 1, 1},
		{"3g", 0.75, 0.85},
		{"2g", 0.5, 0.7},
		{"slow-2g", 0.35, 0.6},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			w, q := NetworkInfo{EffectiveType: tt.kind}.Multipliers()
			assert.Equal(t, tt.wantWidth, w)
			assert.Equal(t, tt.wantQual, q)
		})
	}
}

func TestEffectiveFloorsQuality(t *testing.T) {
	p := Effective(Profile{MaxWidth: 800, Quality: 0.4}, NetworkInfo{EffectiveType: "slow-2g", SaveData: true})
	assert.Equal(t, MinQuality, p.Quality)
	assert.Equal(t, 210, p.MaxWidth)

	p = Effective(Profile{MaxWidth: 1280, Quality: 0.85}, NetworkInfo{})
	assert.Equal(t, Profile{MaxWidth: 1280, Quality: 0.85}, p)
}

func TestProfileForUnknownMode(t *testing.T) {
	p := ProfileFor(DefaultProfiles(), "nope", NetworkInfo{})
	assert.Equal(t, fallbackProfile, p)
	p = ProfileFor(DefaultProfiles(), "text", NetworkInfo{EffectiveType: "2g"})
	assert.Equal(t, 960, p.MaxWidth)
}

func TestResize(t *testing.T) {
	src := checker(400, 200)
	out := Resize(src, 100)
	assert.Equal(t, image.Rect(0, 0, 100, 50), out.Bounds())

	same := Resize(src, 800)
	assert.Same(t, src, same.(*image.RGBA))
}

func TestPrepareAndEncode(t *testing.T) {
	p := Prepare(checker(400, 200), FullFrame, DefaultProfiles(), "classify", NetworkInfo{EffectiveType: "2g"})
	assert.Equal(t, 512, p.Profile.MaxWidth)
	assert.InDelta(t, 0.56, p.Profile.Quality, 1e-9)

	url, err := p.Encode()
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(url, "data:image/jpeg;base64,"))

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(url, "data:image/jpeg;base64,"))
	require.NoError(t, err)
	img, err := jpeg.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, 400, img.Bounds().Dx())
}

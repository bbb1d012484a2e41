// Package phash computes compact grayscale fingerprints of image crops and
// suppresses re-submission of visually identical crops.
package phash

import (
	"image"
	"math"

	"golang.org/x/image/draw"
)

const (
	DefaultGridSize            = 8
	DefaultSimilarityThreshold = 0.95
)

// Fingerprint is an N×N row-major grid of 8-bit luminance samples.
type Fingerprint []uint8

// Compute downsamples img to a size×size grid and converts each cell to
// luminance 0.299R + 0.587G + 0.114B, rounded to the nearest integer.
func Compute(img image.Image, size int) Fingerprint {
	if size <= 0 {
		size = DefaultGridSize
	}
	grid := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.ApproxBiLinear.Scale(grid, grid.Bounds(), img, img.Bounds(), draw.Src, nil)

	fp := make(Fingerprint, size*size)
	for i := range fp {
		p := grid.Pix[i*4 : i*4+3]
		fp[i] = Luminance(p[0], p[1], p[2])
	}
	return fp
}

// Luminance applies the fixed ITU-R BT.601 weights and rounds to 8 bits.
func Luminance(r, g, b uint8) uint8 {
	y := 0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)
	return uint8(math.Min(255, math.Round(y)))
}

// Similarity returns 1 − Σ|aᵢ−bᵢ| / (len·255). Fingerprints of different
// lengths are never similar.
func Similarity(a, b Fingerprint) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var total int
	for i := range a {
		d := int(a[i]) - int(b[i])
		if d < 0 {
			d = -d
		}
		total += d
	}
	return 1 - float64(total)/(float64(len(a))*255)
}

// Deduplicator remembers the fingerprint of the last successfully submitted crop.
type Deduplicator struct {
	gridSize  int
	threshold float64
	last      Fingerprint
}

// NewDeduplicator creates a deduplicator. Non-positive arguments take defaults.
func NewDeduplicator(gridSize int, threshold float64) *Deduplicator {
	if gridSize <= 0 {
		gridSize = DefaultGridSize
	}
	if threshold <= 0 {
		threshold = DefaultSimilarityThreshold
	}
	return &Deduplicator{gridSize: gridSize, threshold: threshold}
}

// Check fingerprints crop and reports whether it matches the last committed
// fingerprint. It never changes the stored fingerprint.
func (d *Deduplicator) Check(crop image.Image) (fp Fingerprint, similarity float64, duplicate bool) {
	fp = Compute(crop, d.gridSize)
	if d.last == nil {
		return fp, 0, false
	}
	similarity = Similarity(d.last, fp)
	return fp, similarity, similarity >= d.threshold
}

// Commit records fp as the last submitted fingerprint. Call it only after
// the submission succeeded so failed submissions stay retryable.
func (d *Deduplicator) Commit(fp Fingerprint) {
	d.last = append(Fingerprint(nil), fp...)
}

// Last returns the committed fingerprint, or nil.
func (d *Deduplicator) Last() Fingerprint {
	return d.last
}

// Reset forgets the committed fingerprint.
func (d *Deduplicator) Reset() {
	d.last = nil
}

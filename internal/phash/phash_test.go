package phash

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gray(v uint8) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 40, 40))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = v, v, v, 255
	}
	return img
}

func TestLuminanceWeights(t *testing.T) {
	assert.Equal(t, uint8(76), Luminance(255, 0, 0))
	assert.Equal(t, uint8(150), Luminance(0, 255, 0))
	assert.Equal(t, uint8(29), Luminance(0, 0, 255))
	assert.Equal(t, uint8(255), Luminance(255, 255, 255))
	assert.Equal(t, uint8(0), Luminance(0, 0, 0))
}

func TestComputeGridSize(t *testing.T) {
	fp := Compute(gray(128), 8)
	require.Len(t, fp, 64)
	for _, v := range fp {
		assert.Equal(t, uint8(128), v)
	}
	assert.Len(t, Compute(gray(1), 0), DefaultGridSize*DefaultGridSize)
}

func TestSimilarityMeanDeltaFive(t *testing.T) {
	a := make(Fingerprint, 64)
	b := make(Fingerprint, 64)
	for i := range a {
		a[i] = 100
		b[i] = 105
	}
	s := Similarity(a, b)
	assert.InDelta(t, 0.980, s, 0.0005)
	assert.GreaterOrEqual(t, s, DefaultSimilarityThreshold)
}

func TestSimilarityEdges(t *testing.T) {
	zeros := make(Fingerprint, 64)
	full := make(Fingerprint, 64)
	for i := range full {
		full[i] = 255
	}
	assert.Equal(t, 1.0, Similarity(zeros, zeros))
	assert.Equal(t, 0.0, Similarity(zeros, full))
	assert.Equal(t, 0.0, Similarity(zeros, make(Fingerprint, 16)))
	assert.Equal(t, 0.0, Similarity(nil, nil))
}

func TestDeduplicatorCommitsOnlyOnRequest(t *testing.T) {
	d := NewDeduplicator(8, 0.95)

	fp, _, dup := d.Check(gray(100))
	assert.False(t, dup, "nothing committed yet")
	assert.Nil(t, d.Last())

	// Without a commit the same crop is still not a duplicate.
	_, _, dup = d.Check(gray(100))
	assert.False(t, dup)

	d.Commit(fp)
	_, sim, dup := d.Check(gray(105))
	assert.True(t, dup)
	assert.InDelta(t, 1-5.0/255, sim, 0.0005)

	_, _, dup = d.Check(gray(200))
	assert.False(t, dup)

	d.Reset()
	assert.Nil(t, d.Last())
}

// Package embedding holds vector similarity helpers and simple embedding
// providers that stand in for an external feature extractor.
package embedding

import (
	"context"
	"errors"
	"image"
	"math"

	colorful "github.com/lucasb-eyer/go-colorful"

	"github.com/lightprint/sbta/pkg/lighting"
)

// ErrNoImage is returned when a provider is asked to embed a nil image
var ErrNoImage = errors.New("no image to embed")

// Cosine returns the cosine similarity of a and b. Vectors of different
// length, empty vectors and zero vectors yield 0.
func Cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return math.Max(-1, math.Min(1, sim))
}

// Static returns the same vector for every image
type Static struct {
	Vector []float64
}

func (s Static) Embed(ctx context.Context, img image.Image) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]float64(nil), s.Vector...), nil
}

// Histogram embeds an image as a normalized histogram of hue buckets
// followed by lightness buckets, computed in HCL space.
type Histogram struct {
	HueBins       int
	LightnessBins int
	MaxSamples    int
}

// NewHistogram returns a histogram provider with 12 hue and 8 lightness bins
func NewHistogram() Histogram {
	return Histogram{HueBins: 12, LightnessBins: 8, MaxSamples: 4096}
}

// Dim is the length of the produced vectors
func (h Histogram) Dim() int {
	return h.HueBins + h.LightnessBins
}

func (h Histogram) Embed(ctx context.Context, img image.Image) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if img == nil {
		return nil, ErrNoImage
	}
	if h.HueBins <= 0 || h.LightnessBins <= 0 {
		h = NewHistogram()
	}

	b := img.Bounds()
	w, ht := b.Dx(), b.Dy()
	n := w * ht
	vec := make([]float64, h.Dim())
	if n <= 0 {
		return vec, nil
	}

	step := 1
	if h.MaxSamples > 0 && n > h.MaxSamples {
		step = n / h.MaxSamples
	}

	for i := 0; i < n; i += step {
		r, g, bl := lighting.RGB(img, b.Min.X+i%w, b.Min.Y+i/w)
		c := colorful.Color{R: r / 255, G: g / 255, B: bl / 255}
		hue, chroma, light := c.Hcl()
		// grays carry no reliable hue
		if chroma > 0.05 && !math.IsNaN(hue) {
			bin := int(hue / 360 * float64(h.HueBins))
			vec[clampBin(bin, h.HueBins)]++
		}
		lbin := int(light * float64(h.LightnessBins))
		vec[h.HueBins+clampBin(lbin, h.LightnessBins)]++
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec, nil
}

func clampBin(bin, bins int) int {
	if bin < 0 {
		return 0
	}
	if bin >= bins {
		return bins - 1
	}
	return bin
}

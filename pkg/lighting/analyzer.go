// Package lighting derives ambient-light statistics and spoofing flags from
// a camera sample.
package lighting

import (
	"image"
	"image/color"
	"math"

	colorful "github.com/lucasb-eyer/go-colorful"
)

const (
	maxLuminanceSamples = 10000
	maxColorSamples     = 1000

	uniformStdDev    = 10.0
	uniformLuminance = 100.0

	artificialBlue = 0.1
	artificialRed  = 0.4

	uniformConfidence = 0.3
	normalConfidence  = 0.9
)

// ColorBalance holds the share of each channel in the sampled light. The
// three fractions sum to 1.
type ColorBalance struct {
	R float64 `json:"r"`
	G float64 `json:"g"`
	B float64 `json:"b"`
}

// Distance is the L1 difference between two balances, in [0, 2]
func (c ColorBalance) Distance(o ColorBalance) float64 {
	return math.Abs(c.R-o.R) + math.Abs(c.G-o.G) + math.Abs(c.B-o.B)
}

// Profile is the lighting summary of one image sample
type Profile struct {
	Luminance    float64      `json:"luminance"`
	Variance     float64      `json:"variance"`
	StdDev       float64      `json:"std_dev"`
	IsUniform    bool         `json:"is_uniform"`
	ColorBalance ColorBalance `json:"color_balance"`
	IsArtificial bool         `json:"is_artificial"`
	Confidence   float64      `json:"confidence"`

	// Hue (degrees) and Chroma of the mean sampled colour in HCL space
	Hue     float64 `json:"hue"`
	Chroma  float64 `json:"chroma"`
	Samples int     `json:"samples"`
}

// Luminance returns the BT.709 perceptual luminance of an 8-bit RGB triple
func Luminance(r, g, b float64) float64 {
	return 0.2126*r + 0.7152*g + 0.0722*b
}

// Analyze computes the lighting profile of img. A nil or empty image yields
// the zero profile.
func Analyze(img image.Image) Profile {
	if img == nil {
		return Profile{}
	}
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	pixelCount := w * h
	if pixelCount <= 0 {
		return Profile{}
	}

	var p Profile

	// luminance mean and variance in one pass over a strided sample
	step := pixelCount / maxLuminanceSamples
	if step < 1 {
		step = 1
	}
	var sum, sumSq float64
	n := 0
	for i := 0; i < pixelCount; i += step {
		r, g, b := rgbAt(img, bounds, w, i)
		l := Luminance(r, g, b)
		sum += l
		sumSq += l * l
		n++
	}
	p.Samples = n
	p.Luminance = sum / float64(n)
	p.Variance = math.Max(0, sumSq/float64(n)-p.Luminance*p.Luminance)
	p.StdDev = math.Sqrt(p.Variance)
	p.IsUniform = p.StdDev < uniformStdDev && p.Luminance > uniformLuminance

	p.ColorBalance, p.Hue, p.Chroma = colorBalance(img, bounds, w, pixelCount)
	p.IsArtificial = p.ColorBalance.B < artificialBlue && p.ColorBalance.R > artificialRed

	if p.IsUniform {
		p.Confidence = uniformConfidence
	} else {
		p.Confidence = normalConfidence
	}
	return p
}

func colorBalance(img image.Image, bounds image.Rectangle, w, pixelCount int) (ColorBalance, float64, float64) {
	step := pixelCount / maxColorSamples
	if step < 1 {
		step = 1
	}

	var sr, sg, sb float64
	n := 0
	for i := 0; i < pixelCount && n < maxColorSamples; i += step {
		r, g, b := rgbAt(img, bounds, w, i)
		sr += r
		sg += g
		sb += b
		n++
	}

	total := sr + sg + sb
	if total == 0 {
		// pure black carries no colour information
		return ColorBalance{R: 1.0 / 3, G: 1.0 / 3, B: 1.0 / 3}, 0, 0
	}

	mean := colorful.Color{
		R: sr / float64(n) / 255,
		G: sg / float64(n) / 255,
		B: sb / float64(n) / 255,
	}
	hue, chroma, _ := mean.Clamped().Hcl()
	if math.IsNaN(hue) {
		hue = 0
	}

	return ColorBalance{R: sr / total, G: sg / total, B: sb / total}, hue, chroma
}

// rgbAt returns the 8-bit channels of the i-th pixel in raster order
func rgbAt(img image.Image, bounds image.Rectangle, w, i int) (float64, float64, float64) {
	return RGB(img, bounds.Min.X+i%w, bounds.Min.Y+i/w)
}

// RGB returns the straight 8-bit colour channels at (x, y). Alpha is
// ignored, so a translucent pixel reads the same as its opaque twin.
func RGB(img image.Image, x, y int) (float64, float64, float64) {
	c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
	return float64(c.R), float64(c.G), float64(c.B)
}

package lighting

import (
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"os"
	"sync"
)

// ErrNoFrame is returned when a sampler has nothing to hand out
var ErrNoFrame = errors.New("no frame available")

// FileSampler serves frames decoded from image files on disk, cycling
// through Paths. ROI, when non-empty, crops each frame to that region.
type FileSampler struct {
	Paths []string
	ROI   image.Rectangle

	mu   sync.Mutex
	next int
}

// NewFileSampler creates a sampler over the given files
func NewFileSampler(paths ...string) *FileSampler {
	return &FileSampler{Paths: paths}
}

// Sample decodes the next file in the rotation
func (s *FileSampler) Sample() (image.Image, error) {
	s.mu.Lock()
	if len(s.Paths) == 0 {
		s.mu.Unlock()
		return nil, ErrNoFrame
	}
	path := s.Paths[s.next%len(s.Paths)]
	s.next++
	s.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open frame: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame %s: %w", path, err)
	}
	return Crop(img, s.ROI), nil
}

// StaticSampler always returns the same frame
type StaticSampler struct {
	Frame image.Image
}

// Sample returns the fixed frame or ErrNoFrame when unset
func (s StaticSampler) Sample() (image.Image, error) {
	if s.Frame == nil {
		return nil, ErrNoFrame
	}
	return s.Frame, nil
}

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

// Crop restricts img to roi. An empty roi, or an image type without
// SubImage, returns img unchanged.
func Crop(img image.Image, roi image.Rectangle) image.Image {
	if roi.Empty() {
		return img
	}
	si, ok := img.(subImager)
	if !ok {
		return img
	}
	r := roi.Intersect(img.Bounds())
	if r.Empty() {
		return img
	}
	return si.SubImage(r)
}

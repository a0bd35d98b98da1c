// Package entropy maintains a reusable random byte pool seeded from the
// system CSPRNG and stirred with low-grade physical signals.
package entropy

import (
	"crypto/rand"
	"encoding/binary"
	"image"
	"io"
	"math"
	mrand "math/rand/v2"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/lightprint/sbta/pkg"
	"github.com/lightprint/sbta/pkg/lighting"
)

const (
	DefaultPoolSize = 4096

	orientationBytes = 3
	imageSamples     = 128
)

// Source hands out bounded integers from an entropy pool. It is safe for
// concurrent use but draws are serialized.
type Source struct {
	mu     sync.Mutex
	pool   []byte
	cursor int
	reader io.Reader

	orientation pkg.OrientationSensor
	images      pkg.ImageSampler

	refreshes  uint64
	degradedAt time.Time
}

// Option configures a Source
type Option func(*Source)

// WithOrientation mixes device orientation into each refresh
func WithOrientation(o pkg.OrientationSensor) Option {
	return func(s *Source) { s.orientation = o }
}

// WithImages mixes camera luminance into each refresh
func WithImages(i pkg.ImageSampler) Option {
	return func(s *Source) { s.images = i }
}

// WithReader replaces crypto/rand as the base layer
func WithReader(r io.Reader) Option {
	return func(s *Source) { s.reader = r }
}

// WithPoolSize overrides the pool length; values below 4 are ignored
func WithPoolSize(n int) Option {
	return func(s *Source) {
		if n >= 4 {
			s.pool = make([]byte, n)
		}
	}
}

// New creates a Source. The pool is filled lazily on the first draw.
func New(opts ...Option) *Source {
	s := &Source{
		pool:   make([]byte, DefaultPoolSize),
		reader: rand.Reader,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cursor = len(s.pool)
	return s
}

// Refresh refills the whole pool and rewinds the cursor
func (s *Source) Refresh() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh()
}

func (s *Source) refresh() {
	if _, err := io.ReadFull(s.reader, s.pool); err != nil {
		s.fallbackFill()
	}

	if s.orientation != nil {
		if alpha, beta, gamma, ok := s.orientation.Orientation(); ok {
			mixOrientation(s.pool, alpha, beta, gamma)
		}
	}

	if s.images != nil {
		if img, err := s.images.Sample(); err == nil && img != nil {
			mixImage(s.pool, img)
		}
	}

	s.cursor = 0
	s.refreshes++
}

// fallbackFill keeps the source usable when the base reader fails. The
// previous pool and the clock seed a ChaCha8 stream.
func (s *Source) fallbackFill() {
	var stamp [8]byte
	binary.BigEndian.PutUint64(stamp[:], uint64(time.Now().UnixNano()))

	h, _ := blake2b.New256(nil)
	h.Write(s.pool)
	h.Write(stamp[:])
	var seed [32]byte
	copy(seed[:], h.Sum(nil))

	mrand.NewChaCha8(seed).Read(s.pool)
	s.degradedAt = time.Now()
}

func mixOrientation(pool []byte, alpha, beta, gamma float64) {
	product := math.Floor(alpha * beta * gamma * 1000)
	if math.IsNaN(product) || math.IsInf(product, 0) {
		return
	}
	noise := uint32(int64(product))
	for i := 0; i < orientationBytes && i < len(pool); i++ {
		pool[i] ^= byte(noise >> (8 * i))
	}
}

// mixImage folds strided luminance samples into the bytes that follow the
// orientation slot
func mixImage(pool []byte, img image.Image) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	n := w * h
	if n <= 0 {
		return
	}
	step := n / imageSamples
	if step < 1 {
		step = 1
	}
	for i := 0; i < imageSamples; i++ {
		idx := i * step
		pos := orientationBytes + i
		if idx >= n || pos >= len(pool) {
			return
		}
		l := lighting.Luminance(lighting.RGB(img, b.Min.X+idx%w, b.Min.Y+idx/w))
		pool[pos] ^= byte(math.Round(l))
	}
}

// NextInt returns a value in [0, max) built from the next four pool bytes.
// The pool is refreshed when fewer than four unread bytes remain.
func (s *Source) NextInt(max int) int {
	if max <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pool)-s.cursor < 4 {
		s.refresh()
	}
	v := binary.BigEndian.Uint32(s.pool[s.cursor : s.cursor+4])
	s.cursor += 4

	n := int(float64(v) / 4294967296.0 * float64(max))
	if n >= max {
		n = max - 1
	}
	return n
}

// Stats describes the pool state for diagnostics
type Stats struct {
	PoolSize   int       `json:"pool_size"`
	Remaining  int       `json:"remaining"`
	Refreshes  uint64    `json:"refreshes"`
	DegradedAt time.Time `json:"degraded_at,omitempty"`
}

// Stats returns a snapshot of the pool state
func (s *Source) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		PoolSize:   len(s.pool),
		Remaining:  len(s.pool) - s.cursor,
		Refreshes:  s.refreshes,
		DegradedAt: s.degradedAt,
	}
}

// Package lattice implements the randomized decision lattice that turns a
// factor vector into a coherence score and an adaptive accept threshold.
package lattice

import (
	"encoding/hex"
	"math"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/lightprint/sbta/pkg/entropy"
)

const (
	DefaultSize                = 256
	DefaultDecisionProbability = 15.0

	MaxMultiplier = 0.95
	MinThreshold  = 0.7
	MaxThreshold  = MinThreshold + thresholdGain

	multiplierGain = 1.5
	thresholdGain  = 0.2
)

// Crystal is the outcome of one crystallization
type Crystal struct {
	ActiveNodes int       `json:"active_nodes"`
	Timestamp   time.Time `json:"timestamp"`
}

// Seed is a crystallization snapshot kept with an anchor for audit
type Seed struct {
	ActiveNodes int       `json:"active_nodes"`
	Timestamp   time.Time `json:"timestamp"`
	Digest      string    `json:"digest"`
}

// Decision is the lattice verdict for one factor vector
type Decision struct {
	Coherence            float64   `json:"coherence"`
	ActiveNodes          int       `json:"active_nodes"`
	PositiveNodes        int       `json:"positive_nodes"`
	Distribution         []float64 `json:"distribution"`
	ConfidenceMultiplier float64   `json:"confidence_multiplier"`
	DecisionThreshold    float64   `json:"decision_threshold"`
	Timestamp            time.Time `json:"timestamp"`
}

// Diagnostics summarises lattice state for status reporting
type Diagnostics struct {
	Size             int       `json:"size"`
	ActiveNodes      int       `json:"active_nodes"`
	LastCrystallized time.Time `json:"last_crystallized,omitempty"`
	PoolRemaining    int       `json:"pool_remaining"`
	PoolRefreshes    uint64    `json:"pool_refreshes"`
}

// Lattice is a fixed-size boolean grid driven by an entropy source
type Lattice struct {
	mu          sync.Mutex
	cells       []uint8
	rng         *entropy.Source
	probability float64
	generatedAt time.Time
	now         func() time.Time
}

// New creates a lattice of the given size. A non-positive size selects
// DefaultSize and a nil source gets a private crypto-backed one.
func New(size int, rng *entropy.Source) *Lattice {
	if size <= 0 {
		size = DefaultSize
	}
	if rng == nil {
		rng = entropy.New()
	}
	return &Lattice{
		cells:       make([]uint8, size),
		rng:         rng,
		probability: DefaultDecisionProbability,
		now:         time.Now,
	}
}

// SetDecisionProbability changes the percentage used by GenerateDecision
func (l *Lattice) SetDecisionProbability(p float64) {
	l.mu.Lock()
	l.probability = clampPercent(p)
	l.mu.Unlock()
}

// Size returns the number of cells
func (l *Lattice) Size() int {
	return len(l.cells)
}

// Crystallize activates floor(p/100*size) cells chosen by an entropy-driven
// Fisher-Yates shuffle and clears the rest.
func (l *Lattice) Crystallize(probabilityPercent float64) Crystal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.crystallize(probabilityPercent)
}

func (l *Lattice) crystallize(probabilityPercent float64) Crystal {
	l.rng.Refresh()

	size := len(l.cells)
	for i := range l.cells {
		l.cells[i] = 0
	}
	l.generatedAt = l.now()

	active := int(math.Floor(clampPercent(probabilityPercent) / 100 * float64(size)))

	indices := make([]int, size)
	for i := range indices {
		indices[i] = i
	}
	for i := size - 1; i > 0; i-- {
		j := l.rng.NextInt(i + 1)
		indices[i], indices[j] = indices[j], indices[i]
	}
	for _, idx := range indices[:active] {
		l.cells[idx] = 1
	}

	return Crystal{ActiveNodes: active, Timestamp: l.generatedAt}
}

// GenerateDecision crystallizes at the decision probability, weights every
// cell by factors[i mod len(factors)] and derives coherence as the share of
// active cells that stay positive.
//
// Coherence only drops below 1 when some factor is exactly zero. While every
// factor is positive the threshold sits at MaxThreshold and the multiplier at
// MaxMultiplier, so a nonzero score can only move the verdict through the
// weighted sum.
func (l *Lattice) GenerateDecision(factors []float64) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	crystal := l.crystallize(l.probability)

	var (
		positive []float64
		peak     float64
	)
	if len(factors) > 0 {
		for i, cell := range l.cells {
			v := clampUnit(factors[i%len(factors)]) * float64(cell)
			if v > 0 {
				positive = append(positive, v)
				if v > peak {
					peak = v
				}
			}
		}
	}

	distribution := make([]float64, len(positive))
	for i, v := range positive {
		distribution[i] = v / peak
	}

	var coherence float64
	if crystal.ActiveNodes > 0 {
		coherence = float64(len(positive)) / float64(crystal.ActiveNodes)
	}

	return Decision{
		Coherence:            coherence,
		ActiveNodes:          crystal.ActiveNodes,
		PositiveNodes:        len(positive),
		Distribution:         distribution,
		ConfidenceMultiplier: math.Min(MaxMultiplier, coherence*multiplierGain),
		DecisionThreshold:    MinThreshold + coherence*thresholdGain,
		Timestamp:            crystal.Timestamp,
	}
}

// Seed crystallizes at the decision probability and returns the snapshot
// with a blake2b digest of the cell pattern.
func (l *Lattice) Seed() Seed {
	l.mu.Lock()
	defer l.mu.Unlock()

	crystal := l.crystallize(l.probability)
	sum := blake2b.Sum256(l.cells)
	return Seed{
		ActiveNodes: crystal.ActiveNodes,
		Timestamp:   crystal.Timestamp,
		Digest:      hex.EncodeToString(sum[:]),
	}
}

// Diagnostics reports the current lattice and pool state
func (l *Lattice) Diagnostics() Diagnostics {
	l.mu.Lock()
	defer l.mu.Unlock()

	active := 0
	for _, c := range l.cells {
		active += int(c)
	}
	st := l.rng.Stats()
	return Diagnostics{
		Size:             len(l.cells),
		ActiveNodes:      active,
		LastCrystallized: l.generatedAt,
		PoolRemaining:    st.Remaining,
		PoolRefreshes:    st.Refreshes,
	}
}

func clampPercent(p float64) float64 {
	if math.IsNaN(p) {
		return 0
	}
	return math.Max(0, math.Min(100, p))
}

func clampUnit(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

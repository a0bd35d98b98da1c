package sbta

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lightprint/sbta/pkg"
	"github.com/lightprint/sbta/pkg/lattice"
	"github.com/lightprint/sbta/pkg/lighting"
	"github.com/lightprint/sbta/pkg/solar"
	"github.com/lightprint/sbta/pkg/telem"
)

// AnchorVersion is written into every new anchor's metadata
const AnchorVersion = "2.0"

// Metadata describes where an anchor was created
type Metadata struct {
	Device    string    `json:"device"`
	Timezone  string    `json:"timezone"`
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// Anchor is the reference snapshot taken at enrollment. It is never
// modified; a later enrollment supersedes it.
type Anchor struct {
	ID          string           `json:"id"`
	GPS         pkg.GeoFix       `json:"gps"`
	Solar       solar.Position   `json:"solar"`
	Lighting    lighting.Profile `json:"lighting"`
	Embedding   []float64        `json:"embedding,omitempty"`
	Metadata    Metadata         `json:"metadata"`
	QuantumSeed lattice.Seed     `json:"quantum_seed"`
	CreatedAt   time.Time        `json:"created_at"`
}

// CalibrationRecord is the per-location sample set written by Calibrate
type CalibrationRecord = telem.Calibration

func newAnchorID() string {
	return "sbta_" + uuid.NewString()
}

// saveAnchor persists a as one atomic store record
func (e *Engine) saveAnchor(ctx context.Context, a *Anchor) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode anchor: %w", err)
	}
	if err := e.store.Save(ctx, pkg.ModeSBTA, data); err != nil {
		return fmt.Errorf("failed to save anchor: %w", err)
	}
	return nil
}

// latestAnchor returns the most recently enrolled anchor and the number of
// anchor records held by the store.
func (e *Engine) latestAnchor(ctx context.Context) (*Anchor, int, error) {
	records, err := e.store.List(ctx, pkg.ModeSBTA)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list anchors: %w", err)
	}
	if len(records) == 0 {
		return nil, 0, ErrNoAnchorEnrolled
	}

	last := records[len(records)-1]
	var a Anchor
	if err := json.Unmarshal(last.Data, &a); err != nil {
		return nil, len(records), fmt.Errorf("failed to decode anchor record %d: %w", last.ID, err)
	}
	return &a, len(records), nil
}

// Package gps acquires position fixes from one or more location sources,
// with best-fix sampling, fallback to the last known fix and geodesic
// helpers.
package gps

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lightprint/sbta/pkg"
	"github.com/lightprint/sbta/pkg/logx"
	"github.com/lightprint/sbta/pkg/retry"
)

// LastKnownWarning marks a fix replayed from the cache after every source
// failed
const LastKnownWarning = "Using last known position"

// Source is a single location backend
type Source interface {
	Name() string
	Priority() int
	GetFix(ctx context.Context) (*pkg.GeoFix, error)
}

// Config represents location manager configuration
type Config struct {
	MaxAccuracyM       float64       `json:"max_accuracy_m" yaml:"max_accuracy_m"`
	MaxFixAge          time.Duration `json:"max_fix_age" yaml:"max_fix_age"`
	MovementThresholdM float64       `json:"movement_threshold_m" yaml:"movement_threshold_m"`
	UseLastKnown       bool          `json:"use_last_known" yaml:"use_last_known"`
	Retry              retry.Config  `json:"retry" yaml:"retry"`
}

// DefaultConfig returns default manager configuration
func DefaultConfig() Config {
	return Config{
		MaxAccuracyM:       0,
		MaxFixAge:          5 * time.Minute,
		MovementThresholdM: 100,
		UseLastKnown:       true,
		Retry: retry.Config{
			MaxAttempts:   2,
			InitialDelay:  200 * time.Millisecond,
			MaxDelay:      time.Second,
			BackoffFactor: 2,
		},
	}
}

// Manager tries its sources in priority order and remembers the last good
// fix. It satisfies pkg.LocationProvider.
type Manager struct {
	mu        sync.Mutex
	sources   []Source
	config    Config
	runner    *retry.Runner
	logger    *logx.Logger
	lastKnown *pkg.GeoFix
	now       func() time.Time
}

// NewManager creates a manager over the given sources
func NewManager(config Config, logger *logx.Logger, sources ...Source) *Manager {
	if logger == nil {
		logger = logx.Discard()
	}
	sorted := append([]Source(nil), sources...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority() < sorted[j].Priority()
	})
	return &Manager{
		sources: sorted,
		config:  config,
		runner:  retry.NewRunner(config.Retry),
		logger:  logger.With("component", "gps"),
		now:     time.Now,
	}
}

// GetFix returns a fix from the first source that yields a valid one
func (m *Manager) GetFix(ctx context.Context) (*pkg.GeoFix, error) {
	var lastErr error

	for _, source := range m.sources {
		var fix *pkg.GeoFix
		err := m.runner.Do(ctx, func(ctx context.Context) error {
			f, err := source.GetFix(ctx)
			if err != nil {
				return err
			}
			if err := Validate(f, m.config.MaxAccuracyM, m.config.MaxFixAge, m.now()); err != nil {
				return err
			}
			fix = f
			return nil
		})
		if err != nil {
			lastErr = err
			m.logger.Debug("gps source failed", "source", source.Name(), "error", err)
			if ctx.Err() != nil {
				break
			}
			continue
		}

		if fix.Source == "" {
			fix.Source = source.Name()
		}
		m.remember(fix)
		return fix, nil
	}

	m.mu.Lock()
	last := m.lastKnown
	m.mu.Unlock()

	if m.config.UseLastKnown && last != nil {
		if err := Validate(last, 0, m.config.MaxFixAge, m.now()); err != nil {
			m.logger.Warn("gps sources unavailable and last known fix expired", "error", lastErr)
			return nil, fmt.Errorf("no GPS source produced a fix, last known unusable: %w", err)
		}
		fallback := *last
		fallback.Warning = LastKnownWarning
		m.logger.Warn("gps sources unavailable, using last known fix",
			"age_s", m.now().Sub(last.Timestamp).Seconds(), "error", lastErr)
		return &fallback, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("no GPS source produced a fix: %w", lastErr)
	}
	return nil, fmt.Errorf("no GPS sources configured")
}

// LastKnown returns a copy of the most recent good fix, or nil
func (m *Manager) LastKnown() *pkg.GeoFix {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastKnown == nil {
		return nil
	}
	fix := *m.lastKnown
	return &fix
}

// Available reports whether any source is configured or a fix is cached
func (m *Manager) Available() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sources) > 0 || m.lastKnown != nil
}

func (m *Manager) remember(fix *pkg.GeoFix) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastKnown != nil && m.config.MovementThresholdM > 0 {
		if d := Distance(m.lastKnown, fix); d > m.config.MovementThresholdM {
			m.logger.Info("movement detected",
				"distance_m", d,
				"threshold_m", m.config.MovementThresholdM,
				"elapsed_s", fix.Timestamp.Sub(m.lastKnown.Timestamp).Seconds(),
			)
		}
	}
	copied := *fix
	m.lastKnown = &copied
}

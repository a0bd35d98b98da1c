package gps

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lightprint/sbta/pkg"
	"github.com/lightprint/sbta/pkg/logx"
)

// WatcherConfig controls best-fix sampling
type WatcherConfig struct {
	Deadline       time.Duration `json:"deadline" yaml:"deadline"`
	GoodAccuracyM  float64       `json:"good_accuracy_m" yaml:"good_accuracy_m"`
	MaxSamples     int           `json:"max_samples" yaml:"max_samples"`
	SampleInterval time.Duration `json:"sample_interval" yaml:"sample_interval"`
	WarnAccuracyM  float64       `json:"warn_accuracy_m" yaml:"warn_accuracy_m"`
}

// DefaultWatcherConfig returns the standard acquisition policy
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{
		Deadline:       15 * time.Second,
		GoodAccuracyM:  20,
		MaxSamples:     3,
		SampleInterval: time.Second,
		WarnAccuracyM:  100,
	}
}

// TimeoutWarning marks a fix returned because the deadline passed
const TimeoutWarning = "Timeout, using best available"

// ErrGPSTimeout is returned when the deadline passes without any fix
var ErrGPSTimeout = errors.New("GPS timeout")

// Watcher samples a provider repeatedly and keeps the most accurate fix.
// It stops at the first fix within GoodAccuracyM or after MaxSamples
// readings; when the deadline passes it returns the best fix seen.
type Watcher struct {
	provider pkg.LocationProvider
	config   WatcherConfig
	logger   *logx.Logger
}

// NewWatcher wraps provider with best-fix sampling
func NewWatcher(provider pkg.LocationProvider, config WatcherConfig, logger *logx.Logger) *Watcher {
	def := DefaultWatcherConfig()
	if config.Deadline <= 0 {
		config.Deadline = def.Deadline
	}
	if config.MaxSamples <= 0 {
		config.MaxSamples = def.MaxSamples
	}
	if config.GoodAccuracyM <= 0 {
		config.GoodAccuracyM = def.GoodAccuracyM
	}
	if config.SampleInterval < 0 {
		config.SampleInterval = 0
	}
	if logger == nil {
		logger = logx.Discard()
	}
	return &Watcher{provider: provider, config: config, logger: logger.With("component", "gps_watch")}
}

// GetFix implements pkg.LocationProvider
func (w *Watcher) GetFix(ctx context.Context) (*pkg.GeoFix, error) {
	ctx, cancel := context.WithTimeout(ctx, w.config.Deadline)
	defer cancel()

	var (
		best    *pkg.GeoFix
		lastErr error
	)

	for attempt := 1; attempt <= w.config.MaxSamples; attempt++ {
		fix, err := w.provider.GetFix(ctx)
		switch {
		case err != nil:
			lastErr = err
		case fix != nil && (best == nil || fix.Accuracy < best.Accuracy):
			copied := *fix
			best = &copied
		}

		if ctx.Err() != nil {
			return w.timedOut(best, lastErr, attempt)
		}
		if best != nil && best.Accuracy <= w.config.GoodAccuracyM {
			return w.finish(best, attempt), nil
		}
		if attempt == w.config.MaxSamples {
			break
		}

		select {
		case <-ctx.Done():
			return w.timedOut(best, lastErr, attempt)
		case <-time.After(w.config.SampleInterval):
		}
	}

	if best == nil {
		return nil, fmt.Errorf("GPS error: %w", lastErr)
	}
	return w.finish(best, w.config.MaxSamples), nil
}

func (w *Watcher) finish(best *pkg.GeoFix, samples int) *pkg.GeoFix {
	best.Samples = samples
	if w.config.WarnAccuracyM > 0 && best.Accuracy > w.config.WarnAccuracyM {
		w.logger.Warn("GPS accuracy low", "accuracy_m", best.Accuracy, "samples", samples)
	}
	return best
}

func (w *Watcher) timedOut(best *pkg.GeoFix, lastErr error, samples int) (*pkg.GeoFix, error) {
	if best == nil {
		if lastErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrGPSTimeout, lastErr)
		}
		return nil, ErrGPSTimeout
	}
	best.Samples = samples
	best.Warning = TimeoutWarning
	w.logger.Warn("GPS deadline reached, using best fix", "accuracy_m", best.Accuracy, "samples", samples)
	return best, nil
}

// Package telem keeps per-location calibration records and a bounded
// history of engine events in memory.
package telem

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/lightprint/sbta/pkg"
	"github.com/lightprint/sbta/pkg/lighting"
	"github.com/lightprint/sbta/pkg/solar"
)

// CalibrationSample is one observation taken during calibration
type CalibrationSample struct {
	Timestamp time.Time        `json:"timestamp"`
	Fix       pkg.GeoFix       `json:"gps"`
	Lighting  lighting.Profile `json:"lighting"`
	Solar     solar.Position   `json:"solar"`
}

// CalibrationAverages summarises the samples of a calibration run
type CalibrationAverages struct {
	Luminance float64 `json:"luminance"`
	Variance  float64 `json:"variance"`
	Elevation float64 `json:"elevation"`
}

// Calibration is the record stored under a coarse location key. A new run
// for the same key replaces the previous record.
type Calibration struct {
	LocationKey string              `json:"location_key"`
	Samples     []CalibrationSample `json:"samples"`
	Averages    CalibrationAverages `json:"averages"`
	// LuminanceTrend is the fitted change in luminance per minute
	LuminanceTrend float64   `json:"luminance_trend_per_min"`
	CompletedAt    time.Time `json:"completed_at"`
}

// Event represents an engine event (enrollment, verification, errors)
type Event struct {
	Timestamp time.Time   `json:"timestamp"`
	Level     string      `json:"level"`
	Type      string      `json:"type"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
}

// Config for the telemetry store
type Config struct {
	MaxCalibrations int `json:"max_calibrations" yaml:"max_calibrations"`
	MaxEvents       int `json:"max_events" yaml:"max_events"`
	RetentionHours  int `json:"retention_hours" yaml:"retention_hours"`
	MaxRAMMB        int `json:"max_ram_mb" yaml:"max_ram_mb"`
}

// Stats summarises store usage
type Stats struct {
	Calibrations   int     `json:"calibrations"`
	Events         int     `json:"events"`
	RetentionHours float64 `json:"retention_hours"`
	MaxRAMMB       int     `json:"max_ram_mb"`
	EstimatedBytes int     `json:"estimated_bytes"`
}

// Store manages in-memory telemetry with bounded retention
type Store struct {
	mu            sync.RWMutex
	calibrations  map[string]Calibration
	events        []Event
	maxCal        int
	maxEvents     int
	retentionTime time.Duration
	maxRAMMB      int
	now           func() time.Time
}

// NewStore creates a telemetry store, filling unset limits with defaults
func NewStore(config Config) *Store {
	if config.MaxCalibrations <= 0 {
		config.MaxCalibrations = 256
	}
	if config.MaxEvents <= 0 {
		config.MaxEvents = 500
	}
	if config.RetentionHours <= 0 {
		config.RetentionHours = 24
	}
	if config.MaxRAMMB <= 0 {
		config.MaxRAMMB = 10
	}

	return &Store{
		calibrations:  make(map[string]Calibration),
		events:        make([]Event, 0, config.MaxEvents),
		maxCal:        config.MaxCalibrations,
		maxEvents:     config.MaxEvents,
		retentionTime: time.Duration(config.RetentionHours) * time.Hour,
		maxRAMMB:      config.MaxRAMMB,
		now:           time.Now,
	}
}

// PutCalibration stores c under its location key, replacing any previous
// record. The oldest record is evicted when the store is full.
func (s *Store) PutCalibration(c Calibration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.calibrations[c.LocationKey]; !exists && len(s.calibrations) >= s.maxCal {
		oldestKey := ""
		var oldest time.Time
		for k, v := range s.calibrations {
			if oldestKey == "" || v.CompletedAt.Before(oldest) {
				oldestKey, oldest = k, v.CompletedAt
			}
		}
		delete(s.calibrations, oldestKey)
	}
	s.calibrations[c.LocationKey] = c
}

// Calibration returns the record for key
func (s *Store) Calibration(key string) (Calibration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.calibrations[key]
	return c, ok
}

// CalibrationCount returns the number of stored calibration records
func (s *Store) CalibrationCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.calibrations)
}

// CalibrationKeys returns the stored location keys in sorted order
func (s *Store) CalibrationKeys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.calibrations))
	for k := range s.calibrations {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ClearCalibrations drops every calibration record
func (s *Store) ClearCalibrations() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calibrations = make(map[string]Calibration)
}

// AddEvent stores a new event
func (s *Store) AddEvent(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}
	s.events = append(s.events, event)

	// Keep the most recent events
	if len(s.events) > s.maxEvents {
		copy(s.events, s.events[len(s.events)-s.maxEvents:])
		s.events = s.events[:s.maxEvents]
	}

	s.enforceRAMCapLocked()
}

// GetEvents returns up to limit most recent events, all when limit <= 0
func (s *Store) GetEvents(limit int) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit >= len(s.events) {
		result := make([]Event, len(s.events))
		copy(result, s.events)
		return result
	}

	start := len(s.events) - limit
	result := make([]Event, limit)
	copy(result, s.events[start:])
	return result
}

// EventsOfType returns events with the given type, oldest first
func (s *Store) EventsOfType(eventType string) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Event
	for _, e := range s.events {
		if e.Type == eventType {
			result = append(result, e)
		}
	}
	return result
}

// Cleanup removes events and calibrations older than the retention window
func (s *Store) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.retentionTime)

	keepIndex := len(s.events)
	for i, event := range s.events {
		if event.Timestamp.After(cutoff) {
			keepIndex = i
			break
		}
	}
	if keepIndex > 0 {
		copy(s.events, s.events[keepIndex:])
		s.events = s.events[:len(s.events)-keepIndex]
	}

	for k, c := range s.calibrations {
		if c.CompletedAt.Before(cutoff) {
			delete(s.calibrations, k)
		}
	}
}

// GetStats returns storage statistics
func (s *Store) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statsLocked()
}

func (s *Store) statsLocked() Stats {
	return Stats{
		Calibrations:   len(s.calibrations),
		Events:         len(s.events),
		RetentionHours: s.retentionTime.Hours(),
		MaxRAMMB:       s.maxRAMMB,
		EstimatedBytes: s.estimateBytesLocked(),
	}
}

// ExportJSON exports all data as JSON for debugging/analysis
func (s *Store) ExportJSON() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	export := struct {
		Timestamp    time.Time              `json:"timestamp"`
		Calibrations map[string]Calibration `json:"calibrations"`
		Events       []Event                `json:"events"`
		Stats        Stats                  `json:"stats"`
	}{
		Timestamp:    s.now(),
		Calibrations: s.calibrations,
		Events:       s.events,
		Stats:        s.statsLocked(),
	}

	return json.Marshal(export)
}

// estimateBytesLocked returns an approximate memory usage
func (s *Store) estimateBytesLocked() int {
	const (
		bytesPerSample = 640
		bytesPerEvent  = 160
	)
	samples := 0
	for _, c := range s.calibrations {
		samples += len(c.Samples) + 1
	}
	return samples*bytesPerSample + len(s.events)*bytesPerEvent
}

// enforceRAMCapLocked thins older events when the estimate exceeds the cap.
// Must be called with s.mu locked.
func (s *Store) enforceRAMCapLocked() {
	if s.maxRAMMB <= 0 {
		return
	}
	capBytes := s.maxRAMMB * 1024 * 1024
	for i := 0; i < 5; i++ {
		if s.estimateBytesLocked() <= capBytes || len(s.events) <= 100 {
			return
		}
		s.events = downsampleKeepRecent(s.events, 2, 100)
	}
}

// downsampleKeepRecent keeps the last recentKeep items intact and keeps
// every nth item of the older portion. Order is preserved.
func downsampleKeepRecent[T any](in []T, n int, recentKeep int) []T {
	if n <= 1 || len(in) <= recentKeep {
		return in
	}
	if recentKeep < 0 {
		recentKeep = 0
	}
	cutoff := len(in) - recentKeep
	older := in[:cutoff]
	newer := in[cutoff:]
	kept := make([]T, 0, len(older)/n+len(newer))
	for i := 0; i < len(older); i++ {
		if i%n == 0 {
			kept = append(kept, older[i])
		}
	}
	return append(kept, newer...)
}

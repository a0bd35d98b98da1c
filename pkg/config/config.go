// Package config loads the sbtad YAML configuration
package config

import (
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lightprint/sbta/pkg/audit"
	"github.com/lightprint/sbta/pkg/gps"
	"github.com/lightprint/sbta/pkg/lattice"
	"github.com/lightprint/sbta/pkg/mqtt"
	"github.com/lightprint/sbta/pkg/sbta"
	"github.com/lightprint/sbta/pkg/telem"
	"github.com/lightprint/sbta/pkg/timesync"
)

// Store drivers
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// GPS source types
const (
	SourceStatic  = "static"
	SourceCommand = "command"
)

// Environment overrides
const (
	EnvLogLevel  = "SBTA_LOG_LEVEL"
	EnvStorePath = "SBTA_STORE_PATH"
)

// Default configuration values
const (
	DefaultPath                = "/etc/sbta/sbtad.yaml"
	DefaultLogLevel            = "info"
	DefaultStorePath           = "/var/lib/sbta/anchors.db"
	DefaultDecisionProbability = 15.0
	DefaultMetricsAddr         = ":9101"
	DefaultHealthAddr          = ":9102"
	DefaultAuditDir            = "/var/log/sbta"
)

// Config is the complete daemon configuration
type Config struct {
	LogLevel string `yaml:"log_level"`
	Syslog   bool   `yaml:"syslog"`
	Device   string `yaml:"device"`
	Timezone string `yaml:"timezone"`

	Engine    sbta.Config     `yaml:"engine"`
	Lattice   LatticeConfig   `yaml:"lattice"`
	GPS       GPSConfig       `yaml:"gps"`
	Time      timesync.Config `yaml:"time"`
	Store     StoreConfig     `yaml:"store"`
	Telemetry telem.Config    `yaml:"telemetry"`
	Metrics   ListenerConfig  `yaml:"metrics"`
	Health    ListenerConfig  `yaml:"health"`
	MQTT      mqtt.Config     `yaml:"mqtt"`
	Audit     AuditConfig     `yaml:"audit"`

	path string
}

// LatticeConfig sizes the decision lattice
type LatticeConfig struct {
	Size                int     `yaml:"size"`
	DecisionProbability float64 `yaml:"decision_probability"`
}

// GPSConfig describes location sources and acquisition policy
type GPSConfig struct {
	Sources []GPSSource       `yaml:"sources"`
	Manager gps.Config        `yaml:"manager"`
	Watch   gps.WatcherConfig `yaml:"watch"`
}

// GPSSource is one configured location backend
type GPSSource struct {
	Name      string   `yaml:"name"`
	Type      string   `yaml:"type"`
	Priority  int      `yaml:"priority"`
	Latitude  float64  `yaml:"latitude"`
	Longitude float64  `yaml:"longitude"`
	Altitude  float64  `yaml:"altitude"`
	Accuracy  float64  `yaml:"accuracy_m"`
	Command   []string `yaml:"command"`
	Format    string   `yaml:"format"`
}

// StoreConfig selects the anchor store
type StoreConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// ListenerConfig enables an HTTP listener
type ListenerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// AuditConfig enables the decision audit trail
type AuditConfig struct {
	Enabled      bool `yaml:"enabled"`
	audit.Config `yaml:",inline"`
}

// Load reads path, applies environment overrides and validates the result.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{path: path}
	cfg.setDefaults()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Path returns the file the configuration was loaded from
func (c *Config) Path() string {
	return c.path
}

func (c *Config) setDefaults() {
	c.LogLevel = DefaultLogLevel
	c.Device = hostname()
	c.Timezone = "Local"

	c.Engine = sbta.DefaultConfig()
	c.Lattice = LatticeConfig{Size: lattice.DefaultSize, DecisionProbability: DefaultDecisionProbability}
	c.GPS = GPSConfig{
		Manager: gps.DefaultConfig(),
		Watch:   gps.DefaultWatcherConfig(),
	}
	c.Time = timesync.DefaultConfig()
	c.Store = StoreConfig{Driver: DriverSQLite, Path: DefaultStorePath}
	c.Telemetry = telem.Config{MaxCalibrations: 256, MaxEvents: 500, RetentionHours: 24, MaxRAMMB: 10}
	c.Metrics = ListenerConfig{Enabled: false, Addr: DefaultMetricsAddr}
	c.Health = ListenerConfig{Enabled: true, Addr: DefaultHealthAddr}
	c.MQTT = *mqtt.DefaultConfig()
	c.Audit = AuditConfig{Config: audit.Config{Dir: DefaultAuditDir}}
}

// applyEnv overrides selected values from the environment. A store path
// implies the sqlite driver.
func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		c.LogLevel = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvStorePath)); v != "" {
		c.Store.Driver = DriverSQLite
		c.Store.Path = v
	}
}

func (c *Config) validate() error {
	if !isValidLogLevel(c.LogLevel) {
		return fmt.Errorf("log_level must be one of debug, info, warn, error")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}

	e := c.Engine
	if e.GeofenceRadiusM <= 0 {
		return fmt.Errorf("engine.geofence_radius_m must be positive")
	}
	if e.MaxEnrollAccuracyM <= 0 {
		return fmt.Errorf("engine.max_enroll_accuracy_m must be positive")
	}
	if e.MaxTimeDrift <= 0 {
		return fmt.Errorf("engine.max_time_drift must be positive")
	}
	if e.MinLuminanceDay < 0 || e.MinLuminanceDay > 255 || e.MaxLuminanceNight < 0 || e.MaxLuminanceNight > 255 {
		return fmt.Errorf("engine luminance thresholds must be between 0 and 255")
	}
	if e.ElevationThreshold < -18 || e.ElevationThreshold > 10 {
		return fmt.Errorf("engine.elevation_threshold must be between -18 and 10 degrees")
	}
	if e.CalibrationSamples < 1 || e.CalibrationSamples > 100 {
		return fmt.Errorf("engine.calibration_samples must be between 1 and 100")
	}
	if e.CalibrationInterval < 0 {
		return fmt.Errorf("engine.calibration_interval must not be negative")
	}
	if e.VerifyRatePerMin < 0 {
		return fmt.Errorf("engine.verify_rate_per_min must not be negative")
	}
	weights := []float64{e.WeightLocation, e.WeightSolar, e.WeightLighting, e.WeightNeural, e.WeightTime}
	sum := 0.0
	for _, w := range weights {
		if w < 0 {
			return fmt.Errorf("engine weights must not be negative")
		}
		sum += w
	}
	if math.Abs(sum-1) > 0.01 {
		return fmt.Errorf("engine weights must sum to 1.0, got %.3f", sum)
	}

	if c.Lattice.Size < 1 {
		return fmt.Errorf("lattice.size must be positive")
	}
	if c.Lattice.DecisionProbability <= 0 || c.Lattice.DecisionProbability > 100 {
		return fmt.Errorf("lattice.decision_probability must be in (0, 100]")
	}

	for i, src := range c.GPS.Sources {
		switch src.Type {
		case SourceStatic:
			if src.Latitude < -90 || src.Latitude > 90 || src.Longitude < -180 || src.Longitude > 180 {
				return fmt.Errorf("gps.sources[%d]: coordinates out of range", i)
			}
		case SourceCommand:
			if len(src.Command) == 0 {
				return fmt.Errorf("gps.sources[%d]: command is required", i)
			}
			if src.Format != "" && src.Format != gps.FormatJSON && src.Format != gps.FormatCGPSINFO {
				return fmt.Errorf("gps.sources[%d]: unknown format %q", i, src.Format)
			}
		default:
			return fmt.Errorf("gps.sources[%d]: unknown type %q", i, src.Type)
		}
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("store.driver must be %s or %s", DriverMemory, DriverSQLite)
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}
	if c.Health.Enabled && c.Health.Addr == "" {
		return fmt.Errorf("health.addr is required when health is enabled")
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
		}
		if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
			return fmt.Errorf("mqtt.port must be between 1 and 65535")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
	}
	if c.Audit.Enabled && c.Audit.Dir == "" {
		return fmt.Errorf("audit.dir is required when audit is enabled")
	}
	return nil
}

// EngineConfig returns the engine settings with device and timezone applied
func (c *Config) EngineConfig() sbta.Config {
	e := c.Engine
	e.Device = c.Device
	if loc, err := time.LoadLocation(c.Timezone); err == nil {
		e.Location = loc
	}
	return e
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}

func hostname() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "unknown"
}

package main

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/lightprint/sbta/pkg"
	"github.com/lightprint/sbta/pkg/audit"
	"github.com/lightprint/sbta/pkg/config"
	"github.com/lightprint/sbta/pkg/embedding"
	"github.com/lightprint/sbta/pkg/entropy"
	"github.com/lightprint/sbta/pkg/gps"
	"github.com/lightprint/sbta/pkg/lattice"
	"github.com/lightprint/sbta/pkg/lighting"
	"github.com/lightprint/sbta/pkg/logx"
	"github.com/lightprint/sbta/pkg/metrics"
	"github.com/lightprint/sbta/pkg/mqtt"
	"github.com/lightprint/sbta/pkg/sbta"
	"github.com/lightprint/sbta/pkg/store"
	"github.com/lightprint/sbta/pkg/telem"
	"github.com/lightprint/sbta/pkg/timesync"
)

// overrides are command-line values that take precedence over the file
type overrides struct {
	images    []string
	lat, lon  float64
	accuracy  float64
	hasFix    bool
	noEmbed   bool
	offline   bool
	storePath string
}

// daemon holds everything built from one configuration
type daemon struct {
	cfg       *config.Config
	logger    *logx.Logger
	store     pkg.AnchorStore
	telem     *telem.Store
	lattice   *lattice.Lattice
	engine    *sbta.Engine
	providers pkg.Providers
	gps       *gps.Manager

	metrics *metrics.Server
	audit   *audit.AuditLogger
	mqtt    *mqtt.Client

	closers []func() error
}

func build(cfg *config.Config, ov overrides, logger *logx.Logger) (*daemon, error) {
	d := &daemon{cfg: cfg, logger: logger}

	if ov.storePath != "" {
		cfg.Store.Driver = config.DriverSQLite
		cfg.Store.Path = ov.storePath
	}
	switch cfg.Store.Driver {
	case config.DriverSQLite:
		db, err := store.OpenSQLite(cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		d.store = db
		d.closers = append(d.closers, db.Close)
	default:
		d.store = store.NewMemory()
	}

	sampler := lighting.NewFileSampler(ov.images...)
	locations, manager := buildLocation(cfg, ov, logger)
	d.gps = manager

	var clock pkg.ClockOracle = timesync.SystemClock{}
	if !ov.offline && len(cfg.Time.Sources) > 0 {
		clock = timesync.NewOracle(cfg.Time, &http.Client{}, logger)
	}

	d.providers = pkg.Providers{
		Location: locations,
		Images:   sampler,
		Clock:    clock,
	}
	if !ov.noEmbed {
		d.providers.Embedding = embedding.NewHistogram()
	}

	rng := entropy.New(entropy.WithImages(lighting.NewFileSampler(ov.images...)))
	d.lattice = lattice.New(cfg.Lattice.Size, rng)
	d.lattice.SetDecisionProbability(cfg.Lattice.DecisionProbability)
	d.telem = telem.NewStore(cfg.Telemetry)

	var observers []sbta.Observer
	if cfg.Metrics.Enabled {
		d.metrics = metrics.NewServer(d.telem, d.lattice, logger)
		d.metrics.SetVersion(version)
		observers = append(observers, d.metrics)
	}
	if cfg.Audit.Enabled {
		a, err := audit.NewAuditLogger(cfg.Audit.Config)
		if err != nil {
			d.close()
			return nil, err
		}
		d.audit = a
		d.closers = append(d.closers, a.Close)
		observers = append(observers, a)
	}
	if cfg.MQTT.Enabled {
		mqttCfg := cfg.MQTT
		d.mqtt = mqtt.NewClient(&mqttCfg, logger)
		if err := d.mqtt.Connect(); err != nil {
			logger.Warn("MQTT unavailable, outcomes will not be published", "error", err)
		} else {
			d.closers = append(d.closers, d.mqtt.Disconnect)
		}
		observers = append(observers, d.mqtt)
	}

	d.engine = sbta.NewEngine(cfg.EngineConfig(), d.store, d.lattice, d.telem, logger, observers...)
	return d, nil
}

// buildLocation assembles configured sources behind a manager and the
// best-fix watcher. A command-line fix is tried before any configured one.
func buildLocation(cfg *config.Config, ov overrides, logger *logx.Logger) (pkg.LocationProvider, *gps.Manager) {
	var sources []gps.Source
	if ov.hasFix {
		sources = append(sources, &gps.StaticSource{
			Fix:      pkg.GeoFix{Latitude: ov.lat, Longitude: ov.lon, Accuracy: ov.accuracy},
			Rank:     -1,
			SourceID: "cli",
		})
	}
	for i, src := range cfg.GPS.Sources {
		name := src.Name
		if name == "" {
			name = fmt.Sprintf("%s-%d", src.Type, i)
		}
		switch src.Type {
		case config.SourceStatic:
			sources = append(sources, &gps.StaticSource{
				Fix: pkg.GeoFix{
					Latitude:  src.Latitude,
					Longitude: src.Longitude,
					Altitude:  src.Altitude,
					Accuracy:  src.Accuracy,
				},
				Rank:     src.Priority,
				SourceID: name,
			})
		case config.SourceCommand:
			format := src.Format
			if format == "" {
				format = gps.FormatJSON
			}
			cs := gps.NewCommandSource(name, format, src.Priority, src.Command...)
			if src.Accuracy > 0 {
				cs.Accuracy = src.Accuracy
			}
			sources = append(sources, cs)
		}
	}
	if len(sources) == 0 {
		return nil, nil
	}

	manager := gps.NewManager(cfg.GPS.Manager, logger, sources...)
	return gps.NewWatcher(manager, cfg.GPS.Watch, logger), manager
}

func (d *daemon) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			d.logger.Warn("shutdown step failed", "error", err)
		}
	}
	d.closers = nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

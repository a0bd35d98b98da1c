package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/lightprint/sbta/pkg/audit"
	"github.com/lightprint/sbta/pkg/config"
	"github.com/lightprint/sbta/pkg/health"
	"github.com/lightprint/sbta/pkg/logx"
	"github.com/lightprint/sbta/pkg/sbta"
)

const (
	version = "2.0.0-dev"
	appName = "sbtad"
)

// Exit codes
const (
	exitOK       = 0
	exitError    = 1
	exitRejected = 2
	exitUsage    = 64
)

const usage = `usage: sbtad [flags] <command>

commands:
  enroll      capture an anchor at the current place and time
  verify      check the current place, sky and light against the anchor
  calibrate   record a fresh calibration series for the current location
  status      show enrollment, provider and lattice state
  wipe        remove all anchors and calibration records
  audit       summarise the audit trail, or list events with -events
  serve       run the health, metrics and status listeners

flags:
`

var stdout io.Writer = os.Stdout

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usage)
		fs.PrintDefaults()
	}

	var (
		configFile  = fs.String("config", config.DefaultPath, "YAML config file path")
		logLevel    = fs.String("log-level", "", "Log level (debug|info|warn|error), overrides config")
		showVersion = fs.Bool("version", false, "Show version and exit")
		images      = fs.String("image", "", "Comma-separated image files used as camera frames")
		lat         = fs.Float64("lat", 0, "Latitude of a fixed position, used before configured sources")
		lon         = fs.Float64("lon", 0, "Longitude of a fixed position")
		accuracy    = fs.Float64("accuracy", 10, "Accuracy in meters of the fixed position")
		samples     = fs.Int("samples", 0, "Calibration samples, 0 uses the configured count")
		storePath   = fs.String("store", "", "SQLite anchor database, overrides config")
		noEmbed     = fs.Bool("no-embed", false, "Skip the scene embedding")
		offline     = fs.Bool("offline", false, "Do not query network time sources")
		statusEvery = fs.Duration("status-interval", time.Minute, "MQTT status publish interval in serve mode")
		period      = fs.Duration("period", 24*time.Hour, "Audit window for the audit command")
		listEvents  = fs.Bool("events", false, "List audit events instead of the summary")
		operations  = fs.String("operation", "", "Comma-separated operations to list (enroll,verify,...)")
		limit       = fs.Int("limit", 0, "Maximum audit events to list, 0 for all")
	)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}

	if *showVersion {
		fmt.Printf("%s version %s\n", appName, version)
		return exitOK
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return exitUsage
	}
	command := fs.Arg(0)

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		return exitError
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := logx.New(cfg.LogLevel).With("app", appName)
	logger.SetOutput(os.Stderr)
	if cfg.Syslog {
		if err := logger.EnableSyslog(appName); err != nil {
			logger.Warn("syslog unavailable", "error", err)
		}
	}
	logger.Debug("configuration loaded", "config", *configFile, "store", cfg.Store.Driver, "command", command, "log_level", logger.Level().String())

	ov := overrides{
		images:    splitList(*images),
		accuracy:  *accuracy,
		noEmbed:   *noEmbed,
		offline:   *offline,
		storePath: *storePath,
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "lat" || f.Name == "lon" {
			ov.hasFix = true
		}
	})
	ov.lat, ov.lon = *lat, *lon

	d, err := build(cfg, ov, logger)
	if err != nil {
		logger.Error("failed to initialise", "error", err)
		return exitError
	}
	defer d.close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx = audit.WithSession(ctx, uuid.NewString())

	switch command {
	case "enroll":
		res, err := d.engine.Enroll(ctx, d.providers)
		if err != nil {
			return fail(logger, "enrollment failed", err)
		}
		printJSON(res)
	case "verify":
		res, err := d.engine.Verify(ctx, d.providers)
		if err != nil {
			return fail(logger, "verification failed", err)
		}
		printJSON(res)
		if !res.Success {
			return exitRejected
		}
	case "calibrate":
		rec, err := d.engine.Calibrate(ctx, d.providers, *samples)
		if err != nil {
			return fail(logger, "calibration failed", err)
		}
		printJSON(rec)
	case "status":
		report, err := d.engine.Status(ctx, d.providers)
		if err != nil {
			return fail(logger, "status failed", err)
		}
		printJSON(report)
	case "wipe":
		if err := d.engine.Wipe(ctx); err != nil {
			return fail(logger, "wipe failed", err)
		}
		logger.Info("all anchors removed")
	case "audit":
		if d.audit == nil {
			fmt.Fprintf(os.Stderr, "%s: audit trail is disabled\n", appName)
			return exitError
		}
		logger.Debug("reading audit trail", "dir", cfg.Audit.Dir, "current", d.audit.CurrentFile())
		if *listEvents {
			events, err := d.audit.QueryEvents(time.Now().Add(-*period), splitList(*operations), *limit)
			if err != nil {
				return fail(logger, "audit query failed", err)
			}
			printJSON(events)
			break
		}
		report, err := d.audit.GenerateReport(*period)
		if err != nil {
			return fail(logger, "audit report failed", err)
		}
		printJSON(report)
	case "serve":
		return serve(ctx, d, *statusEvery)
	default:
		fmt.Fprintf(os.Stderr, "%s: unknown command %q\n", appName, command)
		fs.Usage()
		return exitUsage
	}
	return exitOK
}

// serve runs the listeners until ctx is cancelled, publishing a status
// snapshot and pruning telemetry on every tick
func serve(ctx context.Context, d *daemon, interval time.Duration) int {
	logger := d.logger
	logger.Info("starting sbta daemon", "version", version, "config", d.cfg.Path())

	if d.cfg.Health.Enabled {
		hs := health.NewServer(d.engine, d.providers, d.telem, logger)
		hs.SetVersion(version)
		if err := hs.Start(d.cfg.Health.Addr); err != nil {
			logger.Error("failed to start health server", "error", err)
			return exitError
		}
		defer hs.Stop()
	}
	if d.metrics != nil {
		if err := d.metrics.Start(d.cfg.Metrics.Addr); err != nil {
			logger.Error("failed to start metrics server", "error", err)
			return exitError
		}
		defer d.metrics.Stop()
	}

	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("sbta daemon started")
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return exitOK
		case <-ticker.C:
			d.telem.Cleanup()
			if d.metrics != nil {
				d.metrics.UpdateMetrics()
			}
			report, err := d.engine.Status(ctx, d.providers)
			if err != nil {
				logger.Warn("status check failed", "error", err)
				continue
			}
			logger.Debug("daemon heartbeat",
				"enrolled", report.Enrolled,
				"gps_available", report.GPSAvailable,
				"last_known_fix", d.gps != nil && d.gps.LastKnown() != nil,
				"time_synchronized", report.TimeSynchronized,
			)
			if d.mqtt != nil {
				if err := d.mqtt.PublishStatus(ctx, report); err != nil {
					logger.Warn("status publish failed", "error", err)
				}
			}
		}
	}
}

func fail(logger *logx.Logger, msg string, err error) int {
	var mismatch *sbta.LocationMismatchError
	var enrollErr *sbta.EnrollmentError
	switch {
	case errors.As(err, &mismatch):
		logger.Error(msg, "error", err, "distance_m", mismatch.DistanceMeters, "radius_m", mismatch.RadiusMeters)
		return exitRejected
	case errors.As(err, &enrollErr):
		logger.Error(msg, "error", err, "issues", enrollErr.Issues)
		return exitRejected
	case errors.Is(err, sbta.ErrRateLimited):
		logger.Warn(msg, "error", err)
		return exitRejected
	default:
		logger.Error(msg, "error", err)
		return exitError
	}
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
	}
}

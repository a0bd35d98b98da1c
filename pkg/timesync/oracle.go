// Package timesync compares the local clock with public HTTP time sources.
package timesync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lightprint/sbta/pkg/logx"
)

// Source is one upstream time endpoint
type Source struct {
	Name string `json:"name" yaml:"name"`
	URL  string `json:"url" yaml:"url"`
}

// DefaultSources lists the upstreams in priority order
func DefaultSources() []Source {
	return []Source{
		{Name: "worldtimeapi", URL: "https://worldtimeapi.org/api/timezone/Etc/UTC"},
		{Name: "timeapi", URL: "https://timeapi.io/api/Time/current/zone?timeZone=UTC"},
		{Name: "akamai", URL: "https://time.akamai.com/"},
	}
}

// Config controls the oracle
type Config struct {
	Sources          []Source      `json:"sources" yaml:"sources"`
	PerSourceTimeout time.Duration `json:"per_source_timeout" yaml:"per_source_timeout"`
}

// DefaultConfig returns the default oracle configuration
func DefaultConfig() Config {
	return Config{
		Sources:          DefaultSources(),
		PerSourceTimeout: 3 * time.Second,
	}
}

// Oracle implements pkg.ClockOracle over HTTP. All sources are queried
// concurrently; the first source in list order that answered wins.
type Oracle struct {
	client  *http.Client
	sources []Source
	timeout time.Duration
	logger  *logx.Logger
	now     func() time.Time
}

// NewOracle creates an HTTP time oracle
func NewOracle(config Config, client *http.Client, logger *logx.Logger) *Oracle {
	if config.PerSourceTimeout <= 0 {
		config.PerSourceTimeout = 3 * time.Second
	}
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = logx.Discard()
	}
	return &Oracle{
		client:  client,
		sources: config.Sources,
		timeout: config.PerSourceTimeout,
		logger:  logger.With("component", "timesync"),
		now:     time.Now,
	}
}

// Now returns the local wall clock
func (o *Oracle) Now() time.Time {
	return o.now()
}

// ReferenceNow returns the network time, or false when no source answered
func (o *Oracle) ReferenceNow(ctx context.Context) (time.Time, bool) {
	if len(o.sources) == 0 {
		return time.Time{}, false
	}

	results := make([]time.Time, len(o.sources))
	var g errgroup.Group
	for i, src := range o.sources {
		i, src := i, src
		g.Go(func() error {
			t, err := o.fetch(ctx, src)
			if err != nil {
				o.logger.Debug("time source failed", "source", src.Name, "error", err)
				return nil
			}
			results[i] = t
			return nil
		})
	}
	_ = g.Wait()

	for i, t := range results {
		if !t.IsZero() {
			o.logger.Debug("network time acquired", "source", o.sources[i].Name)
			return t, true
		}
	}
	return time.Time{}, false
}

func (o *Oracle) fetch(ctx context.Context, src Source) (time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return time.Time{}, err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return time.Time{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return time.Time{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return time.Time{}, err
	}
	if t, err := ParseBody(body); err == nil {
		return t, nil
	}
	if date := resp.Header.Get("Date"); date != "" {
		return http.ParseTime(date)
	}
	return time.Time{}, fmt.Errorf("no time in response from %s", src.Name)
}

// payload covers the response shapes of the supported upstreams
type payload struct {
	UnixTime        json.Number `json:"unixtime"`
	CurrentDateTime string      `json:"currentDateTime"`
	UTCDateTime     string      `json:"utc_datetime"`
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.9999999",
	"2006-01-02T15:04:05",
}

// ParseBody extracts a timestamp from a JSON time API response
func ParseBody(body []byte) (time.Time, error) {
	var p payload
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time response: %w", err)
	}

	if p.UnixTime != "" {
		secs, err := p.UnixTime.Float64()
		if err == nil && secs > 0 {
			whole, frac := math.Modf(secs)
			return time.Unix(int64(whole), int64(frac*1e9)).UTC(), nil
		}
	}
	for _, s := range []string{p.CurrentDateTime, p.UTCDateTime} {
		if s == "" {
			continue
		}
		for _, layout := range dateLayouts {
			if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
				return t.UTC(), nil
			}
		}
	}
	return time.Time{}, fmt.Errorf("no recognised time field")
}

// SystemClock is an offline oracle that only knows the local clock
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) ReferenceNow(context.Context) (time.Time, bool) { return time.Time{}, false }

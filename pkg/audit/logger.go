// Package audit keeps an append-only JSON-lines trail of enrollment and
// verification decisions with size-based file rotation.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lightprint/sbta/pkg/sbta"
)

const (
	defaultMaxFileSize = 10 * 1024 * 1024
	defaultMaxFiles    = 10
	filePattern        = "audit-*.jsonl"
)

// Event types
const (
	EventDecision = "decision"
	EventError    = "error"
)

// Config controls where and how much is kept
type Config struct {
	Dir         string `json:"dir" yaml:"dir"`
	MaxFileSize int64  `json:"max_file_size" yaml:"max_file_size"`
	MaxFiles    int    `json:"max_files" yaml:"max_files"`
}

// AuditLogger writes one JSON line per engine outcome
type AuditLogger struct {
	logDir      string
	currentFile *os.File
	currentPath string
	mutex       sync.Mutex
	maxFileSize int64
	maxFiles    int
	seq         int
	now         func() time.Time
}

// DecisionEvent is one audited engine operation
type DecisionEvent struct {
	Timestamp time.Time `json:"timestamp"`
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Operation string    `json:"operation"`
	SessionID string    `json:"session_id"`

	AnchorID       string       `json:"anchor_id,omitempty"`
	Result         string       `json:"result"` // "accepted", "rejected", "failed"
	Score          float64      `json:"score"`
	Threshold      float64      `json:"threshold,omitempty"`
	Coherence      float64      `json:"coherence,omitempty"`
	Scores         *sbta.Scores `json:"scores,omitempty"`
	DistanceMeters float64      `json:"distance_m,omitempty"`

	ProcessingTime time.Duration `json:"processing_time_ns"`
	ErrorDetails   string        `json:"error_details,omitempty"`
}

// AuditReport provides summary statistics
type AuditReport struct {
	Period          time.Duration `json:"period"`
	EventCount      int           `json:"event_count"`
	Enrollments     int           `json:"enrollments"`
	Verifications   int           `json:"verifications"`
	Accepted        int           `json:"accepted"`
	Rejected        int           `json:"rejected"`
	ErrorCount      int           `json:"error_count"`
	AcceptanceRate  float64       `json:"acceptance_rate"`
	MeanVerifyScore float64       `json:"mean_verify_score"`
	GeneratedAt     time.Time     `json:"generated_at"`
}

type sessionKey struct{}

// WithSession tags ctx so audited events carry the session id
func WithSession(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey{}, id)
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(config Config) (*AuditLogger, error) {
	if config.Dir == "" {
		return nil, fmt.Errorf("audit directory not set")
	}
	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	if config.MaxFileSize <= 0 {
		config.MaxFileSize = defaultMaxFileSize
	}
	if config.MaxFiles <= 0 {
		config.MaxFiles = defaultMaxFiles
	}

	logger := &AuditLogger{
		logDir:      config.Dir,
		maxFileSize: config.MaxFileSize,
		maxFiles:    config.MaxFiles,
		now:         time.Now,
	}

	if err := logger.openLogFile(); err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return logger, nil
}

// Observe audits an engine outcome. Write failures are reported to stderr
// since observers cannot return errors.
func (a *AuditLogger) Observe(ctx context.Context, o sbta.Outcome) {
	event := &DecisionEvent{
		Timestamp:      o.Timestamp,
		EventType:      EventDecision,
		Operation:      o.Operation,
		AnchorID:       o.AnchorID,
		Score:          o.Score,
		Threshold:      o.Threshold,
		Coherence:      o.Coherence,
		Scores:         o.Scores,
		DistanceMeters: o.DistanceMeters,
		ProcessingTime: o.Duration,
	}
	switch {
	case o.Err != nil:
		event.EventType = EventError
		event.Result = "failed"
		event.ErrorDetails = o.Err.Error()
	case o.Success:
		event.Result = "accepted"
	default:
		event.Result = "rejected"
	}

	if err := a.LogDecision(ctx, event); err != nil {
		fmt.Fprintf(os.Stderr, "audit: %v\n", err)
	}
}

// LogDecision appends event to the current file, rotating when it would
// exceed the size limit
func (a *AuditLogger) LogDecision(ctx context.Context, event *DecisionEvent) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = a.now()
	}
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.SessionID == "" {
		event.SessionID = getSessionID(ctx)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	data = append(data, '\n')

	if a.needsRotation(int64(len(data))) {
		if err := a.rotateLogFile(); err != nil {
			return fmt.Errorf("failed to rotate log file: %w", err)
		}
	}

	if _, err := a.currentFile.Write(data); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}

	// rejections and errors must survive a crash
	if event.Result != "accepted" {
		if err := a.currentFile.Sync(); err != nil {
			return fmt.Errorf("failed to sync audit file: %w", err)
		}
	}
	return nil
}

// QueryEvents returns up to limit events since the given time, oldest
// first, optionally filtered by operation
func (a *AuditLogger) QueryEvents(since time.Time, operations []string, limit int) ([]*DecisionEvent, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	files, err := a.logFiles()
	if err != nil {
		return nil, err
	}

	var events []*DecisionEvent
	for _, file := range files {
		if limit > 0 && len(events) >= limit {
			break
		}
		fileEvents, err := readEventsFromFile(file, since, operations)
		if err != nil {
			continue // skip corrupted files
		}
		events = append(events, fileEvents...)
	}

	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// GenerateReport summarises the decisions of the last period
func (a *AuditLogger) GenerateReport(period time.Duration) (*AuditReport, error) {
	since := a.now().Add(-period)
	events, err := a.QueryEvents(since, nil, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}

	report := &AuditReport{
		Period:      period,
		EventCount:  len(events),
		GeneratedAt: a.now(),
	}

	var scoreSum float64
	for _, event := range events {
		if event.EventType == EventError {
			report.ErrorCount++
		}
		switch event.Operation {
		case sbta.OpEnroll:
			report.Enrollments++
		case sbta.OpVerify:
			report.Verifications++
			switch event.Result {
			case "accepted":
				report.Accepted++
				scoreSum += event.Score
			case "rejected":
				report.Rejected++
				scoreSum += event.Score
			}
		}
	}

	if decided := report.Accepted + report.Rejected; decided > 0 {
		report.AcceptanceRate = float64(report.Accepted) / float64(decided)
		report.MeanVerifyScore = scoreSum / float64(decided)
	}
	return report, nil
}

// CurrentFile returns the path being written
func (a *AuditLogger) CurrentFile() string {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.currentPath
}

// Close closes the audit logger
func (a *AuditLogger) Close() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.currentFile != nil {
		err := a.currentFile.Close()
		a.currentFile = nil
		return err
	}
	return nil
}

func (a *AuditLogger) openLogFile() error {
	a.seq++
	filename := fmt.Sprintf("audit-%s-%04d.jsonl", a.now().Format("20060102T150405"), a.seq)
	path := filepath.Join(a.logDir, filename)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}

	a.currentFile = file
	a.currentPath = path
	return nil
}

func (a *AuditLogger) needsRotation(additionalBytes int64) bool {
	if a.currentFile == nil {
		return true
	}

	stat, err := a.currentFile.Stat()
	if err != nil {
		return true
	}

	return stat.Size() > 0 && stat.Size()+additionalBytes > a.maxFileSize
}

func (a *AuditLogger) rotateLogFile() error {
	if a.currentFile != nil {
		a.currentFile.Close()
	}
	if err := a.openLogFile(); err != nil {
		return err
	}
	a.cleanupOldFiles()
	return nil
}

func (a *AuditLogger) cleanupOldFiles() {
	files, err := a.logFiles()
	if err != nil {
		return
	}

	for i := 0; i < len(files)-a.maxFiles; i++ {
		if files[i] == a.currentPath {
			continue
		}
		os.Remove(files[i])
	}
}

// logFiles lists audit files oldest first
func (a *AuditLogger) logFiles() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(a.logDir, filePattern))
	if err != nil {
		return nil, fmt.Errorf("failed to list log files: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

func readEventsFromFile(filename string, since time.Time, operations []string) ([]*DecisionEvent, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	var events []*DecisionEvent
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		var event DecisionEvent
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			continue // skip malformed lines
		}
		if event.Timestamp.Before(since) {
			continue
		}
		if len(operations) > 0 && !contains(operations, event.Operation) {
			continue
		}
		events = append(events, &event)
	}

	if err := scanner.Err(); err != nil {
		return events, fmt.Errorf("scanner error: %w", err)
	}
	return events, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func getSessionID(ctx context.Context) string {
	if sid, ok := ctx.Value(sessionKey{}).(string); ok && sid != "" {
		return sid
	}
	return "default"
}

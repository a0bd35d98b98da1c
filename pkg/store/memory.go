// Package store provides AnchorStore implementations: an in-memory store
// for tests and ephemeral hosts, and a SQLite store for persistent ones.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/lightprint/sbta/pkg"
)

// Memory keeps records in process memory, ordered by insertion
type Memory struct {
	mu      sync.RWMutex
	records map[string][]pkg.Record
	nextID  int64
	now     func() time.Time
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		records: make(map[string][]pkg.Record),
		now:     time.Now,
	}
}

// Save appends a record under mode
func (m *Memory) Save(ctx context.Context, mode string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	m.records[mode] = append(m.records[mode], pkg.Record{
		ID:        m.nextID,
		Mode:      mode,
		Data:      append([]byte(nil), data...),
		Timestamp: m.now(),
	})
	return nil
}

// List returns a copy of the records under mode in insertion order
func (m *Memory) List(ctx context.Context, mode string) ([]pkg.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	src := m.records[mode]
	out := make([]pkg.Record, len(src))
	for i, r := range src {
		r.Data = append([]byte(nil), r.Data...)
		out[i] = r
	}
	return out, nil
}

// Clear removes every record under mode
func (m *Memory) Clear(ctx context.Context, mode string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, mode)
	return nil
}

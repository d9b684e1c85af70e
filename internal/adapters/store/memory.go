// Package store holds the RecordStore implementations behind the history archive.
package store

import (
	"context"
	"slices"
	"sync"

	"github.com/dkeye/Debate/internal/domain"
)

// Memory keeps records in process. Saving a record id again replaces it.
type Memory struct {
	mu      sync.RWMutex
	records map[string]domain.Record
	saves   int
}

func NewMemory() *Memory {
	return &Memory{records: make(map[string]domain.Record)}
}

func (m *Memory) Save(_ context.Context, rec domain.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.Participants = slices.Clone(rec.Participants)
	rec.Messages = slices.Clone(rec.Messages)
	rec.Tags = slices.Clone(rec.Tags)
	m.records[rec.ID] = rec
	m.saves++
	return nil
}

func (m *Memory) Get(id string) (domain.Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	return rec, ok
}

// ByRoom returns the record saved for room, if any.
func (m *Memory) ByRoom(room domain.RoomID) (domain.Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rec := range m.records {
		if rec.RoomID == room {
			return rec, true
		}
	}
	return domain.Record{}, false
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Saves counts Save calls, upserts included.
func (m *Memory) Saves() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}

func (m *Memory) Close() error { return nil }

package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps sessions in process memory. Sessions are lost on
// restart, so every restart signs the device in as a new anonymous user.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Load returns a copy of the stored record, or nil if none exists.
func (m *MemoryStore) Load(_ context.Context, deviceID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[deviceID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// Save stores a copy of rec.
func (m *MemoryStore) Save(_ context.Context, deviceID string, rec *Record) error {
	now := time.Now().Unix()
	if rec.CreatedAt == 0 {
		rec.CreatedAt = now
	}
	rec.LastActive = now

	m.mu.Lock()
	m.records[deviceID] = *rec
	m.mu.Unlock()
	return nil
}

// Delete removes the record for deviceID.
func (m *MemoryStore) Delete(_ context.Context, deviceID string) error {
	m.mu.Lock()
	delete(m.records, deviceID)
	m.mu.Unlock()
	return nil
}

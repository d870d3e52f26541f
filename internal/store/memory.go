package store

import (
	"context"
	"sort"
	"sync"

	"bustrack-svr/internal/bus"
)

// Memory is a process-local Store used for development and tests.
type Memory struct {
	mu      sync.RWMutex
	records map[string]bus.Record
	plates  map[string]string // plate -> id
	closed  bool
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]bus.Record),
		plates:  make(map[string]string),
	}
}

func (m *Memory) List(_ context.Context) ([]bus.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errClosed("list")
	}

	out := make([]bus.Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Get(_ context.Context, id string) (bus.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return bus.Record{}, errClosed("get")
	}

	r, ok := m.records[id]
	if !ok {
		return bus.Record{}, &bus.NotFoundError{ID: id}
	}
	return r, nil
}

func (m *Memory) Upsert(_ context.Context, rec bus.Record) (bool, error) {
	return m.write(rec, modeUpsert)
}

func (m *Memory) Insert(_ context.Context, rec bus.Record) error {
	_, err := m.write(rec, modeInsert)
	return err
}

func (m *Memory) Replace(_ context.Context, rec bus.Record) error {
	_, err := m.write(rec, modeReplace)
	return err
}

func (m *Memory) write(rec bus.Record, mode writeMode) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, errClosed(mode.String())
	}

	prev, exists := m.records[rec.ID]
	switch {
	case mode == modeInsert && exists:
		return false, &bus.ConflictError{Field: "id", Value: rec.ID, OwnerID: rec.ID}
	case mode == modeReplace && !exists:
		return false, &bus.NotFoundError{ID: rec.ID}
	}

	if rec.BusNumberPlate != "" {
		if owner, taken := m.plates[rec.BusNumberPlate]; taken && owner != rec.ID {
			return false, &bus.ConflictError{Field: "busNumberPlate", Value: rec.BusNumberPlate, OwnerID: owner}
		}
	}

	if exists && prev.BusNumberPlate != "" && prev.BusNumberPlate != rec.BusNumberPlate {
		delete(m.plates, prev.BusNumberPlate)
	}
	if rec.BusNumberPlate != "" {
		m.plates[rec.BusNumberPlate] = rec.ID
	}
	m.records[rec.ID] = rec
	return !exists, nil
}

func (m *Memory) Delete(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, errClosed("delete")
	}

	prev, ok := m.records[id]
	if !ok {
		return false, nil
	}
	if prev.BusNumberPlate != "" && m.plates[prev.BusNumberPlate] == id {
		delete(m.plates, prev.BusNumberPlate)
	}
	delete(m.records, id)
	return true, nil
}

func (m *Memory) Ping(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errClosed("ping")
	}
	return nil
}

// Close makes every later call fail with *bus.StoreUnavailableError.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

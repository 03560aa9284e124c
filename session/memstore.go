// memstore.go - In-memory session store.
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"sort"
	"sync"

	"github.com/courierkit/courierkit/address"
)

// MemStore is an in-memory Store, suitable for tests and ephemeral
// clients.
type MemStore struct {
	sync.RWMutex

	sessions map[string]map[uint32][]byte
}

// NewMemStore constructs an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{sessions: make(map[string]map[uint32][]byte)}
}

// ContainsSession implements Store.
func (s *MemStore) ContainsSession(dev address.Device) (bool, error) {
	s.RLock()
	defer s.RUnlock()
	_, ok := s.sessions[dev.Identifier][dev.DeviceID]
	return ok, nil
}

// GetSubDeviceSessions implements Store.
func (s *MemStore) GetSubDeviceSessions(identifier string) ([]uint32, error) {
	s.RLock()
	defer s.RUnlock()
	var devices []uint32
	for id := range s.sessions[identifier] {
		if id != address.DefaultDeviceID {
			devices = append(devices, id)
		}
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i] < devices[j] })
	return devices, nil
}

// LoadSession implements Store.
func (s *MemStore) LoadSession(dev address.Device) ([]byte, error) {
	s.RLock()
	defer s.RUnlock()
	record, ok := s.sessions[dev.Identifier][dev.DeviceID]
	if !ok {
		return nil, ErrNoSession
	}
	out := make([]byte, len(record))
	copy(out, record)
	return out, nil
}

// StoreSession implements Store.
func (s *MemStore) StoreSession(dev address.Device, record []byte) error {
	s.Lock()
	defer s.Unlock()
	m, ok := s.sessions[dev.Identifier]
	if !ok {
		m = make(map[uint32][]byte)
		s.sessions[dev.Identifier] = m
	}
	out := make([]byte, len(record))
	copy(out, record)
	m[dev.DeviceID] = out
	return nil
}

// DeleteSession implements Store.
func (s *MemStore) DeleteSession(dev address.Device) error {
	s.Lock()
	defer s.Unlock()
	delete(s.sessions[dev.Identifier], dev.DeviceID)
	return nil
}

// DeleteAllSessions implements Store.
func (s *MemStore) DeleteAllSessions(identifier string) error {
	s.Lock()
	defer s.Unlock()
	delete(s.sessions, identifier)
	return nil
}

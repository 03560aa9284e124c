// identity.go - In-memory identity trust store.
// SPDX-License-Identifier: AGPL-3.0-only

package seal

import (
	"bytes"
	"sync"
)

// MemIdentityStore is an in-memory IdentityStore with trust-on-first-use
// semantics.
type MemIdentityStore struct {
	sync.RWMutex

	identities map[string][]byte
}

// NewMemIdentityStore constructs an empty MemIdentityStore.
func NewMemIdentityStore() *MemIdentityStore {
	return &MemIdentityStore{identities: make(map[string][]byte)}
}

// IsTrusted implements IdentityStore.
func (s *MemIdentityStore) IsTrusted(identifier string, key []byte) (bool, error) {
	s.RLock()
	defer s.RUnlock()
	known, ok := s.identities[identifier]
	if !ok {
		return true, nil
	}
	return bytes.Equal(known, key), nil
}

// Save implements IdentityStore.
func (s *MemIdentityStore) Save(identifier string, key []byte) error {
	s.Lock()
	defer s.Unlock()
	out := make([]byte, len(key))
	copy(out, key)
	s.identities[identifier] = out
	return nil
}

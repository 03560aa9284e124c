// boltstore.go - BoltDB backed session store.
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/courierkit/courierkit/address"
)

const sessionsBucket = "sessions"

// BoltStore is a bbolt backed Store.  Records are kept in a nested bucket
// per identifier, keyed by big-endian device id, so per-identifier scans
// are a single bucket cursor walk.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates the session database at path f.
func NewBoltStore(f string) (*BoltStore, error) {
	db, err := bolt.Open(f, 0600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(sessionsBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("session: failed to initialize database: %v", err)
	}
	return &BoltStore{db: db}, nil
}

func deviceKey(id uint32) []byte {
	var k [4]byte
	binary.BigEndian.PutUint32(k[:], id)
	return k[:]
}

// ContainsSession implements Store.
func (s *BoltStore) ContainsSession(dev address.Device) (bool, error) {
	exists := false
	err := s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(sessionsBucket)).Bucket([]byte(dev.Identifier))
		if bkt == nil {
			return nil
		}
		exists = bkt.Get(deviceKey(dev.DeviceID)) != nil
		return nil
	})
	return exists, err
}

// GetSubDeviceSessions implements Store.
func (s *BoltStore) GetSubDeviceSessions(identifier string) ([]uint32, error) {
	var devices []uint32
	err := s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(sessionsBucket)).Bucket([]byte(identifier))
		if bkt == nil {
			return nil
		}
		return bkt.ForEach(func(k, v []byte) error {
			id := binary.BigEndian.Uint32(k)
			if id != address.DefaultDeviceID {
				devices = append(devices, id)
			}
			return nil
		})
	})
	return devices, err
}

// LoadSession implements Store.
func (s *BoltStore) LoadSession(dev address.Device) ([]byte, error) {
	var record []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(sessionsBucket)).Bucket([]byte(dev.Identifier))
		if bkt == nil {
			return ErrNoSession
		}
		raw := bkt.Get(deviceKey(dev.DeviceID))
		if raw == nil {
			return ErrNoSession
		}
		record = make([]byte, len(raw))
		copy(record, raw)
		return nil
	})
	return record, err
}

// StoreSession implements Store.
func (s *BoltStore) StoreSession(dev address.Device, record []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.Bucket([]byte(sessionsBucket)).CreateBucketIfNotExists([]byte(dev.Identifier))
		if err != nil {
			return err
		}
		return bkt.Put(deviceKey(dev.DeviceID), record)
	})
}

// DeleteSession implements Store.
func (s *BoltStore) DeleteSession(dev address.Device) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(sessionsBucket)).Bucket([]byte(dev.Identifier))
		if bkt == nil {
			return nil
		}
		return bkt.Delete(deviceKey(dev.DeviceID))
	})
}

// DeleteAllSessions implements Store.
func (s *BoltStore) DeleteAllSessions(identifier string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(sessionsBucket))
		if root.Bucket([]byte(identifier)) == nil {
			return nil
		}
		return root.DeleteBucket([]byte(identifier))
	})
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

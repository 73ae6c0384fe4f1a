package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketNamespace = []byte("oee-monitor")
	keyConfig       = []byte("device-config")
	keyShifts       = []byte("shift-catalog")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketNamespace)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) GetConfig() (*ConfigRecord, error) {
	var rec ConfigRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNamespace)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketNamespace)
		}
		data := b.Get(keyConfig)
		if data == nil {
			return fmt.Errorf("device config: %w", ErrNotFound)
		}
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("device config: %w: %v", ErrMalformed, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) SaveConfig(rec *ConfigRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNamespace)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketNamespace)
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(keyConfig, data)
	})
}

func (s *BoltStore) SaveShiftCatalog(shifts []ShiftRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNamespace)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketNamespace)
		}
		if shifts == nil {
			shifts = []ShiftRecord{}
		}
		data, err := json.Marshal(shifts)
		if err != nil {
			return err
		}
		return b.Put(keyShifts, data)
	})
}

func (s *BoltStore) ListShiftCatalog() ([]ShiftRecord, error) {
	var shifts []ShiftRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNamespace)
		if b == nil {
			return nil // no bucket = no catalog
		}
		data := b.Get(keyShifts)
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &shifts); err != nil {
			return fmt.Errorf("shift catalog: %w: %v", ErrMalformed, err)
		}
		return nil
	})
	return shifts, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

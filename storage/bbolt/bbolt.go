// Package bbolt provides a BBolt-backed storage repository.
package bbolt

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/ironca/storage"
)

var (
	certificatesBucket = []byte("certificates")
	serialsBucket      = []byte("serials")
)

// Store implements storage.Repository backed by a BBolt database. Records
// are JSON documents keyed by ID; a second bucket indexes serial numbers.
type Store struct {
	db *bbolt.DB
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given BBolt database.
func NewRepository(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{certificatesBucket, serialsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("creating buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// NewRepositoryFromFile opens a BBolt database at the given path and returns a new Repository.
func NewRepositoryFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s, err := NewRepository(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB returns the underlying database so other components can keep their
// buckets in the same file.
func (s *Store) DB() *bbolt.DB {
	return s.db
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Create(_ context.Context, rec *storage.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		certs := tx.Bucket(certificatesBucket)
		serials := tx.Bucket(serialsBucket)
		if certs.Get([]byte(rec.ID)) != nil {
			return fmt.Errorf("%s: %w", rec.ID, storage.ErrConflict)
		}
		if serials.Get([]byte(rec.SerialNumber)) != nil {
			return fmt.Errorf("%s: %w", rec.SerialNumber, storage.ErrSerialConflict)
		}
		if err := certs.Put([]byte(rec.ID), data); err != nil {
			return err
		}
		return serials.Put([]byte(rec.SerialNumber), []byte(rec.ID))
	})
}

func (s *Store) Get(_ context.Context, id string) (*storage.Record, error) {
	var rec storage.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(certificatesBucket).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%s: %w", id, storage.ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) SerialExists(_ context.Context, serial string) (bool, error) {
	var exists bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		exists = tx.Bucket(serialsBucket).Get([]byte(serial)) != nil
		return nil
	})
	return exists, err
}

func (s *Store) List(_ context.Context) ([]*storage.Record, error) {
	return s.collect(func(*storage.Record) bool { return true })
}

func (s *Store) ListByIssuer(_ context.Context, issuerID string) ([]*storage.Record, error) {
	return s.collect(func(rec *storage.Record) bool { return rec.IssuerID == issuerID })
}

func (s *Store) collect(match func(*storage.Record) bool) ([]*storage.Record, error) {
	var out []*storage.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(certificatesBucket).ForEach(func(_, v []byte) error {
			var rec storage.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if match(&rec) {
				out = append(out, &rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) Revoke(_ context.Context, id string, reason int, at time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(certificatesBucket)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%s: %w", id, storage.ErrNotFound)
		}
		var rec storage.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		if rec.Revoked {
			return storage.ErrCASFailed
		}
		rec.Revoked = true
		rec.RevocationReason = reason
		rec.RevocationDate = &at
		updated, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), updated)
	})
}

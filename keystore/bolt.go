package keystore

import (
	"context"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/ironca/internal/util"
)

var entriesBucket = []byte("keystore")

// BoltBackend stores entries in a bbolt bucket. It can share a database
// handle with the bbolt certificate repository.
type BoltBackend struct {
	db *bbolt.DB
}

var _ Backend = (*BoltBackend)(nil)

// NewBoltBackend creates the keystore bucket in db if needed.
func NewBoltBackend(db *bbolt.DB) (*BoltBackend, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(entriesBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating keystore bucket: %w", err)
	}
	return &BoltBackend{db: db}, nil
}

func (b *BoltBackend) Put(ctx context.Context, alias string, entry []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(entriesBucket)
		if bucket.Get([]byte(alias)) != nil {
			return fmt.Errorf("%s: %w", alias, ErrEntryExists)
		}
		return bucket.Put([]byte(alias), entry)
	})
}

func (b *BoltBackend) Get(_ context.Context, alias string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(entriesBucket).Get([]byte(alias))
		if v == nil {
			return fmt.Errorf("%s: %w", alias, ErrEntryNotFound)
		}
		// Values are only valid for the life of the transaction.
		out = util.CopyBytes(v)
		return nil
	})
	return out, err
}

func (b *BoltBackend) Delete(ctx context.Context, alias string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(entriesBucket).Delete([]byte(alias))
	})
}

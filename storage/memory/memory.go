// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jmcleod/ironca/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Suitable for testing, demos, and single-process use cases.
type Repository struct {
	mu      sync.RWMutex
	records map[string]*storage.Record
	serials map[string]string // serial -> id
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{
		records: make(map[string]*storage.Record),
		serials: make(map[string]string),
	}
}

func (r *Repository) Create(_ context.Context, rec *storage.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[rec.ID]; ok {
		return storage.ErrConflict
	}
	if _, ok := r.serials[rec.SerialNumber]; ok {
		return storage.ErrSerialConflict
	}
	r.records[rec.ID] = rec.Clone()
	r.serials[rec.SerialNumber] = rec.ID
	return nil
}

func (r *Repository) Get(_ context.Context, id string) (*storage.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return rec.Clone(), nil
}

func (r *Repository) SerialExists(_ context.Context, serial string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.serials[serial]
	return ok, nil
}

func (r *Repository) List(_ context.Context) ([]*storage.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collectLocked(func(*storage.Record) bool { return true }), nil
}

func (r *Repository) ListByIssuer(_ context.Context, issuerID string) ([]*storage.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collectLocked(func(rec *storage.Record) bool { return rec.IssuerID == issuerID }), nil
}

// collectLocked returns clones of matching records ordered by creation time.
func (r *Repository) collectLocked(match func(*storage.Record) bool) []*storage.Record {
	var out []*storage.Record
	for _, rec := range r.records {
		if match(rec) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (r *Repository) Revoke(_ context.Context, id string, reason int, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return storage.ErrNotFound
	}
	if rec.Revoked {
		return storage.ErrCASFailed
	}
	rec.Revoked = true
	rec.RevocationReason = reason
	rec.RevocationDate = &at
	return nil
}

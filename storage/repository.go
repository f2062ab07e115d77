// Package storage defines persistence for issued certificate records and the
// sealed envelope format used for key custody secrets.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a record with the same ID already exists.
	ErrConflict = errors.New("record already exists")
	// ErrSerialConflict is returned when a record's serial number is already in use.
	ErrSerialConflict = errors.New("serial number already in use")
	// ErrCASFailed is returned when a conditional update finds the record in an
	// unexpected state (e.g. revoking a record that is already revoked).
	ErrCASFailed = errors.New("CAS state mismatch")
)

// Repository defines the interface for certificate record storage.
//
// Records are immutable after Create except for the revocation fields, which
// Revoke sets exactly once.
type Repository interface {
	// Create inserts a new record. It fails with ErrConflict if the ID exists
	// and ErrSerialConflict if the serial number is taken.
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	SerialExists(ctx context.Context, serial string) (bool, error)
	List(ctx context.Context) ([]*Record, error)
	ListByIssuer(ctx context.Context, issuerID string) ([]*Record, error)
	// Revoke marks an active record as revoked. It returns ErrCASFailed if the
	// record is already revoked.
	Revoke(ctx context.Context, id string, reason int, at time.Time) error
}

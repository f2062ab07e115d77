// Package postgres implements storage.Repository backed by PostgreSQL.
//
// The certificates table carries a UNIQUE serial number and a
// self-referencing issuer_id foreign key, so the database itself rejects
// duplicate serials and dangling issuer links.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/ironca/storage"
)

const uniqueViolation = "23505"

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given pgx connection pool.
func NewRepository(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewRepositoryFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new Repository.
func NewRepositoryFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewRepository(pool), nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

const selectColumns = `id, serial_number, type, common_name, organization, organizational_unit,
	country, state, locality, email, issuer_dn, valid_from, valid_to, issuer_id, owner_id,
	revoked, revocation_reason, revocation_date, certificate_pem, public_key_pem, fingerprint,
	key_usage, ext_key_usage, is_ca, max_path_len, dns_names, ip_addresses, email_addresses,
	uris, key_alias, key_secret, created_at`

func (s *Store) Create(ctx context.Context, rec *storage.Record) error {
	var issuerID *string
	if rec.IssuerID != "" {
		issuerID = &rec.IssuerID
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO certificates (`+selectColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
		         $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31, $32)`,
		rec.ID, rec.SerialNumber, rec.Type, rec.CommonName, rec.Organization, rec.OrganizationalUnit,
		rec.Country, rec.State, rec.Locality, rec.Email, rec.IssuerDN, rec.ValidFrom, rec.ValidTo,
		issuerID, rec.OwnerID, rec.Revoked, rec.RevocationReason, rec.RevocationDate,
		rec.CertificatePEM, rec.PublicKeyPEM, rec.Fingerprint, rec.KeyUsage, nonNil(rec.ExtKeyUsage),
		rec.IsCA, rec.MaxPathLen, nonNil(rec.DNSNames), nonNil(rec.IPAddresses),
		nonNil(rec.EmailAddresses), nonNil(rec.URIs), rec.KeyAlias, rec.KeySecret, rec.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			if pgErr.ConstraintName == "certificates_pkey" {
				return fmt.Errorf("%s: %w", rec.ID, storage.ErrConflict)
			}
			return fmt.Errorf("%s: %w", rec.SerialNumber, storage.ErrSerialConflict)
		}
		return err
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*storage.Record, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM certificates WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) SerialExists(ctx context.Context, serial string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM certificates WHERE serial_number = $1)`, serial).Scan(&exists)
	return exists, err
}

func (s *Store) List(ctx context.Context) ([]*storage.Record, error) {
	return s.query(ctx, `SELECT `+selectColumns+` FROM certificates ORDER BY created_at, id`)
}

func (s *Store) ListByIssuer(ctx context.Context, issuerID string) ([]*storage.Record, error) {
	return s.query(ctx,
		`SELECT `+selectColumns+` FROM certificates WHERE issuer_id = $1 ORDER BY created_at, id`, issuerID)
}

func (s *Store) query(ctx context.Context, sql string, args ...any) ([]*storage.Record, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*storage.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Revoke flips the revoked flag only while it is still false, so concurrent
// revocations resolve to exactly one winner.
func (s *Store) Revoke(ctx context.Context, id string, reason int, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE certificates SET revoked = TRUE, revocation_reason = $2, revocation_date = $3
		 WHERE id = $1 AND revoked = FALSE`,
		id, reason, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM certificates WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%s: %w", id, storage.ErrNotFound)
	}
	return storage.ErrCASFailed
}

func scanRecord(row pgx.Row) (*storage.Record, error) {
	var (
		rec      storage.Record
		issuerID *string
	)
	err := row.Scan(
		&rec.ID, &rec.SerialNumber, &rec.Type, &rec.CommonName, &rec.Organization, &rec.OrganizationalUnit,
		&rec.Country, &rec.State, &rec.Locality, &rec.Email, &rec.IssuerDN, &rec.ValidFrom, &rec.ValidTo,
		&issuerID, &rec.OwnerID, &rec.Revoked, &rec.RevocationReason, &rec.RevocationDate,
		&rec.CertificatePEM, &rec.PublicKeyPEM, &rec.Fingerprint, &rec.KeyUsage, &rec.ExtKeyUsage,
		&rec.IsCA, &rec.MaxPathLen, &rec.DNSNames, &rec.IPAddresses, &rec.EmailAddresses,
		&rec.URIs, &rec.KeyAlias, &rec.KeySecret, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	if issuerID != nil {
		rec.IssuerID = *issuerID
	}
	return &rec, nil
}

// nonNil maps nil slices to empty ones for NOT NULL array columns.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

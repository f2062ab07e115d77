// Package sqlite implements storage.Repository on an embedded SQLite
// database through gorm.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jmcleod/ironca/storage"
)

// certificateRow is the table layout. Slice-valued extensions are stored as
// JSON text columns.
type certificateRow struct {
	ID                 string `gorm:"primaryKey"`
	SerialNumber       string `gorm:"uniqueIndex;not null"`
	Type               string `gorm:"not null"`
	CommonName         string `gorm:"not null"`
	Organization       string
	OrganizationalUnit string
	Country            string
	State              string
	Locality           string
	Email              string
	IssuerDN           string    `gorm:"not null"`
	ValidFrom          time.Time `gorm:"not null"`
	ValidTo            time.Time `gorm:"not null"`
	IssuerID           string    `gorm:"index"`
	OwnerID            string    `gorm:"index;not null"`
	Revoked            bool      `gorm:"not null;default:false"`
	RevocationReason   int
	RevocationDate     *time.Time
	CertificatePEM     string `gorm:"not null"`
	PublicKeyPEM       string
	Fingerprint        string `gorm:"not null"`
	KeyUsage           int
	ExtKeyUsage        []int `gorm:"serializer:json"`
	IsCA               bool  `gorm:"not null"`
	MaxPathLen         *int
	DNSNames           []string `gorm:"serializer:json"`
	IPAddresses        []string `gorm:"serializer:json"`
	EmailAddresses     []string `gorm:"serializer:json"`
	URIs               []string `gorm:"serializer:json"`
	KeyAlias           string
	KeySecret          string
	CreatedAt          time.Time `gorm:"index"`
}

func (certificateRow) TableName() string {
	return "certificates"
}

// Store implements storage.Repository backed by gorm.
type Store struct {
	db *gorm.DB
}

var _ storage.Repository = (*Store)(nil)

// NewRepository migrates the certificates table on db and returns a Store.
func NewRepository(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("database is required")
	}
	if err := db.AutoMigrate(&certificateRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate certificates table: %w", err)
	}
	return &Store{db: db}, nil
}

// Open opens (or creates) the SQLite database at path.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	// SQLite allows a single writer; serialise through one connection.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return NewRepository(db)
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Create(ctx context.Context, rec *storage.Record) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&certificateRow{}).Where("id = ?", rec.ID).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%s: %w", rec.ID, storage.ErrConflict)
		}
		if err := tx.Model(&certificateRow{}).Where("serial_number = ?", rec.SerialNumber).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%s: %w", rec.SerialNumber, storage.ErrSerialConflict)
		}
		row := toRow(rec)
		if err := tx.Create(&row).Error; err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return fmt.Errorf("%s: %w", rec.SerialNumber, storage.ErrSerialConflict)
			}
			return fmt.Errorf("failed to create certificate: %w", err)
		}
		return nil
	})
}

func (s *Store) Get(ctx context.Context, id string) (*storage.Record, error) {
	var row certificateRow
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query certificate: %w", err)
	}
	return fromRow(&row), nil
}

func (s *Store) SerialExists(ctx context.Context, serial string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&certificateRow{}).Where("serial_number = ?", serial).Count(&n).Error
	return n > 0, err
}

func (s *Store) List(ctx context.Context) ([]*storage.Record, error) {
	return s.find(s.db.WithContext(ctx))
}

func (s *Store) ListByIssuer(ctx context.Context, issuerID string) ([]*storage.Record, error) {
	return s.find(s.db.WithContext(ctx).Where("issuer_id = ?", issuerID))
}

func (s *Store) find(q *gorm.DB) ([]*storage.Record, error) {
	var rows []certificateRow
	if err := q.Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list certificates: %w", err)
	}
	out := make([]*storage.Record, 0, len(rows))
	for i := range rows {
		out = append(out, fromRow(&rows[i]))
	}
	return out, nil
}

// Revoke performs a conditional update; zero affected rows means the record
// is missing or another caller revoked it first.
func (s *Store) Revoke(ctx context.Context, id string, reason int, at time.Time) error {
	db := s.db.WithContext(ctx)
	result := db.Model(&certificateRow{}).
		Where("id = ? AND revoked = ?", id, false).
		Updates(map[string]any{
			"revoked":           true,
			"revocation_reason": reason,
			"revocation_date":   at,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to revoke certificate: %w", result.Error)
	}
	if result.RowsAffected == 1 {
		return nil
	}
	var n int64
	if err := db.Model(&certificateRow{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", id, storage.ErrNotFound)
	}
	return storage.ErrCASFailed
}

func toRow(rec *storage.Record) certificateRow {
	return certificateRow{
		ID:                 rec.ID,
		SerialNumber:       rec.SerialNumber,
		Type:               rec.Type,
		CommonName:         rec.CommonName,
		Organization:       rec.Organization,
		OrganizationalUnit: rec.OrganizationalUnit,
		Country:            rec.Country,
		State:              rec.State,
		Locality:           rec.Locality,
		Email:              rec.Email,
		IssuerDN:           rec.IssuerDN,
		ValidFrom:          rec.ValidFrom,
		ValidTo:            rec.ValidTo,
		IssuerID:           rec.IssuerID,
		OwnerID:            rec.OwnerID,
		Revoked:            rec.Revoked,
		RevocationReason:   rec.RevocationReason,
		RevocationDate:     rec.RevocationDate,
		CertificatePEM:     rec.CertificatePEM,
		PublicKeyPEM:       rec.PublicKeyPEM,
		Fingerprint:        rec.Fingerprint,
		KeyUsage:           rec.KeyUsage,
		ExtKeyUsage:        rec.ExtKeyUsage,
		IsCA:               rec.IsCA,
		MaxPathLen:         rec.MaxPathLen,
		DNSNames:           rec.DNSNames,
		IPAddresses:        rec.IPAddresses,
		EmailAddresses:     rec.EmailAddresses,
		URIs:               rec.URIs,
		KeyAlias:           rec.KeyAlias,
		KeySecret:          rec.KeySecret,
		CreatedAt:          rec.CreatedAt,
	}
}

func fromRow(row *certificateRow) *storage.Record {
	return &storage.Record{
		ID:                 row.ID,
		SerialNumber:       row.SerialNumber,
		Type:               row.Type,
		CommonName:         row.CommonName,
		Organization:       row.Organization,
		OrganizationalUnit: row.OrganizationalUnit,
		Country:            row.Country,
		State:              row.State,
		Locality:           row.Locality,
		Email:              row.Email,
		IssuerDN:           row.IssuerDN,
		ValidFrom:          row.ValidFrom,
		ValidTo:            row.ValidTo,
		IssuerID:           row.IssuerID,
		OwnerID:            row.OwnerID,
		Revoked:            row.Revoked,
		RevocationReason:   row.RevocationReason,
		RevocationDate:     row.RevocationDate,
		CertificatePEM:     row.CertificatePEM,
		PublicKeyPEM:       row.PublicKeyPEM,
		Fingerprint:        row.Fingerprint,
		KeyUsage:           row.KeyUsage,
		ExtKeyUsage:        row.ExtKeyUsage,
		IsCA:               row.IsCA,
		MaxPathLen:         row.MaxPathLen,
		DNSNames:           row.DNSNames,
		IPAddresses:        row.IPAddresses,
		EmailAddresses:     row.EmailAddresses,
		URIs:               row.URIs,
		KeyAlias:           row.KeyAlias,
		KeySecret:          row.KeySecret,
		CreatedAt:          row.CreatedAt,
	}
}

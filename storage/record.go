package storage

import (
	"slices"
	"time"
)

// Record is the persisted form of an issued certificate.
type Record struct {
	ID           string `json:"id"`
	SerialNumber string `json:"serial_number"`
	Type         string `json:"type"`

	CommonName         string `json:"common_name"`
	Organization       string `json:"organization,omitempty"`
	OrganizationalUnit string `json:"organizational_unit,omitempty"`
	Country            string `json:"country,omitempty"`
	State              string `json:"state,omitempty"`
	Locality           string `json:"locality,omitempty"`
	Email              string `json:"email,omitempty"`
	IssuerDN           string `json:"issuer_dn"`

	ValidFrom time.Time `json:"valid_from"`
	ValidTo   time.Time `json:"valid_to"`

	// IssuerID is empty for self-signed roots.
	IssuerID string `json:"issuer_id,omitempty"`
	OwnerID  string `json:"owner_id"`

	Revoked          bool       `json:"revoked"`
	RevocationReason int        `json:"revocation_reason"`
	RevocationDate   *time.Time `json:"revocation_date,omitempty"`

	CertificatePEM string `json:"certificate_pem"`
	PublicKeyPEM   string `json:"public_key_pem"`
	Fingerprint    string `json:"fingerprint"`

	KeyUsage       int      `json:"key_usage"`
	ExtKeyUsage    []int    `json:"ext_key_usage,omitempty"`
	IsCA           bool     `json:"is_ca"`
	MaxPathLen     *int     `json:"max_path_len,omitempty"`
	DNSNames       []string `json:"dns_names,omitempty"`
	IPAddresses    []string `json:"ip_addresses,omitempty"`
	EmailAddresses []string `json:"email_addresses,omitempty"`
	URIs           []string `json:"uris,omitempty"`

	// KeyAlias and KeySecret reference the key custody entry. Both are empty
	// when no private key is held for the certificate.
	KeyAlias  string `json:"key_alias,omitempty"`
	KeySecret string `json:"key_secret,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.ExtKeyUsage = slices.Clone(r.ExtKeyUsage)
	c.DNSNames = slices.Clone(r.DNSNames)
	c.IPAddresses = slices.Clone(r.IPAddresses)
	c.EmailAddresses = slices.Clone(r.EmailAddresses)
	c.URIs = slices.Clone(r.URIs)
	if r.MaxPathLen != nil {
		v := *r.MaxPathLen
		c.MaxPathLen = &v
	}
	if r.RevocationDate != nil {
		v := *r.RevocationDate
		c.RevocationDate = &v
	}
	return &c
}

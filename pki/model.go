package pki

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/jmcleod/ironca/internal/util"
	"github.com/jmcleod/ironca/keystore"
	"github.com/jmcleod/ironca/storage"
)

// CertType classifies a certificate's position in a chain.
type CertType string

const (
	CertTypeRoot         CertType = "ROOT"
	CertTypeIntermediate CertType = "INTERMEDIATE"
	CertTypeEndEntity    CertType = "END_ENTITY"
)

func (t CertType) Valid() bool {
	switch t {
	case CertTypeRoot, CertTypeIntermediate, CertTypeEndEntity:
		return true
	}
	return false
}

// IsCA reports whether certificates of this type may sign others.
func (t CertType) IsCA() bool {
	return t == CertTypeRoot || t == CertTypeIntermediate
}

// Role is a principal's privilege level.
type Role string

const (
	RoleAdmin      Role = "ADMIN"
	RoleCAOperator Role = "CA_OPERATOR"
	RoleEndUser    Role = "END_USER"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleCAOperator, RoleEndUser:
		return true
	}
	return false
}

// Principal is the identity on whose behalf an operation runs.
type Principal struct {
	ID   string
	Role Role
}

func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// mayRequest reports whether the principal's role permits issuing t.
func (p Principal) mayRequest(t CertType) bool {
	switch t {
	case CertTypeRoot:
		return p.Role == RoleAdmin
	case CertTypeIntermediate:
		return p.Role == RoleAdmin || p.Role == RoleCAOperator
	default:
		return p.Role.Valid()
	}
}

// Subject holds the distinguished name attributes of a certificate.
type Subject struct {
	CommonName         string `json:"common_name"`
	Organization       string `json:"organization,omitempty"`
	OrganizationalUnit string `json:"organizational_unit,omitempty"`
	Country            string `json:"country,omitempty"`
	State              string `json:"state,omitempty"`
	Locality           string `json:"locality,omitempty"`
	Email              string `json:"email,omitempty"`
}

// DistinguishedName renders the subject as "CN=..., O=..., OU=..., C=..., ST=..., L=...",
// skipping empty attributes.
func (s Subject) DistinguishedName() string {
	var parts []string
	for _, a := range s.attributes() {
		parts = append(parts, a.name+"="+a.value)
	}
	return strings.Join(parts, ", ")
}

type subjectAttribute struct {
	name  string
	value string
}

// attributes returns the present attributes in DN order.
func (s Subject) attributes() []subjectAttribute {
	all := []subjectAttribute{
		{"CN", s.CommonName},
		{"O", s.Organization},
		{"OU", s.OrganizationalUnit},
		{"C", s.Country},
		{"ST", s.State},
		{"L", s.Locality},
	}
	return slices.DeleteFunc(all, func(a subjectAttribute) bool { return a.value == "" })
}

func (s Subject) normalized() Subject {
	return Subject{
		CommonName:         util.Normalize(s.CommonName),
		Organization:       util.Normalize(s.Organization),
		OrganizationalUnit: util.Normalize(s.OrganizationalUnit),
		Country:            strings.ToUpper(util.Normalize(s.Country)),
		State:              util.Normalize(s.State),
		Locality:           util.Normalize(s.Locality),
		Email:              util.Normalize(s.Email),
	}
}

// RevocationReason is an RFC 5280 CRLReason code.
type RevocationReason int

const (
	ReasonUnspecified          RevocationReason = 0
	ReasonKeyCompromise        RevocationReason = 1
	ReasonCACompromise         RevocationReason = 2
	ReasonAffiliationChanged   RevocationReason = 3
	ReasonSuperseded           RevocationReason = 4
	ReasonCessationOfOperation RevocationReason = 5
	ReasonPrivilegeWithdrawn   RevocationReason = 9
	ReasonAACompromise         RevocationReason = 10
)

var reasonNames = map[RevocationReason]string{
	ReasonUnspecified:          "unspecified",
	ReasonKeyCompromise:        "keyCompromise",
	ReasonCACompromise:         "cACompromise",
	ReasonAffiliationChanged:   "affiliationChanged",
	ReasonSuperseded:           "superseded",
	ReasonCessationOfOperation: "cessationOfOperation",
	ReasonPrivilegeWithdrawn:   "privilegeWithdrawn",
	ReasonAACompromise:         "aACompromise",
}

// Valid reports whether r is a terminal revocation reason. certificateHold
// and removeFromCRL are not, since revocation cannot be undone.
func (r RevocationReason) Valid() bool {
	_, ok := reasonNames[r]
	return ok
}

func (r RevocationReason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return "reason(" + strconv.Itoa(int(r)) + ")"
}

// ParseRevocationReason accepts an RFC 5280 reason name (case-insensitive,
// underscores and dashes ignored) or its numeric code.
func ParseRevocationReason(s string) (RevocationReason, error) {
	key := strings.ToLower(strings.NewReplacer("_", "", "-", "", " ", "").Replace(s))
	if n, err := strconv.Atoi(key); err == nil {
		r := RevocationReason(n)
		if !r.Valid() {
			return 0, fmt.Errorf("%w: unsupported revocation reason %d", ErrValidation, n)
		}
		return r, nil
	}
	for r, name := range reasonNames {
		if strings.ToLower(name) == key {
			return r, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown revocation reason %q", ErrValidation, s)
}

// KeyRef locates a private key in custody.
type KeyRef struct {
	Alias  string             `json:"alias"`
	Secret keystore.SecretRef `json:"-"`
}

// Certificate is an issued certificate and its lifecycle state.
type Certificate struct {
	ID           string   `json:"id"`
	SerialNumber string   `json:"serial_number"`
	Type         CertType `json:"type"`
	Subject      Subject  `json:"subject"`
	IssuerDN     string   `json:"issuer_dn"`

	ValidFrom time.Time `json:"valid_from"`
	ValidTo   time.Time `json:"valid_to"`

	// IssuerID is empty for self-signed roots.
	IssuerID string `json:"issuer_id,omitempty"`
	OwnerID  string `json:"owner_id"`

	Revoked          bool             `json:"revoked"`
	RevocationReason RevocationReason `json:"revocation_reason,omitempty"`
	RevocationDate   *time.Time       `json:"revocation_date,omitempty"`

	CertificatePEM string `json:"certificate_pem"`
	PublicKeyPEM   string `json:"public_key_pem"`
	Fingerprint    string `json:"fingerprint_sha256"`

	KeyUsage    x509.KeyUsage      `json:"key_usage"`
	ExtKeyUsage []x509.ExtKeyUsage `json:"ext_key_usage,omitempty"`
	IsCA        bool               `json:"is_ca"`
	// MaxPathLen is nil when the path length is unconstrained.
	MaxPathLen     *int     `json:"max_path_len,omitempty"`
	DNSNames       []string `json:"dns_names,omitempty"`
	IPAddresses    []string `json:"ip_addresses,omitempty"`
	EmailAddresses []string `json:"email_addresses,omitempty"`
	URIs           []string `json:"uris,omitempty"`

	// KeyRef is nil when the private key is not held in custody.
	KeyRef *KeyRef `json:"key_ref,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// IsValidAt reports whether c is unrevoked and t falls in [ValidFrom, ValidTo).
func (c *Certificate) IsValidAt(t time.Time) bool {
	return !c.Revoked && !t.Before(c.ValidFrom) && t.Before(c.ValidTo)
}

// X509 parses the stored PEM.
func (c *Certificate) X509() (*x509.Certificate, error) {
	return ParseCertificatePEM([]byte(c.CertificatePEM))
}

// ParseCertificatePEM decodes a single PEM certificate.
func ParseCertificatePEM(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, ErrInvalidPEM
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}
	return cert, nil
}

func encodeCertPEM(der []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}

func fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return util.HexEncode(sum[:])
}

func (c *Certificate) toRecord() *storage.Record {
	rec := &storage.Record{
		ID:                 c.ID,
		SerialNumber:       c.SerialNumber,
		Type:               string(c.Type),
		CommonName:         c.Subject.CommonName,
		Organization:       c.Subject.Organization,
		OrganizationalUnit: c.Subject.OrganizationalUnit,
		Country:            c.Subject.Country,
		State:              c.Subject.State,
		Locality:           c.Subject.Locality,
		Email:              c.Subject.Email,
		IssuerDN:           c.IssuerDN,
		ValidFrom:          c.ValidFrom,
		ValidTo:            c.ValidTo,
		IssuerID:           c.IssuerID,
		OwnerID:            c.OwnerID,
		Revoked:            c.Revoked,
		RevocationReason:   int(c.RevocationReason),
		RevocationDate:     c.RevocationDate,
		CertificatePEM:     c.CertificatePEM,
		PublicKeyPEM:       c.PublicKeyPEM,
		Fingerprint:        c.Fingerprint,
		KeyUsage:           int(c.KeyUsage),
		IsCA:               c.IsCA,
		MaxPathLen:         c.MaxPathLen,
		DNSNames:           c.DNSNames,
		IPAddresses:        c.IPAddresses,
		EmailAddresses:     c.EmailAddresses,
		URIs:               c.URIs,
		CreatedAt:          c.CreatedAt,
	}
	for _, eku := range c.ExtKeyUsage {
		rec.ExtKeyUsage = append(rec.ExtKeyUsage, int(eku))
	}
	if c.KeyRef != nil {
		rec.KeyAlias = c.KeyRef.Alias
		rec.KeySecret = string(c.KeyRef.Secret)
	}
	return rec
}

func certificateFromRecord(rec *storage.Record) *Certificate {
	c := &Certificate{
		ID:           rec.ID,
		SerialNumber: rec.SerialNumber,
		Type:         CertType(rec.Type),
		Subject: Subject{
			CommonName:         rec.CommonName,
			Organization:       rec.Organization,
			OrganizationalUnit: rec.OrganizationalUnit,
			Country:            rec.Country,
			State:              rec.State,
			Locality:           rec.Locality,
			Email:              rec.Email,
		},
		IssuerDN:         rec.IssuerDN,
		ValidFrom:        rec.ValidFrom,
		ValidTo:          rec.ValidTo,
		IssuerID:         rec.IssuerID,
		OwnerID:          rec.OwnerID,
		Revoked:          rec.Revoked,
		RevocationReason: RevocationReason(rec.RevocationReason),
		RevocationDate:   rec.RevocationDate,
		CertificatePEM:   rec.CertificatePEM,
		PublicKeyPEM:     rec.PublicKeyPEM,
		Fingerprint:      rec.Fingerprint,
		KeyUsage:         x509.KeyUsage(rec.KeyUsage),
		IsCA:             rec.IsCA,
		MaxPathLen:       rec.MaxPathLen,
		DNSNames:         rec.DNSNames,
		IPAddresses:      rec.IPAddresses,
		EmailAddresses:   rec.EmailAddresses,
		URIs:             rec.URIs,
		CreatedAt:        rec.CreatedAt,
	}
	for _, eku := range rec.ExtKeyUsage {
		c.ExtKeyUsage = append(c.ExtKeyUsage, x509.ExtKeyUsage(eku))
	}
	if rec.KeyAlias != "" {
		c.KeyRef = &KeyRef{Alias: rec.KeyAlias, Secret: keystore.SecretRef(rec.KeySecret)}
	}
	return c
}

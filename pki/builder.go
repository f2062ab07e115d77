package pki

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // RFC 5280 4.2.1.2 method (1)
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"net/url"
	"time"

	"github.com/jmcleod/ironca/internal/util"
)

// Attribute type OIDs from RFC 5280 appendix A.
var (
	oidCommonName         = asn1.ObjectIdentifier{2, 5, 4, 3}
	oidCountry            = asn1.ObjectIdentifier{2, 5, 4, 6}
	oidLocality           = asn1.ObjectIdentifier{2, 5, 4, 7}
	oidState              = asn1.ObjectIdentifier{2, 5, 4, 8}
	oidOrganization       = asn1.ObjectIdentifier{2, 5, 4, 10}
	oidOrganizationalUnit = asn1.ObjectIdentifier{2, 5, 4, 11}
)

var attributeOIDs = map[string]asn1.ObjectIdentifier{
	"CN": oidCommonName,
	"O":  oidOrganization,
	"OU": oidOrganizationalUnit,
	"C":  oidCountry,
	"ST": oidState,
	"L":  oidLocality,
}

const (
	caKeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	eeKeyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment
)

// BuildRequest is everything the Builder needs to lay out a certificate.
type BuildRequest struct {
	Type         CertType
	Subject      Subject
	SerialNumber *big.Int
	ValidFrom    time.Time
	ValidTo      time.Time

	// PublicKey, when set, is certified instead of generating a key pair.
	// It comes from a verified CSR.
	PublicKey crypto.PublicKey

	// MaxPathLen applies to INTERMEDIATE only; nil leaves it unconstrained.
	MaxPathLen     *int
	ExtKeyUsage    []x509.ExtKeyUsage
	DNSNames       []string
	IPAddresses    []net.IP
	EmailAddresses []string
	URIs           []*url.URL
}

// Draft is an unsigned certificate template plus its key material.
type Draft struct {
	Template  *x509.Certificate
	PublicKey crypto.PublicKey
	// PrivateKey is nil when the public key was supplied by the requester.
	PrivateKey crypto.Signer
}

// Builder produces unsigned certificate templates.
type Builder struct {
	rsaBits int
}

// NewBuilder returns a Builder generating RSA keys of rsaBits (minimum 2048).
func NewBuilder(rsaBits int) *Builder {
	if rsaBits < 2048 {
		rsaBits = 2048
	}
	return &Builder{rsaBits: rsaBits}
}

// Build lays out the template for req. A key pair is generated unless
// req.PublicKey is set.
func (b *Builder) Build(req *BuildRequest) (*Draft, error) {
	if req.SerialNumber == nil || req.SerialNumber.Sign() <= 0 {
		return nil, fmt.Errorf("serial number must be positive")
	}
	if !req.ValidFrom.Before(req.ValidTo) {
		return nil, fmt.Errorf("validity window is empty")
	}

	draft := &Draft{PublicKey: req.PublicKey}
	if draft.PublicKey == nil {
		key, err := rsa.GenerateKey(rand.Reader, b.rsaBits)
		if err != nil {
			return nil, fmt.Errorf("generating RSA-%d key: %w", b.rsaBits, err)
		}
		draft.PublicKey = &key.PublicKey
		draft.PrivateKey = key
	}

	rawSubject, err := encodeSubject(req.Subject)
	if err != nil {
		return nil, err
	}
	skid, err := subjectKeyID(draft.PublicKey)
	if err != nil {
		return nil, err
	}

	tmpl := &x509.Certificate{
		SerialNumber:          req.SerialNumber,
		RawSubject:            rawSubject,
		NotBefore:             req.ValidFrom,
		NotAfter:              req.ValidTo,
		SubjectKeyId:          skid,
		BasicConstraintsValid: true,
		SignatureAlgorithm:    SignatureAlgorithm,
		DNSNames:              req.DNSNames,
		IPAddresses:           req.IPAddresses,
		EmailAddresses:        withEmail(req.EmailAddresses, req.Subject.Email),
		URIs:                  req.URIs,
	}

	switch req.Type {
	case CertTypeRoot, CertTypeIntermediate:
		tmpl.IsCA = true
		tmpl.KeyUsage = caKeyUsage
		tmpl.MaxPathLen = -1
		if req.Type == CertTypeIntermediate && req.MaxPathLen != nil {
			tmpl.MaxPathLen = *req.MaxPathLen
			tmpl.MaxPathLenZero = *req.MaxPathLen == 0
		}
	case CertTypeEndEntity:
		tmpl.KeyUsage = eeKeyUsage
		tmpl.ExtKeyUsage = req.ExtKeyUsage
		tmpl.MaxPathLen = -1
	default:
		return nil, fmt.Errorf("unknown certificate type %q", req.Type)
	}

	draft.Template = tmpl
	return draft, nil
}

// encodeSubject emits the subject RDNs in CN, O, OU, C, ST, L order, one
// attribute per RDN, omitting empty values.
func encodeSubject(s Subject) ([]byte, error) {
	var rdns pkix.RDNSequence
	for _, a := range s.attributes() {
		rdns = append(rdns, pkix.RelativeDistinguishedNameSET{
			{Type: attributeOIDs[a.name], Value: a.value},
		})
	}
	der, err := asn1.Marshal(rdns)
	if err != nil {
		return nil, fmt.Errorf("encoding subject: %w", err)
	}
	return der, nil
}

// subjectKeyID is the SHA-1 of the subjectPublicKey BIT STRING.
func subjectKeyID(pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("encoding public key: %w", err)
	}
	var spki struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(der, &spki); err != nil {
		return nil, fmt.Errorf("decoding public key: %w", err)
	}
	sum := sha1.Sum(spki.PublicKey.Bytes) //nolint:gosec
	return sum[:], nil
}

func withEmail(emails []string, email string) []string {
	if email == "" {
		return emails
	}
	for _, e := range emails {
		if e == email {
			return emails
		}
	}
	return append([]string{email}, emails...)
}

func encodePublicKeyPEM(pub crypto.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// ParseCSR decodes a PEM or DER certificate signing request and verifies
// its self-signature.
func ParseCSR(data []byte) (*x509.CertificateRequest, error) {
	der := data
	if block, _ := pem.Decode(data); block != nil {
		if block.Type != "CERTIFICATE REQUEST" && block.Type != "NEW CERTIFICATE REQUEST" {
			return nil, fmt.Errorf("%w: unexpected PEM type %q", ErrCSRInvalid, block.Type)
		}
		der = block.Bytes
	}
	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCSRInvalid, err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("%w: signature verification failed: %v", ErrCSRInvalid, err)
	}
	return csr, nil
}

// subjectFromCSR takes the subject and first email SAN of a CSR.
func subjectFromCSR(csr *x509.CertificateRequest) Subject {
	s := subjectFromName(csr.Subject)
	if len(csr.EmailAddresses) > 0 {
		s.Email = util.Normalize(csr.EmailAddresses[0])
	}
	return s
}

// subjectFromName takes the first value of each supported attribute.
func subjectFromName(name pkix.Name) Subject {
	first := func(v []string) string {
		if len(v) == 0 {
			return ""
		}
		return v[0]
	}
	s := Subject{
		CommonName:         name.CommonName,
		Organization:       first(name.Organization),
		OrganizationalUnit: first(name.OrganizationalUnit),
		Country:            first(name.Country),
		State:              first(name.Province),
		Locality:           first(name.Locality),
	}
	return s.normalized()
}

// SerialExistsFunc reports whether a serial number is already taken.
type SerialExistsFunc func(ctx context.Context, serial string) (bool, error)

// newSerial draws random serials of the given bit length until one is free.
func newSerial(ctx context.Context, bits uint, attempts int, exists SerialExistsFunc) (*big.Int, error) {
	for range attempts {
		serial, err := util.RandomPositiveInt(bits)
		if err != nil {
			return nil, err
		}
		taken, err := exists(ctx, serial.String())
		if err != nil {
			return nil, fmt.Errorf("checking serial uniqueness: %w", err)
		}
		if !taken {
			return serial, nil
		}
	}
	return nil, fmt.Errorf("no unique serial number after %d attempts", attempts)
}

package pki

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"

	"software.sslmate.com/src/go-pkcs12"
)

// Encoding selects the output format of DownloadEncoded.
type Encoding string

const (
	EncodingPEM Encoding = "pem"
	EncodingDER Encoding = "der"
)

// DownloadEncoded returns the certificate in the requested encoding.
func (a *Authority) DownloadEncoded(ctx context.Context, id string, enc Encoding, p Principal) (_ []byte, err error) {
	defer a.metrics.observe("download", time.Now(), &err)

	cert, err := a.authorizedGet(ctx, id, p)
	if err != nil {
		return nil, err
	}
	out, err := cert.Encode(enc)
	if err != nil {
		return nil, err
	}
	a.audit(ctx, AuditCertificateDownloaded, fmt.Sprintf("downloaded %s as %s", cert.Subject.DistinguishedName(), enc), id)
	return out, nil
}

// Encode returns the certificate in enc; the empty encoding means PEM.
func (c *Certificate) Encode(enc Encoding) ([]byte, error) {
	switch enc {
	case EncodingPEM, "":
		return []byte(c.CertificatePEM), nil
	case EncodingDER:
		x, err := c.X509()
		if err != nil {
			return nil, err
		}
		return x.Raw, nil
	default:
		return nil, fmt.Errorf("%w: unknown encoding %q", ErrValidation, enc)
	}
}

// Chain returns the certificate followed by its issuers up to the root.
func (a *Authority) Chain(ctx context.Context, id string, p Principal) (_ []*Certificate, err error) {
	defer a.metrics.observe("chain", time.Now(), &err)

	cert, err := a.authorizedGet(ctx, id, p)
	if err != nil {
		return nil, err
	}
	return a.resolver.ResolveChain(ctx, cert)
}

// DownloadChainPEM returns the concatenated PEM chain, leaf first.
func (a *Authority) DownloadChainPEM(ctx context.Context, id string, p Principal) ([]byte, error) {
	chain, err := a.Chain(ctx, id, p)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	for _, c := range chain {
		buf.WriteString(c.CertificatePEM)
	}
	a.audit(ctx, AuditCertificateDownloaded, fmt.Sprintf("downloaded chain of %s", chain[0].Subject.DistinguishedName()), id)
	return buf.Bytes(), nil
}

// VerifyChain resolves the chain and checks that every member is valid now
// and signed by its parent. It returns the chain, or ErrUntrusted naming
// the first failing certificate.
func (a *Authority) VerifyChain(ctx context.Context, id string, p Principal) (_ []*Certificate, err error) {
	defer a.metrics.observe("verify", time.Now(), &err)

	cert, err := a.authorizedGet(ctx, id, p)
	if err != nil {
		return nil, err
	}
	chain, err := a.resolver.ResolveChain(ctx, cert)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUntrusted, err)
	}

	parsed := make([]*x509.Certificate, len(chain))
	for i, c := range chain {
		if parsed[i], err = c.X509(); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrUntrusted, c.ID, err)
		}
	}
	for i, c := range chain {
		switch {
		case c.Revoked:
			return nil, fmt.Errorf("%w: %s is revoked (%s)", ErrUntrusted, c.ID, c.RevocationReason)
		case !a.resolver.IsValidNow(c):
			return nil, fmt.Errorf("%w: %s is outside its validity window", ErrUntrusted, c.ID)
		}
		parent := parsed[i]
		if i+1 < len(parsed) {
			parent = parsed[i+1]
		}
		if err := parsed[i].CheckSignatureFrom(parent); err != nil {
			return nil, fmt.Errorf("%w: %s signature: %w", ErrUntrusted, c.ID, err)
		}
	}
	return chain, nil
}

// GenerateCRL returns a PEM CRL signed by the issuer, listing the revoked
// certificates it signed directly. The CRL number is the issue time in
// nanoseconds, which increases without stored state.
func (a *Authority) GenerateCRL(ctx context.Context, issuerID string, p Principal) (_ []byte, err error) {
	defer a.metrics.observe("crl", time.Now(), &err)

	issuer, err := a.authorizedGet(ctx, issuerID, p)
	if err != nil {
		return nil, err
	}
	if !issuer.Type.IsCA() {
		return nil, fmt.Errorf("%w: %s is not a CA certificate", ErrValidation, issuerID)
	}
	if issuer.KeyRef == nil {
		return nil, fmt.Errorf("%w: %s has no key in custody", ErrIssuerKeyUnavailable, issuerID)
	}
	issuerCert, err := issuer.X509()
	if err != nil {
		return nil, err
	}
	key, err := a.keys.Retrieve(ctx, issuer.KeyRef.Alias, issuer.KeyRef.Secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIssuerKeyUnavailable, err)
	}

	children, err := a.repo.ListByIssuer(ctx, issuerID)
	if err != nil {
		return nil, fmt.Errorf("listing certificates of %s: %w", issuerID, err)
	}
	var entries []x509.RevocationListEntry
	for _, rec := range children {
		if !rec.Revoked {
			continue
		}
		serial, ok := new(big.Int).SetString(rec.SerialNumber, 10)
		if !ok {
			a.logger.Warn("skipping unparsable serial in CRL", "id", rec.ID, "serial", rec.SerialNumber)
			continue
		}
		entry := x509.RevocationListEntry{SerialNumber: serial, ReasonCode: rec.RevocationReason}
		if rec.RevocationDate != nil {
			entry.RevocationTime = rec.RevocationDate.UTC()
		}
		entries = append(entries, entry)
	}

	now := a.now().UTC()
	tmpl := &x509.RevocationList{
		SignatureAlgorithm:        SignatureAlgorithm,
		Number:                    big.NewInt(now.UnixNano()),
		ThisUpdate:                now,
		NextUpdate:                now.Add(a.policy.CRLValidity),
		RevokedCertificateEntries: entries,
	}
	der, err := x509.CreateRevocationList(rand.Reader, tmpl, issuerCert, key)
	if err != nil {
		return nil, fmt.Errorf("creating CRL: %w", err)
	}

	a.audit(ctx, AuditCRLGenerated, fmt.Sprintf("CRL with %d entries", len(entries)), issuerID)
	return pem.EncodeToMemory(&pem.Block{Type: "X509 CRL", Bytes: der}), nil
}

// ExportPKCS12 bundles the private key, certificate and issuer chain under
// password. Only the direct owner or an administrator may export.
func (a *Authority) ExportPKCS12(ctx context.Context, id, password string, p Principal) (_ []byte, err error) {
	defer a.metrics.observe("export", time.Now(), &err)

	if password == "" {
		return nil, fmt.Errorf("%w: export password is required", ErrValidation)
	}
	cert, err := a.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.IsAdmin() && (p.ID == "" || cert.OwnerID != p.ID) {
		return nil, fmt.Errorf("%w: only the owner may export %s", ErrNotAuthorized, id)
	}
	if cert.KeyRef == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoPrivateKey, id)
	}

	chain, err := a.resolver.ResolveChain(ctx, cert)
	if err != nil {
		return nil, err
	}
	parsed := make([]*x509.Certificate, len(chain))
	for i, c := range chain {
		if parsed[i], err = c.X509(); err != nil {
			return nil, err
		}
	}
	key, err := a.keys.Retrieve(ctx, cert.KeyRef.Alias, cert.KeyRef.Secret)
	if err != nil {
		return nil, err
	}
	pfx, err := pkcs12.Modern.Encode(key, parsed[0], parsed[1:], password)
	if err != nil {
		return nil, fmt.Errorf("encoding PKCS#12: %w", err)
	}

	a.logger.Info("private key exported", "id", id, "principal", p.ID)
	a.audit(ctx, AuditPrivateKeyExported, fmt.Sprintf("exported key of %s", cert.Subject.DistinguishedName()), id)
	return pfx, nil
}

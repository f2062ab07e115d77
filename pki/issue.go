package pki

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"github.com/jmcleod/ironca/internal/util"
	"github.com/jmcleod/ironca/internal/uuid"
)

// IssueRequest describes a certificate to issue.
type IssueRequest struct {
	Type    CertType
	Subject Subject
	// IssuerID names the signing CA; it must be empty for ROOT.
	IssuerID string
	// ValidFrom defaults to now.
	ValidFrom    time.Time
	ValidityDays int
	// CSR is a PEM or DER request (END_ENTITY only). Its subject and public
	// key replace Subject and key generation.
	CSR []byte
	// MaxPathLen constrains an INTERMEDIATE; nil inherits one less than the
	// issuer's constraint, or none.
	MaxPathLen     *int
	ExtKeyUsage    []x509.ExtKeyUsage
	DNSNames       []string
	IPAddresses    []string
	EmailAddresses []string
	URIs           []string
	// Template names a registered issuance template.
	Template string
	// OwnerID assigns the certificate to another principal. Only
	// administrators may set it; empty means the requester.
	OwnerID string
}

// issueInput is a validated IssueRequest.
type issueInput struct {
	certType     CertType
	subject      Subject
	issuerID     string
	ownerID      string
	validFrom    time.Time
	validTo      time.Time
	validityDays int
	maxPathLen   *int
	extKeyUsage  []x509.ExtKeyUsage
	dnsNames     []string
	ips          []net.IP
	emails       []string
	uris         []*url.URL
	publicKey    crypto.PublicKey
}

func (in *issueInput) hasSANs() bool {
	return len(in.dnsNames)+len(in.ips)+len(in.emails)+len(in.uris) > 0
}

func (in *issueInput) sanValues() []string {
	out := append([]string(nil), in.dnsNames...)
	for _, ip := range in.ips {
		out = append(out, ip.String())
	}
	out = append(out, in.emails...)
	for _, u := range in.uris {
		out = append(out, u.String())
	}
	return out
}

// Issue validates req, signs a new certificate and persists it. For CA
// certificates and generated end-entity keys the private key is placed in
// custody; a failure at any step leaves neither a record nor a custody entry.
func (a *Authority) Issue(ctx context.Context, req IssueRequest, p Principal) (_ *Certificate, err error) {
	defer a.metrics.observe("issue", time.Now(), &err)

	in, err := a.validateIssue(req, p)
	if err != nil {
		return nil, err
	}
	if len(req.CSR) > 0 {
		csr, err := ParseCSR(req.CSR)
		if err != nil {
			return nil, err
		}
		if err := in.applyCSR(csr); err != nil {
			return nil, err
		}
	}
	if req.Template != "" {
		tmpl, ok := a.templates[req.Template]
		if !ok {
			return nil, fmt.Errorf("%w: unknown template %q", ErrValidation, req.Template)
		}
		if err := tmpl.check(in, req.ValidityDays); err != nil {
			return nil, err
		}
	}
	return a.issue(ctx, in, p)
}

// Renew re-issues a certificate with the same subject, issuer, owner, type
// and extensions for validityDays, then revokes the original as superseded.
// Certificates issued from a CSR keep their public key; others get a new key.
// Once the new certificate is stored it is returned even if revoking the
// original fails; that failure is logged and the original stays active.
func (a *Authority) Renew(ctx context.Context, id string, validityDays int, p Principal) (_ *Certificate, err error) {
	defer a.metrics.observe("renew", time.Now(), &err)

	old, err := a.authorizedGet(ctx, id, p)
	if err != nil {
		return nil, err
	}
	if old.Revoked {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRevoked, id)
	}
	req := IssueRequest{
		Type:           old.Type,
		Subject:        old.Subject,
		IssuerID:       old.IssuerID,
		ValidityDays:   validityDays,
		ExtKeyUsage:    old.ExtKeyUsage,
		DNSNames:       old.DNSNames,
		IPAddresses:    old.IPAddresses,
		EmailAddresses: withoutEmail(old.EmailAddresses, old.Subject.Email),
		URIs:           old.URIs,
	}
	if old.Type == CertTypeIntermediate {
		req.MaxPathLen = old.MaxPathLen
	}
	in, err := a.validateIssue(req, p)
	if err != nil {
		return nil, err
	}
	in.ownerID = old.OwnerID
	if old.KeyRef == nil {
		x, err := old.X509()
		if err != nil {
			return nil, err
		}
		in.publicKey = x.PublicKey
	}

	renewed, err := a.issue(ctx, in, p)
	if err != nil {
		return nil, err
	}
	if _, err := a.Revoke(context.WithoutCancel(ctx), id, ReasonSuperseded, p); err != nil && !errors.Is(err, ErrAlreadyRevoked) {
		a.logger.Error("revoking superseded certificate", "id", id, "renewed_id", renewed.ID, "error", err)
	}
	return renewed, nil
}

func (a *Authority) validateIssue(req IssueRequest, p Principal) (*issueInput, error) {
	if p.ID == "" || !p.Role.Valid() {
		return nil, fmt.Errorf("%w: unknown principal", ErrNotAuthorized)
	}
	if !req.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown certificate type %q", ErrValidation, req.Type)
	}
	if !p.mayRequest(req.Type) {
		return nil, fmt.Errorf("%w: %w: role %s may not request %s certificates", ErrValidation, ErrNotAuthorized, p.Role, req.Type)
	}
	if req.ValidityDays < a.policy.MinValidityDays || req.ValidityDays > a.policy.MaxValidityDays {
		return nil, fmt.Errorf("%w: validity of %d days outside %d..%d", ErrValidation,
			req.ValidityDays, a.policy.MinValidityDays, a.policy.MaxValidityDays)
	}
	if len(req.CSR) > 0 && req.Type != CertTypeEndEntity {
		return nil, fmt.Errorf("%w: a CSR may only be used for %s certificates", ErrValidation, CertTypeEndEntity)
	}
	switch {
	case req.Type == CertTypeRoot && req.IssuerID != "":
		return nil, fmt.Errorf("%w: root certificates are self-signed and take no issuer", ErrValidation)
	case req.Type != CertTypeRoot && req.IssuerID == "":
		return nil, fmt.Errorf("%w: %s certificates require an issuer", ErrValidation, req.Type)
	}
	if req.MaxPathLen != nil {
		if req.Type != CertTypeIntermediate {
			return nil, fmt.Errorf("%w: path length applies to intermediate certificates only", ErrValidation)
		}
		if *req.MaxPathLen < 0 {
			return nil, fmt.Errorf("%w: negative path length", ErrValidation)
		}
	}
	if len(req.ExtKeyUsage) > 0 && req.Type != CertTypeEndEntity {
		return nil, fmt.Errorf("%w: extended key usage applies to end-entity certificates only", ErrValidation)
	}

	owner := p.ID
	if req.OwnerID != "" && req.OwnerID != p.ID {
		if !p.IsAdmin() {
			return nil, fmt.Errorf("%w: only administrators may assign an owner", ErrNotAuthorized)
		}
		owner = util.Normalize(req.OwnerID)
		if owner == "" {
			return nil, fmt.Errorf("%w: empty owner", ErrValidation)
		}
	}

	validFrom := req.ValidFrom
	if validFrom.IsZero() {
		validFrom = a.now()
	}
	validFrom = validFrom.UTC().Truncate(time.Second)

	in := &issueInput{
		certType:     req.Type,
		subject:      req.Subject.normalized(),
		issuerID:     req.IssuerID,
		ownerID:      owner,
		validFrom:    validFrom,
		validTo:      validFrom.AddDate(0, 0, req.ValidityDays),
		validityDays: req.ValidityDays,
		extKeyUsage:  req.ExtKeyUsage,
	}
	if req.MaxPathLen != nil {
		v := *req.MaxPathLen
		in.maxPathLen = &v
	}
	if err := in.parseSANs(req); err != nil {
		return nil, err
	}
	if len(req.CSR) == 0 {
		if err := in.subject.validate(); err != nil {
			return nil, err
		}
	}
	return in, nil
}

func (s Subject) validate() error {
	if s.CommonName == "" {
		return fmt.Errorf("%w: common name is required", ErrValidation)
	}
	if s.Country != "" && len(s.Country) != 2 {
		return fmt.Errorf("%w: country must be a two-letter code", ErrValidation)
	}
	if s.Email != "" {
		if _, err := mail.ParseAddress(s.Email); err != nil {
			return fmt.Errorf("%w: invalid email %q", ErrValidation, s.Email)
		}
	}
	return nil
}

func (in *issueInput) parseSANs(req IssueRequest) error {
	for _, name := range req.DNSNames {
		name = strings.ToLower(util.Normalize(name))
		if name == "" || strings.ContainsAny(name, " /@") {
			return fmt.Errorf("%w: invalid DNS name %q", ErrValidation, name)
		}
		in.dnsNames = append(in.dnsNames, name)
	}
	for _, s := range req.IPAddresses {
		ip := net.ParseIP(strings.TrimSpace(s))
		if ip == nil {
			return fmt.Errorf("%w: invalid IP address %q", ErrValidation, s)
		}
		in.ips = append(in.ips, ip)
	}
	for _, s := range req.EmailAddresses {
		addr, err := mail.ParseAddress(s)
		if err != nil {
			return fmt.Errorf("%w: invalid email %q", ErrValidation, s)
		}
		in.emails = append(in.emails, addr.Address)
	}
	for _, s := range req.URIs {
		u, err := url.Parse(strings.TrimSpace(s))
		if err != nil || u.Scheme == "" {
			return fmt.Errorf("%w: invalid URI %q", ErrValidation, s)
		}
		in.uris = append(in.uris, u)
	}
	return nil
}

// applyCSR takes the subject and public key from a verified CSR. SANs from
// the CSR are used only when the request names none.
func (in *issueInput) applyCSR(csr *x509.CertificateRequest) error {
	in.subject = subjectFromCSR(csr)
	if err := in.subject.validate(); err != nil {
		return err
	}
	if pub, ok := csr.PublicKey.(*rsa.PublicKey); ok && pub.N.BitLen() < 2048 {
		return fmt.Errorf("%w: CSR key is RSA-%d, minimum is 2048", ErrValidation, pub.N.BitLen())
	}
	if !in.hasSANs() {
		in.dnsNames = csr.DNSNames
		in.ips = csr.IPAddresses
		in.emails = csr.EmailAddresses
		in.uris = csr.URIs
	}
	in.publicKey = csr.PublicKey
	return nil
}

// authorizeIssuer loads the issuer and checks that p may use it for in.
// It may tighten in.maxPathLen to the issuer's constraint.
func (a *Authority) authorizeIssuer(ctx context.Context, in *issueInput, p Principal) (*Certificate, error) {
	issuer, err := a.get(ctx, in.issuerID)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: %w", ErrIssuerNotFound, err)
	}
	if err != nil {
		return nil, err
	}
	ok, err := a.resolver.CanAccess(ctx, p, issuer)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %w: %s may not issue from %s", ErrIssuerNotAuthorized, ErrNotAuthorized, p.ID, issuer.ID)
	}
	if err := a.resolver.checkUsable(issuer); err != nil {
		return nil, err
	}

	if in.certType == CertTypeIntermediate && issuer.MaxPathLen != nil {
		limit := *issuer.MaxPathLen
		switch {
		case limit == 0:
			return nil, fmt.Errorf("%w: %s has path length 0 and cannot sign intermediates", ErrIssuerNotUsable, issuer.ID)
		case in.maxPathLen == nil:
			v := limit - 1
			in.maxPathLen = &v
		case *in.maxPathLen >= limit:
			return nil, fmt.Errorf("%w: path length %d must be below issuer's %d", ErrValidation, *in.maxPathLen, limit)
		}
	}
	return issuer, nil
}

func (a *Authority) issue(ctx context.Context, in *issueInput, p Principal) (*Certificate, error) {
	var (
		issuer     *Certificate
		issuerCert *x509.Certificate
		issuerKey  crypto.Signer
		err        error
	)
	if in.certType != CertTypeRoot {
		if issuer, err = a.authorizeIssuer(ctx, in, p); err != nil {
			return nil, err
		}
	}

	serial, err := newSerial(ctx, a.policy.SerialBits, a.policy.SerialAttempts, a.repo.SerialExists)
	if err != nil {
		return nil, generationFailed(err)
	}
	draft, err := a.builder.Build(&BuildRequest{
		Type:           in.certType,
		Subject:        in.subject,
		SerialNumber:   serial,
		ValidFrom:      in.validFrom,
		ValidTo:        in.validTo,
		PublicKey:      in.publicKey,
		MaxPathLen:     in.maxPathLen,
		ExtKeyUsage:    in.extKeyUsage,
		DNSNames:       in.dnsNames,
		IPAddresses:    in.ips,
		EmailAddresses: in.emails,
		URIs:           in.uris,
	})
	if err != nil {
		return nil, generationFailed(err)
	}

	if issuer != nil {
		if issuerCert, err = issuer.X509(); err != nil {
			return nil, generationFailed(err)
		}
		if issuer.KeyRef == nil {
			return nil, fmt.Errorf("%w: %w: %s has no key in custody", ErrCertificateGenerationFailed, ErrIssuerKeyUnavailable, issuer.ID)
		}
		issuerKey, err = a.keys.Retrieve(ctx, issuer.KeyRef.Alias, issuer.KeyRef.Secret)
		if err != nil {
			return nil, fmt.Errorf("%w: %w: %w", ErrCertificateGenerationFailed, ErrIssuerKeyUnavailable, err)
		}
	}

	signed, err := Sign(draft, issuerCert, issuerKey)
	if err != nil {
		return nil, generationFailed(err)
	}

	cert, err := a.newCertificate(in, signed)
	if err != nil {
		return nil, generationFailed(err)
	}

	if draft.PrivateKey != nil {
		chain := []*x509.Certificate{signed}
		if issuerCert != nil {
			chain = append(chain, issuerCert)
		}
		ref, err := a.keys.Store(ctx, cert.ID, draft.PrivateKey, chain)
		if err != nil {
			return nil, generationFailed(err)
		}
		cert.KeyRef = &KeyRef{Alias: cert.ID, Secret: ref}
	}

	if err := a.repo.Create(ctx, cert.toRecord()); err != nil {
		if cert.KeyRef != nil {
			if delErr := a.keys.Delete(context.WithoutCancel(ctx), cert.KeyRef.Alias); delErr != nil {
				a.logger.Error("removing orphaned custody entry", "alias", cert.KeyRef.Alias, "error", delErr)
			}
		}
		return nil, generationFailed(fmt.Errorf("persisting certificate: %w", err))
	}

	a.logger.Info("certificate issued",
		"id", cert.ID,
		"serial", cert.SerialNumber,
		"type", string(cert.Type),
		"issuer_id", cert.IssuerID,
		"principal", p.ID,
	)
	a.audit(ctx, AuditCertificateCreated, fmt.Sprintf("issued %s %s", cert.Type, cert.Subject.DistinguishedName()), cert.ID)
	return cert, nil
}

func (a *Authority) newCertificate(in *issueInput, signed *x509.Certificate) (*Certificate, error) {
	pubPEM, err := encodePublicKeyPEM(signed.PublicKey)
	if err != nil {
		return nil, err
	}
	cert := &Certificate{
		ID:             uuid.New(),
		SerialNumber:   signed.SerialNumber.String(),
		Type:           in.certType,
		Subject:        in.subject,
		IssuerDN:       issuerDN(in, signed),
		ValidFrom:      signed.NotBefore.UTC(),
		ValidTo:        signed.NotAfter.UTC(),
		IssuerID:       in.issuerID,
		OwnerID:        in.ownerID,
		CertificatePEM: encodeCertPEM(signed.Raw),
		PublicKeyPEM:   pubPEM,
		Fingerprint:    fingerprint(signed.Raw),
		KeyUsage:       signed.KeyUsage,
		ExtKeyUsage:    signed.ExtKeyUsage,
		IsCA:           signed.IsCA,
		MaxPathLen:     in.maxPathLen,
		DNSNames:       signed.DNSNames,
		EmailAddresses: signed.EmailAddresses,
		CreatedAt:      a.now().UTC(),
	}
	for _, ip := range signed.IPAddresses {
		cert.IPAddresses = append(cert.IPAddresses, ip.String())
	}
	for _, u := range signed.URIs {
		cert.URIs = append(cert.URIs, u.String())
	}
	return cert, nil
}

// issuerDN renders the issuer name with the same attribute order as subjects.
func issuerDN(in *issueInput, signed *x509.Certificate) string {
	if in.certType == CertTypeRoot {
		return in.subject.DistinguishedName()
	}
	return subjectFromName(signed.Issuer).DistinguishedName()
}

func generationFailed(err error) error {
	return fmt.Errorf("%w: %w", ErrCertificateGenerationFailed, err)
}

func withoutEmail(emails []string, email string) []string {
	var out []string
	for _, e := range emails {
		if e != email {
			out = append(out, e)
		}
	}
	return out
}

// Package pki implements the certificate authority engine: building,
// signing and revoking X.509 certificates arranged in owner-scoped
// root → intermediate → end-entity chains.
//
// Private keys for issued certificates live in a keystore.KeyStore;
// certificate records live in a storage.Repository. Every operation runs
// on behalf of a Principal and is authorized by the Resolver, which walks
// issuer links on demand rather than keeping an in-memory tree.
package pki

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jmcleod/ironca/keystore"
	"github.com/jmcleod/ironca/storage"
)

// Policy holds the issuance limits.
type Policy struct {
	MinValidityDays int
	MaxValidityDays int
	RSAKeyBits      int
	// SerialBits is the size of random serial numbers (at least 64).
	SerialBits uint
	// SerialAttempts bounds regeneration on serial collisions.
	SerialAttempts int
	// CRLValidity is the gap between a CRL's thisUpdate and nextUpdate.
	CRLValidity time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MinValidityDays: 1,
		MaxValidityDays: 3650,
		RSAKeyBits:      2048,
		SerialBits:      128,
		SerialAttempts:  8,
		CRLValidity:     7 * 24 * time.Hour,
	}
}

func (p Policy) validate() error {
	switch {
	case p.MinValidityDays < 1 || p.MaxValidityDays < p.MinValidityDays:
		return fmt.Errorf("invalid validity bounds %d..%d", p.MinValidityDays, p.MaxValidityDays)
	case p.RSAKeyBits < 2048:
		return fmt.Errorf("RSA key size %d below 2048", p.RSAKeyBits)
	case p.SerialBits < 64 || p.SerialBits > 159:
		return fmt.Errorf("serial size %d bits outside 64..159", p.SerialBits)
	case p.SerialAttempts < 1:
		return fmt.Errorf("serial attempts must be positive")
	case p.CRLValidity <= 0:
		return fmt.Errorf("CRL validity must be positive")
	}
	return nil
}

// Authority is the certificate authority engine.
type Authority struct {
	repo      storage.Repository
	keys      keystore.KeyStore
	builder   *Builder
	resolver  *Resolver
	auditSink AuditSink
	alerts    *anomalyDetector
	metrics   *Metrics
	logger    *slog.Logger
	policy    Policy
	templates map[string]*compiledTemplate
	now       func() time.Time

	rawTemplates []Template
	alertFn      AlertFunc
}

// Option configures an Authority.
type Option func(*Authority)

func WithLogger(logger *slog.Logger) Option {
	return func(a *Authority) { a.logger = logger }
}

func WithAuditSink(sink AuditSink) Option {
	return func(a *Authority) { a.auditSink = sink }
}

// WithTemplates registers issuance templates by name.
func WithTemplates(templates ...Template) Option {
	return func(a *Authority) { a.rawTemplates = append(a.rawTemplates, templates...) }
}

// WithClock overrides the time source used for validity checks.
func WithClock(now func() time.Time) Option {
	return func(a *Authority) { a.now = now }
}

func WithPolicy(p Policy) Option {
	return func(a *Authority) { a.policy = p }
}

func WithMetrics(m *Metrics) Option {
	return func(a *Authority) { a.metrics = m }
}

// WithAlertFunc enables burst detection on key exports and revocations.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *Authority) { a.alertFn = fn }
}

// New returns an Authority persisting records in repo and keys in keys.
func New(repo storage.Repository, keys keystore.KeyStore, opts ...Option) (*Authority, error) {
	if repo == nil || keys == nil {
		return nil, errors.New("repository and keystore are required")
	}
	a := &Authority{
		repo:   repo,
		keys:   keys,
		policy: DefaultPolicy(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if err := a.policy.validate(); err != nil {
		return nil, err
	}
	templates, err := compileTemplates(a.rawTemplates)
	if err != nil {
		return nil, err
	}
	a.templates = templates

	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	a.logger = a.logger.With("component", "pki")
	if a.auditSink == nil {
		a.auditSink = NewSlogAuditSink(a.logger)
	}
	a.builder = NewBuilder(a.policy.RSAKeyBits)
	a.resolver = NewResolver(repo, a.now)
	a.alerts = newAnomalyDetector(a.alertFn, a.now)
	return a, nil
}

// Resolver returns the trust chain resolver used by the authority.
func (a *Authority) Resolver() *Resolver {
	return a.resolver
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// GetByID returns the certificate if p may access it.
func (a *Authority) GetByID(ctx context.Context, id string, p Principal) (_ *Certificate, err error) {
	defer a.metrics.observe("get", time.Now(), &err)
	return a.authorizedGet(ctx, id, p)
}

// ListAccessible returns every certificate p may access: all of them for
// administrators, otherwise those p owns and their descendants.
func (a *Authority) ListAccessible(ctx context.Context, p Principal) (_ []*Certificate, err error) {
	defer a.metrics.observe("list", time.Now(), &err)
	return a.listAccessible(ctx, p)
}

// ListCAIssuers returns the accessible CA certificates that are currently
// usable as issuers.
func (a *Authority) ListCAIssuers(ctx context.Context, p Principal) (_ []*Certificate, err error) {
	defer a.metrics.observe("list_issuers", time.Now(), &err)
	all, err := a.listAccessible(ctx, p)
	if err != nil {
		return nil, err
	}
	var out []*Certificate
	for _, c := range all {
		if a.resolver.checkUsable(c) == nil {
			out = append(out, c)
		}
	}
	return out, nil
}

func (a *Authority) listAccessible(ctx context.Context, p Principal) ([]*Certificate, error) {
	recs, err := a.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing certificates: %w", err)
	}
	all := make([]*Certificate, 0, len(recs))
	for _, rec := range recs {
		all = append(all, certificateFromRecord(rec))
	}
	if p.IsAdmin() {
		return all, nil
	}
	ix := newAccessIndex(all, p)
	var out []*Certificate
	for _, c := range all {
		if ix.canAccess(c) {
			out = append(out, c)
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Revocation
// ---------------------------------------------------------------------------

// Revoke marks a certificate revoked. Descendants are left untouched; their
// chains become untrusted through VerifyChain.
func (a *Authority) Revoke(ctx context.Context, id string, reason RevocationReason, p Principal) (_ *Certificate, err error) {
	defer a.metrics.observe("revoke", time.Now(), &err)

	if !reason.Valid() {
		return nil, fmt.Errorf("%w: unsupported revocation reason %d", ErrValidation, int(reason))
	}
	cert, err := a.authorizedGet(ctx, id, p)
	if err != nil {
		return nil, err
	}
	if cert.Revoked {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRevoked, id)
	}

	at := a.now().UTC().Truncate(time.Second)
	if err := a.repo.Revoke(ctx, id, int(reason), at); err != nil {
		if errors.Is(err, storage.ErrCASFailed) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyRevoked, id)
		}
		return nil, fmt.Errorf("revoking %s: %w", id, err)
	}

	cert, err = a.get(ctx, id)
	if err != nil {
		return nil, err
	}
	a.logger.Info("certificate revoked", "id", id, "serial", cert.SerialNumber, "reason", reason.String(), "principal", p.ID)
	a.audit(ctx, AuditCertificateRevoked, fmt.Sprintf("revoked %s (%s)", cert.Subject.DistinguishedName(), reason), id)
	return cert, nil
}

// ---------------------------------------------------------------------------
// Internal helpers
// ---------------------------------------------------------------------------

func (a *Authority) get(ctx context.Context, id string) (*Certificate, error) {
	rec, err := a.repo.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", id, err)
	}
	return certificateFromRecord(rec), nil
}

func (a *Authority) authorizedGet(ctx context.Context, id string, p Principal) (*Certificate, error) {
	cert, err := a.get(ctx, id)
	if err != nil {
		return nil, err
	}
	ok, err := a.resolver.CanAccess(ctx, p, cert)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s may not access %s", ErrNotAuthorized, p.ID, id)
	}
	return cert, nil
}

// audit forwards to the sink; sink failures are logged and dropped.
func (a *Authority) audit(ctx context.Context, event AuditEvent, description, id string) {
	a.alerts.recordEvent(event)
	if err := a.auditSink.Record(ctx, event, description, ResourceCertificate, id); err != nil {
		a.logger.Warn("audit sink failed", "event", string(event), "resource_id", id, "error", err)
	}
}

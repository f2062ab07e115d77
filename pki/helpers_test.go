package pki_test

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironca/internal/util"
	"github.com/jmcleod/ironca/keystore"
	"github.com/jmcleod/ironca/pki"
	"github.com/jmcleod/ironca/storage"
	"github.com/jmcleod/ironca/storage/memory"
)

var (
	admin    = pki.Principal{ID: "admin-1", Role: pki.RoleAdmin}
	operator = pki.Principal{ID: "operator-1", Role: pki.RoleCAOperator}
	alice    = pki.Principal{ID: "alice", Role: pki.RoleEndUser}
	mallory  = pki.Principal{ID: "mallory", Role: pki.RoleEndUser}
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type auditRecord struct {
	Event      pki.AuditEvent
	ResourceID string
}

type recordingSink struct {
	mu      sync.Mutex
	records []auditRecord
	fail    bool
}

func (s *recordingSink) Record(_ context.Context, event pki.AuditEvent, _, _, resourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, auditRecord{Event: event, ResourceID: resourceID})
	if s.fail {
		return errors.New("audit sink down")
	}
	return nil
}

func (s *recordingSink) events() []pki.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []pki.AuditEvent
	for _, r := range s.records {
		out = append(out, r.Event)
	}
	return out
}

// countingBackend counts custody writes and deletes.
type countingBackend struct {
	keystore.Backend
	puts         atomic.Int32
	deletes      atomic.Int32
	deleteErrors atomic.Int32
}

func (b *countingBackend) Put(ctx context.Context, alias string, entry []byte) error {
	b.puts.Add(1)
	return b.Backend.Put(ctx, alias, entry)
}

func (b *countingBackend) Delete(ctx context.Context, alias string) error {
	b.deletes.Add(1)
	err := b.Backend.Delete(ctx, alias)
	if err != nil {
		b.deleteErrors.Add(1)
	}
	return err
}

// flakyRepo fails Create when failCreate is set and Revoke when failRevoke
// is set. A non-nil cancelCreate is called inside Create, which then fails
// with the cancelled context's error, as a dropped client connection does.
type flakyRepo struct {
	storage.Repository
	failCreate   atomic.Bool
	failRevoke   atomic.Bool
	cancelCreate context.CancelFunc
}

func (r *flakyRepo) Create(ctx context.Context, rec *storage.Record) error {
	if r.cancelCreate != nil {
		r.cancelCreate()
		return ctx.Err()
	}
	if r.failCreate.Load() {
		return errors.New("database unavailable")
	}
	return r.Repository.Create(ctx, rec)
}

func (r *flakyRepo) Revoke(ctx context.Context, id string, reason int, at time.Time) error {
	if r.failRevoke.Load() {
		return errors.New("database unavailable")
	}
	return r.Repository.Revoke(ctx, id, reason, at)
}

// lockedKeyStore fails every Retrieve when locked is set.
type lockedKeyStore struct {
	keystore.KeyStore
	locked atomic.Bool
}

func (k *lockedKeyStore) Retrieve(ctx context.Context, alias string, ref keystore.SecretRef) (crypto.Signer, error) {
	if k.locked.Load() {
		return nil, errors.New("keystore locked")
	}
	return k.KeyStore.Retrieve(ctx, alias, ref)
}

type fixture struct {
	ca      *pki.Authority
	repo    *flakyRepo
	backend *countingBackend
	keys    *lockedKeyStore
	clock   *fakeClock
	sink    *recordingSink
}

func newFixture(t *testing.T, opts ...pki.Option) *fixture {
	t.Helper()
	fileBackend, err := keystore.OpenFile(filepath.Join(t.TempDir(), "keystore.json"))
	require.NoError(t, err)
	master, err := util.NewAESKey()
	require.NoError(t, err)
	wrapper, err := keystore.NewWrapper(master)
	require.NoError(t, err)

	f := &fixture{
		repo:    &flakyRepo{Repository: memory.NewRepository()},
		backend: &countingBackend{Backend: fileBackend},
		clock:   &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		sink:    &recordingSink{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.keys = &lockedKeyStore{KeyStore: keystore.New(f.backend, wrapper, logger)}

	base := []pki.Option{
		pki.WithLogger(logger),
		pki.WithAuditSink(f.sink),
		pki.WithClock(f.clock.Now),
	}
	f.ca, err = pki.New(f.repo, f.keys, append(base, opts...)...)
	require.NoError(t, err)
	return f
}

func (f *fixture) issueRoot(t *testing.T, cn string) *pki.Certificate {
	t.Helper()
	root, err := f.ca.Issue(t.Context(), pki.IssueRequest{
		Type:         pki.CertTypeRoot,
		Subject:      pki.Subject{CommonName: cn, Organization: "Test Org", Country: "US"},
		ValidityDays: 3650,
	}, admin)
	require.NoError(t, err)
	return root
}

// issueIntermediate has the administrator issue an intermediate CA owned by owner.
func (f *fixture) issueIntermediate(t *testing.T, issuerID, cn string, owner pki.Principal, days int) *pki.Certificate {
	t.Helper()
	inter, err := f.ca.Issue(t.Context(), pki.IssueRequest{
		Type:         pki.CertTypeIntermediate,
		Subject:      pki.Subject{CommonName: cn, Organization: "Test Org"},
		IssuerID:     issuerID,
		ValidityDays: days,
		OwnerID:      owner.ID,
	}, admin)
	require.NoError(t, err)
	return inter
}

func (f *fixture) count(t *testing.T) int {
	t.Helper()
	all, err := f.repo.List(t.Context())
	require.NoError(t, err)
	return len(all)
}

func newCSR(t *testing.T, cn string, dnsNames ...string) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: cn, Organization: []string{"Leaf Org"}},
		DNSNames: dnsNames,
	}, key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})
}

func parseCert(t *testing.T, c *pki.Certificate) *x509.Certificate {
	t.Helper()
	x, err := c.X509()
	require.NoError(t, err)
	return x
}

package pki_test

import (
	"context"
	"crypto/x509"
	"encoding/asn1"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironca/pki"
)

func TestIssueRoot(t *testing.T) {
	f := newFixture(t)
	root := f.issueRoot(t, "Example Root CA")

	assert.Equal(t, pki.CertTypeRoot, root.Type)
	assert.True(t, root.IsCA)
	assert.Empty(t, root.IssuerID)
	assert.Equal(t, admin.ID, root.OwnerID)
	assert.Equal(t, "CN=Example Root CA, O=Test Org, C=US", root.IssuerDN)
	require.NotNil(t, root.KeyRef)
	assert.Equal(t, root.ID, root.KeyRef.Alias)
	assert.Equal(t, 3650*24*time.Hour, root.ValidTo.Sub(root.ValidFrom))

	x := parseCert(t, root)
	require.NoError(t, x.CheckSignatureFrom(x))
	assert.Equal(t, x509.SHA256WithRSA, x.SignatureAlgorithm)
	assert.Equal(t, x509.KeyUsageCertSign|x509.KeyUsageCRLSign, x.KeyUsage)
	assert.Equal(t, root.SerialNumber, x.SerialNumber.String())
	assert.NotEmpty(t, x.SubjectKeyId)
	assert.Equal(t, 1, f.count(t))
	assert.Equal(t, []pki.AuditEvent{pki.AuditCertificateCreated}, f.sink.events())
}

func TestIssueSubjectAttributeOrder(t *testing.T) {
	f := newFixture(t)
	root, err := f.ca.Issue(t.Context(), pki.IssueRequest{
		Type: pki.CertTypeRoot,
		Subject: pki.Subject{
			Locality:           "Springfield",
			State:              "Oregon",
			Country:            "us",
			OrganizationalUnit: "Security",
			Organization:       "Example Corp",
			CommonName:         "Ordered Root",
			Email:              "pki@example.com",
		},
		ValidityDays: 30,
	}, admin)
	require.NoError(t, err)

	x := parseCert(t, root)
	var got []asn1.ObjectIdentifier
	for _, atv := range x.Subject.Names {
		got = append(got, atv.Type)
	}
	want := []asn1.ObjectIdentifier{
		{2, 5, 4, 3}, {2, 5, 4, 10}, {2, 5, 4, 11}, {2, 5, 4, 6}, {2, 5, 4, 8}, {2, 5, 4, 7},
	}
	assert.Equal(t, want, got)
	assert.Equal(t, "US", root.Subject.Country)
	assert.Equal(t, "CN=Ordered Root, O=Example Corp, OU=Security, C=US, ST=Oregon, L=Springfield", root.Subject.DistinguishedName())
	assert.Equal(t, []string{"pki@example.com"}, x.EmailAddresses)
}

func TestIssueChainScenario(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	root := f.issueRoot(t, "Scenario Root")
	inter := f.issueIntermediate(t, root.ID, "Scenario Intermediate", admin, 1825)
	assert.Equal(t, root.OwnerID, inter.OwnerID)
	leaf, err := f.ca.Issue(ctx, pki.IssueRequest{
		Type:         pki.CertTypeEndEntity,
		IssuerID:     inter.ID,
		ValidityDays: 365,
		CSR:          newCSR(t, "leaf.example.com", "leaf.example.com"),
		OwnerID:      alice.ID,
	}, admin)
	require.NoError(t, err)
	assert.Equal(t, alice.ID, leaf.OwnerID)

	assert.Equal(t, "leaf.example.com", leaf.Subject.CommonName)
	assert.Equal(t, "Leaf Org", leaf.Subject.Organization)
	assert.Equal(t, []string{"leaf.example.com"}, leaf.DNSNames)
	assert.Nil(t, leaf.KeyRef, "CSR-based certificates have no key in custody")
	assert.False(t, leaf.IsCA)
	assert.Equal(t, inter.Subject.DistinguishedName(), leaf.IssuerDN)

	chain, err := f.ca.Chain(ctx, leaf.ID, alice)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, []string{leaf.ID, inter.ID, root.ID}, []string{chain[0].ID, chain[1].ID, chain[2].ID})

	verified, err := f.ca.VerifyChain(ctx, leaf.ID, alice)
	require.NoError(t, err)
	assert.Len(t, verified, 3)

	pemChain, err := f.ca.DownloadChainPEM(ctx, leaf.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, leaf.CertificatePEM+inter.CertificatePEM+root.CertificatePEM, string(pemChain))

	revoked, err := f.ca.Revoke(ctx, inter.ID, pki.ReasonKeyCompromise, admin)
	require.NoError(t, err)
	assert.True(t, revoked.Revoked)
	assert.Equal(t, pki.ReasonKeyCompromise, revoked.RevocationReason)
	require.NotNil(t, revoked.RevocationDate)

	// Revocation does not cascade.
	current, err := f.ca.GetByID(ctx, leaf.ID, alice)
	require.NoError(t, err)
	assert.False(t, current.Revoked)
	assert.True(t, f.ca.Resolver().IsValidNow(current))

	_, err = f.ca.VerifyChain(ctx, leaf.ID, alice)
	require.ErrorIs(t, err, pki.ErrUntrusted)
	assert.ErrorContains(t, err, inter.ID)
}

func TestIssueIntermediateByOperator(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	root := f.issueRoot(t, "Root")
	opCA := f.issueIntermediate(t, root.ID, "Operator CA", operator, 1825)
	assert.Equal(t, operator.ID, opCA.OwnerID)

	sub, err := f.ca.Issue(ctx, pki.IssueRequest{
		Type:         pki.CertTypeIntermediate,
		Subject:      pki.Subject{CommonName: "Operator Issuing CA"},
		IssuerID:     opCA.ID,
		ValidityDays: 365,
	}, operator)
	require.NoError(t, err)
	assert.Equal(t, operator.ID, sub.OwnerID)
	assert.Equal(t, opCA.ID, sub.IssuerID)
	assert.True(t, sub.IsCA)
	require.NotNil(t, sub.KeyRef)

	x := parseCert(t, sub)
	require.NoError(t, x.CheckSignatureFrom(parseCert(t, opCA)))
	assert.Equal(t, parseCert(t, opCA).SubjectKeyId, x.AuthorityKeyId)

	leaf, err := f.ca.Issue(ctx, pki.IssueRequest{
		Type:         pki.CertTypeEndEntity,
		IssuerID:     sub.ID,
		ValidityDays: 90,
		CSR:          newCSR(t, "app.example.com"),
	}, operator)
	require.NoError(t, err)
	chain, err := f.ca.VerifyChain(ctx, leaf.ID, operator)
	require.NoError(t, err)
	assert.Len(t, chain, 4)

	// The root belongs to the administrator.
	_, err = f.ca.Issue(ctx, pki.IssueRequest{
		Type:         pki.CertTypeIntermediate,
		Subject:      pki.Subject{CommonName: "Sibling CA"},
		IssuerID:     root.ID,
		ValidityDays: 365,
	}, operator)
	require.ErrorIs(t, err, pki.ErrIssuerNotAuthorized)
}

func TestIssueOwnerAssignment(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	root := f.issueRoot(t, "Root")
	opCA := f.issueIntermediate(t, root.ID, "Operator CA", operator, 365)

	leaf, err := f.ca.Issue(ctx, pki.IssueRequest{
		Type:         pki.CertTypeEndEntity,
		Subject:      pki.Subject{CommonName: "alice.example.com"},
		IssuerID:     opCA.ID,
		ValidityDays: 30,
		OwnerID:      alice.ID,
	}, admin)
	require.NoError(t, err)
	assert.Equal(t, alice.ID, leaf.OwnerID)
	_, err = f.ca.GetByID(ctx, leaf.ID, alice)
	require.NoError(t, err)
	_, err = f.ca.GetByID(ctx, leaf.ID, operator)
	require.NoError(t, err, "the issuing CA's owner sees the leaf")

	before := f.count(t)
	_, err = f.ca.Issue(ctx, pki.IssueRequest{
		Type:         pki.CertTypeEndEntity,
		Subject:      pki.Subject{CommonName: "gift.example.com"},
		IssuerID:     opCA.ID,
		ValidityDays: 30,
		OwnerID:      alice.ID,
	}, operator)
	require.ErrorIs(t, err, pki.ErrNotAuthorized)
	assert.Equal(t, before, f.count(t))

	self, err := f.ca.Issue(ctx, pki.IssueRequest{
		Type:         pki.CertTypeEndEntity,
		Subject:      pki.Subject{CommonName: "op.example.com"},
		IssuerID:     opCA.ID,
		ValidityDays: 30,
		OwnerID:      operator.ID,
	}, operator)
	require.NoError(t, err)
	assert.Equal(t, operator.ID, self.OwnerID)

	_, err = f.ca.Issue(ctx, pki.IssueRequest{
		Type:         pki.CertTypeRoot,
		Subject:      pki.Subject{CommonName: "Nobody's Root"},
		ValidityDays: 30,
		OwnerID:      "   ",
	}, admin)
	require.ErrorIs(t, err, pki.ErrValidation)
}

func TestIssueEndEntityGeneratedKey(t *testing.T) {
	f := newFixture(t)
	root := f.issueRoot(t, "Root")
	leaf, err := f.ca.Issue(t.Context(), pki.IssueRequest{
		Type:         pki.CertTypeEndEntity,
		Subject:      pki.Subject{CommonName: "svc.internal", Email: "ops@example.com"},
		IssuerID:     root.ID,
		ValidityDays: 90,
		DNSNames:     []string{"SVC.internal"},
		IPAddresses:  []string{"10.0.0.7"},
		URIs:         []string{"spiffe://example.org/svc"},
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}, admin)
	require.NoError(t, err)

	require.NotNil(t, leaf.KeyRef)
	assert.Equal(t, []string{"svc.internal"}, leaf.DNSNames)
	assert.Equal(t, []string{"10.0.0.7"}, leaf.IPAddresses)
	assert.Equal(t, []string{"spiffe://example.org/svc"}, leaf.URIs)
	assert.Equal(t, []string{"ops@example.com"}, leaf.EmailAddresses)

	x := parseCert(t, leaf)
	assert.Equal(t, x509.KeyUsageDigitalSignature|x509.KeyUsageKeyEncipherment, x.KeyUsage)
	assert.Equal(t, []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}, x.ExtKeyUsage)
	assert.False(t, x.IsCA)
}

func TestIssueTamperedCSR(t *testing.T) {
	f := newFixture(t)
	root := f.issueRoot(t, "Root")
	before := f.count(t)

	csr, err := pki.ParseCSR(newCSR(t, "victim.example.com"))
	require.NoError(t, err)
	tampered := append([]byte(nil), csr.Raw...)
	tampered[len(tampered)-1] ^= 0xff

	_, err = f.ca.Issue(t.Context(), pki.IssueRequest{
		Type:         pki.CertTypeEndEntity,
		IssuerID:     root.ID,
		ValidityDays: 30,
		CSR:          tampered,
	}, alice)
	require.ErrorIs(t, err, pki.ErrCSRInvalid)
	assert.Equal(t, before, f.count(t))

	_, err = f.ca.Issue(t.Context(), pki.IssueRequest{
		Type:         pki.CertTypeEndEntity,
		IssuerID:     root.ID,
		ValidityDays: 30,
		CSR:          []byte("-----BEGIN CERTIFICATE REQUEST-----\nnot base64\n-----END CERTIFICATE REQUEST-----\n"),
	}, alice)
	require.ErrorIs(t, err, pki.ErrCSRInvalid)
}

func TestIssueRoleRestrictions(t *testing.T) {
	f := newFixture(t)
	root := f.issueRoot(t, "Root")

	_, err := f.ca.Issue(t.Context(), pki.IssueRequest{
		Type:         pki.CertTypeIntermediate,
		Subject:      pki.Subject{CommonName: "Rogue CA"},
		IssuerID:     root.ID,
		ValidityDays: 30,
	}, alice)
	require.ErrorIs(t, err, pki.ErrValidation)
	require.ErrorIs(t, err, pki.ErrNotAuthorized)

	_, err = f.ca.Issue(t.Context(), pki.IssueRequest{
		Type:         pki.CertTypeRoot,
		Subject:      pki.Subject{CommonName: "Operator Root"},
		ValidityDays: 30,
	}, operator)
	require.ErrorIs(t, err, pki.ErrNotAuthorized)

	_, err = f.ca.Issue(t.Context(), pki.IssueRequest{
		Type:         pki.CertTypeRoot,
		Subject:      pki.Subject{CommonName: "Anonymous Root"},
		ValidityDays: 30,
	}, pki.Principal{})
	require.ErrorIs(t, err, pki.ErrNotAuthorized)
	assert.Equal(t, 1, f.count(t))
}

func TestIssueValidation(t *testing.T) {
	f := newFixture(t)
	root := f.issueRoot(t, "Root")
	zero, negative := 0, -1

	tests := []struct {
		name string
		req  pki.IssueRequest
	}{
		{"unknown type", pki.IssueRequest{Type: "BRIDGE", Subject: pki.Subject{CommonName: "x"}, ValidityDays: 1}},
		{"zero validity", pki.IssueRequest{Type: pki.CertTypeRoot, Subject: pki.Subject{CommonName: "x"}}},
		{"validity too long", pki.IssueRequest{Type: pki.CertTypeRoot, Subject: pki.Subject{CommonName: "x"}, ValidityDays: 3651}},
		{"missing common name", pki.IssueRequest{Type: pki.CertTypeRoot, Subject: pki.Subject{Organization: "o"}, ValidityDays: 1}},
		{"whitespace common name", pki.IssueRequest{Type: pki.CertTypeRoot, Subject: pki.Subject{CommonName: "   "}, ValidityDays: 1}},
		{"bad country", pki.IssueRequest{Type: pki.CertTypeRoot, Subject: pki.Subject{CommonName: "x", Country: "USA"}, ValidityDays: 1}},
		{"bad email", pki.IssueRequest{Type: pki.CertTypeRoot, Subject: pki.Subject{CommonName: "x", Email: "not-an-email"}, ValidityDays: 1}},
		{"root with issuer", pki.IssueRequest{Type: pki.CertTypeRoot, Subject: pki.Subject{CommonName: "x"}, IssuerID: root.ID, ValidityDays: 1}},
		{"intermediate without issuer", pki.IssueRequest{Type: pki.CertTypeIntermediate, Subject: pki.Subject{CommonName: "x"}, ValidityDays: 1}},
		{"end entity without issuer", pki.IssueRequest{Type: pki.CertTypeEndEntity, Subject: pki.Subject{CommonName: "x"}, ValidityDays: 1}},
		{"CSR on intermediate", pki.IssueRequest{Type: pki.CertTypeIntermediate, IssuerID: root.ID, CSR: []byte("csr"), ValidityDays: 1}},
		{"path length on root", pki.IssueRequest{Type: pki.CertTypeRoot, Subject: pki.Subject{CommonName: "x"}, MaxPathLen: &zero, ValidityDays: 1}},
		{"negative path length", pki.IssueRequest{Type: pki.CertTypeIntermediate, Subject: pki.Subject{CommonName: "x"}, IssuerID: root.ID, MaxPathLen: &negative, ValidityDays: 1}},
		{"ext key usage on CA", pki.IssueRequest{Type: pki.CertTypeIntermediate, Subject: pki.Subject{CommonName: "x"}, IssuerID: root.ID, ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}, ValidityDays: 1}},
		{"bad IP", pki.IssueRequest{Type: pki.CertTypeEndEntity, Subject: pki.Subject{CommonName: "x"}, IssuerID: root.ID, IPAddresses: []string{"300.1.1.1"}, ValidityDays: 1}},
		{"bad DNS name", pki.IssueRequest{Type: pki.CertTypeEndEntity, Subject: pki.Subject{CommonName: "x"}, IssuerID: root.ID, DNSNames: []string{"a b.example"}, ValidityDays: 1}},
		{"relative URI", pki.IssueRequest{Type: pki.CertTypeEndEntity, Subject: pki.Subject{CommonName: "x"}, IssuerID: root.ID, URIs: []string{"/path"}, ValidityDays: 1}},
		{"unknown template", pki.IssueRequest{Type: pki.CertTypeEndEntity, Subject: pki.Subject{CommonName: "x"}, IssuerID: root.ID, Template: "nope", ValidityDays: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ca.Issue(t.Context(), tt.req, admin)
			require.ErrorIs(t, err, pki.ErrValidation)
		})
	}
	assert.Equal(t, 1, f.count(t))
	assert.Equal(t, int32(1), f.backend.puts.Load())
}

func TestIssueIssuerNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.ca.Issue(t.Context(), pki.IssueRequest{
		Type:         pki.CertTypeEndEntity,
		Subject:      pki.Subject{CommonName: "orphan"},
		IssuerID:     "00000000-0000-0000-0000-000000000000",
		ValidityDays: 30,
	}, admin)
	require.ErrorIs(t, err, pki.ErrIssuerNotFound)
	require.ErrorIs(t, err, pki.ErrNotFound)
	assert.Equal(t, int32(0), f.backend.puts.Load())
}

func TestIssueIssuerNotAuthorized(t *testing.T) {
	f := newFixture(t)
	root := f.issueRoot(t, "Root")
	inter := f.issueIntermediate(t, root.ID, "Alice's CA", admin, 365)

	_, err := f.ca.Issue(t.Context(), pki.IssueRequest{
		Type:         pki.CertTypeEndEntity,
		Subject:      pki.Subject{CommonName: "mallory.example.com"},
		IssuerID:     inter.ID,
		ValidityDays: 30,
	}, mallory)
	require.ErrorIs(t, err, pki.ErrIssuerNotAuthorized)
	require.ErrorIs(t, err, pki.ErrNotAuthorized)
}

func TestIssueFromUnusableIssuer(t *testing.T) {
	t.Run("revoked", func(t *testing.T) {
		f := newFixture(t)
		root := f.issueRoot(t, "Root")
		inter := f.issueIntermediate(t, root.ID, "Doomed CA", admin, 365)
		_, err := f.ca.Revoke(t.Context(), inter.ID, pki.ReasonCACompromise, admin)
		require.NoError(t, err)

		before, puts := f.count(t), f.backend.puts.Load()
		_, err = f.ca.Issue(t.Context(), pki.IssueRequest{
			Type:         pki.CertTypeEndEntity,
			Subject:      pki.Subject{CommonName: "late.example.com"},
			IssuerID:     inter.ID,
			ValidityDays: 30,
		}, admin)
		require.ErrorIs(t, err, pki.ErrIssuerNotUsable)
		assert.Equal(t, before, f.count(t))
		assert.Equal(t, puts, f.backend.puts.Load())
	})

	t.Run("expired", func(t *testing.T) {
		f := newFixture(t)
		root := f.issueRoot(t, "Root")
		inter := f.issueIntermediate(t, root.ID, "Short CA", admin, 1)
		f.clock.Advance(48 * time.Hour)

		before, puts := f.count(t), f.backend.puts.Load()
		_, err := f.ca.Issue(t.Context(), pki.IssueRequest{
			Type:         pki.CertTypeEndEntity,
			Subject:      pki.Subject{CommonName: "late.example.com"},
			IssuerID:     inter.ID,
			ValidityDays: 30,
		}, admin)
		require.ErrorIs(t, err, pki.ErrIssuerNotUsable)
		assert.Equal(t, before, f.count(t))
		assert.Equal(t, puts, f.backend.puts.Load())
	})

	t.Run("end entity issuer", func(t *testing.T) {
		f := newFixture(t)
		root := f.issueRoot(t, "Root")
		leaf, err := f.ca.Issue(t.Context(), pki.IssueRequest{
			Type:         pki.CertTypeEndEntity,
			Subject:      pki.Subject{CommonName: "leaf"},
			IssuerID:     root.ID,
			ValidityDays: 30,
		}, admin)
		require.NoError(t, err)

		_, err = f.ca.Issue(t.Context(), pki.IssueRequest{
			Type:         pki.CertTypeEndEntity,
			Subject:      pki.Subject{CommonName: "grandchild"},
			IssuerID:     leaf.ID,
			ValidityDays: 30,
		}, admin)
		require.ErrorIs(t, err, pki.ErrIssuerNotUsable)
	})
}

func TestIssuePathLength(t *testing.T) {
	f := newFixture(t)
	root := f.issueRoot(t, "Root")
	one := 1

	parent, err := f.ca.Issue(t.Context(), pki.IssueRequest{
		Type:         pki.CertTypeIntermediate,
		Subject:      pki.Subject{CommonName: "Policy CA"},
		IssuerID:     root.ID,
		ValidityDays: 365,
		MaxPathLen:   &one,
	}, admin)
	require.NoError(t, err)
	assert.Equal(t, 1, parseCert(t, parent).MaxPathLen)

	_, err = f.ca.Issue(t.Context(), pki.IssueRequest{
		Type:         pki.CertTypeIntermediate,
		Subject:      pki.Subject{CommonName: "Too Deep"},
		IssuerID:     parent.ID,
		ValidityDays: 365,
		MaxPathLen:   &one,
	}, admin)
	require.ErrorIs(t, err, pki.ErrValidation)

	child := f.issueIntermediate(t, parent.ID, "Issuing CA", admin, 365)
	require.NotNil(t, child.MaxPathLen)
	assert.Equal(t, 0, *child.MaxPathLen)
	x := parseCert(t, child)
	assert.Equal(t, 0, x.MaxPathLen)
	assert.True(t, x.MaxPathLenZero)

	_, err = f.ca.Issue(t.Context(), pki.IssueRequest{
		Type:         pki.CertTypeIntermediate,
		Subject:      pki.Subject{CommonName: "Below Zero"},
		IssuerID:     child.ID,
		ValidityDays: 365,
	}, admin)
	require.ErrorIs(t, err, pki.ErrIssuerNotUsable)

	_, err = f.ca.Issue(t.Context(), pki.IssueRequest{
		Type:         pki.CertTypeEndEntity,
		Subject:      pki.Subject{CommonName: "leaf.example.com"},
		IssuerID:     child.ID,
		ValidityDays: 30,
	}, admin)
	require.NoError(t, err)
}

func TestIssueUniqueSerials(t *testing.T) {
	f := newFixture(t)
	root := f.issueRoot(t, "Root")
	seen := map[string]bool{root.SerialNumber: true}
	for range 5 {
		leaf, err := f.ca.Issue(t.Context(), pki.IssueRequest{
			Type:         pki.CertTypeEndEntity,
			IssuerID:     root.ID,
			ValidityDays: 30,
			CSR:          newCSR(t, "leaf.example.com"),
		}, admin)
		require.NoError(t, err)
		assert.False(t, seen[leaf.SerialNumber], "duplicate serial %s", leaf.SerialNumber)
		seen[leaf.SerialNumber] = true
	}
}

func TestIssuePersistFailureRemovesCustodyEntry(t *testing.T) {
	f := newFixture(t)
	f.repo.failCreate.Store(true)

	_, err := f.ca.Issue(t.Context(), pki.IssueRequest{
		Type:         pki.CertTypeRoot,
		Subject:      pki.Subject{CommonName: "Unlucky Root"},
		ValidityDays: 30,
	}, admin)
	require.ErrorIs(t, err, pki.ErrCertificateGenerationFailed)
	assert.Equal(t, int32(1), f.backend.puts.Load())
	assert.Equal(t, int32(1), f.backend.deletes.Load())
	assert.Equal(t, 0, f.count(t))
	assert.Empty(t, f.sink.events())
}

func TestIssueCancelledDuringPersistRemovesCustodyEntry(t *testing.T) {
	f := newFixture(t)
	root := f.issueRoot(t, "Root")
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	f.repo.cancelCreate = cancel

	_, err := f.ca.Issue(ctx, pki.IssueRequest{
		Type:         pki.CertTypeIntermediate,
		Subject:      pki.Subject{CommonName: "Abandoned CA"},
		IssuerID:     root.ID,
		ValidityDays: 365,
	}, admin)
	require.ErrorIs(t, err, pki.ErrCertificateGenerationFailed)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(2), f.backend.puts.Load())
	assert.Equal(t, int32(1), f.backend.deletes.Load())
	assert.Equal(t, int32(0), f.backend.deleteErrors.Load())
	assert.Equal(t, 1, f.count(t))
}

func TestIssueIssuerKeyUnavailable(t *testing.T) {
	f := newFixture(t)
	root := f.issueRoot(t, "Root")
	f.keys.locked.Store(true)

	_, err := f.ca.Issue(t.Context(), pki.IssueRequest{
		Type:         pki.CertTypeEndEntity,
		Subject:      pki.Subject{CommonName: "leaf"},
		IssuerID:     root.ID,
		ValidityDays: 30,
	}, admin)
	require.ErrorIs(t, err, pki.ErrIssuerKeyUnavailable)
	require.ErrorIs(t, err, pki.ErrCertificateGenerationFailed)
	assert.Equal(t, 1, f.count(t))
}

func TestAuditSinkFailureDoesNotFailOperation(t *testing.T) {
	f := newFixture(t)
	f.sink.fail = true

	root := f.issueRoot(t, "Root")
	_, err := f.ca.Revoke(t.Context(), root.ID, pki.ReasonCessationOfOperation, admin)
	require.NoError(t, err)
	assert.Equal(t, []pki.AuditEvent{pki.AuditCertificateCreated, pki.AuditCertificateRevoked}, f.sink.events())
}

func TestRevoke(t *testing.T) {
	f := newFixture(t)
	root := f.issueRoot(t, "Root")
	inter := f.issueIntermediate(t, root.ID, "Alice CA", admin, 365)
	leaf, err := f.ca.Issue(t.Context(), pki.IssueRequest{
		Type:         pki.CertTypeEndEntity,
		Subject:      pki.Subject{CommonName: "alice.example.com"},
		IssuerID:     inter.ID,
		ValidityDays: 30,
	}, admin)
	require.NoError(t, err)

	_, err = f.ca.Revoke(t.Context(), leaf.ID, pki.RevocationReason(8), admin)
	require.ErrorIs(t, err, pki.ErrValidation)

	_, err = f.ca.Revoke(t.Context(), leaf.ID, pki.ReasonKeyCompromise, mallory)
	require.ErrorIs(t, err, pki.ErrNotAuthorized)

	_, err = f.ca.Revoke(t.Context(), "missing", pki.ReasonKeyCompromise, admin)
	require.ErrorIs(t, err, pki.ErrNotFound)

	revoked, err := f.ca.Revoke(t.Context(), leaf.ID, pki.ReasonSuperseded, admin)
	require.NoError(t, err)
	require.NotNil(t, revoked.RevocationDate)
	assert.True(t, f.clock.Now().Truncate(time.Second).Equal(*revoked.RevocationDate))

	_, err = f.ca.Revoke(t.Context(), leaf.ID, pki.ReasonKeyCompromise, admin)
	require.ErrorIs(t, err, pki.ErrAlreadyRevoked)

	again, err := f.ca.GetByID(t.Context(), leaf.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, pki.ReasonSuperseded, again.RevocationReason)
}

func TestRevokeConcurrent(t *testing.T) {
	f := newFixture(t)
	root := f.issueRoot(t, "Root")

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		already   int
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.ca.Revoke(t.Context(), root.ID, pki.ReasonUnspecified, admin)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case assert.ErrorIs(t, err, pki.ErrAlreadyRevoked):
				already++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, workers-1, already)
}

func TestAccessControl(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	root := f.issueRoot(t, "Root")
	adminCA := f.issueIntermediate(t, root.ID, "Admin CA", admin, 365)

	aliceLeaf, err := f.ca.Issue(ctx, pki.IssueRequest{
		Type:         pki.CertTypeEndEntity,
		Subject:      pki.Subject{CommonName: "alice.example.com"},
		IssuerID:     root.ID,
		ValidityDays: 30,
	}, alice)
	require.ErrorIs(t, err, pki.ErrIssuerNotAuthorized)
	require.Nil(t, aliceLeaf)

	opCA := f.issueIntermediate(t, root.ID, "Operator CA", operator, 365)
	opLeaf, err := f.ca.Issue(ctx, pki.IssueRequest{
		Type:         pki.CertTypeEndEntity,
		Subject:      pki.Subject{CommonName: "op.example.com"},
		IssuerID:     opCA.ID,
		ValidityDays: 30,
	}, admin)
	require.NoError(t, err)

	resolver := f.ca.Resolver()
	for _, tt := range []struct {
		p    pki.Principal
		c    *pki.Certificate
		want bool
	}{
		{admin, root, true},
		{admin, opLeaf, true},
		{operator, opCA, true},
		{operator, opLeaf, true},
		{operator, root, false},
		{operator, adminCA, false},
		{alice, opLeaf, false},
		{pki.Principal{Role: pki.RoleEndUser}, opLeaf, false},
	} {
		ok, err := resolver.CanAccess(ctx, tt.p, tt.c)
		require.NoError(t, err)
		assert.Equal(t, tt.want, ok, "%s on %s", tt.p.ID, tt.c.Subject.CommonName)
	}

	ok, err := resolver.CanIssueFrom(ctx, operator, opCA)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = resolver.CanIssueFrom(ctx, operator, opLeaf)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = f.ca.GetByID(ctx, opLeaf.ID, alice)
	require.ErrorIs(t, err, pki.ErrNotAuthorized)
	_, err = f.ca.GetByID(ctx, "missing", admin)
	require.ErrorIs(t, err, pki.ErrNotFound)
}

func TestListAccessibleAndIssuers(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	root := f.issueRoot(t, "Root")
	opCA := f.issueIntermediate(t, root.ID, "Operator CA", operator, 365)
	retired := f.issueIntermediate(t, root.ID, "Retired CA", operator, 365)
	_, err := f.ca.Revoke(ctx, retired.ID, pki.ReasonCessationOfOperation, operator)
	require.NoError(t, err)
	leaf, err := f.ca.Issue(ctx, pki.IssueRequest{
		Type:         pki.CertTypeEndEntity,
		Subject:      pki.Subject{CommonName: "svc.example.com"},
		IssuerID:     opCA.ID,
		ValidityDays: 30,
	}, operator)
	require.NoError(t, err)

	ids := func(certs []*pki.Certificate) []string {
		var out []string
		for _, c := range certs {
			out = append(out, c.ID)
		}
		return out
	}

	all, err := f.ca.ListAccessible(ctx, admin)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{root.ID, opCA.ID, retired.ID, leaf.ID}, ids(all))

	mine, err := f.ca.ListAccessible(ctx, operator)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{opCA.ID, retired.ID, leaf.ID}, ids(mine))

	none, err := f.ca.ListAccessible(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, none)

	issuers, err := f.ca.ListCAIssuers(ctx, operator)
	require.NoError(t, err)
	assert.Equal(t, []string{opCA.ID}, ids(issuers))

	issuers, err = f.ca.ListCAIssuers(ctx, admin)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{root.ID, opCA.ID}, ids(issuers))
}

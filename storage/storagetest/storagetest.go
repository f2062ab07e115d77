// Package storagetest provides a conformance suite shared by the
// storage.Repository backends.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jmcleod/ironca/storage"
)

// NewRecord returns a minimal valid record for tests.
func NewRecord(id, serial, issuerID string) *storage.Record {
	now := time.Now().UTC().Truncate(time.Second)
	pathLen := 1
	return &storage.Record{
		ID:             id,
		SerialNumber:   serial,
		Type:           "INTERMEDIATE",
		CommonName:     "cn-" + id,
		Organization:   "Org",
		IssuerDN:       "CN=issuer",
		ValidFrom:      now,
		ValidTo:        now.Add(24 * time.Hour),
		IssuerID:       issuerID,
		OwnerID:        "owner-1",
		CertificatePEM: "-----BEGIN CERTIFICATE-----\n-----END CERTIFICATE-----\n",
		Fingerprint:    "ff",
		KeyUsage:       96,
		ExtKeyUsage:    []int{1, 2},
		IsCA:           true,
		MaxPathLen:     &pathLen,
		DNSNames:       []string{"a.example.com"},
		IPAddresses:    []string{"10.0.0.1"},
		KeyAlias:       "alias-" + id,
		KeySecret:      "secret",
		CreatedAt:      now,
	}
}

// RunRepositoryTests exercises the storage.Repository contract against repo.
// repo must be empty.
func RunRepositoryTests(t *testing.T, repo storage.Repository) {
	t.Helper()
	ctx := context.Background()

	root := NewRecord("root", "100", "")
	child := NewRecord("child", "101", "root")

	t.Run("CreateGet", func(t *testing.T) {
		if err := repo.Create(ctx, root); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		got, err := repo.Get(ctx, "root")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.SerialNumber != "100" || got.CommonName != "cn-root" || got.IssuerID != "" {
			t.Errorf("unexpected record: %+v", got)
		}
		if got.MaxPathLen == nil || *got.MaxPathLen != 1 {
			t.Errorf("expected max path len 1, got %v", got.MaxPathLen)
		}
		if len(got.DNSNames) != 1 || got.DNSNames[0] != "a.example.com" {
			t.Errorf("unexpected DNS names: %v", got.DNSNames)
		}
		if len(got.ExtKeyUsage) != 2 {
			t.Errorf("unexpected ext key usage: %v", got.ExtKeyUsage)
		}
		if !got.ValidFrom.Equal(root.ValidFrom) || !got.ValidTo.Equal(root.ValidTo) {
			t.Errorf("validity window mismatch: %v - %v", got.ValidFrom, got.ValidTo)
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		_, err := repo.Get(ctx, "missing")
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("DuplicateID", func(t *testing.T) {
		dup := NewRecord("root", "999", "")
		if err := repo.Create(ctx, dup); !errors.Is(err, storage.ErrConflict) {
			t.Errorf("expected ErrConflict, got %v", err)
		}
	})

	t.Run("DuplicateSerial", func(t *testing.T) {
		dup := NewRecord("other", "100", "")
		if err := repo.Create(ctx, dup); !errors.Is(err, storage.ErrSerialConflict) {
			t.Errorf("expected ErrSerialConflict, got %v", err)
		}
		if _, err := repo.Get(ctx, "other"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("rejected record must not be stored, got %v", err)
		}
	})

	t.Run("SerialExists", func(t *testing.T) {
		ok, err := repo.SerialExists(ctx, "100")
		if err != nil || !ok {
			t.Errorf("expected serial 100 to exist, got %v, %v", ok, err)
		}
		ok, err = repo.SerialExists(ctx, "12345")
		if err != nil || ok {
			t.Errorf("expected serial 12345 to be free, got %v, %v", ok, err)
		}
	})

	t.Run("ListAndListByIssuer", func(t *testing.T) {
		if err := repo.Create(ctx, child); err != nil {
			t.Fatalf("Create child failed: %v", err)
		}
		all, err := repo.List(ctx)
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(all) != 2 {
			t.Errorf("expected 2 records, got %d", len(all))
		}
		children, err := repo.ListByIssuer(ctx, "root")
		if err != nil {
			t.Fatalf("ListByIssuer failed: %v", err)
		}
		if len(children) != 1 || children[0].ID != "child" {
			t.Errorf("unexpected children: %v", children)
		}
	})

	t.Run("Revoke", func(t *testing.T) {
		at := time.Now().UTC().Truncate(time.Second)
		if err := repo.Revoke(ctx, "child", 1, at); err != nil {
			t.Fatalf("Revoke failed: %v", err)
		}
		got, err := repo.Get(ctx, "child")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if !got.Revoked || got.RevocationReason != 1 || got.RevocationDate == nil || !got.RevocationDate.Equal(at) {
			t.Errorf("unexpected revocation state: %+v", got)
		}

		if err := repo.Revoke(ctx, "child", 4, at); !errors.Is(err, storage.ErrCASFailed) {
			t.Errorf("expected ErrCASFailed on second revoke, got %v", err)
		}
		got, _ = repo.Get(ctx, "child")
		if got.RevocationReason != 1 {
			t.Errorf("revocation reason must not change, got %d", got.RevocationReason)
		}

		if err := repo.Revoke(ctx, "missing", 1, at); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ConcurrentRevoke", func(t *testing.T) {
		rec := NewRecord("race", "200", "root")
		if err := repo.Create(ctx, rec); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			succeeded int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := repo.Revoke(ctx, "race", i%3, time.Now().UTC())
				if err == nil {
					mu.Lock()
					succeeded++
					mu.Unlock()
				} else if !errors.Is(err, storage.ErrCASFailed) {
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		wg.Wait()
		if succeeded != 1 {
			t.Errorf("exactly one revoke must succeed, got %d", succeeded)
		}
	})

	t.Run("Isolation", func(t *testing.T) {
		got, _ := repo.Get(ctx, "root")
		got.DNSNames[0] = "mutated"
		again, _ := repo.Get(ctx, "root")
		if again.DNSNames[0] != "a.example.com" {
			t.Error("repository must not share record state with callers")
		}
	})

	t.Run("ManyRecords", func(t *testing.T) {
		for i := 0; i < 20; i++ {
			rec := NewRecord(fmt.Sprintf("bulk-%d", i), fmt.Sprintf("%d", 1000+i), "root")
			if err := repo.Create(ctx, rec); err != nil {
				t.Fatalf("Create %d failed: %v", i, err)
			}
		}
		children, err := repo.ListByIssuer(ctx, "root")
		if err != nil {
			t.Fatalf("ListByIssuer failed: %v", err)
		}
		if len(children) != 22 {
			t.Errorf("expected 22 children, got %d", len(children))
		}
	})
}

package cmd

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironca/internal/util"
	"github.com/jmcleod/ironca/keystore"
	"github.com/jmcleod/ironca/pki"
	"github.com/jmcleod/ironca/storage/memory"
)

var testAdmin = pki.Principal{ID: "admin", Role: pki.RoleAdmin}

type memoryAuditSink struct {
	mu     sync.Mutex
	events []pki.AuditEvent
}

func (s *memoryAuditSink) Record(_ context.Context, event pki.AuditEvent, _, _, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *memoryAuditSink) count(event pki.AuditEvent) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e == event {
			n++
		}
	}
	return n
}

// testCA is a root → intermediate → leaf hierarchy on in-memory storage.
type testCA struct {
	ca       *pki.Authority
	registry *prometheus.Registry
	audit    *memoryAuditSink
	root     *pki.Certificate
	inter    *pki.Certificate
	leaf     *pki.Certificate
}

func newTestCA(t *testing.T) *testCA {
	t.Helper()
	ctx := t.Context()
	backend, err := keystore.OpenFile(filepath.Join(t.TempDir(), "keystore.json"))
	require.NoError(t, err)
	master, err := util.NewAESKey()
	require.NoError(t, err)
	wrapper, err := keystore.NewWrapper(master)
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tc := &testCA{registry: prometheus.NewRegistry(), audit: &memoryAuditSink{}}
	tc.ca, err = pki.New(memory.NewRepository(), keystore.New(backend, wrapper, logger),
		pki.WithLogger(logger),
		pki.WithAuditSink(tc.audit),
		pki.WithMetrics(pki.NewMetrics(tc.registry)),
	)
	require.NoError(t, err)

	tc.root, err = tc.ca.Issue(ctx, pki.IssueRequest{
		Type:         pki.CertTypeRoot,
		Subject:      pki.Subject{CommonName: "Test Root", Organization: "Test"},
		ValidityDays: 3650,
	}, testAdmin)
	require.NoError(t, err)
	tc.inter, err = tc.ca.Issue(ctx, pki.IssueRequest{
		Type:         pki.CertTypeIntermediate,
		Subject:      pki.Subject{CommonName: "Test Intermediate", Organization: "Test"},
		IssuerID:     tc.root.ID,
		ValidityDays: 1825,
	}, testAdmin)
	require.NoError(t, err)
	tc.leaf, err = tc.ca.Issue(ctx, pki.IssueRequest{
		Type:         pki.CertTypeEndEntity,
		Subject:      pki.Subject{CommonName: "leaf.example.com"},
		IssuerID:     tc.inter.ID,
		ValidityDays: 365,
		DNSNames:     []string{"leaf.example.com"},
	}, testAdmin)
	require.NoError(t, err)
	return tc
}

func TestCurrentPrincipal(t *testing.T) {
	defer func(id, role string) { principalID, roleName = id, role }(principalID, roleName)

	principalID, roleName = "alice", "END_USER"
	p, err := currentPrincipal()
	require.NoError(t, err)
	require.Equal(t, pki.Principal{ID: "alice", Role: pki.RoleEndUser}, p)

	roleName = "ROOT"
	_, err = currentPrincipal()
	require.Error(t, err)

	principalID, roleName = "", "ADMIN"
	_, err = currentPrincipal()
	require.Error(t, err)
}

func TestReadPassword(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pw")
	require.NoError(t, os.WriteFile(path, []byte("s3cret\r\n"), 0o600))

	pw, err := readPassword(path)
	require.NoError(t, err)
	require.Equal(t, "s3cret", pw)

	_, err = readPassword("")
	require.Error(t, err)
	_, err = readPassword(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}

func TestOpenApp(t *testing.T) {
	const masterKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

	tests := map[string]string{
		"bbolt with file keystore": `
storage:
  driver: bbolt
  path: {{dir}}/data/ironca.db
keystore:
  driver: file
  path: {{dir}}/data/keystore.json
  master_key: ` + masterKey,
		"bbolt with shared keystore": `
storage:
  driver: bbolt
  path: {{dir}}/ironca.db
keystore:
  driver: bbolt
  master_key: ` + masterKey,
		"sqlite": `
storage:
  driver: sqlite
  path: {{dir}}/ironca.sqlite
keystore:
  path: {{dir}}/keystore.json
  master_key: ` + masterKey,
		"memory": `
storage:
  driver: memory
keystore:
  path: {{dir}}/keystore.json
  master_key: ` + masterKey,
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			cfgFile := filepath.Join(dir, "ironca.yaml")
			content := strings.ReplaceAll(content, "{{dir}}", dir)
			require.NoError(t, os.WriteFile(cfgFile, []byte(content), 0o600))

			defer func(prev string) { configPath = prev }(configPath)
			configPath = cfgFile

			rt, err := openApp(context.Background())
			require.NoError(t, err)

			root, err := rt.ca.Issue(t.Context(), pki.IssueRequest{
				Type:         pki.CertTypeRoot,
				Subject:      pki.Subject{CommonName: "Wired Root"},
				ValidityDays: 30,
			}, testAdmin)
			require.NoError(t, err)
			_, err = rt.ca.GenerateCRL(t.Context(), root.ID, testAdmin)
			require.NoError(t, err)
			require.NoError(t, rt.Close())
		})
	}
}

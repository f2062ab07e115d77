// Package keystore implements custody of the private keys behind
// CA-capable certificates.
//
// Each key lives in its own PKCS#12 entry, keyed by alias and protected by
// a random per-entry password. The password is never persisted in the
// clear: callers receive a SecretRef holding it sealed under a key derived
// from a system master secret, and must present that reference to get the
// key back.
package keystore

import (
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"

	"software.sslmate.com/src/go-pkcs12"

	"github.com/jmcleod/ironca/internal/util"
)

var (
	// ErrKeyCustody is wrapped by every store/retrieve failure.
	ErrKeyCustody = errors.New("key custody failure")

	ErrEntryNotFound = errors.New("keystore entry not found")
	ErrEntryExists   = errors.New("keystore entry already exists")
)

// passwordBytes is the entropy of a per-entry password before hex encoding.
const passwordBytes = 32

// KeyStore holds private keys for certificates.
type KeyStore interface {
	// Store writes key and its certificate chain (leaf first) under alias and
	// returns the reference needed to read it back.
	Store(ctx context.Context, alias string, key crypto.Signer, chain []*x509.Certificate) (SecretRef, error)

	// Retrieve unwraps ref and returns the private key stored under alias.
	Retrieve(ctx context.Context, alias string, ref SecretRef) (crypto.Signer, error)

	// Delete removes the entry for alias. Deleting a missing alias is not an error.
	Delete(ctx context.Context, alias string) error
}

// Backend persists encoded keystore entries. Put must be all-or-nothing and
// must refuse to overwrite an existing alias.
type Backend interface {
	Put(ctx context.Context, alias string, entry []byte) error
	Get(ctx context.Context, alias string) ([]byte, error)
	Delete(ctx context.Context, alias string) error
}

// Custody is the KeyStore implementation: PKCS#12 entries on a Backend,
// passwords wrapped by a Wrapper.
type Custody struct {
	backend Backend
	wrapper *Wrapper
	logger  *slog.Logger
}

var _ KeyStore = (*Custody)(nil)

// New returns a Custody storing entries in backend.
func New(backend Backend, wrapper *Wrapper, logger *slog.Logger) *Custody {
	if logger == nil {
		logger = slog.Default()
	}
	return &Custody{
		backend: backend,
		wrapper: wrapper,
		logger:  logger.With("component", "keystore"),
	}
}

func (c *Custody) Store(ctx context.Context, alias string, key crypto.Signer, chain []*x509.Certificate) (SecretRef, error) {
	if alias == "" {
		return "", fmt.Errorf("%w: empty alias", ErrKeyCustody)
	}
	if key == nil || len(chain) == 0 || chain[0] == nil {
		return "", fmt.Errorf("%w: key and certificate are required", ErrKeyCustody)
	}
	if err := matchesCertificate(key, chain[0]); err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrKeyCustody, alias, err)
	}

	password, err := util.RandomHex(passwordBytes)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrKeyCustody, err)
	}

	ref, err := c.wrapper.Wrap(alias, []byte(password))
	if err != nil {
		return "", fmt.Errorf("%w: wrapping entry password: %w", ErrKeyCustody, err)
	}

	entry, err := pkcs12.Modern.Encode(key, chain[0], chain[1:], password)
	if err != nil {
		return "", fmt.Errorf("%w: encoding entry %s: %w", ErrKeyCustody, alias, err)
	}
	if err := c.backend.Put(ctx, alias, entry); err != nil {
		return "", fmt.Errorf("%w: writing entry %s: %w", ErrKeyCustody, alias, err)
	}

	c.logger.Debug("key stored", "alias", alias)
	return ref, nil
}

func (c *Custody) Retrieve(ctx context.Context, alias string, ref SecretRef) (crypto.Signer, error) {
	password, err := c.wrapper.Unwrap(alias, ref)
	if err != nil {
		return nil, fmt.Errorf("%w: unwrapping secret for %s: %w", ErrKeyCustody, alias, err)
	}
	defer util.WipeBytes(password)

	entry, err := c.backend.Get(ctx, alias)
	if err != nil {
		return nil, fmt.Errorf("%w: reading entry %s: %w", ErrKeyCustody, alias, err)
	}

	key, cert, _, err := pkcs12.DecodeChain(entry, string(password))
	if err != nil {
		return nil, fmt.Errorf("%w: decoding entry %s: %w", ErrKeyCustody, alias, err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%w: entry %s holds a %T, not a signing key", ErrKeyCustody, alias, key)
	}
	if err := matchesCertificate(signer, cert); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrKeyCustody, alias, err)
	}
	return signer, nil
}

func (c *Custody) Delete(ctx context.Context, alias string) error {
	if err := c.backend.Delete(ctx, alias); err != nil {
		return fmt.Errorf("%w: deleting entry %s: %w", ErrKeyCustody, alias, err)
	}
	c.logger.Debug("key deleted", "alias", alias)
	return nil
}

func matchesCertificate(key crypto.Signer, cert *x509.Certificate) error {
	pub, ok := key.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !pub.Equal(cert.PublicKey) {
		return errors.New("private key does not match certificate")
	}
	return nil
}

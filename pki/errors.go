package pki

import (
	"errors"

	"github.com/jmcleod/ironca/keystore"
)

var (
	// ErrValidation is returned for malformed or out-of-range requests.
	ErrValidation = errors.New("invalid request")

	// ErrNotFound is returned when a certificate does not exist or is not
	// visible to the caller.
	ErrNotFound = errors.New("certificate not found")

	// ErrNotAuthorized is returned when a principal may not access,
	// issue from or revoke a certificate.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrIssuerNotFound is returned when the named issuer does not exist.
	// It is always reported together with ErrNotFound.
	ErrIssuerNotFound = errors.New("issuer not found")

	// ErrIssuerNotAuthorized is returned when the principal may not issue
	// from the named issuer. It is always reported together with ErrNotAuthorized.
	ErrIssuerNotAuthorized = errors.New("issuer not authorized")

	// ErrIssuerNotUsable is returned when the issuer is revoked, outside its
	// validity window, not CA-capable, or its path length forbids the child.
	ErrIssuerNotUsable = errors.New("issuer not usable")

	// ErrCSRInvalid is returned when a CSR cannot be parsed or its
	// self-signature does not verify.
	ErrCSRInvalid = errors.New("invalid certificate signing request")

	// ErrIssuerKeyUnavailable is returned when the issuer's private key
	// cannot be read from custody.
	ErrIssuerKeyUnavailable = errors.New("issuer key unavailable")

	// ErrKeyCustody is the key custody failure reported by the keystore.
	ErrKeyCustody = keystore.ErrKeyCustody

	// ErrAlreadyRevoked is returned when revoking a revoked certificate.
	ErrAlreadyRevoked = errors.New("certificate is already revoked")

	// ErrCertificateGenerationFailed wraps builder, signer, custody and
	// persistence failures during issuance.
	ErrCertificateGenerationFailed = errors.New("certificate generation failed")

	// ErrChainBroken is returned when an issuer link points at a missing
	// certificate or the links loop.
	ErrChainBroken = errors.New("certificate chain broken")

	// ErrUntrusted is returned by chain verification when any member of the
	// chain is revoked, expired or fails signature verification.
	ErrUntrusted = errors.New("certificate chain untrusted")

	// ErrInvalidPEM is returned when PEM data cannot be decoded or parsed.
	ErrInvalidPEM = errors.New("invalid PEM data")

	// ErrNoPrivateKey is returned when exporting a certificate whose key is
	// not held in custody.
	ErrNoPrivateKey = errors.New("certificate has no private key in custody")
)
